// Package simdriver is an in-process capture driver that renders test
// patterns. It backs `fbcap --driver sim` and integration tests on machines
// without an NVIDIA GPU.
package simdriver

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/breeze-rmm/fbcapture/internal/capture"
	"github.com/breeze-rmm/fbcapture/internal/capture/gpu"
	"github.com/breeze-rmm/fbcapture/internal/logging"
)

var log = logging.L("simdriver")

// Config describes the simulated display layout and driver behavior.
type Config struct {
	ScreenWidth  int
	ScreenHeight int
	Outputs      []capture.OutputInfo

	// CaptureDisabled makes status report that capture is not possible.
	CaptureDisabled bool
	// NoOutputTracking hides XRandR, so single-output tracking is refused.
	NoOutputTracking bool
	// DirectAvailable lets sessions that allow it receive direct frames.
	DirectAvailable bool
	// NotDirectGrabs is how many grabs report a copy before direct capture
	// kicks in.
	NotDirectGrabs int
}

// DefaultConfig is two 1080p outputs side by side.
func DefaultConfig() Config {
	return Config{
		ScreenWidth:  3840,
		ScreenHeight: 1080,
		Outputs: []capture.OutputInfo{
			{ID: 0x1b0, Name: "DP-0", Region: capture.Region{Width: 1920, Height: 1080}},
			{ID: 0x1b1, Name: "HDMI-0", Region: capture.Region{X: 1920, Width: 1920, Height: 1080}},
		},
		DirectAvailable: true,
	}
}

type session struct {
	cfg       capture.CaptureConfig
	width     int
	height    int
	delivered bool
	stale     bool
	buf       []byte
	devPtr    uintptr
}

type handleState struct {
	session *session
	lastErr string
}

// Driver implements capture.Driver. Safe for concurrent use.
type Driver struct {
	mu      sync.Mutex
	cfg     Config
	compute *gpu.HostCompute

	next    capture.Handle
	handles map[capture.Handle]*handleState
	bound   capture.Handle

	frame     uint64
	grabs     uint64
	copyGrabs int
	faults    map[uint64]capture.GrabOutcome
	queued    []capture.GrabOutcome
}

// New returns a driver whose device frames live in compute.
func New(cfg Config, compute *gpu.HostCompute) *Driver {
	return &Driver{
		cfg:     cfg,
		compute: compute,
		handles: make(map[capture.Handle]*handleState),
		faults:  make(map[uint64]capture.GrabOutcome),
	}
}

// InjectAt makes the n-th grab (counting from 1, non-blocking grabs included) return
// outcome instead of a frame.
func (d *Driver) InjectAt(n uint64, outcome capture.GrabOutcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[n] = outcome
}

// InjectNext queues outcomes for the following grabs.
func (d *Driver) InjectNext(outcomes ...capture.GrabOutcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queued = append(d.queued, outcomes...)
}

// Modeset invalidates every live capture session, the way a resolution
// change does. Their next grab reports MustRecreate.
func (d *Driver) Modeset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, hs := range d.handles {
		if hs.session != nil {
			hs.session.stale = true
		}
	}
	log.Info("Simulated modeset")
}

// Grabs is the number of grabs performed so far.
func (d *Driver) Grabs() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.grabs
}

// Live reports outstanding handles and capture sessions.
func (d *Driver) Live() (handles, sessions int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, hs := range d.handles {
		if hs.session != nil {
			sessions++
		}
	}
	return len(d.handles), sessions
}

// Bound returns the handle whose context is bound, or 0.
func (d *Driver) Bound() capture.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bound
}

func (d *Driver) lookup(h capture.Handle) (*handleState, error) {
	hs, ok := d.handles[h]
	if !ok {
		return nil, fmt.Errorf("invalid handle %d", h)
	}
	return hs, nil
}

func (d *Driver) fail(hs *handleState, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	if hs != nil {
		hs.lastErr = err.Error()
	}
	return err
}

func (d *Driver) CreateHandle() (capture.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.handles[d.next] = &handleState{}
	log.Debug("Handle created", "handle", uint64(d.next))
	return d.next, nil
}

func (d *Driver) GetStatus(h capture.Handle) (capture.StatusInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, err := d.lookup(h)
	if err != nil {
		return capture.StatusInfo{}, err
	}
	st := capture.StatusInfo{
		CapturePossible:         !d.cfg.CaptureDisabled,
		CurrentlyCapturing:      hs.session != nil,
		CanCreateNow:            !d.cfg.CaptureDisabled,
		OutputTrackingAvailable: !d.cfg.NoOutputTracking,
		ScreenWidth:             d.cfg.ScreenWidth,
		ScreenHeight:            d.cfg.ScreenHeight,
	}
	for i, out := range d.cfg.Outputs {
		out.Index = i
		st.Outputs = append(st.Outputs, out)
	}
	return st, nil
}

func (d *Driver) CreateCaptureSession(h capture.Handle, cfg capture.CaptureConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, err := d.lookup(h)
	if err != nil {
		return err
	}
	if hs.session != nil {
		return d.fail(hs, "a capture session already exists on handle %d", h)
	}
	if d.cfg.CaptureDisabled {
		return d.fail(hs, "capture is not possible")
	}
	if err := cfg.Validate(); err != nil {
		return d.fail(hs, "invalid session parameters: %v", err)
	}

	s := &session{cfg: cfg, width: d.cfg.ScreenWidth, height: d.cfg.ScreenHeight}
	if cfg.Tracking == capture.TrackingSingleOutput {
		if d.cfg.NoOutputTracking {
			return d.fail(hs, "output tracking requires XRandR")
		}
		found := false
		for _, out := range d.cfg.Outputs {
			if out.ID == cfg.OutputID {
				s.width, s.height = out.Region.Width, out.Region.Height
				found = true
				break
			}
		}
		if !found {
			return d.fail(hs, "unknown output id %#x", cfg.OutputID)
		}
	}
	s.buf = make([]byte, s.width*s.height*4)
	hs.session = s
	log.Debug("Capture session created",
		"handle", uint64(h),
		"width", s.width,
		"height", s.height,
		"delivery", cfg.Delivery.String(),
		"direct", cfg.DirectCaptureAllowed)
	return nil
}

func (d *Driver) SetupDelivery(h capture.Handle, r gpu.Residency) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, err := d.lookup(h)
	if err != nil {
		return 0, err
	}
	s := hs.session
	if s == nil {
		return 0, d.fail(hs, "no capture session on handle %d", h)
	}
	if s.delivered {
		return 0, d.fail(hs, "delivery already set up")
	}
	if r != s.cfg.Residency {
		return 0, d.fail(hs, "session was created for %s delivery, not %s", s.cfg.Residency, r)
	}
	s.delivered = true
	switch r {
	case gpu.ResidencyDevice:
		if d.compute == nil {
			return 0, d.fail(hs, "no compute device for device delivery")
		}
		s.devPtr = d.compute.Register(s.buf)
		return 0, nil
	default:
		return uintptr(unsafe.Pointer(&s.buf[0])), nil
	}
}

func (d *Driver) DestroyCaptureSession(h capture.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, err := d.lookup(h)
	if err != nil {
		return err
	}
	if hs.session == nil {
		return d.fail(hs, "no capture session on handle %d", h)
	}
	d.dropSession(hs)
	return nil
}

func (d *Driver) dropSession(hs *handleState) {
	if hs.session.devPtr != 0 {
		d.compute.Unregister(hs.session.devPtr)
	}
	hs.session = nil
}

func (d *Driver) DestroyHandle(h capture.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, err := d.lookup(h)
	if err != nil {
		return err
	}
	if hs.session != nil {
		d.dropSession(hs)
	}
	if d.bound == h {
		d.bound = 0
	}
	delete(d.handles, h)
	return nil
}

func (d *Driver) BindContext(h capture.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, err := d.lookup(h)
	if err != nil {
		return err
	}
	if d.bound != 0 {
		return d.fail(hs, "context already bound to handle %d", d.bound)
	}
	d.bound = h
	return nil
}

// ReleaseContext on a handle that was destroyed while bound succeeds, since
// destroying the handle dropped the binding.
func (d *Driver) ReleaseContext(h capture.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, ok := d.handles[h]
	if !ok {
		return nil
	}
	if d.bound != h {
		return d.fail(hs, "context not bound to handle %d", h)
	}
	d.bound = 0
	return nil
}

func (d *Driver) LastError(h capture.Handle) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if hs, ok := d.handles[h]; ok {
		return hs.lastErr
	}
	return fmt.Sprintf("invalid handle %d", h)
}

func (d *Driver) GrabFrame(h capture.Handle, req capture.GrabRequest) capture.GrabResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, ok := d.handles[h]
	if !ok {
		return capture.GrabResult{Outcome: capture.GrabError, Code: 5}
	}
	s := hs.session
	switch {
	case s == nil || !s.delivered:
		hs.lastErr = "grab without a configured capture session"
		return capture.GrabResult{Outcome: capture.GrabError, Code: 9}
	case d.bound != h:
		hs.lastErr = "grab without a bound context"
		return capture.GrabResult{Outcome: capture.GrabError, Code: 15}
	case req.Residency != s.cfg.Residency:
		hs.lastErr = fmt.Sprintf("grab for %s on a %s session", req.Residency, s.cfg.Residency)
		return capture.GrabResult{Outcome: capture.GrabError, Code: 3}
	}

	d.grabs++
	outcome, injected := d.faults[d.grabs]
	if injected {
		delete(d.faults, d.grabs)
	} else if len(d.queued) > 0 {
		outcome, injected = d.queued[0], true
		d.queued = d.queued[1:]
	}
	if s.stale {
		outcome, injected = capture.GrabMustRecreate, true
	}
	if injected && outcome != capture.GrabOK {
		return d.injected(hs, s, outcome)
	}

	d.frame++
	paint(s.buf, s.width, s.height, d.frame)
	info := capture.GrabInfo{
		Width:       s.width,
		Height:      s.height,
		FrameNumber: d.frame,
		IsNewFrame:  true,
	}
	if d.copyGrabs < d.cfg.NotDirectGrabs {
		d.copyGrabs++
	} else {
		info.DirectCapture = d.cfg.DirectAvailable && s.cfg.DirectCaptureAllowed
	}
	info.RequiredPostProcessing = !info.DirectCapture

	res := capture.GrabResult{Outcome: capture.GrabOK, Info: info}
	res.Frame.Pitch = s.width * 4
	if s.cfg.Residency == gpu.ResidencyDevice {
		res.Frame.DevicePtr = s.devPtr
	} else {
		res.Frame.Host = s.buf
	}
	return res
}

func (d *Driver) injected(hs *handleState, s *session, outcome capture.GrabOutcome) capture.GrabResult {
	info := capture.GrabInfo{Width: s.width, Height: s.height, FrameNumber: d.frame}
	switch outcome {
	case capture.GrabTimeout:
		return capture.GrabResult{Outcome: outcome, Info: info}
	case capture.GrabMustRecreate:
		hs.lastErr = "capture session must be recreated"
		return capture.GrabResult{Outcome: outcome, Code: 16}
	default:
		hs.lastErr = "injected grab failure"
		return capture.GrabResult{Outcome: capture.GrabError, Code: 2}
	}
}

// Pixel returns the BGRA value paint writes at (x, y) for frame.
func Pixel(frame uint64, x, y int) [4]byte {
	return [4]byte{byte(x) + byte(frame), byte(y) + byte(frame), byte(frame * 8), 0xff}
}

func paint(buf []byte, width, height int, frame uint64) {
	for y := 0; y < height; y++ {
		row := buf[y*width*4 : (y+1)*width*4]
		for x := 0; x < width; x++ {
			p := Pixel(frame, x, y)
			copy(row[x*4:x*4+4], p[:])
		}
	}
}
