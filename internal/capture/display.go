package capture

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/fbcapture/internal/capture/gpu"
	"github.com/breeze-rmm/fbcapture/internal/logging"
)

const (
	DefaultGrabTimeout    = 150 * time.Millisecond
	DefaultDirectAttempts = 3
)

// Option configures a DisplaySession.
type Option func(*DisplaySession)

func WithResidency(r gpu.Residency) Option {
	return func(d *DisplaySession) { d.cfg.Residency = r }
}

func WithClock(c Clock) Option {
	return func(d *DisplaySession) { d.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *DisplaySession) { d.baseLog = l }
}

func WithGrabTimeout(t time.Duration) Option {
	return func(d *DisplaySession) { d.grabTimeout = t }
}

// WithDirectAttempts sets how many non-blocking grabs are tried before
// giving up on direct capture.
func WithDirectAttempts(n int) Option {
	return func(d *DisplaySession) { d.directAttempts = n }
}

func WithMetrics(m *Metrics) Option {
	return func(d *DisplaySession) { d.metrics = m }
}

// DisplaySession captures one output (or the whole virtual desktop) at a
// fixed frame rate. It is owned by a single goroutine.
type DisplaySession struct {
	id      string
	rt      *Runtime
	drv     Driver
	handle  *sessionHandle
	baseLog *slog.Logger
	log     *slog.Logger

	selector       string
	cfg            CaptureConfig
	geom           Geometry
	interval       time.Duration
	grabTimeout    time.Duration
	directAttempts int

	clock   Clock
	pacer   pacer
	metrics *Metrics

	// cursorVisible is the cursor setting the active vendor session was
	// configured with.
	cursorVisible bool
	state         State
	closed        bool
}

// NewDisplaySession initializes the runtime, resolves selector to a region
// and prepares, but does not start, a capture session. An empty selector
// captures the whole virtual desktop; otherwise it is an output index as
// reported by ListOutputs. Invalid indexes fall back to the desktop.
func NewDisplaySession(rt *Runtime, selector string, frameRate int, opts ...Option) (*DisplaySession, error) {
	if frameRate <= 0 {
		return nil, fmt.Errorf("%w: frame rate must be positive, got %d", ErrConfiguration, frameRate)
	}
	if rt == nil {
		return nil, &DriverError{Op: "create display session", Message: "no runtime"}
	}

	d := &DisplaySession{
		id:             uuid.NewString(),
		rt:             rt,
		selector:       selector,
		interval:       time.Second / time.Duration(frameRate),
		grabTimeout:    DefaultGrabTimeout,
		directAttempts: DefaultDirectAttempts,
		clock:          systemClock{},
		cfg: CaptureConfig{
			Delivery:                   DeliveryPull,
			Tracking:                   TrackingFullDesktop,
			SamplingIntervalMs:         1000 / frameRate,
			Residency:                  gpu.ResidencyDevice,
			DisableAutoModesetRecovery: true,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.baseLog == nil {
		d.baseLog = log
	}
	if d.metrics == nil {
		d.metrics = NewMetrics()
	}
	if d.directAttempts < 1 {
		d.directAttempts = 1
	}
	d.log = logging.WithSession(d.baseLog, d.id, selector)
	d.pacer = pacer{clock: d.clock, interval: d.interval}

	if err := rt.Init(); err != nil {
		return nil, err
	}
	d.drv = rt.Driver()

	h, err := newSessionHandle(d.drv, d.log)
	if err != nil {
		return nil, err
	}
	st, err := h.status()
	if err != nil {
		h.reset()
		return nil, err
	}
	if !st.CapturePossible {
		d.log.Warn("Driver reports capture is not possible, session may fail to start")
	}

	output := d.resolveSelector(selector, st)
	if output != nil {
		d.cfg.Tracking = TrackingSingleOutput
		d.cfg.OutputID = output.ID
		d.geom = Geometry{
			Width:   output.Region.Width,
			Height:  output.Region.Height,
			OffsetX: output.Region.X,
			OffsetY: output.Region.Y,
		}
	} else {
		d.geom = Geometry{Width: st.ScreenWidth, Height: st.ScreenHeight}
	}
	d.geom.EnvWidth = st.ScreenWidth
	d.geom.EnvHeight = st.ScreenHeight

	d.handle = h
	d.state = StateConfigured
	d.log.Info("Display session configured",
		"tracking", d.cfg.Tracking.String(),
		"outputId", d.cfg.OutputID,
		"width", d.geom.Width,
		"height", d.geom.Height,
		"offsetX", d.geom.OffsetX,
		"offsetY", d.geom.OffsetY,
		"samplingMs", d.cfg.SamplingIntervalMs)
	return d, nil
}

// resolveSelector returns the selected output, or nil for the desktop.
func (d *DisplaySession) resolveSelector(selector string, st StatusInfo) *OutputInfo {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil
	}
	if !st.OutputTrackingAvailable {
		d.log.Warn("Output tracking not available, capturing entire virtual desktop")
		return nil
	}
	idx, err := strconv.Atoi(selector)
	if err != nil {
		d.log.Warn("Display selector is not an output index, capturing entire virtual desktop",
			logging.KeyDisplay, selector)
		return nil
	}
	if idx < 0 || idx >= len(st.Outputs) {
		d.log.Warn("Display index out of range, capturing entire virtual desktop",
			"index", idx,
			"outputs", len(st.Outputs))
		return nil
	}
	out := st.Outputs[idx]
	return &out
}

func (d *DisplaySession) ID() string                   { return d.id }
func (d *DisplaySession) Geometry() Geometry           { return d.geom }
func (d *DisplaySession) FrameInterval() time.Duration { return d.interval }
func (d *DisplaySession) State() State                 { return d.state }
func (d *DisplaySession) Config() CaptureConfig        { return d.cfg }
func (d *DisplaySession) Metrics() *Metrics            { return d.metrics }

// AllocImage returns an image sized to the capture region. Device-resident
// sessions get a texture the caller must release with Image.Close.
func (d *DisplaySession) AllocImage() (*gpu.Image, error) {
	img := gpu.NewImage(d.geom.Width, d.geom.Height)
	if d.cfg.Residency != gpu.ResidencyDevice {
		return img, nil
	}
	tex, err := gpu.Allocate(d.rt.Compute(), img.Height, img.RowPitch)
	if err != nil {
		return nil, fmt.Errorf("allocate capture texture: %w", err)
	}
	img.Texture = tex
	return img, nil
}

// MakeEncoderDevice returns an encoder feed matching this session's
// geometry and residency.
func (d *DisplaySession) MakeEncoderDevice() (gpu.EncoderDevice, error) {
	return gpu.MakeEncoderDevice(d.rt.Compute(), d.geom.Width, d.geom.Height, d.cfg.Residency)
}

// Close tears down the vendor session. Safe to call more than once.
func (d *DisplaySession) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.handle.reset()
	d.state = StateStopped
	return nil
}

// reinit restarts the vendor session for the given cursor setting. Without
// the cursor it asks for push delivery with direct capture and checks that
// direct capture really happens; if not it falls back to pull copies.
func (d *DisplaySession) reinit(cursor bool) CaptureStatus {
	d.state = StateReinitializing
	if err := d.handle.stop(); err != nil {
		return StatusError
	}

	d.cursorVisible = cursor
	if cursor {
		d.cfg.Delivery = DeliveryPull
		d.cfg.CursorComposited = true
		d.cfg.DirectCaptureAllowed = false
	} else {
		d.cfg.Delivery = DeliveryPush
		d.cfg.CursorComposited = false
		d.cfg.DirectCaptureAllowed = true
	}

	if err := d.handle.beginCapture(d.cfg); err != nil {
		return StatusError
	}

	if d.cfg.DirectCaptureAllowed {
		// Direct capture may fail the first few times even when possible.
		direct := false
		for attempt := 0; attempt < d.directAttempts; attempt++ {
			res := d.drv.GrabFrame(d.handle.handle, GrabRequest{NoWait: true, Residency: d.cfg.Residency})
			switch res.Outcome {
			case GrabMustRecreate:
				d.metrics.RecordReinit()
				return StatusReinit
			case GrabError:
				d.log.Error("Couldn't capture framebuffer", "code", res.Code, "driver", d.drv.LastError(d.handle.handle))
				d.metrics.RecordError()
				return StatusError
			}
			if res.Outcome == GrabOK && res.Info.DirectCapture {
				direct = true
				break
			}
			d.log.Debug("Direct capture failed attempt", "attempt", attempt)
		}

		if !direct {
			d.log.Debug("Direct capture failed, trying the extra copy method")
			d.metrics.RecordFallback()
			d.cfg.Delivery = DeliveryPull
			d.cfg.CursorComposited = false
			d.cfg.DirectCaptureAllowed = false
			if err := d.handle.stop(); err != nil {
				return StatusError
			}
			if err := d.handle.beginCapture(d.cfg); err != nil {
				return StatusError
			}
		}
	}

	d.state = StateCapturing
	d.log.Debug("Capture session configured",
		"delivery", d.cfg.Delivery.String(),
		"cursor", d.cfg.CursorComposited,
		"direct", d.cfg.DirectCaptureAllowed)
	return StatusOK
}

// snapshot grabs one frame into img, reconfiguring first when the cursor
// setting changed.
func (d *DisplaySession) snapshot(img *gpu.Image, timeout time.Duration, cursor bool) CaptureStatus {
	if cursor != d.cursorVisible {
		if status := d.reinit(cursor); status != StatusOK {
			return status
		}
	}

	start := d.clock.Now()
	res := d.drv.GrabFrame(d.handle.handle, GrabRequest{Timeout: timeout, Residency: d.cfg.Residency})
	switch res.Outcome {
	case GrabOK:
	case GrabTimeout:
		d.metrics.RecordTimeout()
		return StatusTimeout
	case GrabMustRecreate:
		d.log.Info("Capture session must be recreated")
		d.metrics.RecordReinit()
		return StatusReinit
	default:
		d.log.Error("Couldn't capture framebuffer", "code", res.Code, "driver", d.drv.LastError(d.handle.handle))
		d.metrics.RecordError()
		return StatusError
	}

	if d.cfg.Residency == gpu.ResidencyDevice {
		if img.Texture == nil {
			tex, err := gpu.Allocate(d.rt.Compute(), img.Height, img.RowPitch)
			if err != nil {
				d.log.Error("Couldn't allocate capture texture", "error", err.Error())
				d.metrics.RecordError()
				return StatusError
			}
			img.Texture = tex
		}
		if err := img.Texture.CopyFromDevice(res.Frame.DevicePtr, img.Height, img.RowPitch); err != nil {
			d.log.Error("Couldn't copy frame to texture", "error", err.Error())
			d.metrics.RecordError()
			return StatusError
		}
		img.Data = nil
	} else {
		img.Data = res.Frame.Host
	}
	img.FrameNumber = res.Info.FrameNumber

	d.metrics.RecordCapture(d.clock.Now().Sub(start), res.Info.DirectCapture)
	return StatusOK
}
