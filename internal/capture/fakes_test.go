package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/breeze-rmm/fbcapture/internal/capture/gpu"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) countSleeps(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sleeps {
		if s == d {
			n++
		}
	}
	return n
}

// fakeDriver records calls and returns scripted grab results. Non-blocking grabs
// (NoWait) and paced grabs are scripted separately.
type fakeDriver struct {
	clock    *fakeClock
	grabCost time.Duration

	status    StatusInfo
	statusErr error

	createHandleErr   error
	createSessionErr  error
	setupErr          error
	destroySessionErr error
	destroyHandleErr  error
	bindErr           error

	noWaitGrabs []GrabResult
	grabs       []GrabResult
	// direct is what unscripted non-blocking grabs report.
	direct      bool

	hostBuf []byte
	devPtr  uintptr

	nextHandle     Handle
	liveHandles    int
	activeSessions int
	bound          bool
	bindCalls      int
	releaseCalls   int

	sessions      []CaptureConfig
	noWaitCalls   int
	grabCalls     int
	grabRequests  []GrabRequest
	destroyedSess int
	destroyedHdl  int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		status: StatusInfo{
			CapturePossible:         true,
			CanCreateNow:            true,
			OutputTrackingAvailable: true,
			ScreenWidth:             3840,
			ScreenHeight:            1080,
			Outputs: []OutputInfo{
				{ID: 0x1b0, Name: "DP-0", Region: Region{X: 0, Y: 0, Width: 1920, Height: 1080}},
				{ID: 0x1b1, Name: "HDMI-0", Region: Region{X: 1920, Y: 0, Width: 1920, Height: 1080}},
			},
		},
		hostBuf: make([]byte, 16),
	}
}

func (f *fakeDriver) CreateHandle() (Handle, error) {
	if f.createHandleErr != nil {
		return 0, f.createHandleErr
	}
	f.nextHandle++
	f.liveHandles++
	return f.nextHandle, nil
}

func (f *fakeDriver) GetStatus(Handle) (StatusInfo, error) {
	return f.status, f.statusErr
}

func (f *fakeDriver) CreateCaptureSession(_ Handle, cfg CaptureConfig) error {
	if f.createSessionErr != nil {
		return f.createSessionErr
	}
	if f.activeSessions > 0 {
		return errors.New("capture session already exists")
	}
	f.activeSessions++
	f.sessions = append(f.sessions, cfg)
	return nil
}

func (f *fakeDriver) SetupDelivery(_ Handle, r gpu.Residency) (uintptr, error) {
	if f.setupErr != nil {
		return 0, f.setupErr
	}
	if r == gpu.ResidencyHost {
		return 0xb0f, nil
	}
	return 0, nil
}

func (f *fakeDriver) DestroyCaptureSession(Handle) error {
	f.destroyedSess++
	if f.destroySessionErr != nil {
		return f.destroySessionErr
	}
	f.activeSessions--
	return nil
}

func (f *fakeDriver) DestroyHandle(Handle) error {
	f.destroyedHdl++
	if f.destroyHandleErr != nil {
		return f.destroyHandleErr
	}
	f.liveHandles--
	return nil
}

func (f *fakeDriver) GrabFrame(_ Handle, req GrabRequest) GrabResult {
	f.grabRequests = append(f.grabRequests, req)
	if req.NoWait {
		f.noWaitCalls++
		if len(f.noWaitGrabs) > 0 {
			res := f.noWaitGrabs[0]
			f.noWaitGrabs = f.noWaitGrabs[1:]
			return res
		}
		return GrabResult{Outcome: GrabOK, Info: GrabInfo{DirectCapture: f.direct}}
	}

	f.grabCalls++
	if f.clock != nil && f.grabCost > 0 {
		f.clock.advance(f.grabCost)
	}
	res := GrabResult{Outcome: GrabOK}
	if len(f.grabs) > 0 {
		res = f.grabs[0]
		f.grabs = f.grabs[1:]
	}
	if res.Outcome == GrabOK {
		res.Info.FrameNumber = uint64(f.grabCalls)
		res.Info.IsNewFrame = true
		if req.Residency == gpu.ResidencyHost {
			res.Frame = Frame{Host: f.hostBuf, Pitch: 8}
		} else {
			res.Frame = Frame{DevicePtr: f.devPtr, Pitch: 8}
		}
	}
	return res
}

func (f *fakeDriver) BindContext(Handle) error {
	f.bindCalls++
	if f.bindErr != nil {
		return f.bindErr
	}
	if f.bound {
		return errors.New("context already bound")
	}
	f.bound = true
	return nil
}

func (f *fakeDriver) ReleaseContext(Handle) error {
	f.releaseCalls++
	f.bound = false
	return nil
}

func (f *fakeDriver) LastError(Handle) string { return "fake driver error" }

type fakeLoader struct {
	drv        *fakeDriver
	compute    *gpu.HostCompute
	captureErr error
	computeErr error
	loads      int
	closes     int
}

func newFakeLoader(drv *fakeDriver) *fakeLoader {
	return &fakeLoader{drv: drv, compute: gpu.NewHostCompute()}
}

func (l *fakeLoader) LoadCapture() (Driver, error) {
	l.loads++
	if l.captureErr != nil {
		return nil, l.captureErr
	}
	return l.drv, nil
}

func (l *fakeLoader) LoadCompute() (gpu.Compute, error) {
	if l.computeErr != nil {
		return nil, l.computeErr
	}
	return l.compute, nil
}

func (l *fakeLoader) Close() error {
	l.closes++
	return nil
}

var errNoContext = errors.New("CUDA_ERROR_INVALID_CONTEXT")
