package capture

import (
	"errors"
	"testing"
	"time"

	"github.com/breeze-rmm/fbcapture/internal/capture/gpu"
)

func newTestSession(t *testing.T, drv *fakeDriver, selector string, fps int, opts ...Option) (*DisplaySession, *fakeLoader) {
	t.Helper()
	loader := newFakeLoader(drv)
	rt := NewRuntime(loader)
	d, err := NewDisplaySession(rt, selector, fps, opts...)
	if err != nil {
		t.Fatalf("NewDisplaySession: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, loader
}

func TestNewDisplaySessionRejectsBadFrameRate(t *testing.T) {
	rt := NewRuntime(newFakeLoader(newFakeDriver()))
	for _, fps := range []int{0, -30} {
		if _, err := NewDisplaySession(rt, "", fps); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("fps %d: expected ErrConfiguration, got %v", fps, err)
		}
	}
}

func TestNewDisplaySessionDriverFailure(t *testing.T) {
	loader := newFakeLoader(newFakeDriver())
	loader.captureErr = errors.New("NvFBCCreateInstance not found")
	if _, err := NewDisplaySession(NewRuntime(loader), "", 60); !errors.Is(err, ErrDriver) {
		t.Fatalf("expected ErrDriver, got %v", err)
	}
}

func TestNewDisplaySessionStatusFailureReleasesHandle(t *testing.T) {
	drv := newFakeDriver()
	drv.statusErr = errors.New("NVFBC_ERR_X")
	if _, err := NewDisplaySession(NewRuntime(newFakeLoader(drv)), "", 60); !errors.Is(err, ErrSession) {
		t.Fatalf("expected ErrSession, got %v", err)
	}
	if drv.liveHandles != 0 {
		t.Fatalf("leaked %d handles", drv.liveHandles)
	}
}

func TestSelectorResolution(t *testing.T) {
	cases := []struct {
		name         string
		selector     string
		tracking     bool
		wantTracking TrackingMode
		wantOutput   uint32
		wantGeom     Geometry
	}{
		{"empty selects desktop", "", true, TrackingFullDesktop, 0, Geometry{Width: 3840, Height: 1080, EnvWidth: 3840, EnvHeight: 1080}},
		{"second output", "1", true, TrackingSingleOutput, 0x1b1, Geometry{Width: 1920, Height: 1080, OffsetX: 1920, EnvWidth: 3840, EnvHeight: 1080}},
		{"out of range", "2", true, TrackingFullDesktop, 0, Geometry{Width: 3840, Height: 1080, EnvWidth: 3840, EnvHeight: 1080}},
		{"negative", "-1", true, TrackingFullDesktop, 0, Geometry{Width: 3840, Height: 1080, EnvWidth: 3840, EnvHeight: 1080}},
		{"not a number", "HDMI-0", true, TrackingFullDesktop, 0, Geometry{Width: 3840, Height: 1080, EnvWidth: 3840, EnvHeight: 1080}},
		{"no tracking", "1", false, TrackingFullDesktop, 0, Geometry{Width: 3840, Height: 1080, EnvWidth: 3840, EnvHeight: 1080}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			drv := newFakeDriver()
			drv.status.OutputTrackingAvailable = tc.tracking
			d, _ := newTestSession(t, drv, tc.selector, 60)

			cfg := d.Config()
			if cfg.Tracking != tc.wantTracking || cfg.OutputID != tc.wantOutput {
				t.Fatalf("tracking=%s output=%#x, want %s %#x", cfg.Tracking, cfg.OutputID, tc.wantTracking, tc.wantOutput)
			}
			if d.Geometry() != tc.wantGeom {
				t.Fatalf("geometry = %+v, want %+v", d.Geometry(), tc.wantGeom)
			}
			if d.State() != StateConfigured {
				t.Fatalf("state = %s, want configured", d.State())
			}
		})
	}
}

func TestFrameRateDerivedSettings(t *testing.T) {
	d, _ := newTestSession(t, newFakeDriver(), "", 60)
	if d.FrameInterval() != time.Second/60 {
		t.Fatalf("interval = %v", d.FrameInterval())
	}
	cfg := d.Config()
	if cfg.SamplingIntervalMs != 16 {
		t.Fatalf("sampling interval = %d, want 16", cfg.SamplingIntervalMs)
	}
	if !cfg.DisableAutoModesetRecovery {
		t.Fatal("expected automatic modeset recovery to be disabled")
	}
	if d.ID() == "" {
		t.Fatal("expected a session id")
	}
}

func TestReinitWithCursorSkipsDirectCheck(t *testing.T) {
	drv := newFakeDriver()
	d, _ := newTestSession(t, drv, "", 60)

	if status := d.reinit(true); status != StatusOK {
		t.Fatalf("reinit = %s", status)
	}
	cfg := d.Config()
	if cfg.Delivery != DeliveryPull || !cfg.CursorComposited || cfg.DirectCaptureAllowed {
		t.Fatalf("unexpected cursor config %+v", cfg)
	}
	if drv.noWaitCalls != 0 {
		t.Fatalf("cursor capture must not grab without waiting, got %d non-blocking grabs", drv.noWaitCalls)
	}
}

func TestReinitKeepsDirectCapture(t *testing.T) {
	drv := newFakeDriver()
	drv.noWaitGrabs = []GrabResult{
		{Outcome: GrabOK},
		{Outcome: GrabOK, Info: GrabInfo{DirectCapture: true}},
	}
	d, _ := newTestSession(t, drv, "", 60)

	if status := d.reinit(false); status != StatusOK {
		t.Fatalf("reinit = %s", status)
	}
	cfg := d.Config()
	if cfg.Delivery != DeliveryPush || cfg.CursorComposited || !cfg.DirectCaptureAllowed {
		t.Fatalf("unexpected direct config %+v", cfg)
	}
	if drv.noWaitCalls != 2 {
		t.Fatalf("expected checking to stop at the first direct frame, got %d non-blocking grabs", drv.noWaitCalls)
	}
	if len(drv.sessions) != 1 {
		t.Fatalf("expected a single session, got %d", len(drv.sessions))
	}
}

func TestReinitCursorRoundTripRestoresDirect(t *testing.T) {
	drv := newFakeDriver()
	drv.direct = true
	d, _ := newTestSession(t, drv, "", 60)

	for _, cursor := range []bool{false, true, false} {
		if status := d.reinit(cursor); status != StatusOK {
			t.Fatalf("reinit(%v) = %s", cursor, status)
		}
		cfg := d.Config()
		if cfg.CursorComposited && cfg.DirectCaptureAllowed {
			t.Fatalf("cursor and direct capture both set: %+v", cfg)
		}
		if cfg.DirectCaptureAllowed == cursor {
			t.Fatalf("reinit(%v) left direct capture = %v", cursor, cfg.DirectCaptureAllowed)
		}
	}
}

func TestReinitFallsBackToCopy(t *testing.T) {
	drv := newFakeDriver()
	d, _ := newTestSession(t, drv, "", 60)

	if status := d.reinit(false); status != StatusOK {
		t.Fatalf("reinit = %s", status)
	}
	if drv.noWaitCalls != DefaultDirectAttempts {
		t.Fatalf("expected %d non-blocking grabs, got %d", DefaultDirectAttempts, drv.noWaitCalls)
	}
	cfg := d.Config()
	if cfg.Delivery != DeliveryPull || cfg.CursorComposited || cfg.DirectCaptureAllowed {
		t.Fatalf("unexpected fallback config %+v", cfg)
	}
	if len(drv.sessions) != 2 || drv.activeSessions != 1 {
		t.Fatalf("expected session rebuilt once, sessions=%d active=%d", len(drv.sessions), drv.activeSessions)
	}
	if d.Metrics().Snapshot().Fallbacks != 1 {
		t.Fatal("expected fallback to be counted")
	}

	// Same cursor setting: no reinit, no further attempts.
	img := gpu.NewImage(2, 2)
	drv.devPtr = d.rt.Compute().(*gpu.HostCompute).Register(make([]byte, 16))
	if status := d.snapshot(img, DefaultGrabTimeout, false); status != StatusOK {
		t.Fatalf("snapshot = %s", status)
	}
	if drv.noWaitCalls != DefaultDirectAttempts {
		t.Fatalf("snapshot re-checked direct capture: %d non-blocking grabs", drv.noWaitCalls)
	}
	img.Close()
}

func TestReinitDirectCheckMustRecreate(t *testing.T) {
	drv := newFakeDriver()
	drv.noWaitGrabs = []GrabResult{{Outcome: GrabMustRecreate, Code: 16}}
	d, _ := newTestSession(t, drv, "", 60)

	if status := d.reinit(false); status != StatusReinit {
		t.Fatalf("reinit = %s, want reinit", status)
	}
	if drv.noWaitCalls != 1 {
		t.Fatalf("must-recreate must end checking at once, got %d non-blocking grabs", drv.noWaitCalls)
	}
	if len(drv.sessions) != 1 {
		t.Fatal("must-recreate must not trigger the copy fallback")
	}
}

func TestReinitDirectCheckError(t *testing.T) {
	drv := newFakeDriver()
	drv.noWaitGrabs = []GrabResult{{Outcome: GrabError, Code: 1}}
	d, _ := newTestSession(t, drv, "", 60)
	if status := d.reinit(false); status != StatusError {
		t.Fatalf("reinit = %s, want error", status)
	}
}

func TestReinitSessionFailure(t *testing.T) {
	drv := newFakeDriver()
	drv.createSessionErr = errors.New("NVFBC_ERR_UNSUPPORTED")
	d, _ := newTestSession(t, drv, "", 60)
	if status := d.reinit(true); status != StatusError {
		t.Fatalf("reinit = %s, want error", status)
	}
}

func TestSnapshotMapsOutcomes(t *testing.T) {
	cases := []struct {
		outcome GrabOutcome
		want    CaptureStatus
	}{
		{GrabOK, StatusOK},
		{GrabTimeout, StatusTimeout},
		{GrabMustRecreate, StatusReinit},
		{GrabError, StatusError},
	}
	for _, tc := range cases {
		t.Run(tc.outcome.String(), func(t *testing.T) {
			drv := newFakeDriver()
			d, _ := newTestSession(t, drv, "", 60, WithResidency(gpu.ResidencyHost))
			if status := d.reinit(true); status != StatusOK {
				t.Fatalf("reinit = %s", status)
			}
			drv.grabs = []GrabResult{{Outcome: tc.outcome}}

			img := gpu.NewImage(2, 2)
			if got := d.snapshot(img, DefaultGrabTimeout, true); got != tc.want {
				t.Fatalf("snapshot = %s, want %s", got, tc.want)
			}
			if drv.grabRequests[len(drv.grabRequests)-1].Timeout != DefaultGrabTimeout {
				t.Fatal("expected the grab to carry the timeout")
			}
		})
	}
}

func TestSnapshotHostResidency(t *testing.T) {
	drv := newFakeDriver()
	d, _ := newTestSession(t, drv, "", 60, WithResidency(gpu.ResidencyHost))

	img, err := d.AllocImage()
	if err != nil {
		t.Fatalf("AllocImage: %v", err)
	}
	if img.Texture != nil {
		t.Fatal("host images must not own a texture")
	}
	if status := d.snapshot(img, DefaultGrabTimeout, true); status != StatusOK {
		t.Fatalf("snapshot = %s", status)
	}
	if &img.Data[0] != &drv.hostBuf[0] {
		t.Fatal("expected image data to alias the driver buffer")
	}
	if img.FrameNumber != 1 {
		t.Fatalf("frame number = %d", img.FrameNumber)
	}
}

func TestSnapshotDeviceResidency(t *testing.T) {
	drv := newFakeDriver()
	drv.status.ScreenWidth, drv.status.ScreenHeight = 2, 2
	d, loader := newTestSession(t, drv, "", 60)

	frame := []byte{
		1, 2, 3, 255, 4, 5, 6, 255,
		7, 8, 9, 255, 10, 11, 12, 255,
	}
	drv.devPtr = loader.compute.Register(frame)

	img, err := d.AllocImage()
	if err != nil {
		t.Fatalf("AllocImage: %v", err)
	}
	defer img.Close()

	if status := d.snapshot(img, DefaultGrabTimeout, true); status != StatusOK {
		t.Fatalf("snapshot = %s", status)
	}
	got, err := loader.compute.ReadArray(img.Texture.Array())
	if err != nil {
		t.Fatalf("ReadArray: %v", err)
	}
	for i := range frame {
		if got[i] != frame[i] {
			t.Fatalf("texture byte %d = %d, want %d", i, got[i], frame[i])
		}
	}

	// A bad device pointer surfaces as an error.
	drv.devPtr = 0xdead
	if status := d.snapshot(img, DefaultGrabTimeout, true); status != StatusError {
		t.Fatalf("snapshot with bad pointer = %s, want error", status)
	}
}

func TestMakeEncoderDeviceMatchesSession(t *testing.T) {
	drv := newFakeDriver()
	d, _ := newTestSession(t, drv, "0", 30, WithResidency(gpu.ResidencyHost))
	dev, err := d.MakeEncoderDevice()
	if err != nil {
		t.Fatalf("MakeEncoderDevice: %v", err)
	}
	defer dev.Close()
	if dev.Residency() != gpu.ResidencyHost {
		t.Fatalf("residency = %s", dev.Residency())
	}
}

func TestCloseReleasesHandle(t *testing.T) {
	drv := newFakeDriver()
	d, _ := newTestSession(t, drv, "", 60)
	if status := d.reinit(true); status != StatusOK {
		t.Fatalf("reinit = %s", status)
	}
	d.Close()
	d.Close()
	if drv.liveHandles != 0 || drv.activeSessions != 0 {
		t.Fatalf("leaked handles=%d sessions=%d", drv.liveHandles, drv.activeSessions)
	}
	if d.State() != StateStopped {
		t.Fatalf("state = %s", d.State())
	}
}
