//go:build linux

package nvfbc

import (
	"testing"
	"time"
	"unsafe"

	"github.com/breeze-rmm/fbcapture/internal/capture"
	"github.com/breeze-rmm/fbcapture/internal/capture/gpu"
)

func TestStructLayout(t *testing.T) {
	cases := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"frameGrabInfo", unsafe.Sizeof(frameGrabInfo{}), 48},
		{"createHandleParams", unsafe.Sizeof(createHandleParams{}), 40},
		{"randrOutputInfo", unsafe.Sizeof(randrOutputInfo{}), 148},
		{"getStatusParams", unsafe.Sizeof(getStatusParams{}), 40 + 5*148},
		{"createCaptureSessionParams", unsafe.Sizeof(createCaptureSessionParams{}), 64},
		{"toSysSetupParams", unsafe.Sizeof(toSysSetupParams{}), 40},
		{"toSysGrabFrameParams", unsafe.Sizeof(toSysGrabFrameParams{}), 24},
		{"toCUDAGrabFrameParams", unsafe.Sizeof(toCUDAGrabFrameParams{}), 32},
		{"functionList", unsafe.Sizeof(functionList{}), 22 * 8},
		{"cudaArrayDescriptor", unsafe.Sizeof(cudaArrayDescriptor{}), 24},
		{"cudaResourceDesc", unsafe.Sizeof(cudaResourceDesc{}), 144},
		{"cudaTextureDesc", unsafe.Sizeof(cudaTextureDesc{}), 104},
		{"cudaMemcpy2D", unsafe.Sizeof(cudaMemcpy2D{}), 128},
	}
	if unsafe.Sizeof(uintptr(0)) != 8 {
		t.Skip("layout checks assume a 64-bit platform")
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("sizeof(%s) = %d, want %d", tc.name, tc.got, tc.want)
		}
	}
	if off := unsafe.Offsetof(frameGrabInfo{}.TimestampUs); off != 24 {
		t.Errorf("frameGrabInfo.TimestampUs at %d, want 24", off)
	}
	if off := unsafe.Offsetof(cudaMemcpy2D{}.DstXInBytes); off != 56 {
		t.Errorf("cudaMemcpy2D.DstXInBytes at %d, want 56", off)
	}
}

func TestStructVersion(t *testing.T) {
	got := structVersion(64, 6)
	want := uint32(64 | 6<<16 | 0x07<<24)
	if got != want {
		t.Fatalf("structVersion = %#x, want %#x", got, want)
	}
	if createCaptureSessionParamsVer>>16&0xff != 6 {
		t.Fatalf("capture session params revision = %d", createCaptureSessionParamsVer>>16&0xff)
	}
}

func TestStatusInfoConversion(t *testing.T) {
	p := getStatusParams{
		IsCapturePossible: 1,
		XRandRAvailable:   1,
		ScreenSize:        size2D{W: 3840, H: 1080},
		OutputNum:         2,
	}
	p.Outputs[0] = randrOutputInfo{ID: 0x1b0, TrackedBox: box{W: 1920, H: 1080}}
	copy(p.Outputs[0].Name[:], "DP-0")
	p.Outputs[1] = randrOutputInfo{ID: 0x1b1, TrackedBox: box{X: 1920, W: 1920, H: 1080}}
	copy(p.Outputs[1].Name[:], "HDMI-0")

	info := statusInfo(&p)
	if !info.CapturePossible || !info.OutputTrackingAvailable || info.CanCreateNow {
		t.Fatalf("unexpected flags %+v", info)
	}
	if info.ScreenWidth != 3840 || len(info.Outputs) != 2 {
		t.Fatalf("unexpected screen %+v", info)
	}
	if info.Outputs[1].Name != "HDMI-0" || info.Outputs[1].Region.X != 1920 || info.Outputs[1].ID != 0x1b1 {
		t.Fatalf("unexpected output %+v", info.Outputs[1])
	}

	p.OutputNum = 9
	if got := len(statusInfo(&p).Outputs); got != outputMax {
		t.Fatalf("output count not clamped: %d", got)
	}
}

func TestSessionParams(t *testing.T) {
	p := sessionParams(capture.CaptureConfig{
		Delivery:                   capture.DeliveryPush,
		DirectCaptureAllowed:       true,
		Tracking:                   capture.TrackingSingleOutput,
		OutputID:                   0x1b1,
		SamplingIntervalMs:         16,
		Residency:                  gpu.ResidencyDevice,
		DisableAutoModesetRecovery: true,
	})
	if p.CaptureType != captureSharedCUDA || p.TrackingType != trackingOutput || p.OutputID != 0x1b1 {
		t.Fatalf("unexpected session params %+v", p)
	}
	if p.PushModel != 1 || p.AllowDirectCapture != 1 || p.WithCursor != 0 || p.DisableAutoModesetRecovery != 1 {
		t.Fatalf("unexpected flags %+v", p)
	}

	p = sessionParams(capture.CaptureConfig{CursorComposited: true, Residency: gpu.ResidencyHost})
	if p.CaptureType != captureToSys || p.TrackingType != trackingScreen || p.WithCursor != 1 || p.PushModel != 0 {
		t.Fatalf("unexpected host params %+v", p)
	}
}

func TestGrabResultMapping(t *testing.T) {
	st := &sessionState{devPtr: 0xfeed}
	st.info = frameGrabInfo{Width: 1920, Height: 1080, CurrentFrame: 7, IsNewFrame: 1, DirectCapture: 1}

	res := grabResult(statusSuccess, capture.GrabRequest{Residency: gpu.ResidencyDevice, Timeout: 150 * time.Millisecond}, st)
	if res.Outcome != capture.GrabOK || res.Frame.DevicePtr != 0xfeed || res.Frame.Pitch != 1920*4 {
		t.Fatalf("unexpected ok result %+v", res)
	}
	if !res.Info.DirectCapture || res.Info.FrameNumber != 7 {
		t.Fatalf("unexpected info %+v", res.Info)
	}

	if res := grabResult(statusMustRecreate, capture.GrabRequest{}, st); res.Outcome != capture.GrabMustRecreate {
		t.Fatalf("expected must-recreate, got %s", res.Outcome)
	}
	if res := grabResult(statusInternal, capture.GrabRequest{}, st); res.Outcome != capture.GrabError || res.Code != statusInternal {
		t.Fatalf("expected error, got %+v", res)
	}

	st.info.IsNewFrame = 0
	if res := grabResult(statusSuccess, capture.GrabRequest{Residency: gpu.ResidencyDevice}, st); res.Outcome != capture.GrabTimeout {
		t.Fatalf("stale frame from a waiting grab should time out, got %s", res.Outcome)
	}
	if res := grabResult(statusSuccess, capture.GrabRequest{NoWait: true, Residency: gpu.ResidencyDevice}, st); res.Outcome != capture.GrabOK {
		t.Fatalf("non-blocking grab should report ok, got %s", res.Outcome)
	}
}

func TestHostGrabAliasesLibraryBuffer(t *testing.T) {
	buf := make([]byte, 4*2*4)
	st := &sessionState{residency: gpu.ResidencyHost}
	st.info = frameGrabInfo{Width: 4, Height: 2, ByteSize: uint32(len(buf)), IsNewFrame: 1}

	res := grabResult(statusSuccess, capture.GrabRequest{Residency: gpu.ResidencyHost}, st)
	if res.Outcome != capture.GrabOK || res.Frame.Host != nil {
		t.Fatalf("no buffer set up should give no host frame, got %+v", res)
	}

	st.hostBuf = unsafe.Pointer(&buf[0])
	res = grabResult(statusSuccess, capture.GrabRequest{Residency: gpu.ResidencyHost}, st)
	if len(res.Frame.Host) != len(buf) || res.Frame.Pitch != 16 {
		t.Fatalf("host frame len=%d pitch=%d", len(res.Frame.Host), res.Frame.Pitch)
	}
	buf[5] = 0xab
	if res.Frame.Host[5] != 0xab {
		t.Fatal("host frame should alias the library buffer")
	}
}

func TestStatusName(t *testing.T) {
	if statusName(statusMustRecreate) != "NVFBC_ERR_MUST_RECREATE" {
		t.Fatal("unexpected name for must-recreate")
	}
	if statusName(99) != "NVFBC_ERR_UNKNOWN" {
		t.Fatal("unexpected name for unknown status")
	}
}
