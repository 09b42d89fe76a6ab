//go:build linux

package nvfbc

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/breeze-rmm/fbcapture/internal/capture"
	"github.com/breeze-rmm/fbcapture/internal/capture/gpu"
	"github.com/breeze-rmm/fbcapture/internal/logging"
)

var log = logging.L("nvfbc")

// sessionState holds memory the library writes into across calls. It is
// heap allocated and referenced from driver.sessions for as long as the
// session exists, so its address stays valid.
type sessionState struct {
	residency gpu.Residency
	// hostBuf is filled in by NvFBCToSysSetUp through ppBuffer and points
	// at memory the library owns until the session is destroyed.
	hostBuf   unsafe.Pointer
	devPtr    uintptr
	info      frameGrabInfo
}

// driver implements capture.Driver on NvFBC.
type driver struct {
	lib *fbcLibrary

	mu       sync.Mutex
	sessions map[capture.Handle]*sessionState
}

func newDriver(lib *fbcLibrary) *driver {
	return &driver{lib: lib, sessions: make(map[capture.Handle]*sessionState)}
}

func (d *driver) state(h capture.Handle) *sessionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.sessions[h]
	if !ok {
		st = &sessionState{}
		d.sessions[h] = st
	}
	return st
}

func (d *driver) fail(op string, status uint32) error {
	return &capture.DriverError{Op: op, Code: int(status), Message: statusName(status)}
}

func (d *driver) CreateHandle() (capture.Handle, error) {
	params := createHandleParams{Version: createHandleParamsVer}
	var session uint64
	if status := d.lib.createHandle(&session, unsafe.Pointer(&params)); status != statusSuccess {
		return 0, d.fail("NvFBCCreateHandle", status)
	}
	return capture.Handle(session), nil
}

func (d *driver) DestroyHandle(h capture.Handle) error {
	params := versionOnlyParams{Version: destroyHandleParamsVer}
	status := d.lib.destroyHandle(uint64(h), unsafe.Pointer(&params))

	d.mu.Lock()
	delete(d.sessions, h)
	d.mu.Unlock()

	if status != statusSuccess {
		return d.fail("NvFBCDestroyHandle", status)
	}
	return nil
}

func (d *driver) GetStatus(h capture.Handle) (capture.StatusInfo, error) {
	params := getStatusParams{Version: getStatusParamsVer}
	if status := d.lib.getStatus(uint64(h), unsafe.Pointer(&params)); status != statusSuccess {
		return capture.StatusInfo{}, d.fail("NvFBCGetStatus", status)
	}
	return statusInfo(&params), nil
}

func statusInfo(p *getStatusParams) capture.StatusInfo {
	info := capture.StatusInfo{
		CapturePossible:         p.IsCapturePossible != 0,
		CurrentlyCapturing:      p.CurrentlyCapturing != 0,
		CanCreateNow:            p.CanCreateNow != 0,
		InModeset:               p.InModeset != 0,
		OutputTrackingAvailable: p.XRandRAvailable != 0,
		ScreenWidth:             int(p.ScreenSize.W),
		ScreenHeight:            int(p.ScreenSize.H),
	}
	n := min(int(p.OutputNum), outputMax)
	for i := 0; i < n; i++ {
		out := &p.Outputs[i]
		info.Outputs = append(info.Outputs, capture.OutputInfo{
			Index: i,
			ID:    out.ID,
			Name:  cString(out.Name[:]),
			Region: capture.Region{
				X:      int(out.TrackedBox.X),
				Y:      int(out.TrackedBox.Y),
				Width:  int(out.TrackedBox.W),
				Height: int(out.TrackedBox.H),
			},
		})
	}
	return info
}

func sessionParams(cfg capture.CaptureConfig) createCaptureSessionParams {
	p := createCaptureSessionParams{
		Version:                    createCaptureSessionParamsVer,
		CaptureType:                captureSharedCUDA,
		TrackingType:               trackingScreen,
		WithCursor:                 toBool(cfg.CursorComposited),
		DisableAutoModesetRecovery: toBool(cfg.DisableAutoModesetRecovery),
		SamplingRateMs:             uint32(cfg.SamplingIntervalMs),
		PushModel:                  toBool(cfg.Delivery == capture.DeliveryPush),
		AllowDirectCapture:         toBool(cfg.DirectCaptureAllowed),
	}
	if cfg.Residency == gpu.ResidencyHost {
		p.CaptureType = captureToSys
	}
	if cfg.Tracking == capture.TrackingSingleOutput {
		p.TrackingType = trackingOutput
		p.OutputID = cfg.OutputID
	}
	return p
}

func (d *driver) CreateCaptureSession(h capture.Handle, cfg capture.CaptureConfig) error {
	params := sessionParams(cfg)
	if status := d.lib.createCaptureSession(uint64(h), unsafe.Pointer(&params)); status != statusSuccess {
		return d.fail("NvFBCCreateCaptureSession", status)
	}
	d.state(h).residency = cfg.Residency
	return nil
}

func (d *driver) DestroyCaptureSession(h capture.Handle) error {
	params := versionOnlyParams{Version: destroyCaptureSessionParamsVer}
	st := d.state(h)
	st.hostBuf = nil
	st.devPtr = 0
	if status := d.lib.destroyCaptureSession(uint64(h), unsafe.Pointer(&params)); status != statusSuccess {
		return d.fail("NvFBCDestroyCaptureSession", status)
	}
	return nil
}

func (d *driver) SetupDelivery(h capture.Handle, r gpu.Residency) (uintptr, error) {
	st := d.state(h)
	switch r {
	case gpu.ResidencyDevice:
		params := toCUDASetupParams{Version: toCUDASetupParamsVer, BufferFormat: bufferFormatBGRA}
		if status := d.lib.toCudaSetUp(uint64(h), unsafe.Pointer(&params)); status != statusSuccess {
			return 0, d.fail("NvFBCToCudaSetUp", status)
		}
		return 0, nil
	case gpu.ResidencyHost:
		params := toSysSetupParams{
			Version:      toSysSetupParamsVer,
			BufferFormat: bufferFormatBGRA,
			PPBuffer:     uintptr(unsafe.Pointer(&st.hostBuf)),
		}
		if status := d.lib.toSysSetUp(uint64(h), unsafe.Pointer(&params)); status != statusSuccess {
			return 0, d.fail("NvFBCToSysSetUp", status)
		}
		return uintptr(st.hostBuf), nil
	default:
		return 0, fmt.Errorf("unknown residency %s", r)
	}
}

func (d *driver) GrabFrame(h capture.Handle, req capture.GrabRequest) capture.GrabResult {
	st := d.state(h)
	flags := uint32(grabFlagsNoFlags)
	if req.NoWait {
		flags = grabFlagsNoWait
	}
	timeoutMs := uint32(req.Timeout.Milliseconds())
	st.info = frameGrabInfo{}

	var status uint32
	if req.Residency == gpu.ResidencyDevice {
		params := toCUDAGrabFrameParams{
			Version:           toCUDAGrabFrameParamsVer,
			Flags:             flags,
			PCUDADeviceBuffer: uintptr(unsafe.Pointer(&st.devPtr)),
			PFrameGrabInfo:    uintptr(unsafe.Pointer(&st.info)),
			TimeoutMs:         timeoutMs,
		}
		status = d.lib.toCudaGrabFrame(uint64(h), unsafe.Pointer(&params))
	} else {
		params := toSysGrabFrameParams{
			Version:        toSysGrabFrameParamsVer,
			Flags:          flags,
			PFrameGrabInfo: uintptr(unsafe.Pointer(&st.info)),
			TimeoutMs:      timeoutMs,
		}
		status = d.lib.toSysGrabFrame(uint64(h), unsafe.Pointer(&params))
	}

	return grabResult(status, req, st)
}

func grabResult(status uint32, req capture.GrabRequest, st *sessionState) capture.GrabResult {
	switch status {
	case statusSuccess:
	case statusMustRecreate:
		return capture.GrabResult{Outcome: capture.GrabMustRecreate, Code: int(status)}
	default:
		return capture.GrabResult{Outcome: capture.GrabError, Code: int(status)}
	}

	info := capture.GrabInfo{
		Width:                  int(st.info.Width),
		Height:                 int(st.info.Height),
		FrameNumber:            uint64(st.info.CurrentFrame),
		IsNewFrame:             st.info.IsNewFrame != 0,
		DirectCapture:          st.info.DirectCapture != 0,
		RequiredPostProcessing: st.info.RequiredPostProcessing != 0,
	}
	// A waiting grab that returns the previous frame ran into its timeout.
	if !req.NoWait && !info.IsNewFrame {
		return capture.GrabResult{Outcome: capture.GrabTimeout, Info: info}
	}

	res := capture.GrabResult{Outcome: capture.GrabOK, Info: info}
	res.Frame.Pitch = info.Width * 4
	if req.Residency == gpu.ResidencyDevice {
		res.Frame.DevicePtr = st.devPtr
	} else if st.hostBuf != nil {
		res.Frame.Host = unsafe.Slice((*byte)(st.hostBuf), int(st.info.ByteSize))
	}
	return res
}

func (d *driver) BindContext(h capture.Handle) error {
	params := versionOnlyParams{Version: bindContextParamsVer}
	if status := d.lib.bindContext(uint64(h), unsafe.Pointer(&params)); status != statusSuccess {
		return d.fail("NvFBCBindContext", status)
	}
	return nil
}

func (d *driver) ReleaseContext(h capture.Handle) error {
	params := versionOnlyParams{Version: releaseContextParamsVer}
	if status := d.lib.releaseContext(uint64(h), unsafe.Pointer(&params)); status != statusSuccess {
		return d.fail("NvFBCReleaseContext", status)
	}
	return nil
}

func (d *driver) LastError(h capture.Handle) string {
	return d.lib.getLastErrorStr(uint64(h))
}
