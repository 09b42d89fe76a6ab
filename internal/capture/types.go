package capture

import (
	"fmt"
	"time"

	"github.com/breeze-rmm/fbcapture/internal/capture/gpu"
)

// Handle identifies a vendor capture handle.
type Handle uint64

// DeliveryMode selects how the driver hands frames over.
type DeliveryMode int

const (
	// DeliveryPull copies the framebuffer on each grab.
	DeliveryPull DeliveryMode = iota
	// DeliveryPush lets the driver track damage and deliver new frames.
	DeliveryPush
)

func (d DeliveryMode) String() string {
	if d == DeliveryPush {
		return "push"
	}
	return "pull"
}

// TrackingMode selects what region the session follows.
type TrackingMode int

const (
	TrackingFullDesktop TrackingMode = iota
	TrackingSingleOutput
)

func (t TrackingMode) String() string {
	if t == TrackingSingleOutput {
		return "output"
	}
	return "desktop"
}

// CaptureConfig is the vendor session configuration. OutputID is only
// meaningful with TrackingSingleOutput.
type CaptureConfig struct {
	Delivery                   DeliveryMode
	CursorComposited           bool
	DirectCaptureAllowed       bool
	Tracking                   TrackingMode
	OutputID                   uint32
	SamplingIntervalMs         int
	Residency                  gpu.Residency
	DisableAutoModesetRecovery bool
}

// Validate rejects combinations the driver refuses. Compositing the cursor
// requires a copy, so it excludes direct capture.
func (c CaptureConfig) Validate() error {
	if c.CursorComposited && c.DirectCaptureAllowed {
		return fmt.Errorf("%w: composited cursor excludes direct capture", ErrConfiguration)
	}
	if c.SamplingIntervalMs < 0 {
		return fmt.Errorf("%w: negative sampling interval %d", ErrConfiguration, c.SamplingIntervalMs)
	}
	if c.Tracking != TrackingSingleOutput && c.OutputID != 0 {
		return fmt.Errorf("%w: output id %d without output tracking", ErrConfiguration, c.OutputID)
	}
	return nil
}

// Region is a rectangle in virtual desktop coordinates.
type Region struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Geometry is the captured region and the virtual desktop it lives in.
type Geometry struct {
	Width     int
	Height    int
	OffsetX   int
	OffsetY   int
	EnvWidth  int
	EnvHeight int
}

// OutputInfo describes one display output reported by the driver.
type OutputInfo struct {
	Index  int    `json:"index" yaml:"index"`
	ID     uint32 `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Region Region `json:"region" yaml:"region"`
}

// StatusInfo is the driver's answer to a status query.
type StatusInfo struct {
	CapturePossible         bool
	CurrentlyCapturing      bool
	CanCreateNow            bool
	InModeset               bool
	OutputTrackingAvailable bool
	ScreenWidth             int
	ScreenHeight            int
	Outputs                 []OutputInfo
}

// GrabOutcome classifies a single frame grab.
type GrabOutcome int

const (
	GrabOK GrabOutcome = iota
	GrabTimeout
	GrabMustRecreate
	GrabError
)

func (o GrabOutcome) String() string {
	switch o {
	case GrabOK:
		return "ok"
	case GrabTimeout:
		return "timeout"
	case GrabMustRecreate:
		return "must_recreate"
	case GrabError:
		return "error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// GrabRequest parameterizes one grab. NoWait returns immediately if no new
// frame is ready; otherwise the driver waits up to Timeout.
type GrabRequest struct {
	NoWait    bool
	Timeout   time.Duration
	Residency gpu.Residency
}

// Frame is what a successful grab produced. Exactly one of DevicePtr and
// Host is set, depending on residency.
type Frame struct {
	DevicePtr uintptr
	Host      []byte
	Pitch     int
}

// GrabInfo is the driver's per-frame metadata.
type GrabInfo struct {
	Width                  int
	Height                 int
	FrameNumber            uint64
	IsNewFrame             bool
	DirectCapture          bool
	RequiredPostProcessing bool
}

// GrabResult is the outcome of a single grab.
type GrabResult struct {
	Outcome GrabOutcome
	Frame   Frame
	Info    GrabInfo
	Code    int
}

// CaptureStatus is what Capture and snapshot report to callers.
type CaptureStatus int

const (
	StatusOK CaptureStatus = iota
	StatusTimeout
	StatusReinit
	StatusError
)

func (s CaptureStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusReinit:
		return "reinit"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// State is the lifecycle state of a DisplaySession.
type State int

const (
	StateUninitialized State = iota
	StateConfigured
	StateCapturing
	StateReinitializing
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfigured:
		return "configured"
	case StateCapturing:
		return "capturing"
	case StateReinitializing:
		return "reinitializing"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Driver is the vendor capture function table.
type Driver interface {
	CreateHandle() (Handle, error)
	GetStatus(h Handle) (StatusInfo, error)
	CreateCaptureSession(h Handle, cfg CaptureConfig) error
	// SetupDelivery prepares frame delivery for the residency. The host
	// path returns the driver-owned buffer pointer; the device path
	// returns 0.
	SetupDelivery(h Handle, r gpu.Residency) (uintptr, error)
	DestroyCaptureSession(h Handle) error
	DestroyHandle(h Handle) error
	GrabFrame(h Handle, req GrabRequest) GrabResult
	BindContext(h Handle) error
	ReleaseContext(h Handle) error
	// LastError is the driver's description of the most recent failure.
	LastError(h Handle) string
}
