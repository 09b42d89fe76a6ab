//go:build linux

package nvfbc

import "unsafe"

// API version 1.7. Parameter structs carry their size, their own revision
// and the API version in dwVersion; the library rejects mismatches with
// statusAPIVersion.
const (
	apiVersionMajor = 1
	apiVersionMinor = 7
	apiVersion      = apiVersionMinor | apiVersionMajor<<8

	outputMax     = 5
	outputNameLen = 128
)

func structVersion(size uintptr, rev uint32) uint32 {
	return uint32(size) | rev<<16 | (apiVersion&0xff)<<24
}

// Status codes.
const (
	statusSuccess       = 0
	statusAPIVersion    = 1
	statusInternal      = 2
	statusInvalidParam  = 3
	statusInvalidPtr    = 4
	statusInvalidHandle = 5
	statusMaxClients    = 6
	statusUnsupported   = 7
	statusOutOfMemory   = 8
	statusBadRequest    = 9
	statusX             = 10
	statusGLX           = 11
	statusGL            = 12
	statusCUDA          = 13
	statusEncoder       = 14
	statusContext       = 15
	statusMustRecreate  = 16
)

var statusNames = map[uint32]string{
	statusSuccess:       "NVFBC_SUCCESS",
	statusAPIVersion:    "NVFBC_ERR_API_VERSION",
	statusInternal:      "NVFBC_ERR_INTERNAL",
	statusInvalidParam:  "NVFBC_ERR_INVALID_PARAM",
	statusInvalidPtr:    "NVFBC_ERR_INVALID_PTR",
	statusInvalidHandle: "NVFBC_ERR_INVALID_HANDLE",
	statusMaxClients:    "NVFBC_ERR_MAX_CLIENTS",
	statusUnsupported:   "NVFBC_ERR_UNSUPPORTED",
	statusOutOfMemory:   "NVFBC_ERR_OUT_OF_MEMORY",
	statusBadRequest:    "NVFBC_ERR_BAD_REQUEST",
	statusX:             "NVFBC_ERR_X",
	statusGLX:           "NVFBC_ERR_GLX",
	statusGL:            "NVFBC_ERR_GL",
	statusCUDA:          "NVFBC_ERR_CUDA",
	statusEncoder:       "NVFBC_ERR_ENCODER",
	statusContext:       "NVFBC_ERR_CONTEXT",
	statusMustRecreate:  "NVFBC_ERR_MUST_RECREATE",
}

func statusName(s uint32) string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "NVFBC_ERR_UNKNOWN"
}

const (
	captureToSys      = 0
	captureSharedCUDA = 1

	trackingDefault = 0
	trackingOutput  = 1
	trackingScreen  = 2

	bufferFormatBGRA = 5

	grabFlagsNoFlags = 0
	grabFlagsNoWait  = 1
)

type nvBool uint32

func toBool(b bool) nvBool {
	if b {
		return 1
	}
	return 0
}

type size2D struct {
	W, H uint32
}

type box struct {
	X, Y, W, H uint32
}

type frameGrabInfo struct {
	Width                  uint32
	Height                 uint32
	ByteSize               uint32
	CurrentFrame           uint32
	IsNewFrame             nvBool
	TimestampUs            uint64
	MissedFrames           uint32
	RequiredPostProcessing nvBool
	DirectCapture          nvBool
}

type createHandleParams struct {
	Version                  uint32
	PrivateData              uintptr
	PrivateDataSize          uint32
	ExternallyManagedContext nvBool
	GLXCtx                   uintptr
	GLXFBConfig              uintptr
}

type versionOnlyParams struct {
	Version uint32
}

type randrOutputInfo struct {
	ID         uint32
	Name       [outputNameLen]byte
	TrackedBox box
}

type getStatusParams struct {
	Version            uint32
	IsCapturePossible  nvBool
	CurrentlyCapturing nvBool
	CanCreateNow       nvBool
	ScreenSize         size2D
	XRandRAvailable    nvBool
	Outputs            [outputMax]randrOutputInfo
	OutputNum          uint32
	NvFBCVersion       uint32
	InModeset          nvBool
}

type createCaptureSessionParams struct {
	Version                    uint32
	CaptureType                uint32
	TrackingType               uint32
	OutputID                   uint32
	CaptureBox                 box
	FrameSize                  size2D
	WithCursor                 nvBool
	DisableAutoModesetRecovery nvBool
	RoundFrameSize             nvBool
	SamplingRateMs             uint32
	PushModel                  nvBool
	AllowDirectCapture         nvBool
}

type toSysSetupParams struct {
	Version              uint32
	BufferFormat         uint32
	PPBuffer             uintptr
	WithDiffMap          nvBool
	PPDiffMap            uintptr
	DiffMapScalingFactor uint32
}

type toSysGrabFrameParams struct {
	Version        uint32
	Flags          uint32
	PFrameGrabInfo uintptr
	TimeoutMs      uint32
}

type toCUDASetupParams struct {
	Version      uint32
	BufferFormat uint32
}

type toCUDAGrabFrameParams struct {
	Version           uint32
	Flags             uint32
	PCUDADeviceBuffer uintptr
	PFrameGrabInfo    uintptr
	TimeoutMs         uint32
}

var (
	createHandleParamsVer          = structVersion(unsafe.Sizeof(createHandleParams{}), 2)
	destroyHandleParamsVer         = structVersion(unsafe.Sizeof(versionOnlyParams{}), 1)
	getStatusParamsVer             = structVersion(unsafe.Sizeof(getStatusParams{}), 2)
	createCaptureSessionParamsVer  = structVersion(unsafe.Sizeof(createCaptureSessionParams{}), 6)
	destroyCaptureSessionParamsVer = structVersion(unsafe.Sizeof(versionOnlyParams{}), 1)
	toSysSetupParamsVer            = structVersion(unsafe.Sizeof(toSysSetupParams{}), 3)
	toSysGrabFrameParamsVer        = structVersion(unsafe.Sizeof(toSysGrabFrameParams{}), 1)
	toCUDASetupParamsVer           = structVersion(unsafe.Sizeof(toCUDASetupParams{}), 1)
	toCUDAGrabFrameParamsVer       = structVersion(unsafe.Sizeof(toCUDAGrabFrameParams{}), 2)
	bindContextParamsVer           = structVersion(unsafe.Sizeof(versionOnlyParams{}), 1)
	releaseContextParamsVer        = structVersion(unsafe.Sizeof(versionOnlyParams{}), 1)
)

// functionList mirrors NVFBC_API_FUNCTION_LIST; NvFBCCreateInstance fills
// the entry points.
type functionList struct {
	Version               uint32
	GetLastErrorStr       uintptr
	CreateHandle          uintptr
	DestroyHandle         uintptr
	GetStatus             uintptr
	CreateCaptureSession  uintptr
	DestroyCaptureSession uintptr
	ToSysSetUp            uintptr
	ToSysGrabFrame        uintptr
	ToCudaSetUp           uintptr
	ToCudaGrabFrame       uintptr
	pad1, pad2, pad3      uintptr
	BindContext           uintptr
	ReleaseContext        uintptr
	pad4, pad5, pad6      uintptr
	pad7                  uintptr
	ToGLSetUp             uintptr
	ToGLGrabFrame         uintptr
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
