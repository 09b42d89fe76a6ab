package gpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
)

var (
	ErrNoCompute         = errors.New("compute driver not initialized")
	ErrInvalidArray      = errors.New("invalid device array")
	ErrInvalidPointer    = errors.New("invalid device pointer")
	ErrInvalidTexture    = errors.New("invalid texture object")
	ErrUnsupportedFormat = errors.New("unsupported pixel format")
	ErrClosed            = errors.New("resource already released")
)

// DeviceArray is an opaque handle to a 2D device allocation.
type DeviceArray uintptr

// TextureObject is an opaque handle to a sampled view of a DeviceArray.
type TextureObject uint64

// StreamHandle is an opaque handle to a device work queue.
type StreamHandle uintptr

// TextureView is what a texture object samples: the array behind it and
// the filter applied when reading between texels.
type TextureView struct {
	Array  DeviceArray
	Filter gputypes.FilterMode
}

// TextureDesc describes a 2D device allocation.
type TextureDesc struct {
	Label  string
	Format gputypes.TextureFormat
	Size   gputypes.Extent3D
	Usage  gputypes.TextureUsage
}

// RowBytes is the tightly packed row size of the allocation.
func (d TextureDesc) RowBytes() int {
	return int(d.Size.Width) * BytesPerPixel(d.Format)
}

// BytesPerPixel returns the texel size for the formats the capture path uses.
func BytesPerPixel(f gputypes.TextureFormat) int {
	switch f {
	case gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatRGBA8Unorm:
		return 4
	case gputypes.TextureFormatR8Unorm:
		return 1
	default:
		return 0
	}
}

// Compute is the compute driver function table shared by every display
// session. Implementations must be safe for concurrent use once loaded.
type Compute interface {
	AllocArray(desc TextureDesc) (DeviceArray, error)
	FreeArray(arr DeviceArray) error

	CreateTextureObject(arr DeviceArray, filter gputypes.FilterMode) (TextureObject, error)
	DestroyTextureObject(obj TextureObject) error
	// TextureObjectView reports the array and filter obj was created with.
	TextureObjectView(obj TextureObject) (TextureView, error)

	CreateStream() (StreamHandle, error)
	DestroyStream(s StreamHandle) error
	SyncStream(s StreamHandle) error

	// CopyDeviceToArray copies height rows of pitch bytes from a device
	// pointer into arr, ordered on stream s (0 means the default stream).
	CopyDeviceToArray(dst DeviceArray, src uintptr, height, pitch int, s StreamHandle) error
	// CopyHostToArray uploads height rows of pitch bytes from host memory.
	CopyHostToArray(dst DeviceArray, src []byte, height, pitch int) error
	// ReadArray downloads the tightly packed contents of arr.
	ReadArray(arr DeviceArray) ([]byte, error)

	Name() string
}

// ComputeError carries a compute driver failure with the driver's own name
// and description for the result code.
type ComputeError struct {
	Op          string
	Code        int
	Name        string
	Description string
}

func (e *ComputeError) Error() string {
	if e.Name == "" && e.Description == "" {
		return fmt.Sprintf("%s: code %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Name, e.Description)
}
