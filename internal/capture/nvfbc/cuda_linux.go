//go:build linux

package nvfbc

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gogpu/gputypes"

	"github.com/breeze-rmm/fbcapture/internal/capture"
	"github.com/breeze-rmm/fbcapture/internal/capture/gpu"
)

const (
	cudaSuccess = 0

	cuADFormatUnsignedInt8 = 0x01

	cuResourceTypeArray = 0

	cuTRAddressModeClamp = 1
	cuTRFilterModePoint  = 0
	cuTRFilterModeLinear = 1

	cuMemoryTypeHost   = 1
	cuMemoryTypeDevice = 2
	cuMemoryTypeArray  = 3
)

type cudaArrayDescriptor struct {
	Width       uintptr
	Height      uintptr
	Format      uint32
	NumChannels uint32
}

type cudaResourceDesc struct {
	ResType uint32
	_       uint32
	// Union; only the array member is used.
	HArray uintptr
	_      [120]byte
	Flags  uint32
	_      uint32
}

type cudaTextureDesc struct {
	AddressMode         [3]uint32
	FilterMode          uint32
	Flags               uint32
	MaxAnisotropy       uint32
	MipmapFilterMode    uint32
	MipmapLevelBias     float32
	MinMipmapLevelClamp float32
	MaxMipmapLevelClamp float32
	BorderColor         [4]float32
	_                   [12]int32
}

type cudaMemcpy2D struct {
	SrcXInBytes   uintptr
	SrcY          uintptr
	SrcMemoryType uint32
	SrcHost       unsafe.Pointer
	SrcDevice     uintptr
	SrcArray      uintptr
	SrcPitch      uintptr

	DstXInBytes   uintptr
	DstY          uintptr
	DstMemoryType uint32
	DstHost       unsafe.Pointer
	DstDevice     uintptr
	DstArray      uintptr
	DstPitch      uintptr

	WidthInBytes uintptr
	Height       uintptr
}

// cudaCompute implements gpu.Compute on the CUDA driver API. Every call
// runs with the device's primary context pushed on the calling thread.
type cudaCompute struct {
	handle uintptr
	ctx    uintptr
	name   string

	mu     sync.Mutex
	arrays map[gpu.DeviceArray]gpu.TextureDesc

	cuInit                     func(flags uint32) uint32
	cuDeviceGet                func(dev *int32, ordinal int32) uint32
	cuDeviceGetName            func(name *byte, length int32, dev int32) uint32
	cuDevicePrimaryCtxRetain   func(ctx *uintptr, dev int32) uint32
	cuDevicePrimaryCtxRelease  func(dev int32) uint32
	cuCtxPushCurrent           func(ctx uintptr) uint32
	cuCtxPopCurrent            func(ctx *uintptr) uint32
	cuGetErrorName             func(code uint32, str **byte) uint32
	cuGetErrorString           func(code uint32, str **byte) uint32
	cuArrayCreate              func(arr *uintptr, desc *cudaArrayDescriptor) uint32
	cuArrayDestroy             func(arr uintptr) uint32
	cuTexObjectCreate          func(obj *uint64, res *cudaResourceDesc, tex *cudaTextureDesc, view unsafe.Pointer) uint32
	cuTexObjectDestroy         func(obj uint64) uint32
	cuTexObjectGetResourceDesc func(res *cudaResourceDesc, obj uint64) uint32
	cuTexObjectGetTextureDesc  func(tex *cudaTextureDesc, obj uint64) uint32
	cuStreamCreate             func(stream *uintptr, flags uint32) uint32
	cuStreamDestroy            func(stream uintptr) uint32
	cuStreamSynchronize        func(stream uintptr) uint32
	cuMemcpy2D                 func(p *cudaMemcpy2D) uint32
	cuMemcpy2DAsync            func(p *cudaMemcpy2D, stream uintptr) uint32

	device int32
}

func loadCUDA() (*cudaCompute, error) {
	handle, err := openLibrary(cudaLibraryNames)
	if err != nil {
		return nil, err
	}
	c := &cudaCompute{handle: handle, arrays: make(map[gpu.DeviceArray]gpu.TextureDesc)}

	binds := []struct {
		fptr  any
		names []string
	}{
		{&c.cuInit, []string{"cuInit"}},
		{&c.cuDeviceGet, []string{"cuDeviceGet"}},
		{&c.cuDeviceGetName, []string{"cuDeviceGetName"}},
		{&c.cuDevicePrimaryCtxRetain, []string{"cuDevicePrimaryCtxRetain"}},
		{&c.cuDevicePrimaryCtxRelease, []string{"cuDevicePrimaryCtxRelease_v2", "cuDevicePrimaryCtxRelease"}},
		{&c.cuCtxPushCurrent, []string{"cuCtxPushCurrent_v2", "cuCtxPushCurrent"}},
		{&c.cuCtxPopCurrent, []string{"cuCtxPopCurrent_v2", "cuCtxPopCurrent"}},
		{&c.cuGetErrorName, []string{"cuGetErrorName"}},
		{&c.cuGetErrorString, []string{"cuGetErrorString"}},
		{&c.cuArrayCreate, []string{"cuArrayCreate_v2", "cuArrayCreate"}},
		{&c.cuArrayDestroy, []string{"cuArrayDestroy"}},
		{&c.cuTexObjectCreate, []string{"cuTexObjectCreate"}},
		{&c.cuTexObjectDestroy, []string{"cuTexObjectDestroy"}},
		{&c.cuTexObjectGetResourceDesc, []string{"cuTexObjectGetResourceDesc"}},
		{&c.cuTexObjectGetTextureDesc, []string{"cuTexObjectGetTextureDesc"}},
		{&c.cuStreamCreate, []string{"cuStreamCreate"}},
		{&c.cuStreamDestroy, []string{"cuStreamDestroy_v2", "cuStreamDestroy"}},
		{&c.cuStreamSynchronize, []string{"cuStreamSynchronize"}},
		{&c.cuMemcpy2D, []string{"cuMemcpy2D_v2", "cuMemcpy2D"}},
		{&c.cuMemcpy2DAsync, []string{"cuMemcpy2DAsync_v2", "cuMemcpy2DAsync"}},
	}
	for _, b := range binds {
		if err := bindFunc(handle, b.fptr, b.names...); err != nil {
			purego.Dlclose(handle)
			return nil, err
		}
	}

	if res := c.cuInit(0); res != cudaSuccess {
		purego.Dlclose(handle)
		return nil, &capture.DriverError{Op: "cuInit", Code: int(res), Message: c.errorString(res)}
	}
	if res := c.cuDeviceGet(&c.device, 0); res != cudaSuccess {
		purego.Dlclose(handle)
		return nil, &capture.DriverError{Op: "cuDeviceGet", Code: int(res), Message: c.errorString(res)}
	}
	if res := c.cuDevicePrimaryCtxRetain(&c.ctx, c.device); res != cudaSuccess {
		purego.Dlclose(handle)
		return nil, &capture.DriverError{Op: "cuDevicePrimaryCtxRetain", Code: int(res), Message: c.errorString(res)}
	}

	var name [256]byte
	if c.cuDeviceGetName(&name[0], int32(len(name)), c.device) == cudaSuccess {
		c.name = cString(name[:])
	}
	log.Info("CUDA device ready", "device", c.name)
	return c, nil
}

func (c *cudaCompute) close() error {
	if c == nil || c.handle == 0 {
		return nil
	}
	if c.ctx != 0 {
		c.cuDevicePrimaryCtxRelease(c.device)
		c.ctx = 0
	}
	err := purego.Dlclose(c.handle)
	c.handle = 0
	return err
}

func (c *cudaCompute) Name() string {
	if c.name == "" {
		return "cuda"
	}
	return "cuda:" + c.name
}

func goString(p *byte) string {
	if p == nil {
		return ""
	}
	var n int
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	return string(unsafe.Slice(p, n))
}

func (c *cudaCompute) errorString(code uint32) string {
	var name, desc *byte
	c.cuGetErrorName(code, &name)
	c.cuGetErrorString(code, &desc)
	if name == nil {
		return fmt.Sprintf("CUDA error %d", code)
	}
	return goString(name) + ": " + goString(desc)
}

func (c *cudaCompute) check(op string, res uint32) error {
	if res == cudaSuccess {
		return nil
	}
	var name, desc *byte
	c.cuGetErrorName(res, &name)
	c.cuGetErrorString(res, &desc)
	return &gpu.ComputeError{Op: op, Code: int(res), Name: goString(name), Description: goString(desc)}
}

// withContext runs fn with the primary context current on a locked thread.
func (c *cudaCompute) withContext(fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := c.check("cuCtxPushCurrent", c.cuCtxPushCurrent(c.ctx)); err != nil {
		return err
	}
	defer func() {
		var popped uintptr
		c.cuCtxPopCurrent(&popped)
	}()
	return fn()
}

func (c *cudaCompute) AllocArray(desc gpu.TextureDesc) (gpu.DeviceArray, error) {
	channels := gpu.BytesPerPixel(desc.Format)
	if channels == 0 {
		return 0, gpu.ErrUnsupportedFormat
	}
	ad := cudaArrayDescriptor{
		Width:       uintptr(desc.Size.Width),
		Height:      uintptr(desc.Size.Height),
		Format:      cuADFormatUnsignedInt8,
		NumChannels: uint32(channels),
	}
	var arr uintptr
	err := c.withContext(func() error {
		return c.check("cuArrayCreate", c.cuArrayCreate(&arr, &ad))
	})
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.arrays[gpu.DeviceArray(arr)] = desc
	c.mu.Unlock()
	return gpu.DeviceArray(arr), nil
}

func (c *cudaCompute) FreeArray(arr gpu.DeviceArray) error {
	c.mu.Lock()
	delete(c.arrays, arr)
	c.mu.Unlock()
	return c.withContext(func() error {
		return c.check("cuArrayDestroy", c.cuArrayDestroy(uintptr(arr)))
	})
}

func (c *cudaCompute) CreateTextureObject(arr gpu.DeviceArray, filter gputypes.FilterMode) (gpu.TextureObject, error) {
	res := cudaResourceDesc{ResType: cuResourceTypeArray, HArray: uintptr(arr)}
	tex := cudaTextureDesc{
		AddressMode: [3]uint32{cuTRAddressModeClamp, cuTRAddressModeClamp, cuTRAddressModeClamp},
		FilterMode:  cuTRFilterModePoint,
	}
	if filter == gputypes.FilterModeLinear {
		tex.FilterMode = cuTRFilterModeLinear
	}
	var obj uint64
	err := c.withContext(func() error {
		return c.check("cuTexObjectCreate", c.cuTexObjectCreate(&obj, &res, &tex, nil))
	})
	return gpu.TextureObject(obj), err
}

func (c *cudaCompute) DestroyTextureObject(obj gpu.TextureObject) error {
	return c.withContext(func() error {
		return c.check("cuTexObjectDestroy", c.cuTexObjectDestroy(uint64(obj)))
	})
}

func (c *cudaCompute) TextureObjectView(obj gpu.TextureObject) (gpu.TextureView, error) {
	var res cudaResourceDesc
	var tex cudaTextureDesc
	err := c.withContext(func() error {
		if err := c.check("cuTexObjectGetResourceDesc", c.cuTexObjectGetResourceDesc(&res, uint64(obj))); err != nil {
			return err
		}
		return c.check("cuTexObjectGetTextureDesc", c.cuTexObjectGetTextureDesc(&tex, uint64(obj)))
	})
	if err != nil {
		return gpu.TextureView{}, err
	}
	if res.ResType != cuResourceTypeArray {
		return gpu.TextureView{}, fmt.Errorf("texture object %#x has resource type %d: %w", uint64(obj), res.ResType, gpu.ErrInvalidTexture)
	}
	view := gpu.TextureView{Array: gpu.DeviceArray(res.HArray), Filter: gputypes.FilterModeNearest}
	if tex.FilterMode == cuTRFilterModeLinear {
		view.Filter = gputypes.FilterModeLinear
	}
	return view, nil
}

func (c *cudaCompute) CreateStream() (gpu.StreamHandle, error) {
	var s uintptr
	err := c.withContext(func() error {
		return c.check("cuStreamCreate", c.cuStreamCreate(&s, 0))
	})
	return gpu.StreamHandle(s), err
}

func (c *cudaCompute) DestroyStream(s gpu.StreamHandle) error {
	return c.withContext(func() error {
		return c.check("cuStreamDestroy", c.cuStreamDestroy(uintptr(s)))
	})
}

func (c *cudaCompute) SyncStream(s gpu.StreamHandle) error {
	return c.withContext(func() error {
		return c.check("cuStreamSynchronize", c.cuStreamSynchronize(uintptr(s)))
	})
}

func (c *cudaCompute) CopyDeviceToArray(dst gpu.DeviceArray, src uintptr, height, pitch int, s gpu.StreamHandle) error {
	if src == 0 {
		return gpu.ErrInvalidPointer
	}
	cp := cudaMemcpy2D{
		SrcMemoryType: cuMemoryTypeDevice,
		SrcDevice:     src,
		SrcPitch:      uintptr(pitch),
		DstMemoryType: cuMemoryTypeArray,
		DstArray:      uintptr(dst),
		WidthInBytes:  uintptr(pitch),
		Height:        uintptr(height),
	}
	return c.withContext(func() error {
		if s == 0 {
			return c.check("cuMemcpy2D", c.cuMemcpy2D(&cp))
		}
		return c.check("cuMemcpy2DAsync", c.cuMemcpy2DAsync(&cp, uintptr(s)))
	})
}

func (c *cudaCompute) CopyHostToArray(dst gpu.DeviceArray, src []byte, height, pitch int) error {
	if len(src) < height*pitch {
		return fmt.Errorf("copy %d rows of %d bytes from %d byte buffer", height, pitch, len(src))
	}
	cp := cudaMemcpy2D{
		SrcMemoryType: cuMemoryTypeHost,
		SrcHost:       unsafe.Pointer(unsafe.SliceData(src)),
		SrcPitch:      uintptr(pitch),
		DstMemoryType: cuMemoryTypeArray,
		DstArray:      uintptr(dst),
		WidthInBytes:  uintptr(pitch),
		Height:        uintptr(height),
	}
	err := c.withContext(func() error {
		return c.check("cuMemcpy2D", c.cuMemcpy2D(&cp))
	})
	runtime.KeepAlive(src)
	return err
}

func (c *cudaCompute) ReadArray(arr gpu.DeviceArray) ([]byte, error) {
	c.mu.Lock()
	desc, ok := c.arrays[arr]
	c.mu.Unlock()
	if !ok {
		return nil, gpu.ErrInvalidArray
	}
	row := desc.RowBytes()
	out := make([]byte, row*int(desc.Size.Height))
	cp := cudaMemcpy2D{
		SrcMemoryType: cuMemoryTypeArray,
		SrcArray:      uintptr(arr),
		DstMemoryType: cuMemoryTypeHost,
		DstHost:       unsafe.Pointer(unsafe.SliceData(out)),
		DstPitch:      uintptr(row),
		WidthInBytes:  uintptr(row),
		Height:        uintptr(desc.Size.Height),
	}
	err := c.withContext(func() error {
		return c.check("cuMemcpy2D", c.cuMemcpy2D(&cp))
	})
	runtime.KeepAlive(out)
	if err != nil {
		return nil, err
	}
	return out, nil
}
