package gpu

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
)

// HostCompute is an in-memory Compute. Device arrays are host slices and
// device pointers are tokens handed out by Register. It backs the simulated
// driver and tests.
type HostCompute struct {
	mu sync.Mutex

	next    uintptr
	arrays  map[DeviceArray]*hostArray
	objects map[TextureObject]hostObject
	streams map[StreamHandle]struct{}
	buffers map[uintptr][]byte

	// FailAlloc makes the next AllocArray calls fail while positive.
	FailAlloc int
}

type hostArray struct {
	desc TextureDesc
	data []byte
}

type hostObject struct {
	array  DeviceArray
	filter gputypes.FilterMode
}

func NewHostCompute() *HostCompute {
	return &HostCompute{
		next:    0x1000,
		arrays:  make(map[DeviceArray]*hostArray),
		objects: make(map[TextureObject]hostObject),
		streams: make(map[StreamHandle]struct{}),
		buffers: make(map[uintptr][]byte),
	}
}

func (h *HostCompute) Name() string { return "host" }

func (h *HostCompute) handle() uintptr {
	h.next += 0x10
	return h.next
}

func (h *HostCompute) AllocArray(desc TextureDesc) (DeviceArray, error) {
	bpp := BytesPerPixel(desc.Format)
	if bpp == 0 {
		return 0, ErrUnsupportedFormat
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailAlloc > 0 {
		h.FailAlloc--
		return 0, &ComputeError{Op: "AllocArray", Code: 2, Name: "OUT_OF_MEMORY", Description: "simulated allocation failure"}
	}
	arr := DeviceArray(h.handle())
	h.arrays[arr] = &hostArray{desc: desc, data: make([]byte, desc.RowBytes()*int(desc.Size.Height))}
	return arr, nil
}

func (h *HostCompute) FreeArray(arr DeviceArray) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.arrays[arr]; !ok {
		return ErrInvalidArray
	}
	delete(h.arrays, arr)
	return nil
}

func (h *HostCompute) CreateTextureObject(arr DeviceArray, filter gputypes.FilterMode) (TextureObject, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.arrays[arr]; !ok {
		return 0, ErrInvalidArray
	}
	obj := TextureObject(h.handle())
	h.objects[obj] = hostObject{array: arr, filter: filter}
	return obj, nil
}

func (h *HostCompute) DestroyTextureObject(obj TextureObject) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.objects[obj]; !ok {
		return fmt.Errorf("texture object %#x: %w", uint64(obj), ErrInvalidTexture)
	}
	delete(h.objects, obj)
	return nil
}

func (h *HostCompute) TextureObjectView(obj TextureObject) (TextureView, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.objects[obj]
	if !ok {
		return TextureView{}, fmt.Errorf("texture object %#x: %w", uint64(obj), ErrInvalidTexture)
	}
	if _, ok := h.arrays[o.array]; !ok {
		return TextureView{}, fmt.Errorf("texture object %#x outlived its array: %w", uint64(obj), ErrInvalidArray)
	}
	return TextureView{Array: o.array, Filter: o.filter}, nil
}

func (h *HostCompute) CreateStream() (StreamHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := StreamHandle(h.handle())
	h.streams[s] = struct{}{}
	return s, nil
}

func (h *HostCompute) DestroyStream(s StreamHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[s]; !ok {
		return fmt.Errorf("stream %#x not found", uintptr(s))
	}
	delete(h.streams, s)
	return nil
}

func (h *HostCompute) SyncStream(s StreamHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[s]; !ok {
		return fmt.Errorf("stream %#x not found", uintptr(s))
	}
	return nil
}

// Register exposes buf as device memory and returns its pointer token.
func (h *HostCompute) Register(buf []byte) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	ptr := h.handle()
	h.buffers[ptr] = buf
	return ptr
}

func (h *HostCompute) Unregister(ptr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.buffers, ptr)
}

func (h *HostCompute) CopyDeviceToArray(dst DeviceArray, src uintptr, height, pitch int, s StreamHandle) error {
	h.mu.Lock()
	buf, ok := h.buffers[src]
	h.mu.Unlock()
	if !ok {
		return ErrInvalidPointer
	}
	return h.copyRows(dst, buf, height, pitch)
}

func (h *HostCompute) CopyHostToArray(dst DeviceArray, src []byte, height, pitch int) error {
	return h.copyRows(dst, src, height, pitch)
}

func (h *HostCompute) copyRows(dst DeviceArray, src []byte, height, pitch int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	arr, ok := h.arrays[dst]
	if !ok {
		return ErrInvalidArray
	}
	row := arr.desc.RowBytes()
	if height > int(arr.desc.Size.Height) || len(src) < height*pitch {
		return fmt.Errorf("copy %d rows of %d bytes: source or destination too small", height, pitch)
	}
	n := min(row, pitch)
	for y := 0; y < height; y++ {
		copy(arr.data[y*row:y*row+n], src[y*pitch:y*pitch+n])
	}
	return nil
}

func (h *HostCompute) ReadArray(arr DeviceArray) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.arrays[arr]
	if !ok {
		return nil, ErrInvalidArray
	}
	out := make([]byte, len(a.data))
	copy(out, a.data)
	return out, nil
}

// Live reports outstanding arrays, texture objects and streams.
func (h *HostCompute) Live() (arrays, objects, streams int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.arrays), len(h.objects), len(h.streams)
}
