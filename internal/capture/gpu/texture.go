package gpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
)

// Texture is a device-resident BGRA render target sized to the capture
// region. It exposes a linear-filtered and a point-filtered view of the same
// array; converters pick one per configuration.
type Texture struct {
	compute Compute
	desc    TextureDesc
	array   DeviceArray
	linear  TextureObject
	point   TextureObject
	closed  bool
}

// Allocate creates a texture of height rows by widthBytes bytes. widthBytes
// must be a multiple of the 4-byte BGRA texel.
func Allocate(c Compute, height, widthBytes int) (*Texture, error) {
	if c == nil {
		return nil, ErrNoCompute
	}
	if height <= 0 || widthBytes <= 0 || widthBytes%4 != 0 {
		return nil, fmt.Errorf("allocate texture %dx%d bytes: invalid dimensions", widthBytes, height)
	}

	desc := TextureDesc{
		Label:  "capture-staging",
		Format: gputypes.TextureFormatBGRA8Unorm,
		Size: gputypes.Extent3D{
			Width:              uint32(widthBytes / 4),
			Height:             uint32(height),
			DepthOrArrayLayers: 1,
		},
		Usage: gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	}

	arr, err := c.AllocArray(desc)
	if err != nil {
		return nil, fmt.Errorf("couldn't allocate device array: %w", err)
	}
	t := &Texture{compute: c, desc: desc, array: arr}

	t.point, err = c.CreateTextureObject(arr, gputypes.FilterModeNearest)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("couldn't create point texture object: %w", err)
	}
	t.linear, err = c.CreateTextureObject(arr, gputypes.FilterModeLinear)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("couldn't create linear texture object: %w", err)
	}
	return t, nil
}

func (t *Texture) Width() int         { return int(t.desc.Size.Width) }
func (t *Texture) Height() int        { return int(t.desc.Size.Height) }
func (t *Texture) Pitch() int         { return t.desc.RowBytes() }
func (t *Texture) Desc() TextureDesc  { return t.desc }
func (t *Texture) Array() DeviceArray { return t.array }

// Object returns the linear view when linear is true, the point view otherwise.
func (t *Texture) Object(linear bool) TextureObject {
	if linear {
		return t.linear
	}
	return t.point
}

// CopyFromDevice stages a captured device frame into the texture.
func (t *Texture) CopyFromDevice(src uintptr, height, pitch int) error {
	if t.closed {
		return ErrClosed
	}
	if src == 0 {
		return ErrInvalidPointer
	}
	if height > t.Height() || pitch > t.Pitch() {
		return fmt.Errorf("copy %dx%d into %dx%d texture: frame larger than texture", pitch, height, t.Pitch(), t.Height())
	}
	return t.compute.CopyDeviceToArray(t.array, src, height, pitch, 0)
}

// Close releases both views and the array. Safe to call more than once.
func (t *Texture) Close() error {
	if t == nil || t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	if t.linear != 0 {
		errs = append(errs, t.compute.DestroyTextureObject(t.linear))
	}
	if t.point != 0 {
		errs = append(errs, t.compute.DestroyTextureObject(t.point))
	}
	if t.array != 0 {
		errs = append(errs, t.compute.FreeArray(t.array))
	}
	return errors.Join(errs...)
}

// Stream is a device work queue used for device-to-device copies and
// conversion launches.
type Stream struct {
	compute Compute
	handle  StreamHandle
}

func NewStream(c Compute) (*Stream, error) {
	if c == nil {
		return nil, ErrNoCompute
	}
	h, err := c.CreateStream()
	if err != nil {
		return nil, fmt.Errorf("couldn't create stream: %w", err)
	}
	return &Stream{compute: c, handle: h}, nil
}

func (s *Stream) Handle() StreamHandle {
	if s == nil {
		return 0
	}
	return s.handle
}

func (s *Stream) Sync() error {
	if s == nil || s.handle == 0 {
		return nil
	}
	return s.compute.SyncStream(s.handle)
}

func (s *Stream) Close() error {
	if s == nil || s.handle == 0 {
		return nil
	}
	h := s.handle
	s.handle = 0
	return s.compute.DestroyStream(h)
}
