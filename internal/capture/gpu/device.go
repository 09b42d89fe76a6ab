package gpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/breeze-rmm/fbcapture/internal/logging"
)

var log = logging.L("gpu")

// PixelFormat is the layout of an encoder frame.
type PixelFormat int

const (
	FormatNV12 PixelFormat = iota
	FormatYUV420P
	FormatP010
)

func (f PixelFormat) String() string {
	switch f {
	case FormatNV12:
		return "nv12"
	case FormatYUV420P:
		return "yuv420p"
	case FormatP010:
		return "p010"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// EncoderFrame is the encoder's input surface. Only NV12 is produced here:
// a full-resolution Y plane followed by an interleaved half-height UV plane.
type EncoderFrame struct {
	Width   int
	Height  int
	Format  PixelFormat
	Y       []byte
	UV      []byte
	PitchY  int
	PitchUV int
}

// NewNV12Frame allocates an NV12 frame. Odd dimensions are padded up to the
// next even size in the plane pitches.
func NewNV12Frame(width, height int) *EncoderFrame {
	pitch := (width + 1) &^ 1
	rows := (height + 1) &^ 1
	return &EncoderFrame{
		Width:   width,
		Height:  height,
		Format:  FormatNV12,
		Y:       make([]byte, pitch*rows),
		UV:      make([]byte, pitch*rows/2),
		PitchY:  pitch,
		PitchUV: pitch,
	}
}

var ErrFrameNotSet = errors.New("encoder frame not set")

// EncoderDevice feeds captured images into an encoder frame.
type EncoderDevice interface {
	SetFrame(frame *EncoderFrame) error
	SetColorspace(cs Colorspace, rng ColorRange) error
	Convert(img *Image) error
	Residency() Residency
	Close() error
}

type deviceFactory func(c Compute, width, height int) (EncoderDevice, error)

var (
	deviceFactoriesMu sync.Mutex
	deviceFactories   = map[Residency]deviceFactory{}
)

func registerDeviceFactory(r Residency, factory deviceFactory) {
	deviceFactoriesMu.Lock()
	defer deviceFactoriesMu.Unlock()
	deviceFactories[r] = factory
}

func init() {
	registerDeviceFactory(ResidencyHost, newRAMDevice)
	registerDeviceFactory(ResidencyDevice, newVRAMDevice)
}

// MakeEncoderDevice returns the encoder feed for a width x height capture.
// Host residency uploads each frame into a private texture before
// converting; device residency converts straight from the image's texture.
func MakeEncoderDevice(c Compute, width, height int, r Residency) (EncoderDevice, error) {
	if c == nil {
		return nil, ErrNoCompute
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("encoder device %dx%d: invalid dimensions", width, height)
	}

	deviceFactoriesMu.Lock()
	factory, ok := deviceFactories[r]
	deviceFactoriesMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no encoder device for %s residency", r)
	}
	log.Debug("Creating encoder device", "residency", r.String(), "width", width, "height", height, "compute", c.Name())
	return factory(c, width, height)
}

// baseDevice is the conversion state shared by both residencies.
type baseDevice struct {
	compute Compute
	width   int
	height  int

	frame  *EncoderFrame
	stream *Stream
	conv   *Converter
	// Sampling only needs interpolation when the frame is scaled.
	linear bool
}

func (d *baseDevice) SetFrame(frame *EncoderFrame) error {
	if frame == nil {
		return ErrFrameNotSet
	}
	if frame.Format != FormatNV12 {
		log.Error("Encoder device only supports NV12", "format", frame.Format.String())
		return fmt.Errorf("encoder frame %s: %w", frame.Format, ErrUnsupportedFormat)
	}

	stream, err := NewStream(d.compute)
	if err != nil {
		return err
	}
	conv, err := NewConverter(d.width, d.height, frame.Width, frame.Height, d.width*4)
	if err != nil {
		stream.Close()
		return err
	}

	if d.stream != nil {
		d.stream.Close()
	}
	d.frame = frame
	d.stream = stream
	d.conv = conv
	d.linear = d.width != frame.Width || d.height != frame.Height
	return nil
}

// SetColorspace updates the matrix and paints the whole frame black so the
// letterbox area does not show the encoder's default fill.
func (d *baseDevice) SetColorspace(cs Colorspace, rng ColorRange) error {
	if d.conv == nil {
		return ErrFrameNotSet
	}
	if err := d.conv.SetColorspace(cs, rng); err != nil {
		return err
	}

	tex, err := Allocate(d.compute, d.height, d.width*4)
	if err != nil {
		return err
	}
	defer tex.Close()

	black := NewImage(d.width, d.height)
	black.Data = make([]byte, black.Bytes())
	for i := 3; i < len(black.Data); i += 4 {
		black.Data[i] = 0xff
	}
	if err := d.conv.LoadHost(black, tex); err != nil {
		return err
	}
	full := Viewport{Width: d.frame.Width, Height: d.frame.Height}
	return d.conv.Convert(d.frame, tex, true, d.stream, &full)
}

func (d *baseDevice) close() error {
	err := d.stream.Close()
	d.stream = nil
	d.conv = nil
	return err
}

type ramDevice struct {
	baseDevice
	tex *Texture
}

func newRAMDevice(c Compute, width, height int) (EncoderDevice, error) {
	return &ramDevice{baseDevice: baseDevice{compute: c, width: width, height: height}}, nil
}

func (d *ramDevice) Residency() Residency { return ResidencyHost }

func (d *ramDevice) SetFrame(frame *EncoderFrame) error {
	if err := d.baseDevice.SetFrame(frame); err != nil {
		return err
	}
	tex, err := Allocate(d.compute, d.height, d.width*4)
	if err != nil {
		return err
	}
	if d.tex != nil {
		d.tex.Close()
	}
	d.tex = tex
	return nil
}

func (d *ramDevice) Convert(img *Image) error {
	if d.conv == nil || d.tex == nil {
		return ErrFrameNotSet
	}
	if err := d.conv.LoadHost(img, d.tex); err != nil {
		return fmt.Errorf("upload frame: %w", err)
	}
	return d.conv.Convert(d.frame, d.tex, d.linear, d.stream, nil)
}

func (d *ramDevice) Close() error {
	err := d.tex.Close()
	d.tex = nil
	return errors.Join(err, d.close())
}

type vramDevice struct {
	baseDevice
}

func newVRAMDevice(c Compute, width, height int) (EncoderDevice, error) {
	return &vramDevice{baseDevice: baseDevice{compute: c, width: width, height: height}}, nil
}

func (d *vramDevice) Residency() Residency { return ResidencyDevice }

func (d *vramDevice) Convert(img *Image) error {
	if d.conv == nil {
		return ErrFrameNotSet
	}
	if img == nil || img.Texture == nil {
		log.Warn("Device image has no texture", slog.Int("width", d.width), slog.Int("height", d.height))
		return fmt.Errorf("convert device image: %w", ErrInvalidArray)
	}
	return d.conv.Convert(d.frame, img.Texture, d.linear, d.stream, nil)
}

func (d *vramDevice) Close() error {
	return d.close()
}
