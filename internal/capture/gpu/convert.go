package gpu

import (
	"fmt"
	"image"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/draw"
)

// Viewport is the destination rectangle inside the encoder frame.
type Viewport struct {
	Width   int
	Height  int
	OffsetX int
	OffsetY int
}

// Converter turns a BGRA texture into NV12 planes. The default viewport keeps
// the capture aspect ratio and centers it in the output frame.
type Converter struct {
	inWidth, inHeight   int
	outWidth, outHeight int
	pitch               int

	viewport Viewport
	matrix   colorMatrix
}

func NewConverter(inWidth, inHeight, outWidth, outHeight, pitch int) (*Converter, error) {
	if inWidth <= 0 || inHeight <= 0 || outWidth <= 0 || outHeight <= 0 {
		return nil, fmt.Errorf("converter %dx%d -> %dx%d: invalid dimensions", inWidth, inHeight, outWidth, outHeight)
	}
	if pitch < inWidth*4 {
		return nil, fmt.Errorf("converter pitch %d smaller than row of %d pixels", pitch, inWidth)
	}

	m, err := newColorMatrix(ColorspaceBT601, RangeLimited)
	if err != nil {
		return nil, err
	}
	return &Converter{
		inWidth:   inWidth,
		inHeight:  inHeight,
		outWidth:  outWidth,
		outHeight: outHeight,
		pitch:     pitch,
		viewport:  fitViewport(inWidth, inHeight, outWidth, outHeight),
		matrix:    m,
	}, nil
}

// fitViewport scales the input uniformly to fit the output. Offsets are kept
// even so chroma sites line up with the 2x2 NV12 blocks.
func fitViewport(inW, inH, outW, outH int) Viewport {
	scale := min(float64(outW)/float64(inW), float64(outH)/float64(inH))
	w := min(outW, max(1, int(float64(inW)*scale+0.5)))
	h := min(outH, max(1, int(float64(inH)*scale+0.5)))
	return Viewport{
		Width:   w,
		Height:  h,
		OffsetX: ((outW - w) / 2) &^ 1,
		OffsetY: ((outH - h) / 2) &^ 1,
	}
}

func (c *Converter) Viewport() Viewport { return c.viewport }

func (c *Converter) SetColorspace(cs Colorspace, rng ColorRange) error {
	m, err := newColorMatrix(cs, rng)
	if err != nil {
		return err
	}
	c.matrix = m
	return nil
}

// LoadHost uploads a host image into tex.
func (c *Converter) LoadHost(img *Image, tex *Texture) error {
	if img == nil || tex == nil {
		return fmt.Errorf("load host image: %w", ErrInvalidArray)
	}
	if img.Width != c.inWidth || img.Height != c.inHeight {
		return fmt.Errorf("load host image %dx%d into %dx%d converter", img.Width, img.Height, c.inWidth, c.inHeight)
	}
	if len(img.Data) < img.RowPitch*img.Height {
		return fmt.Errorf("load host image: have %d bytes, need %d", len(img.Data), img.RowPitch*img.Height)
	}
	return tex.compute.CopyHostToArray(tex.array, img.Data, img.Height, img.RowPitch)
}

// Convert samples src into dst's NV12 planes through the texture's linear
// view when linear is set and its point view otherwise. Interpolation
// follows the filter the chosen view was created with. A nil viewport uses
// the default aspect-fit rectangle; pixels outside the viewport are left
// untouched.
func (c *Converter) Convert(dst *EncoderFrame, src *Texture, linear bool, stream *Stream, vp *Viewport) error {
	if dst == nil || src == nil {
		return fmt.Errorf("convert: %w", ErrInvalidArray)
	}
	if src.closed {
		return fmt.Errorf("convert: %w", ErrClosed)
	}
	if dst.Format != FormatNV12 {
		return fmt.Errorf("convert to %s: %w", dst.Format, ErrUnsupportedFormat)
	}
	view := c.viewport
	if vp != nil {
		view = *vp
	}
	if view.OffsetX+view.Width > dst.Width || view.OffsetY+view.Height > dst.Height {
		return fmt.Errorf("viewport %+v outside %dx%d frame", view, dst.Width, dst.Height)
	}

	if err := stream.Sync(); err != nil {
		return fmt.Errorf("sync stream before convert: %w", err)
	}
	tv, err := src.compute.TextureObjectView(src.Object(linear))
	if err != nil {
		return fmt.Errorf("resolve source view: %w", err)
	}
	interp, err := interpolator(tv.Filter)
	if err != nil {
		return err
	}
	pix, err := src.compute.ReadArray(tv.Array)
	if err != nil {
		return fmt.Errorf("read source texture: %w", err)
	}

	// BGRA bytes are wrapped as RGBA: scaling treats channels independently
	// and alpha is always opaque.
	in := &image.RGBA{
		Pix:    pix,
		Stride: src.Pitch(),
		Rect:   image.Rect(0, 0, src.Width(), src.Height()),
	}

	scaled := in
	if view.Width != src.Width() || view.Height != src.Height() {
		scaled = image.NewRGBA(image.Rect(0, 0, view.Width, view.Height))
		interp.Scale(scaled, scaled.Bounds(), in, in.Bounds(), draw.Src, nil)
	}

	c.writeNV12(dst, scaled, view)
	return nil
}

func interpolator(f gputypes.FilterMode) (draw.Interpolator, error) {
	switch f {
	case gputypes.FilterModeLinear:
		return draw.BiLinear, nil
	case gputypes.FilterModeNearest:
		return draw.NearestNeighbor, nil
	default:
		return nil, fmt.Errorf("texture filter %v: %w", f, ErrUnsupportedFormat)
	}
}

func (c *Converter) writeNV12(dst *EncoderFrame, src *image.RGBA, view Viewport) {
	m := &c.matrix

	// Y plane, BGRA order: B=pi+0, G=pi+1, R=pi+2.
	for y := 0; y < view.Height; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+view.Width*4]
		yRow := dst.Y[(view.OffsetY+y)*dst.PitchY+view.OffsetX:]
		for x := 0; x < view.Width; x++ {
			pi := x * 4
			yRow[x] = m.luma(int(row[pi+2]), int(row[pi+1]), int(row[pi]))
		}
	}

	// UV plane, one sample per 2x2 block taken from its top-left pixel.
	for y := 0; y < view.Height; y += 2 {
		row := src.Pix[y*src.Stride : y*src.Stride+view.Width*4]
		uvRow := dst.UV[((view.OffsetY+y)/2)*dst.PitchUV+view.OffsetX:]
		for x := 0; x < view.Width; x += 2 {
			pi := x * 4
			u, v := m.chroma(int(row[pi+2]), int(row[pi+1]), int(row[pi]))
			uvRow[x] = u
			if x+1 < len(uvRow) {
				uvRow[x+1] = v
			}
		}
	}
}
