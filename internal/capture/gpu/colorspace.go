package gpu

import (
	"fmt"
	"math"
)

// Colorspace selects the luma coefficients used for RGB to YUV conversion.
type Colorspace int

const (
	ColorspaceBT601 Colorspace = iota
	ColorspaceBT709
)

func (c Colorspace) String() string {
	switch c {
	case ColorspaceBT601:
		return "bt601"
	case ColorspaceBT709:
		return "bt709"
	default:
		return fmt.Sprintf("colorspace(%d)", int(c))
	}
}

// ColorRange selects studio (16-235) or full (0-255) swing.
type ColorRange int

const (
	RangeLimited ColorRange = iota
	RangeFull
)

func (r ColorRange) String() string {
	if r == RangeFull {
		return "full"
	}
	return "limited"
}

// colorMatrix holds 8.8 fixed-point RGB to YUV coefficients. For BT.601
// limited range these are the familiar 66/129/25, -38/-74/112, 112/-94/-18.
type colorMatrix struct {
	y       [3]int
	u       [3]int
	v       [3]int
	yOffset int
}

func newColorMatrix(cs Colorspace, rng ColorRange) (colorMatrix, error) {
	var kr, kb float64
	switch cs {
	case ColorspaceBT601:
		kr, kb = 0.299, 0.114
	case ColorspaceBT709:
		kr, kb = 0.2126, 0.0722
	default:
		return colorMatrix{}, fmt.Errorf("unknown colorspace %d", int(cs))
	}

	yScale, cScale, yOffset := 1.0, 1.0, 0
	switch rng {
	case RangeLimited:
		yScale, cScale, yOffset = 219.0/255.0, 224.0/255.0, 16
	case RangeFull:
	default:
		return colorMatrix{}, fmt.Errorf("unknown color range %d", int(rng))
	}

	fixed := func(f float64) int { return int(math.Round(f * 256)) }
	cb := 0.5 / (1 - kb)
	cr := 0.5 / (1 - kr)

	// The green terms absorb rounding so white maps to peak luma and greys
	// carry no chroma.
	m := colorMatrix{
		y:       [3]int{fixed(kr * yScale), 0, fixed(kb * yScale)},
		u:       [3]int{fixed(-kr * cb * cScale), 0, fixed(0.5 * cScale)},
		v:       [3]int{fixed(0.5 * cScale), 0, fixed(-kb * cr * cScale)},
		yOffset: yOffset,
	}
	m.y[1] = fixed(yScale) - m.y[0] - m.y[2]
	m.u[1] = -m.u[0] - m.u[2]
	m.v[1] = -m.v[0] - m.v[2]
	return m, nil
}

func (m *colorMatrix) luma(r, g, b int) byte {
	return clamp8((m.y[0]*r+m.y[1]*g+m.y[2]*b+128)>>8 + m.yOffset)
}

func (m *colorMatrix) chroma(r, g, b int) (u, v byte) {
	u = clamp8((m.u[0]*r+m.u[1]*g+m.u[2]*b+128)>>8 + 128)
	v = clamp8((m.v[0]*r+m.v[1]*g+m.v[2]*b+128)>>8 + 128)
	return u, v
}

func clamp8(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
