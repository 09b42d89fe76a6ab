package gpu

import (
	"fmt"
	"strings"
)

// Residency says where captured pixels live when they reach the sink.
type Residency int

const (
	// ResidencyHost delivers frames as host memory filled by the driver.
	ResidencyHost Residency = iota
	// ResidencyDevice delivers frames as device memory staged into a Texture.
	ResidencyDevice
)

func (r Residency) String() string {
	switch r {
	case ResidencyHost:
		return "host"
	case ResidencyDevice:
		return "device"
	default:
		return fmt.Sprintf("residency(%d)", int(r))
	}
}

// ParseResidency accepts "host"/"ram" and "device"/"vram".
func ParseResidency(s string) (Residency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "host", "ram", "sys":
		return ResidencyHost, nil
	case "device", "vram", "cuda":
		return ResidencyDevice, nil
	default:
		return 0, fmt.Errorf("unknown residency %q", s)
	}
}

// Image is one captured frame as seen by the sink. On the host path Data
// aliases the driver's buffer and is only valid until the next grab. On the
// device path Texture holds the frame and Data is nil.
type Image struct {
	Width      int
	Height     int
	PixelPitch int
	RowPitch   int
	Data       []byte
	Texture    *Texture

	FrameNumber uint64
}

// NewImage returns a BGRA image descriptor with no backing storage.
func NewImage(width, height int) *Image {
	return &Image{
		Width:      width,
		Height:     height,
		PixelPitch: 4,
		RowPitch:   width * 4,
	}
}

// Bytes is the size of a tightly packed frame.
func (img *Image) Bytes() int {
	return img.RowPitch * img.Height
}

// Close releases the owned texture, if any.
func (img *Image) Close() error {
	if img == nil || img.Texture == nil {
		return nil
	}
	err := img.Texture.Close()
	img.Texture = nil
	return err
}
