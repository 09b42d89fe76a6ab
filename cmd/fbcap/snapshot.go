package main

import (
	"fmt"
	"path/filepath"

	"github.com/breeze-rmm/fbcapture/internal/capture/gpu"
	"github.com/breeze-rmm/fbcapture/internal/framewriter"
)

// copyFrame takes a private copy of img. Host frames alias the driver
// buffer and device frames live in a texture, so neither can be handed to
// another goroutine as is.
func copyFrame(c gpu.Compute, img *gpu.Image) (framewriter.Frame, error) {
	f := framewriter.Frame{
		Number: img.FrameNumber,
		Width:  img.Width,
		Height: img.Height,
		Pitch:  img.RowPitch,
	}
	if img.Texture != nil {
		buf, err := c.ReadArray(img.Texture.Array())
		if err != nil {
			return f, fmt.Errorf("read texture: %w", err)
		}
		f.BGRA, f.Pitch = buf, img.Texture.Pitch()
		return f, nil
	}
	if len(img.Data) < img.Bytes() {
		return f, fmt.Errorf("frame has %d bytes, want %d", len(img.Data), img.Bytes())
	}
	f.BGRA = append([]byte(nil), img.Data[:img.Bytes()]...)
	return f, nil
}

func framePath(dir string, n uint64) string {
	return filepath.Join(dir, fmt.Sprintf("frame-%06d.png", n))
}
