package gpu

import (
	"errors"
	"testing"
)

func newTestFrameDevice(t *testing.T, hc *HostCompute, r Residency, w, h int, frame *EncoderFrame) EncoderDevice {
	t.Helper()
	dev, err := MakeEncoderDevice(hc, w, h, r)
	if err != nil {
		t.Fatalf("MakeEncoderDevice: %v", err)
	}
	if err := dev.SetFrame(frame); err != nil {
		t.Fatalf("SetFrame: %v", err)
	}
	return dev
}

func TestMakeEncoderDeviceSelectsVariant(t *testing.T) {
	hc := NewHostCompute()
	for _, r := range []Residency{ResidencyHost, ResidencyDevice} {
		dev, err := MakeEncoderDevice(hc, 2, 2, r)
		if err != nil {
			t.Fatalf("MakeEncoderDevice(%s): %v", r, err)
		}
		if dev.Residency() != r {
			t.Fatalf("expected %s device, got %s", r, dev.Residency())
		}
	}
	if _, err := MakeEncoderDevice(hc, 2, 2, Residency(7)); err == nil {
		t.Fatal("expected error for unknown residency")
	}
	if _, err := MakeEncoderDevice(nil, 2, 2, ResidencyHost); !errors.Is(err, ErrNoCompute) {
		t.Fatalf("expected ErrNoCompute, got %v", err)
	}
}

func TestSetFrameRequiresNV12(t *testing.T) {
	hc := NewHostCompute()
	dev, err := MakeEncoderDevice(hc, 2, 2, ResidencyHost)
	if err != nil {
		t.Fatalf("MakeEncoderDevice: %v", err)
	}
	frame := NewNV12Frame(2, 2)
	frame.Format = FormatP010
	if err := dev.SetFrame(frame); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if err := dev.Convert(NewImage(2, 2)); !errors.Is(err, ErrFrameNotSet) {
		t.Fatalf("expected ErrFrameNotSet before a frame is set, got %v", err)
	}
}

func TestLinearOnlyWhenScaling(t *testing.T) {
	hc := NewHostCompute()

	same := newTestFrameDevice(t, hc, ResidencyDevice, 4, 4, NewNV12Frame(4, 4))
	defer same.Close()
	if same.(*vramDevice).linear {
		t.Fatal("expected point sampling when dimensions match")
	}

	scaled := newTestFrameDevice(t, hc, ResidencyDevice, 4, 4, NewNV12Frame(8, 8))
	defer scaled.Close()
	if !scaled.(*vramDevice).linear {
		t.Fatal("expected linear sampling when dimensions differ")
	}
}

func TestSetColorspacePaintsBlack(t *testing.T) {
	hc := NewHostCompute()
	frame := NewNV12Frame(8, 4)
	for i := range frame.Y {
		frame.Y[i] = 0x99
	}
	dev := newTestFrameDevice(t, hc, ResidencyHost, 4, 4, frame)
	defer dev.Close()

	if err := dev.SetColorspace(ColorspaceBT709, RangeLimited); err != nil {
		t.Fatalf("SetColorspace: %v", err)
	}
	for i, y := range frame.Y {
		if y != 16 {
			t.Fatalf("Y[%d] = %d, want 16", i, y)
		}
	}
	for i, c := range frame.UV {
		if c != 128 {
			t.Fatalf("UV[%d] = %d, want 128", i, c)
		}
	}
	if arrays, _, _ := hc.Live(); arrays != 1 {
		t.Fatalf("expected only the device texture to remain, got %d arrays", arrays)
	}
}

func TestRAMDeviceConvert(t *testing.T) {
	hc := NewHostCompute()
	frame := NewNV12Frame(2, 2)
	dev := newTestFrameDevice(t, hc, ResidencyHost, 2, 2, frame)

	img := NewImage(2, 2)
	img.Data = quadBGRA
	if err := dev.Convert(img); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if frame.Y[0] != 82 || frame.Y[3] != 235 {
		t.Fatalf("unexpected luma %v", frame.Y)
	}

	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if a, o, s := hc.Live(); a != 0 || o != 0 || s != 0 {
		t.Fatalf("leaked arrays=%d objects=%d streams=%d", a, o, s)
	}
}

func TestVRAMDeviceConvertsFromImageTexture(t *testing.T) {
	hc := NewHostCompute()
	frame := NewNV12Frame(2, 2)
	dev := newTestFrameDevice(t, hc, ResidencyDevice, 2, 2, frame)
	defer dev.Close()

	tex, err := Allocate(hc, 2, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer tex.Close()
	ptr := hc.Register(quadBGRA)
	defer hc.Unregister(ptr)
	if err := tex.CopyFromDevice(ptr, 2, 8); err != nil {
		t.Fatalf("CopyFromDevice: %v", err)
	}

	img := NewImage(2, 2)
	img.Texture = tex
	if err := dev.Convert(img); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if frame.Y[1] != 144 || frame.UV[0] != 90 || frame.UV[1] != 240 {
		t.Fatalf("unexpected nv12 Y=%v UV=%v", frame.Y, frame.UV)
	}

	if err := dev.Convert(NewImage(2, 2)); !errors.Is(err, ErrInvalidArray) {
		t.Fatalf("expected ErrInvalidArray for image without texture, got %v", err)
	}
}

func TestParseResidency(t *testing.T) {
	cases := map[string]Residency{
		"host":   ResidencyHost,
		"RAM":    ResidencyHost,
		"device": ResidencyDevice,
		" vram ": ResidencyDevice,
	}
	for in, want := range cases {
		got, err := ParseResidency(in)
		if err != nil || got != want {
			t.Errorf("ParseResidency(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseResidency("gpu0"); err == nil {
		t.Fatal("expected error for unknown residency")
	}
}
