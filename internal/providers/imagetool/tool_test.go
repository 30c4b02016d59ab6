package imagetool

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func testPNG(t *testing.T, w, h int, fill color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestPrepareReencodesAsPNG(t *testing.T) {
	tool := NewLocal()
	src := testPNG(t, 32, 32, color.RGBA{R: 200, A: 255})

	out, err := tool.Prepare(context.Background(), src)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("Prepare output is not a PNG: %v", err)
	}
	if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 32 {
		t.Fatalf("Prepare changed dimensions: %v", img.Bounds())
	}

	if _, err := tool.Prepare(context.Background(), []byte("not an image")); err == nil {
		t.Fatal("Prepare should reject undecodable input")
	}
}

func TestCompositeLayersOverlayOntoBase(t *testing.T) {
	tool := NewLocal()
	base := testPNG(t, 16, 16, color.RGBA{R: 255, A: 255})
	overlay := testPNG(t, 8, 8, color.RGBA{B: 255, A: 255})

	out, err := tool.Composite(context.Background(), base, overlay)
	if err != nil {
		t.Fatalf("Composite: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("Composite output is not a PNG: %v", err)
	}
	if img.Bounds() != image.Rect(0, 0, 16, 16) {
		t.Fatalf("composite bounds = %v, want base bounds", img.Bounds())
	}

	// Overlay covers the origin, base shows through elsewhere.
	_, _, b, _ := img.At(2, 2).RGBA()
	if b == 0 {
		t.Fatal("overlay pixel missing at origin")
	}
	r, _, _, _ := img.At(12, 12).RGBA()
	if r == 0 {
		t.Fatal("base pixel missing outside overlay")
	}
}

func TestEnhancePresets(t *testing.T) {
	tool := NewLocal()
	src := testPNG(t, 8, 8, color.RGBA{G: 128, A: 255})
	ctx := context.Background()

	for _, preset := range []string{"portrait", "product", "vivid", "natural"} {
		if !KnownPreset(preset) {
			t.Fatalf("preset %q should be known", preset)
		}
		if _, err := tool.Enhance(ctx, src, preset); err != nil {
			t.Fatalf("Enhance(%s): %v", preset, err)
		}
	}

	if _, err := tool.Enhance(ctx, src, "cinematic"); err == nil {
		t.Fatal("Enhance should reject unknown presets")
	}
	if KnownPreset("cinematic") {
		t.Fatal("KnownPreset should reject unknown presets")
	}
}
