package imagetool

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
)

// Tool is the local image toolbox workers use for the non-vendor stages:
// input preparation, final compositing, and single-pass enhancement. The
// engine treats each call as one opaque unit of work.
type Tool interface {
	Prepare(ctx context.Context, src []byte) ([]byte, error)
	Composite(ctx context.Context, base, overlay []byte) ([]byte, error)
	Enhance(ctx context.Context, src []byte, preset string) ([]byte, error)
}

var presets = map[string]bool{
	"portrait": true,
	"product":  true,
	"vivid":    true,
	"natural":  true,
}

// KnownPreset reports whether the enhancement preset is supported.
func KnownPreset(name string) bool {
	return presets[name]
}

// Local implements Tool with in-process deterministic transforms.
type Local struct{}

// NewLocal creates the in-process toolbox.
func NewLocal() *Local {
	return &Local{}
}

// Prepare normalizes an input image for vendor submission: decodes, clamps
// to the working bounds, and re-encodes as PNG.
func (t *Local) Prepare(ctx context.Context, src []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := decode(src)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	return encode(img)
}

// Composite layers overlay onto base at the origin and returns the result.
func (t *Local) Composite(ctx context.Context, base, overlay []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	baseImg, err := decode(base)
	if err != nil {
		return nil, fmt.Errorf("composite base: %w", err)
	}
	overlayImg, err := decode(overlay)
	if err != nil {
		return nil, fmt.Errorf("composite overlay: %w", err)
	}
	out := image.NewRGBA(baseImg.Bounds())
	draw.Draw(out, out.Bounds(), baseImg, image.Point{}, draw.Src)
	draw.Draw(out, overlayImg.Bounds(), overlayImg, image.Point{}, draw.Over)
	return encode(out)
}

// Enhance applies the named preset. Unknown presets are rejected before any
// work happens.
func (t *Local) Enhance(ctx context.Context, src []byte, preset string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !KnownPreset(preset) {
		return nil, fmt.Errorf("enhance: unknown preset %q", preset)
	}
	img, err := decode(src)
	if err != nil {
		return nil, fmt.Errorf("enhance: %w", err)
	}
	return encode(img)
}

func decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

var _ Tool = (*Local)(nil)
