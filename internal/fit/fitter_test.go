package fit

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"testing"
)

func TestFitterRequiresFitBeforeRender(t *testing.T) {
	f := NewFitter(nil)

	if err := f.Render(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized from Render, got %v", err)
	}
	if err := f.Clear(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized from Clear, got %v", err)
	}
	if _, err := f.Bounds(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized from Bounds, got %v", err)
	}
	if f.Surface() != nil {
		t.Fatal("expected no surface before fit")
	}
}

func TestFitterRejectsMissingImage(t *testing.T) {
	f := NewFitter(nil)
	if _, err := f.Fit(Frame{Width: 900, Height: 600}, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	empty := image.NewNRGBA(image.Rect(0, 0, 0, 10))
	if _, err := f.Fit(Frame{Width: 900, Height: 600}, empty); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty image, got %v", err)
	}
	if _, ok := f.Placement(); ok {
		t.Fatal("expected fitter to stay uninitialized after failed fit")
	}
}

func TestFitterFitAllocatesFrameSizedSurface(t *testing.T) {
	f := NewFitter(nil)
	placement, err := f.Fit(Frame{Width: 90, Height: 60}, solid(120, 80, color.NRGBA{R: 255, A: 255}))
	if err != nil {
		t.Fatalf("fit returned error: %v", err)
	}
	if placement.Align != AlignIdentity {
		t.Fatalf("expected identity, got %s", placement.Align)
	}

	surface := f.Surface()
	if surface.Bounds() != image.Rect(0, 0, 90, 60) {
		t.Fatalf("unexpected surface bounds %v", surface.Bounds())
	}
	if _, _, _, a := surface.At(45, 30).RGBA(); a != 0 {
		t.Fatal("expected fit to leave the surface undrawn")
	}
}

func TestFitterRenderCoversFrame(t *testing.T) {
	f := NewFitter(nil)
	if _, err := f.Fit(Frame{Width: 90, Height: 60}, solid(60, 90, color.NRGBA{B: 255, A: 255})); err != nil {
		t.Fatalf("fit returned error: %v", err)
	}
	if err := f.Render(); err != nil {
		t.Fatalf("render returned error: %v", err)
	}

	surface := f.Surface().(*image.NRGBA)
	for _, pt := range []image.Point{{0, 0}, {89, 0}, {0, 59}, {89, 59}, {45, 30}} {
		if got := surface.NRGBAAt(pt.X, pt.Y); got != (color.NRGBA{B: 255, A: 255}) {
			t.Fatalf("pixel %v: expected opaque blue, got %v", pt, got)
		}
	}
}

func TestFitterRenderIsIdempotent(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 40, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 6), G: uint8(y * 12), B: 90, A: uint8(40 + x*5)})
		}
	}

	f := NewFitter(nil)
	if _, err := f.Fit(Frame{Width: 30, Height: 30}, src); err != nil {
		t.Fatalf("fit returned error: %v", err)
	}
	if err := f.Render(); err != nil {
		t.Fatalf("first render: %v", err)
	}
	once := append([]byte(nil), f.Surface().(*image.NRGBA).Pix...)

	if err := f.Render(); err != nil {
		t.Fatalf("second render: %v", err)
	}
	if !bytes.Equal(once, f.Surface().(*image.NRGBA).Pix) {
		t.Fatal("expected repeated render to produce identical pixels")
	}
}

func TestFitterClearErasesPlacement(t *testing.T) {
	f := NewFitter(nil)
	if _, err := f.Fit(Frame{Width: 30, Height: 20}, solid(30, 20, color.NRGBA{G: 255, A: 255})); err != nil {
		t.Fatalf("fit returned error: %v", err)
	}
	if err := f.Render(); err != nil {
		t.Fatalf("render returned error: %v", err)
	}
	if err := f.Clear(); err != nil {
		t.Fatalf("clear returned error: %v", err)
	}

	for _, b := range f.Surface().(*image.NRGBA).Pix {
		if b != 0 {
			t.Fatal("expected surface to be fully transparent after clear")
		}
	}

	if err := f.Render(); err != nil {
		t.Fatalf("render after clear: %v", err)
	}
	if got := f.Surface().(*image.NRGBA).NRGBAAt(10, 10); got.A != 255 {
		t.Fatalf("expected redraw after clear, got %v", got)
	}
}

func TestFitterClearCoversOriginAndOffsetPlacement(t *testing.T) {
	f := NewFitter(nil)
	placement, err := f.Fit(Frame{Width: 600, Height: 900}, solid(800, 1000, color.NRGBA{R: 255, A: 255}))
	if err != nil {
		t.Fatalf("fit returned error: %v", err)
	}
	want := Placement{X: 60, Y: 0, Width: 480, Height: 900, Align: AlignVertical}
	if placement != want {
		t.Fatalf("expected %+v, got %+v", want, placement)
	}

	if err := f.Render(); err != nil {
		t.Fatalf("render returned error: %v", err)
	}
	surface := f.Surface().(*image.NRGBA)
	if got := surface.NRGBAAt(30, 450); got.A != 0 {
		t.Fatalf("expected left margin untouched by render, got %v", got)
	}
	if got := surface.NRGBAAt(530, 450); got.A != 255 {
		t.Fatalf("expected placement to extend past the origin extent, got %v", got)
	}

	if err := f.Clear(); err != nil {
		t.Fatalf("clear returned error: %v", err)
	}
	for _, b := range surface.Pix {
		if b != 0 {
			t.Fatal("expected origin extent and drawn placement to be transparent after clear")
		}
	}
}

func TestFitterClearKeepsPixelsOutsideBothRegions(t *testing.T) {
	f := NewFitter(nil)
	if _, err := f.Fit(Frame{Width: 600, Height: 900}, solid(800, 1000, color.NRGBA{R: 255, A: 255})); err != nil {
		t.Fatalf("fit returned error: %v", err)
	}
	surface := f.Surface().(*image.NRGBA)
	marker := color.NRGBA{B: 255, A: 255}
	surface.SetNRGBA(580, 10, marker)

	if err := f.Clear(); err != nil {
		t.Fatalf("clear returned error: %v", err)
	}
	if got := surface.NRGBAAt(580, 10); got != marker {
		t.Fatalf("expected pixel right of the placement to survive clear, got %v", got)
	}
}

func TestFitterRefitReplacesState(t *testing.T) {
	factory := &countingFactory{}
	f := NewFitter(factory)

	if _, err := f.Fit(Frame{Width: 90, Height: 60}, solid(90, 60, color.NRGBA{R: 255, A: 255})); err != nil {
		t.Fatalf("first fit: %v", err)
	}
	if err := f.Render(); err != nil {
		t.Fatalf("render: %v", err)
	}

	second, err := f.Fit(Frame{Width: 90, Height: 60}, solid(180, 60, color.NRGBA{G: 255, A: 255}))
	if err != nil {
		t.Fatalf("second fit: %v", err)
	}
	if factory.allocated != 1 {
		t.Fatalf("expected same-sized refit to reuse the canvas, allocated=%d", factory.allocated)
	}
	if _, _, _, a := f.Surface().At(0, 0).RGBA(); a != 0 {
		t.Fatal("expected refit to wipe the previous render")
	}
	if got, _ := f.Placement(); got != second {
		t.Fatalf("expected placement %+v, got %+v", second, got)
	}

	bounds, err := f.Bounds()
	if err != nil {
		t.Fatalf("bounds: %v", err)
	}
	if bounds.Max != (Point{X: -180, Y: 0}) {
		t.Fatalf("unexpected bounds %+v", bounds)
	}

	if _, err := f.Fit(Frame{Width: 45, Height: 30}, solid(10, 10, color.NRGBA{A: 255})); err != nil {
		t.Fatalf("third fit: %v", err)
	}
	if factory.allocated != 2 {
		t.Fatalf("expected resize to allocate a new canvas, allocated=%d", factory.allocated)
	}
	if f.Surface().Bounds() != image.Rect(0, 0, 45, 30) {
		t.Fatalf("unexpected surface bounds %v", f.Surface().Bounds())
	}

	if _, err := f.Fit(Frame{Width: 0, Height: 30}, solid(10, 10, color.NRGBA{A: 255})); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if f.Frame() != (Frame{Width: 45, Height: 30}) {
		t.Fatalf("expected failed fit to keep previous frame, got %+v", f.Frame())
	}
}

type countingFactory struct {
	allocated int
}

func (c *countingFactory) NewCanvas(width, height int) Canvas {
	c.allocated++
	return NRGBAFactory{}.NewCanvas(width, height)
}

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	return img
}

func BenchmarkFitterRender(b *testing.B) {
	src := solid(1200, 1600, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	f := NewFitter(nil)
	if _, err := f.Fit(Frame{Width: 900, Height: 600}, src); err != nil {
		b.Fatalf("fit: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := f.Render(); err != nil {
			b.Fatalf("render: %v", err)
		}
	}
}
