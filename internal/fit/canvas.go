package fit

import (
	"image"

	"golang.org/x/image/draw"
)

// Canvas is a drawing surface owned by a Fitter.
type Canvas interface {
	// DrawScaled replaces the pixels in dst with src scaled to dst's size.
	DrawScaled(src image.Image, dst image.Rectangle)
	// ClearRect makes the pixels in r fully transparent.
	ClearRect(r image.Rectangle)
	Image() image.Image
}

type CanvasFactory interface {
	NewCanvas(width, height int) Canvas
}

// NRGBAFactory allocates in-memory canvases backed by *image.NRGBA.
type NRGBAFactory struct {
	Scaler draw.Scaler
}

func (f NRGBAFactory) NewCanvas(width, height int) Canvas {
	scaler := f.Scaler
	if scaler == nil {
		scaler = draw.CatmullRom
	}
	return &NRGBACanvas{
		img:    image.NewNRGBA(image.Rect(0, 0, width, height)),
		scaler: scaler,
	}
}

type NRGBACanvas struct {
	img    *image.NRGBA
	scaler draw.Scaler
}

func (c *NRGBACanvas) DrawScaled(src image.Image, dst image.Rectangle) {
	if dst.Empty() {
		return
	}
	c.scaler.Scale(c.img, dst, src, src.Bounds(), draw.Src, nil)
}

func (c *NRGBACanvas) ClearRect(r image.Rectangle) {
	r = r.Intersect(c.img.Bounds())
	if r.Empty() {
		return
	}
	draw.Draw(c.img, r, image.Transparent, image.Point{}, draw.Src)
}

func (c *NRGBACanvas) Image() image.Image {
	return c.img
}
