package pipeline

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/backdrop/internal/fit"
)

// Composite redraws the fitter's canvas and lays it over background at the
// origin. background must already match the fitted frame.
func Composite(fitter *fit.Fitter, background image.Image) (*image.NRGBA, error) {
	if background == nil {
		return nil, errors.New("background is missing")
	}
	frame := fitter.Frame()
	if b := background.Bounds(); b.Dx() != frame.Width || b.Dy() != frame.Height {
		return nil, fmt.Errorf("background is %dx%d, frame is %dx%d", b.Dx(), b.Dy(), frame.Width, frame.Height)
	}

	if err := fitter.Clear(); err != nil {
		return nil, err
	}
	if err := fitter.Render(); err != nil {
		return nil, err
	}

	return imaging.Overlay(background, fitter.Surface(), image.Pt(0, 0), 1.0), nil
}

// StretchToFrame scales img to exactly fill frame, ignoring its aspect ratio,
// the way backdrop thumbnails are drawn edge to edge.
func StretchToFrame(img image.Image, frame fit.Frame) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == frame.Width && b.Dy() == frame.Height {
		return imaging.Clone(img)
	}
	return imaging.Resize(img, frame.Width, frame.Height, imaging.Lanczos)
}
