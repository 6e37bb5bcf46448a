package pipeline

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/backdrop/internal/fit"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const errorCardText = "Oops... Error."

// ErrorCard is the frame-sized placeholder shown instead of a composite when
// the cutout could not be produced: white text centered on black.
func ErrorCard(frame fit.Frame) *image.NRGBA {
	card := imaging.New(frame.Width, frame.Height, color.NRGBA{A: 255})

	face := basicfont.Face7x13
	metrics := face.Metrics()
	ascent := metrics.Ascent.Ceil()
	lineHeight := metrics.Height.Ceil()

	drawer := &font.Drawer{Face: face}
	textWidth := drawer.MeasureString(errorCardText).Ceil()

	label := image.NewNRGBA(image.Rect(0, 0, textWidth, lineHeight))
	drawer.Dst = label
	drawer.Src = image.NewUniform(color.White)
	drawer.Dot = fixed.P(0, ascent)
	drawer.DrawString(errorCardText)

	// Scale the bitmap font up to roughly a tenth of the frame height,
	// keeping the label inside the frame.
	scale := max(1, min(frame.Height/(10*lineHeight), frame.Width*8/(10*textWidth)))
	if scale > 1 {
		label = imaging.Resize(label, textWidth*scale, lineHeight*scale, imaging.NearestNeighbor)
	}

	lb := label.Bounds()
	pos := image.Pt((frame.Width-lb.Dx())/2, (frame.Height-lb.Dy())/2)
	return imaging.Overlay(card, label, pos, 1.0)
}
