package fit

import (
	"fmt"
	"image"
	"math"
)

type Align int

const (
	AlignIdentity Align = iota
	AlignVertical
	AlignHorizontal
)

func (a Align) String() string {
	switch a {
	case AlignVertical:
		return "vertical"
	case AlignHorizontal:
		return "horizontal"
	default:
		return "identity"
	}
}

func (a Align) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Align) UnmarshalText(text []byte) error {
	switch string(text) {
	case "vertical":
		*a = AlignVertical
	case "horizontal":
		*a = AlignHorizontal
	case "identity", "":
		*a = AlignIdentity
	default:
		return fmt.Errorf("unknown align %q", text)
	}
	return nil
}

// Frame is the fixed drawing surface the source is fitted into.
type Frame struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (f Frame) valid() bool {
	return f.Width > 0 && f.Height > 0
}

// SourceImage holds the natural dimensions of a decoded bitmap.
type SourceImage struct {
	Width  int
	Height int
}

func SourceOf(img image.Image) SourceImage {
	b := img.Bounds()
	return SourceImage{Width: b.Dx(), Height: b.Dy()}
}

// Placement is the scaled size and offset of the source inside a Frame.
type Placement struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Align  Align   `json:"align"`
}

// Rect rounds the placement to the pixel grid. The result may extend past
// the frame on the overflowing axis.
func (p Placement) Rect() image.Rectangle {
	x0 := int(math.Round(p.X))
	y0 := int(math.Round(p.Y))
	x1 := int(math.Round(p.X + p.Width))
	y1 := int(math.Round(p.Y + p.Height))
	return image.Rect(x0, y0, x1, y1)
}

// Extent is the placement-sized rectangle anchored at the frame origin.
func (p Placement) Extent() image.Rectangle {
	return image.Rect(0, 0, int(math.Round(p.Width)), int(math.Round(p.Height)))
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Bounds is the legal offset range for repositioning a placement.
type Bounds struct {
	Min Point `json:"min"`
	Max Point `json:"max"`
}

func (p Placement) Bounds(frame Frame) Bounds {
	upper := Point{
		X: float64(frame.Width) - p.Width,
		Y: float64(frame.Height) - p.Height,
	}
	if p.Align == AlignHorizontal {
		upper.X = 0
	}
	if p.Align == AlignVertical {
		upper.Y = 0
	}
	return Bounds{Max: upper}
}

// Compute derives the placement of source inside frame. The branch is chosen
// by exact comparison of the two aspect ratios.
//
// The horizontal branch keeps the source aspect ratio. The vertical branch
// sizes the width as source.Width*frame.Width/source.Height, which equals the
// aspect-preserving width only for square frames.
func Compute(frame Frame, source SourceImage) (Placement, error) {
	if !frame.valid() {
		return Placement{}, fmt.Errorf("%w: frame %dx%d", ErrInvalidInput, frame.Width, frame.Height)
	}
	if source.Width <= 0 || source.Height <= 0 {
		return Placement{}, fmt.Errorf("%w: source %dx%d", ErrInvalidInput, source.Width, source.Height)
	}

	fw, fh := float64(frame.Width), float64(frame.Height)
	sw, sh := float64(source.Width), float64(source.Height)

	frameRatio := fw / fh
	sourceRatio := sw / sh

	switch {
	case frameRatio < sourceRatio:
		width := sw * fw / sh
		return Placement{
			X:      (fw - width) / 2,
			Y:      0,
			Width:  width,
			Height: fh,
			Align:  AlignVertical,
		}, nil
	case frameRatio > sourceRatio:
		height := sh * fw / sw
		return Placement{
			X:      0,
			Y:      (fh - height) / 2,
			Width:  fw,
			Height: height,
			Align:  AlignHorizontal,
		}, nil
	default:
		return Placement{Width: fw, Height: fh, Align: AlignIdentity}, nil
	}
}
