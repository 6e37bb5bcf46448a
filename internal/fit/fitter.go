// Package fit places a source image on a fixed-size frame and renders the
// result onto an off-screen canvas.
package fit

import (
	"errors"
	"fmt"
	"image"
)

var (
	ErrInvalidInput   = errors.New("invalid fit input")
	ErrNotInitialized = errors.New("fitter has not been fitted")
)

// Fitter holds the placement of one source image on one frame. It is not
// safe for concurrent use.
type Fitter struct {
	factory   CanvasFactory
	canvas    Canvas
	frame     Frame
	src       image.Image
	placement Placement
	fitted    bool
}

func NewFitter(factory CanvasFactory) *Fitter {
	if factory == nil {
		factory = NRGBAFactory{}
	}
	return &Fitter{factory: factory}
}

// Fit computes the placement of src inside frame and prepares a canvas of
// the frame's size. Nothing is drawn. On error the previous state is kept.
func (f *Fitter) Fit(frame Frame, src image.Image) (Placement, error) {
	if src == nil {
		return Placement{}, fmt.Errorf("%w: no source image", ErrInvalidInput)
	}

	placement, err := Compute(frame, SourceOf(src))
	if err != nil {
		return Placement{}, err
	}

	if f.canvas != nil && f.frame == frame {
		f.canvas.ClearRect(f.canvas.Image().Bounds())
	} else {
		f.canvas = f.factory.NewCanvas(frame.Width, frame.Height)
	}

	f.frame = frame
	f.src = src
	f.placement = placement
	f.fitted = true
	return placement, nil
}

// Render draws the source at the current placement. Repeated calls leave the
// canvas unchanged.
func (f *Fitter) Render() error {
	if !f.fitted {
		return ErrNotInitialized
	}
	f.canvas.DrawScaled(f.src, f.placement.Rect())
	return nil
}

// Clear erases a placement-sized region anchored at the canvas origin and
// the region the placement was drawn into. The two differ when a vertical
// placement is narrower than the frame and sits at a positive X offset.
func (f *Fitter) Clear() error {
	if !f.fitted {
		return ErrNotInitialized
	}
	f.canvas.ClearRect(f.placement.Extent())
	f.canvas.ClearRect(f.placement.Rect())
	return nil
}

// Surface returns the frame-sized canvas, or nil before the first Fit.
func (f *Fitter) Surface() image.Image {
	if f.canvas == nil {
		return nil
	}
	return f.canvas.Image()
}

func (f *Fitter) Frame() Frame {
	return f.frame
}

func (f *Fitter) Placement() (Placement, bool) {
	return f.placement, f.fitted
}

func (f *Fitter) Bounds() (Bounds, error) {
	if !f.fitted {
		return Bounds{}, ErrNotInitialized
	}
	return f.placement.Bounds(f.frame), nil
}
