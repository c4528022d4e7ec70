// Package overlay draws detection results onto frames: bounding boxes,
// class labels with optional confidence, an FPS readout, the live object
// count, and a recording indicator.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"spotcam/camera"
	"spotcam/detect"
)

const (
	fontScale     = 0.6
	fontThickness = 2
	boxThickness  = 2
	labelPadding  = 5

	fpsLineY     = 30
	objectsLineY = 60

	recordDotRadius = 10
	recordDotInset  = 30
)

// Options configures what the renderer draws and in which colors.
type Options struct {
	ShowLabels     bool
	ShowConfidence bool
	ShowFPS        bool
	BoxColor       color.RGBA
	TextColor      color.RGBA
	FPSColor       color.RGBA
}

// Status carries the per-cycle display state.
type Status struct {
	FPS       float64
	Recording bool
}

// Renderer draws annotations. Stateless across frames.
type Renderer struct {
	opts Options
	font gocv.HersheyFont
	red  color.RGBA
}

// NewRenderer creates a renderer with the given display options.
func NewRenderer(opts Options) *Renderer {
	return &Renderer{
		opts: opts,
		font: gocv.FontHersheySimplex,
		red:  color.RGBA{255, 0, 0, 255},
	}
}

// Annotate draws detections and status onto a copy of the frame. The input
// frame is never mutated; the caller owns the returned Mat and must close it.
func (r *Renderer) Annotate(frame *camera.Frame, dets []detect.Detection, st Status) (gocv.Mat, error) {
	mat, ok := frame.Mat()
	if !ok {
		return gocv.Mat{}, errors.New("frame carries no image data")
	}
	out := mat.Clone()

	for _, det := range dets {
		gocv.Rectangle(&out, det.Box, r.opts.BoxColor, boxThickness)
		if r.opts.ShowLabels {
			r.drawLabel(&out, det)
		}
	}

	if r.opts.ShowFPS {
		gocv.PutText(&out, fmt.Sprintf("FPS: %.1f", st.FPS),
			image.Pt(10, fpsLineY), r.font, fontScale, r.opts.FPSColor, fontThickness)
	}
	gocv.PutText(&out, fmt.Sprintf("Objects: %d", len(dets)),
		image.Pt(10, objectsLineY), r.font, fontScale, r.opts.FPSColor, fontThickness)

	if st.Recording {
		center := image.Pt(out.Cols()-recordDotInset, recordDotInset)
		gocv.Circle(&out, center, recordDotRadius, r.red, -1)
	}

	return out, nil
}

// drawLabel renders the label text on a filled background above the box,
// shifted below it when the box touches the top edge.
func (r *Renderer) drawLabel(out *gocv.Mat, det detect.Detection) {
	label := FormatLabel(det, r.opts.ShowConfidence)
	size := gocv.GetTextSize(label, r.font, fontScale, fontThickness)

	x := det.Box.Min.X
	top := det.Box.Min.Y - size.Y - 2*labelPadding
	if top < 0 {
		top = det.Box.Max.Y
	}

	bg := image.Rect(x, top, x+size.X+2*labelPadding, top+size.Y+2*labelPadding)
	gocv.Rectangle(out, bg, r.opts.BoxColor, -1)
	gocv.PutText(out, label, image.Pt(x+labelPadding, top+size.Y+labelPadding),
		r.font, fontScale, r.opts.TextColor, fontThickness)
}

// FormatLabel composes the label text for a detection, with confidence at
// whole-percent precision when requested.
func FormatLabel(det detect.Detection, withConfidence bool) string {
	if !withConfidence {
		return det.Label
	}
	return fmt.Sprintf("%s %d%%", det.Label, int(math.Round(det.Confidence*100)))
}
