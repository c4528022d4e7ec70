// Package detect adapts an external object-detection model to the pipeline.
// The model is opaque: an image goes in, a list of detections comes out.
// Inference problems are non-fatal; the caller degrades to an empty
// detection set for the affected frame.
package detect

import (
	"image"
	"sort"

	"github.com/pkg/errors"

	"spotcam/camera"
)

// Taxonomy errors for the adapter boundary.
var (
	// ErrModelLoadFailure is fatal at startup.
	ErrModelLoadFailure = errors.New("model load failure")
	// ErrInferenceFailure is non-fatal; treat as zero detections.
	ErrInferenceFailure = errors.New("inference failure")
)

// Detection is one predicted object instance. Box coordinates are clamped to
// the source frame's bounds; Confidence is in [0,1].
type Detection struct {
	Label      string
	Confidence float64
	Box        image.Rectangle
}

// Detector maps a frame to detections at or above the given confidence
// threshold. The contract guarantees no record below threshold reaches the
// caller, whatever the underlying model pre-filters.
type Detector interface {
	Detect(frame *camera.Frame, threshold float64) ([]Detection, error)
	Close() error
}

// candidate is a raw decoded row before NMS.
type candidate struct {
	classID int
	score   float64
	box     image.Rectangle
}

// decodeOutput turns a raw YOLO output buffer into detections. The buffer is
// laid out attribute-major: attrs rows (cx, cy, w, h, then one score per
// class) by cells columns, with coordinates in input-tensor space.
func decodeOutput(data []float32, attrs, cells, frameW, frameH int, threshold, iou float64, names []string) []Detection {
	if attrs < 5 || cells <= 0 || len(data) < attrs*cells {
		return nil
	}

	scaleX := float64(frameW) / float64(inputSize)
	scaleY := float64(frameH) / float64(inputSize)

	var cands []candidate
	for c := 0; c < cells; c++ {
		classID := -1
		best := float64(0)
		for a := 4; a < attrs; a++ {
			if s := float64(data[a*cells+c]); s > best {
				best = s
				classID = a - 4
			}
		}
		if classID < 0 || classID >= len(names) || best < threshold {
			continue
		}

		cx := float64(data[0*cells+c]) * scaleX
		cy := float64(data[1*cells+c]) * scaleY
		w := float64(data[2*cells+c]) * scaleX
		h := float64(data[3*cells+c]) * scaleY

		box := clampBox(image.Rect(
			int(cx-w/2), int(cy-h/2),
			int(cx+w/2), int(cy+h/2),
		), frameW, frameH)
		if box.Empty() {
			continue
		}

		cands = append(cands, candidate{classID: classID, score: best, box: box})
	}

	var dets []Detection
	for _, c := range suppress(cands, iou) {
		dets = append(dets, Detection{
			Label:      names[c.classID],
			Confidence: c.score,
			Box:        c.box,
		})
	}
	return dets
}

// clampBox confines a rectangle to the frame bounds.
func clampBox(r image.Rectangle, w, h int) image.Rectangle {
	return r.Intersect(image.Rect(0, 0, w, h)).Canon()
}

// suppress runs greedy class-wise non-maximum suppression.
func suppress(cands []candidate, iouThreshold float64) []candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].score > cands[j].score
	})

	var kept []candidate
	for _, c := range cands {
		overlap := false
		for _, k := range kept {
			if k.classID == c.classID && iouOf(k.box, c.box) > iouThreshold {
				overlap = true
				break
			}
		}
		if !overlap {
			kept = append(kept, c)
		}
	}
	return kept
}

func iouOf(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	interArea := float64(inter.Dx() * inter.Dy())
	union := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}
