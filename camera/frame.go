package camera

import (
	"time"

	"gocv.io/x/gocv"
)

// Frame is one captured image. The pixel buffer is immutable at capture; the
// session owns the frame for a single cycle and must Close it afterwards.
type Frame struct {
	Width     int
	Height    int
	Seq       int64
	Timestamp time.Time

	mat    gocv.Mat
	hasMat bool
	closed bool
}

// NewFrame wraps a freshly captured Mat. The frame takes ownership of it.
func NewFrame(mat gocv.Mat, width, height int) *Frame {
	return &Frame{
		Width:  width,
		Height: height,
		mat:    mat,
		hasMat: true,
	}
}

// Mat returns the underlying pixel buffer. The second return is false for
// frames carrying no image data (closed frames, test doubles).
func (f *Frame) Mat() (gocv.Mat, bool) {
	if !f.hasMat || f.closed {
		return gocv.Mat{}, false
	}
	return f.mat, true
}

// Close releases the pixel buffer. Safe to call more than once.
func (f *Frame) Close() {
	if f.closed || !f.hasMat {
		f.closed = true
		return
	}
	f.closed = true
	f.mat.Close()
}
