package session

import (
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// ErrSinkUnavailable means the recording sink could not be opened; the
// recording toggle is rolled back and the session continues.
var ErrSinkUnavailable = errors.New("recording sink unavailable")

// Sink is the output destination for recorded video. Once open it is owned
// exclusively by the session controller until closed.
type Sink interface {
	Write(img gocv.Mat) error
	Close() error
	Name() string
}

// SinkOpener opens a sink for the given output path and frame geometry.
type SinkOpener func(path string, width, height, fps int) (Sink, error)

// ImageWriter persists a single annotated frame.
type ImageWriter func(path string, img gocv.Mat) error

// videoSink records to a file through the OpenCV video writer. MJPG inside
// an .avi container encodes on every OpenCV build without extra codecs.
type videoSink struct {
	writer *gocv.VideoWriter
	path   string
}

func openVideoSink(path string, width, height, fps int) (Sink, error) {
	writer, err := gocv.VideoWriterFile(path, "MJPG", float64(fps), width, height, true)
	if err != nil {
		return nil, errors.Wrapf(ErrSinkUnavailable, "%s: %v", path, err)
	}
	if !writer.IsOpened() {
		writer.Close()
		return nil, errors.Wrapf(ErrSinkUnavailable, "%s: writer did not open", path)
	}
	return &videoSink{writer: writer, path: path}, nil
}

func (s *videoSink) Write(img gocv.Mat) error {
	return s.writer.Write(img)
}

func (s *videoSink) Close() error {
	return s.writer.Close()
}

func (s *videoSink) Name() string {
	return s.path
}

// writeJPEG persists a snapshot through OpenCV's image encoder.
func writeJPEG(path string, img gocv.Mat) error {
	if ok := gocv.IMWrite(path, img); !ok {
		return errors.Errorf("could not write image to %s", path)
	}
	return nil
}
