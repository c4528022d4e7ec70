package detect

import (
	"image"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"spotcam/camera"
)

// inputSize is the square input tensor edge the bundled YOLO models expect.
const inputSize = 640

// ModelInfo describes the loaded model for the startup banner and dump-info.
type ModelInfo struct {
	Path       string
	NumClasses int
}

// YOLONet runs a YOLO ONNX model through the OpenCV DNN backend. The network
// handle is established once at construction and owned exclusively until
// Close; the per-call mutex keeps forward passes non-overlapping.
type YOLONet struct {
	modelPath string
	names     []string
	iou       float64
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	net    gocv.Net
	closed bool
}

// NewYOLONet loads the model and class vocabulary. Fails with
// ErrModelLoadFailure; the model file is not validated beyond load success.
func NewYOLONet(modelPath, namesPath string, iou float64, logger *zap.SugaredLogger) (*YOLONet, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	if _, err := os.Stat(modelPath); err != nil {
		return nil, errors.Wrapf(ErrModelLoadFailure, "model file %s: %v", modelPath, err)
	}

	names, err := LoadNames(namesPath)
	if err != nil {
		return nil, errors.Wrapf(ErrModelLoadFailure, "%v", err)
	}

	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return nil, errors.Wrapf(ErrModelLoadFailure, "could not read network from %s", modelPath)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	logger.Infow("model loaded", "path", modelPath, "classes", len(names))
	return &YOLONet{
		modelPath: modelPath,
		names:     names,
		iou:       iou,
		logger:    logger,
		net:       net,
	}, nil
}

// Detect runs one forward pass and returns detections with confidence at or
// above threshold, boxes clamped to the frame bounds.
func (y *YOLONet) Detect(frame *camera.Frame, threshold float64) ([]Detection, error) {
	y.mu.Lock()
	defer y.mu.Unlock()

	if y.closed {
		return nil, errors.Wrap(ErrInferenceFailure, "detector closed")
	}
	mat, ok := frame.Mat()
	if !ok {
		return nil, errors.Wrap(ErrInferenceFailure, "frame carries no image data")
	}

	blob := gocv.BlobFromImage(mat, 1.0/255.0,
		image.Pt(inputSize, inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	y.net.SetInput(blob, "")
	output := y.net.Forward("")
	defer output.Close()

	attrs, cells, err := outputShape(output)
	if err != nil {
		return nil, err
	}

	raw, err := output.DataPtrFloat32()
	if err != nil {
		return nil, errors.Wrapf(ErrInferenceFailure, "could not access output tensor: %v", err)
	}
	data := make([]float32, attrs*cells)
	copy(data, raw)

	return decodeOutput(data, attrs, cells, frame.Width, frame.Height, threshold, y.iou, y.names), nil
}

// outputShape accepts both [1 x attrs x cells] and [attrs x cells] layouts.
func outputShape(output gocv.Mat) (attrs, cells int, err error) {
	size := output.Size()
	switch len(size) {
	case 3:
		return size[1], size[2], nil
	case 2:
		return size[0], size[1], nil
	default:
		return 0, 0, errors.Wrapf(ErrInferenceFailure, "unexpected output shape %v", size)
	}
}

// Info reports the loaded model.
func (y *YOLONet) Info() ModelInfo {
	return ModelInfo{Path: y.modelPath, NumClasses: len(y.names)}
}

// Close releases the network handle. Idempotent.
func (y *YOLONet) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.closed {
		return nil
	}
	y.closed = true
	return y.net.Close()
}
