// spotcam captures live video from a camera device, runs every frame through
// a YOLO object-detection model, overlays the results, and supports
// interactive snapshot and recording capture.
//
// Controls while running: q or ESC quits, s saves the current frame,
// r toggles recording, i dumps the current detections.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"spotcam/camera"
	"spotcam/config"
	"spotcam/detect"
	"spotcam/overlay"
	"spotcam/session"
)

const maxProbeDevices = 10

func main() {
	cfg := config.FromEnv()

	cameraID := flag.Int("camera", cfg.CameraID, "Camera device ID (0 for built-in, 1+ for external)")
	listCameras := flag.Bool("list-cameras", false, "List available camera devices and exit")
	modelPath := flag.String("model", cfg.ModelPath, "Path to the YOLO ONNX model file")
	namesPath := flag.String("names", cfg.NamesPath, "Optional class names file (defaults to the embedded COCO-80 set)")
	confidence := flag.Float64("confidence", cfg.ConfidenceThreshold, "Minimum detection confidence (0.0-1.0)")
	iou := flag.Float64("iou", cfg.IOUThreshold, "IOU threshold for non-maximum suppression (0.0-1.0)")
	width := flag.Int("width", cfg.FrameWidth, "Requested capture width")
	height := flag.Int("height", cfg.FrameHeight, "Requested capture height")
	fps := flag.Int("fps", cfg.TargetFPS, "Requested capture FPS")
	outputDir := flag.String("output", cfg.OutputDir, "Directory for snapshots and recordings")
	autoRecord := flag.Bool("record", cfg.AutoRecord, "Start recording as soon as the session begins")
	boxColor := flag.String("box-color", "", "Bounding box color as RRGGBB hex (e.g. 00ff00)")
	textColor := flag.String("text-color", "", "Label text color as RRGGBB hex (e.g. ffffff)")
	noFPS := flag.Bool("no-fps", !cfg.ShowFPS, "Hide the FPS overlay")
	noConfidence := flag.Bool("no-confidence", !cfg.ShowConfidence, "Hide per-detection confidence in labels")
	windowName := flag.String("window", cfg.WindowName, "Display window title")
	flag.Parse()

	cfg.CameraID = *cameraID
	cfg.ModelPath = *modelPath
	cfg.NamesPath = *namesPath
	cfg.ConfidenceThreshold = *confidence
	cfg.IOUThreshold = *iou
	cfg.FrameWidth = *width
	cfg.FrameHeight = *height
	cfg.TargetFPS = *fps
	cfg.OutputDir = *outputDir
	cfg.AutoRecord = *autoRecord
	cfg.ShowFPS = !*noFPS
	cfg.ShowConfidence = !*noConfidence
	cfg.WindowName = *windowName

	zlog, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not build logger: %v\n", err)
		os.Exit(1)
	}
	defer zlog.Sync()
	logger := zlog.Sugar()

	if *boxColor != "" {
		c, err := config.ParseHexColor(*boxColor)
		if err != nil {
			logger.Fatalw("invalid box color", "value", *boxColor, "error", err)
		}
		cfg.BoxColor = c
	}
	if *textColor != "" {
		c, err := config.ParseHexColor(*textColor)
		if err != nil {
			logger.Fatalw("invalid text color", "value", *textColor, "error", err)
		}
		cfg.TextColor = c
	}

	if *listCameras {
		listDevices()
		return
	}

	if err := run(cfg, logger); err != nil {
		switch {
		case errors.Is(err, camera.ErrDeviceUnavailable):
			logger.Errorw("camera device unavailable", "device", cfg.CameraID, "error", err)
		case errors.Is(err, camera.ErrDeviceLost):
			logger.Errorw("camera device lost", "device", cfg.CameraID, "error", err)
		case errors.Is(err, detect.ErrModelLoadFailure):
			logger.Errorw("model failed to load", "model", cfg.ModelPath, "error", err)
		default:
			logger.Errorw("session failed", "error", err)
		}
		os.Exit(1)
	}
}

// listDevices prints ordered (index, name) pairs without entering a session.
func listDevices() {
	fmt.Println("Scanning for available cameras...")
	devices := camera.List(maxProbeDevices)
	if len(devices) == 0 {
		fmt.Println("No cameras found.")
		return
	}
	for _, d := range devices {
		fmt.Printf("  %d: %s (%dx%d @ %d fps)\n", d.ID, d.Name, d.Width, d.Height, d.FPS)
	}
}

func run(cfg config.Config, logger *zap.SugaredLogger) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	src, err := camera.Open(camera.Settings{
		DeviceID: cfg.CameraID,
		Width:    cfg.FrameWidth,
		Height:   cfg.FrameHeight,
		FPS:      cfg.TargetFPS,
		Policy: camera.Policy{
			ReadRetries:       cfg.ReadRetries,
			ReadBackoff:       cfg.ReadBackoff,
			ReadTimeout:       cfg.ReadTimeout,
			ReconnectAttempts: cfg.ReconnectAttempts,
			ReconnectBackoff:  cfg.ReconnectBackoff,
		},
	}, nil, logger.Named("camera"))
	if err != nil {
		return err
	}

	det, err := detect.NewYOLONet(cfg.ModelPath, cfg.NamesPath, cfg.IOUThreshold, logger.Named("detect"))
	if err != nil {
		src.Close()
		return err
	}
	defer det.Close()

	renderer := overlay.NewRenderer(overlay.Options{
		ShowLabels:     cfg.ShowLabels,
		ShowConfidence: cfg.ShowConfidence,
		ShowFPS:        cfg.ShowFPS,
		BoxColor:       cfg.BoxColor,
		TextColor:      cfg.TextColor,
		FPSColor:       cfg.FPSColor,
	})

	ctrl := session.New(cfg, session.Deps{
		Source:    src,
		Detector:  det,
		Annotator: renderer,
		Display:   session.NewWindowDisplay(cfg.WindowName),
		Logger:    logger.Named("session"),
	})

	printBanner(cfg, src.Info(), det.Info(), ctrl.ID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infow("signal received, shutting down")
		ctrl.Request(session.CmdQuit)
		cancel()
	}()

	return ctrl.Run(ctx)
}

func printBanner(cfg config.Config, dev camera.DeviceInfo, model detect.ModelInfo, sessionID string) {
	fmt.Println("============================================================")
	fmt.Println("SPOTCAM - REAL-TIME OBJECT DETECTION")
	fmt.Println("============================================================")
	fmt.Printf("Session:              %s\n", sessionID)
	fmt.Printf("Camera:               %d (%s)\n", dev.ID, dev.Name)
	fmt.Printf("Resolution:           %dx%d @ %d fps\n", dev.Width, dev.Height, dev.FPS)
	fmt.Printf("Backend:              %s\n", dev.Backend)
	fmt.Printf("Model:                %s\n", model.Path)
	fmt.Printf("Classes:              %d\n", model.NumClasses)
	fmt.Printf("Confidence threshold: %.2f\n", cfg.ConfidenceThreshold)
	fmt.Printf("Output directory:     %s\n", cfg.OutputDir)
	fmt.Println()
	fmt.Println("[CONTROLS]")
	fmt.Println("  q / ESC  quit")
	fmt.Println("  s        save current frame")
	fmt.Println("  r        toggle recording")
	fmt.Println("  i        show detection info")
	fmt.Println("============================================================")
}
