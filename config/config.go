// Package config holds the immutable configuration bundle consumed by the
// detection pipeline. Values are resolved in three layers: built-in defaults,
// then a .env file / environment variables (SPOTCAM_* keys), then
// command-line flags bound by the caller.
package config

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config is treated as read-only after session start.
type Config struct {
	// Model
	ModelPath string
	// NamesPath optionally overrides the embedded class vocabulary.
	NamesPath           string
	ConfidenceThreshold float64
	IOUThreshold        float64

	// Camera
	CameraID    int
	FrameWidth  int
	FrameHeight int
	TargetFPS   int

	// Display
	ShowFPS        bool
	ShowConfidence bool
	ShowLabels     bool
	WindowName     string
	BoxColor       color.RGBA
	TextColor      color.RGBA
	FPSColor       color.RGBA

	// Output
	OutputDir  string
	AutoRecord bool

	// Frame source resilience. ReadRetries consecutive read attempts with
	// ReadBackoff between them, then ReconnectAttempts full close+open
	// cycles with linearly increasing ReconnectBackoff.
	ReadRetries       int
	ReadBackoff       time.Duration
	ReadTimeout       time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration

	// FPSWindow bounds the rolling frame-timestamp window.
	FPSWindow int
}

// Default returns the built-in configuration, tuned to match a 640x480
// webcam feed.
func Default() Config {
	return Config{
		ModelPath:           filepath.Join("models", "yolov8n.onnx"),
		ConfidenceThreshold: 0.5,
		IOUThreshold:        0.45,
		CameraID:            0,
		FrameWidth:          640,
		FrameHeight:         480,
		TargetFPS:           30,
		ShowFPS:             true,
		ShowConfidence:      true,
		ShowLabels:          true,
		WindowName:          "spotcam - Object Detection",
		BoxColor:            color.RGBA{0, 255, 0, 255},     // green
		TextColor:           color.RGBA{255, 255, 255, 255}, // white
		FPSColor:            color.RGBA{255, 255, 0, 255},   // yellow
		OutputDir:           "outputs",
		ReadRetries:         3,
		ReadBackoff:         100 * time.Millisecond,
		ReadTimeout:         5 * time.Second,
		ReconnectAttempts:   3,
		ReconnectBackoff:    time.Second,
		FPSWindow:           30,
	}
}

// FromEnv layers .env / environment overrides on top of Default. A missing
// .env file is not an error; system environment variables still apply.
func FromEnv() Config {
	_ = godotenv.Load()

	cfg := Default()
	cfg.ModelPath = getEnv("SPOTCAM_MODEL", cfg.ModelPath)
	cfg.NamesPath = getEnv("SPOTCAM_NAMES", cfg.NamesPath)
	cfg.ConfidenceThreshold = getEnvFloat("SPOTCAM_CONFIDENCE", cfg.ConfidenceThreshold)
	cfg.IOUThreshold = getEnvFloat("SPOTCAM_IOU", cfg.IOUThreshold)
	cfg.CameraID = getEnvInt("SPOTCAM_CAMERA", cfg.CameraID)
	cfg.FrameWidth = getEnvInt("SPOTCAM_WIDTH", cfg.FrameWidth)
	cfg.FrameHeight = getEnvInt("SPOTCAM_HEIGHT", cfg.FrameHeight)
	cfg.TargetFPS = getEnvInt("SPOTCAM_FPS", cfg.TargetFPS)
	cfg.ShowFPS = getEnvBool("SPOTCAM_SHOW_FPS", cfg.ShowFPS)
	cfg.ShowConfidence = getEnvBool("SPOTCAM_SHOW_CONFIDENCE", cfg.ShowConfidence)
	cfg.ShowLabels = getEnvBool("SPOTCAM_SHOW_LABELS", cfg.ShowLabels)
	cfg.WindowName = getEnv("SPOTCAM_WINDOW", cfg.WindowName)
	cfg.OutputDir = getEnv("SPOTCAM_OUTPUT_DIR", cfg.OutputDir)
	cfg.AutoRecord = getEnvBool("SPOTCAM_AUTO_RECORD", cfg.AutoRecord)
	cfg.FPSWindow = getEnvInt("SPOTCAM_FPS_WINDOW", cfg.FPSWindow)
	cfg.ReadRetries = getEnvInt("SPOTCAM_READ_RETRIES", cfg.ReadRetries)
	cfg.ReadBackoff = getEnvDuration("SPOTCAM_READ_BACKOFF", cfg.ReadBackoff)
	cfg.ReadTimeout = getEnvDuration("SPOTCAM_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.ReconnectAttempts = getEnvInt("SPOTCAM_RECONNECT_ATTEMPTS", cfg.ReconnectAttempts)
	cfg.ReconnectBackoff = getEnvDuration("SPOTCAM_RECONNECT_BACKOFF", cfg.ReconnectBackoff)

	if v := os.Getenv("SPOTCAM_BOX_COLOR"); v != "" {
		if c, err := ParseHexColor(v); err == nil {
			cfg.BoxColor = c
		}
	}
	if v := os.Getenv("SPOTCAM_TEXT_COLOR"); v != "" {
		if c, err := ParseHexColor(v); err == nil {
			cfg.TextColor = c
		}
	}
	return cfg
}

// Validate checks the invariants the pipeline relies on.
func (c Config) Validate() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return errors.Errorf("confidence threshold must be in [0,1], got %.2f", c.ConfidenceThreshold)
	}
	if c.IOUThreshold < 0 || c.IOUThreshold > 1 {
		return errors.Errorf("IOU threshold must be in [0,1], got %.2f", c.IOUThreshold)
	}
	if c.FrameWidth <= 0 || c.FrameHeight <= 0 {
		return errors.Errorf("frame dimensions must be positive, got %dx%d", c.FrameWidth, c.FrameHeight)
	}
	if c.TargetFPS <= 0 {
		return errors.Errorf("target FPS must be positive, got %d", c.TargetFPS)
	}
	if c.CameraID < 0 {
		return errors.Errorf("camera device ID must be non-negative, got %d", c.CameraID)
	}
	if c.ReadRetries < 0 || c.ReconnectAttempts < 0 {
		return errors.New("retry counts must be non-negative")
	}
	if c.FPSWindow < 1 {
		return errors.Errorf("FPS window must hold at least one sample, got %d", c.FPSWindow)
	}
	if c.ModelPath == "" {
		return errors.New("model path must not be empty")
	}
	return nil
}

// EnsureDirs creates the output and model directories if absent.
func (c Config) EnsureDirs() error {
	if err := os.MkdirAll(c.OutputDir, 0o755); err != nil {
		return errors.Wrapf(err, "could not create output directory %s", c.OutputDir)
	}
	if dir := filepath.Dir(c.ModelPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "could not create model directory %s", dir)
		}
	}
	return nil
}

// ParseHexColor converts an RRGGBB hex string (with optional leading #) to
// an opaque RGBA color.
func ParseHexColor(hexColor string) (color.RGBA, error) {
	hexColor = strings.TrimPrefix(hexColor, "#")

	if len(hexColor) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid hex color format: %s", hexColor)
	}

	rgb, err := strconv.ParseUint(hexColor, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("failed to parse hex color %s: %v", hexColor, err)
	}

	return color.RGBA{
		R: uint8((rgb >> 16) & 0xFF),
		G: uint8((rgb >> 8) & 0xFF),
		B: uint8(rgb & 0xFF),
		A: 255,
	}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
