package config

import (
	"image/color"
	"testing"
	"time"
)

func TestParseHexColor(t *testing.T) {
	cases := []struct {
		in   string
		want color.RGBA
	}{
		{"00ff00", color.RGBA{0, 255, 0, 255}},
		{"#ffffff", color.RGBA{255, 255, 255, 255}},
		{"1a2B3c", color.RGBA{0x1a, 0x2b, 0x3c, 255}},
	}
	for _, c := range cases {
		got, err := ParseHexColor(c.in)
		if err != nil {
			t.Errorf("ParseHexColor(%q) failed: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseHexColor(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseHexColorRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "fff", "zzzzzz", "#12345", "1234567"} {
		if _, err := ParseHexColor(in); err == nil {
			t.Errorf("ParseHexColor(%q) should fail", in)
		}
	}
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"confidence above one", func(c *Config) { c.ConfidenceThreshold = 1.5 }},
		{"negative confidence", func(c *Config) { c.ConfidenceThreshold = -0.1 }},
		{"zero width", func(c *Config) { c.FrameWidth = 0 }},
		{"negative fps", func(c *Config) { c.TargetFPS = -1 }},
		{"negative camera id", func(c *Config) { c.CameraID = -2 }},
		{"negative retries", func(c *Config) { c.ReadRetries = -1 }},
		{"empty model path", func(c *Config) { c.ModelPath = "" }},
		{"zero fps window", func(c *Config) { c.FPSWindow = 0 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("SPOTCAM_CAMERA", "2")
	t.Setenv("SPOTCAM_CONFIDENCE", "0.7")
	t.Setenv("SPOTCAM_SHOW_FPS", "false")
	t.Setenv("SPOTCAM_READ_BACKOFF", "250ms")
	t.Setenv("SPOTCAM_BOX_COLOR", "ff0000")
	t.Setenv("SPOTCAM_FPS_WINDOW", "60")
	t.Setenv("SPOTCAM_WINDOW", "Side Camera")

	cfg := FromEnv()
	if cfg.CameraID != 2 {
		t.Errorf("expected camera 2, got %d", cfg.CameraID)
	}
	if cfg.ConfidenceThreshold != 0.7 {
		t.Errorf("expected confidence 0.7, got %v", cfg.ConfidenceThreshold)
	}
	if cfg.ShowFPS {
		t.Error("expected FPS overlay disabled")
	}
	if cfg.ReadBackoff != 250*time.Millisecond {
		t.Errorf("expected 250ms read backoff, got %v", cfg.ReadBackoff)
	}
	if (cfg.BoxColor != color.RGBA{255, 0, 0, 255}) {
		t.Errorf("expected red box color, got %v", cfg.BoxColor)
	}
	if cfg.FPSWindow != 60 {
		t.Errorf("expected FPS window 60, got %d", cfg.FPSWindow)
	}
	if cfg.WindowName != "Side Camera" {
		t.Errorf("expected window title override, got %q", cfg.WindowName)
	}
}

func TestFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SPOTCAM_CAMERA", "not-a-number")
	t.Setenv("SPOTCAM_CONFIDENCE", "high")

	cfg := FromEnv()
	def := Default()
	if cfg.CameraID != def.CameraID {
		t.Errorf("malformed int must fall back to default, got %d", cfg.CameraID)
	}
	if cfg.ConfidenceThreshold != def.ConfidenceThreshold {
		t.Errorf("malformed float must fall back to default, got %v", cfg.ConfidenceThreshold)
	}
}
