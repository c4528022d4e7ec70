package overlay

import (
	"image"
	"strings"
	"testing"

	"spotcam/detect"
)

func TestFormatLabelWithConfidence(t *testing.T) {
	cases := []struct {
		label string
		conf  float64
		want  string
	}{
		{"person", 0.9, "person 90%"},
		{"person", 0.896, "person 90%"},
		{"dog", 0.254, "dog 25%"},
		{"cat", 1.0, "cat 100%"},
		{"boat", 0.0, "boat 0%"},
	}
	for _, c := range cases {
		det := detect.Detection{Label: c.label, Confidence: c.conf, Box: image.Rect(0, 0, 10, 10)}
		if got := FormatLabel(det, true); got != c.want {
			t.Errorf("FormatLabel(%s, %.3f) = %q, want %q", c.label, c.conf, got, c.want)
		}
	}
}

func TestFormatLabelWithoutConfidence(t *testing.T) {
	det := detect.Detection{Label: "person", Confidence: 0.9}
	got := FormatLabel(det, false)
	if got != "person" {
		t.Errorf("expected bare label, got %q", got)
	}
	if strings.Contains(got, "%") {
		t.Errorf("label %q must not contain a percentage", got)
	}
}
