package camera

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// gocvBackend drives a physical or virtual device through OpenCV.
type gocvBackend struct {
	settings Settings
	cap      *gocv.VideoCapture
	actual   DeviceInfo
}

func (b *gocvBackend) open() error {
	vc, err := gocv.OpenVideoCapture(b.settings.DeviceID)
	if err != nil {
		return errors.Wrapf(ErrDeviceUnavailable, "device %d: %v", b.settings.DeviceID, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return errors.Wrapf(ErrDeviceUnavailable, "device %d did not open", b.settings.DeviceID)
	}

	vc.Set(gocv.VideoCaptureFrameWidth, float64(b.settings.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(b.settings.Height))
	vc.Set(gocv.VideoCaptureFPS, float64(b.settings.FPS))
	// Keep the driver buffer shallow so frames stay current.
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	b.cap = vc
	b.actual = DeviceInfo{
		ID:      b.settings.DeviceID,
		Name:    deviceName(b.settings.DeviceID),
		Width:   int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height:  int(vc.Get(gocv.VideoCaptureFrameHeight)),
		FPS:     int(vc.Get(gocv.VideoCaptureFPS)),
		Backend: "OpenCV",
	}
	return nil
}

func (b *gocvBackend) read() (*Frame, error) {
	if b.cap == nil {
		return nil, errors.Wrap(ErrReadFailure, "capture not open")
	}

	mat := gocv.NewMat()
	if ok := b.cap.Read(&mat); !ok {
		mat.Close()
		return nil, errors.Wrap(ErrReadFailure, "device returned no frame")
	}
	if mat.Empty() {
		mat.Close()
		return nil, errors.Wrap(ErrReadFailure, "device returned empty frame")
	}
	return NewFrame(mat, mat.Cols(), mat.Rows()), nil
}

func (b *gocvBackend) close() error {
	if b.cap == nil {
		return nil
	}
	err := b.cap.Close()
	b.cap = nil
	return err
}

func (b *gocvBackend) info() DeviceInfo {
	return b.actual
}

// List probes device indices 0..maxProbe-1 and reports the ones that open.
// Each probe uses its own short-lived handle, so a device already held open
// elsewhere is simply skipped rather than disturbed.
func List(maxProbe int) []DeviceInfo {
	var devices []DeviceInfo
	for i := 0; i < maxProbe; i++ {
		vc, err := gocv.OpenVideoCapture(i)
		if err != nil {
			continue
		}
		if vc.IsOpened() {
			devices = append(devices, DeviceInfo{
				ID:      i,
				Name:    deviceName(i),
				Width:   int(vc.Get(gocv.VideoCaptureFrameWidth)),
				Height:  int(vc.Get(gocv.VideoCaptureFrameHeight)),
				FPS:     int(vc.Get(gocv.VideoCaptureFPS)),
				Backend: "OpenCV",
			})
		}
		vc.Close()
	}
	return devices
}

// deviceName reads the V4L2 sysfs name when the platform exposes one.
func deviceName(id int) string {
	data, err := os.ReadFile(fmt.Sprintf("/sys/class/video4linux/video%d/name", id))
	if err == nil {
		if name := strings.TrimSpace(string(data)); name != "" {
			return name
		}
	}
	return fmt.Sprintf("camera %d", id)
}
