// Package camera wraps a video capture device behind a Source with an
// explicit retry and reconnect policy. A transient read problem is retried
// in place; a persistent one triggers full close+open cycles before the
// device is declared lost.
package camera

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Error taxonomy surfaced to the session controller.
var (
	// ErrDeviceUnavailable means the device could not be opened at all.
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrReadFailure is transient; the caller should skip the cycle.
	ErrReadFailure = errors.New("camera read failure")
	// ErrDeviceLost means retries and reconnects are exhausted.
	ErrDeviceLost = errors.New("camera device lost")
)

// DeviceInfo describes an open or enumerated device.
type DeviceInfo struct {
	ID      int
	Name    string
	Width   int
	Height  int
	FPS     int
	Backend string
}

// Source produces frames until closed.
type Source interface {
	// ReadFrame returns the next frame or an error from the taxonomy above.
	// It never blocks past the configured per-read timeout budget.
	ReadFrame() (*Frame, error)
	Info() DeviceInfo
	Close() error
}

// Policy holds the resilience tunables. Counts and delays are configuration,
// not constants.
type Policy struct {
	ReadRetries       int
	ReadBackoff       time.Duration
	ReadTimeout       time.Duration
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
}

// Settings selects and configures the physical device.
type Settings struct {
	DeviceID int
	Width    int
	Height   int
	FPS      int
	Policy   Policy
}

// backend is the raw device seam. The gocv implementation talks to OpenCV;
// tests substitute a scriptable fake.
type backend interface {
	open() error
	read() (*Frame, error)
	close() error
	info() DeviceInfo
}

// readResult carries one backend read outcome.
type readResult struct {
	frame *Frame
	err   error
}

// inflightRead tracks a backend read that outlived its timeout. The device
// never issues a second backend read, and never recycles the handle, while
// one is pending; whoever stops listening closes abandon so the reader
// goroutine releases a late frame itself.
type inflightRead struct {
	result  chan readResult
	abandon chan struct{}
}

// Device implements Source over a backend, adding sequence numbers and the
// retry/reconnect policy.
type Device struct {
	be     backend
	policy Policy
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu       sync.Mutex
	seq      int64
	closed   bool
	inflight *inflightRead
}

// Open acquires exclusive access to the device and applies the requested
// capture settings. Fails with ErrDeviceUnavailable.
func Open(s Settings, clk clock.Clock, logger *zap.SugaredLogger) (*Device, error) {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	be := &gocvBackend{settings: s}
	if err := be.open(); err != nil {
		return nil, err
	}
	info := be.info()
	logger.Infow("camera opened",
		"device", info.ID, "resolution", resolution(info), "fps", info.FPS, "backend", info.Backend)
	return newDevice(be, s.Policy, clk, logger), nil
}

func newDevice(be backend, p Policy, clk clock.Clock, logger *zap.SugaredLogger) *Device {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Device{be: be, policy: p, clock: clk, logger: logger}
}

// ReadFrame reads the next frame. Consecutive failures are retried up to
// ReadRetries times with a fixed backoff; after that a full reconnect cycle
// runs. A successful reconnect still reports ErrReadFailure for the current
// cycle so the caller skips it; a failed one reports ErrDeviceLost.
func (d *Device) ReadFrame() (*Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errors.Wrap(ErrDeviceLost, "source already closed")
	}

	var lastErr error
	for attempt := 0; attempt <= d.policy.ReadRetries; attempt++ {
		if attempt > 0 {
			d.clock.Sleep(d.policy.ReadBackoff)
		}
		frame, err := d.readOnce()
		if err == nil {
			d.seq++
			frame.Seq = d.seq
			frame.Timestamp = d.clock.Now()
			return frame, nil
		}
		lastErr = err
		d.logger.Debugw("frame read failed", "attempt", attempt+1, "error", err)
	}

	d.logger.Warnw("read retries exhausted, attempting device reconnect",
		"retries", d.policy.ReadRetries, "error", lastErr)
	if err := d.reconnect(); err != nil {
		return nil, err
	}
	return nil, errors.Wrap(ErrReadFailure, "device reconnected, cycle skipped")
}

// readOnce bounds a single backend read with the per-read timeout. A read
// that outlives its timeout stays registered as the in-flight read: the next
// attempt waits on it instead of issuing a second read against the same
// handle.
func (d *Device) readOnce() (*Frame, error) {
	if d.policy.ReadTimeout <= 0 {
		return d.be.read()
	}

	if d.inflight == nil {
		fl := &inflightRead{
			result:  make(chan readResult),
			abandon: make(chan struct{}),
		}
		go func() {
			f, err := d.be.read()
			select {
			case fl.result <- readResult{f, err}:
			case <-fl.abandon:
				if f != nil {
					f.Close()
				}
			}
		}()
		d.inflight = fl
	}

	select {
	case r := <-d.inflight.result:
		d.inflight = nil
		return r.frame, r.err
	case <-d.clock.After(d.policy.ReadTimeout):
		return nil, errors.Wrapf(ErrReadFailure, "read exceeded %v", d.policy.ReadTimeout)
	}
}

// settleInflight waits up to grace for a timed-out read to come back,
// closing whatever frame it produced. It reports whether the backend is
// quiescent again.
func (d *Device) settleInflight(grace time.Duration) bool {
	if d.inflight == nil {
		return true
	}
	select {
	case r := <-d.inflight.result:
		d.inflight = nil
		if r.frame != nil {
			r.frame.Close()
		}
		return true
	case <-d.clock.After(grace):
		return false
	}
}

// reconnect fully releases the device handle before reacquiring it. Backoff
// grows linearly with the attempt number. If a timed-out read is still
// holding the handle, the device is declared lost rather than closed out
// from under the read.
func (d *Device) reconnect() error {
	if !d.settleInflight(d.policy.ReadTimeout) {
		return errors.Wrap(ErrDeviceLost, "read hung past its grace period, handle cannot be recycled")
	}
	for attempt := 1; attempt <= d.policy.ReconnectAttempts; attempt++ {
		if err := d.be.close(); err != nil {
			d.logger.Debugw("close before reconnect failed", "error", err)
		}
		d.clock.Sleep(time.Duration(attempt) * d.policy.ReconnectBackoff)

		if err := d.be.open(); err != nil {
			d.logger.Warnw("reconnect attempt failed",
				"attempt", attempt, "of", d.policy.ReconnectAttempts, "error", err)
			continue
		}
		d.logger.Infow("camera reconnected", "attempt", attempt)
		return nil
	}
	return errors.Wrapf(ErrDeviceLost, "reconnect failed after %d attempts", d.policy.ReconnectAttempts)
}

// Info reports the device as currently configured.
func (d *Device) Info() DeviceInfo {
	return d.be.info()
}

// Close releases the device handle. Idempotent. A read hung past its grace
// period keeps the handle; it is abandoned to the OS instead of closed out
// from under the read, and the reader goroutine releases its own late frame.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if !d.settleInflight(d.policy.ReadTimeout) {
		close(d.inflight.abandon)
		d.inflight = nil
		d.logger.Warnw("read still hung at close, leaving device handle to the OS")
		return nil
	}
	return d.be.close()
}

func resolution(info DeviceInfo) string {
	return fmt.Sprintf("%dx%d", info.Width, info.Height)
}
