// Package session drives the acquisition/detection/annotation loop and owns
// all shared mutable state: the recording sink, saved-frame counter, and the
// rolling FPS window. The loop is an explicit state machine; every exit path
// runs through Stopping so resources are always released.
package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"spotcam/camera"
	"spotcam/config"
	"spotcam/detect"
	"spotcam/overlay"
)

// Annotator turns a frame plus detections into a new annotated image.
type Annotator interface {
	Annotate(frame *camera.Frame, dets []detect.Detection, st overlay.Status) (gocv.Mat, error)
}

// Deps bundles the controller's collaborators. Zero fields get production
// defaults; tests substitute fakes.
type Deps struct {
	Source    camera.Source
	Detector  detect.Detector
	Annotator Annotator
	Display   Display
	OpenSink  SinkOpener
	SaveImage ImageWriter
	Clock     clock.Clock
	Logger    *zap.SugaredLogger
}

// Stats is a snapshot of session counters.
type Stats struct {
	Frames            int64
	Detections        int64
	InferenceFailures int64
	SkippedCycles     int64
	Saved             int64
}

// Controller runs one session from start to termination. Not safe for
// concurrent Run calls; Request and State may be used from other goroutines.
type Controller struct {
	id     string
	cfg    config.Config
	deps   Deps
	logger *zap.SugaredLogger
	clock  clock.Clock

	state atomic.Int32
	cmds  chan Command

	fps      *fpsMeter
	sink     Sink
	recCount int
	stats    Stats
}

// New creates a controller in the Idle state.
func New(cfg config.Config, deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.OpenSink == nil {
		deps.OpenSink = openVideoSink
	}
	if deps.SaveImage == nil {
		deps.SaveImage = writeJPEG
	}

	c := &Controller{
		id:     uuid.NewString(),
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		clock:  deps.Clock,
		cmds:   make(chan Command, 8),
		fps:    newFPSMeter(cfg.FPSWindow),
	}
	c.state.Store(int32(StateIdle))
	return c
}

// ID is the fixed session identifier, stamped into recording filenames.
func (c *Controller) ID() string { return c.id }

// State reports the current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Stats returns a copy of the session counters.
func (c *Controller) Stats() Stats { return c.stats }

// Recording reports whether a sink is currently open.
func (c *Controller) Recording() bool { return c.sink != nil }

// Request queues an interactive command without blocking. Commands are
// serviced one per cycle; excess requests are dropped.
func (c *Controller) Request(cmd Command) {
	select {
	case c.cmds <- cmd:
	default:
		c.logger.Debugw("command queue full, dropping", "command", cmd)
	}
}

// Run executes the session until quit, context cancellation, or a fatal
// frame-source error. Cleanup always runs; the controller always terminates
// in StateTerminated.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.advance(StateRunning); err != nil {
		return err
	}
	c.logger.Infow("session started", "session", c.id)

	if c.cfg.AutoRecord {
		c.Request(CmdToggleRecord)
	}

	var fatal error
	for c.State() == StateRunning {
		if ctx.Err() != nil {
			c.logger.Infow("context cancelled, stopping session")
			c.advance(StateStopping)
			break
		}

		frame, err := c.deps.Source.ReadFrame()
		if err != nil {
			if errors.Is(err, camera.ErrDeviceLost) {
				c.logger.Errorw("camera device lost, stopping session", "error", err)
				fatal = err
				c.advance(StateStopping)
				break
			}
			c.stats.SkippedCycles++
			c.logger.Warnw("transient read failure, skipping cycle", "error", err)
			if cmd := c.nextCommand(); cmd != CmdNone {
				c.handleWithoutFrame(cmd)
			}
			continue
		}
		c.cycle(frame)
	}

	cleanupErr := c.teardown()
	c.logger.Infow("session terminated",
		"session", c.id,
		"frames", c.stats.Frames,
		"detections", c.stats.Detections,
		"inference_failures", c.stats.InferenceFailures,
		"saved", c.stats.Saved)
	return multierr.Append(fatal, cleanupErr)
}

// cycle processes exactly one frame: detect, annotate, update FPS, service
// at most one pending command, record, display. The frame is released at the
// end of the cycle.
func (c *Controller) cycle(frame *camera.Frame) {
	defer frame.Close()

	dets, err := c.deps.Detector.Detect(frame, c.cfg.ConfidenceThreshold)
	if err != nil {
		c.stats.InferenceFailures++
		c.logger.Warnw("inference failed, treating as zero detections", "seq", frame.Seq, "error", err)
		dets = nil
	}

	c.fps.Tick(c.clock.Now())

	annotated, err := c.deps.Annotator.Annotate(frame, dets, overlay.Status{
		FPS:       c.fps.Rate(),
		Recording: c.Recording(),
	})
	if err != nil {
		c.logger.Errorw("annotation failed, dropping frame", "seq", frame.Seq, "error", err)
		return
	}
	defer annotated.Close()

	if cmd := c.nextCommand(); cmd != CmdNone {
		c.handle(cmd, frame, annotated, dets)
	}

	if c.sink != nil {
		if err := c.sink.Write(annotated); err != nil {
			c.logger.Errorw("recording write failed, stopping recording",
				"sink", c.sink.Name(), "error", err)
			c.closeSink()
		}
	}

	if c.deps.Display != nil {
		if err := c.deps.Display.Show(annotated); err != nil {
			c.logger.Warnw("display failed", "error", err)
		}
	}

	c.stats.Frames++
	c.stats.Detections += int64(len(dets))
}

// nextCommand samples the display first, then the external queue. At most
// one command per cycle; never blocks.
func (c *Controller) nextCommand() Command {
	if c.deps.Display != nil {
		if cmd := c.deps.Display.Poll(); cmd != CmdNone {
			return cmd
		}
	}
	select {
	case cmd := <-c.cmds:
		return cmd
	default:
		return CmdNone
	}
}

func (c *Controller) handle(cmd Command, frame *camera.Frame, annotated gocv.Mat, dets []detect.Detection) {
	switch cmd {
	case CmdQuit:
		c.logger.Infow("quit requested")
		c.advance(StateStopping)
	case CmdSnapshot:
		c.snapshot(annotated, dets)
	case CmdToggleRecord:
		c.toggleRecording(frame)
	case CmdDumpInfo:
		c.dumpInfo(dets)
	}
}

// handleWithoutFrame services a command on a skipped cycle, where no frame
// exists. Quit, stopping an active recording, and info all work; commands
// that need image data are reported and dropped.
func (c *Controller) handleWithoutFrame(cmd Command) {
	switch cmd {
	case CmdQuit:
		c.logger.Infow("quit requested")
		c.advance(StateStopping)
	case CmdSnapshot:
		c.logger.Warnw("no frame this cycle, snapshot dropped")
	case CmdToggleRecord:
		if c.sink != nil {
			c.closeSink()
		} else {
			c.logger.Warnw("no frame this cycle, cannot start recording")
		}
	case CmdDumpInfo:
		c.dumpInfo(nil)
	}
}

// snapshot writes the current annotated frame to a uniquely named file and
// increments the saved-frame counter. The monotonic counter in the name
// makes collisions impossible even within one timestamp second.
func (c *Controller) snapshot(annotated gocv.Mat, dets []detect.Detection) {
	stamp := c.clock.Now().Format("20060102_150405")
	path := filepath.Join(c.cfg.OutputDir,
		fmt.Sprintf("detection_%s_%04d.jpg", stamp, c.stats.Saved+1))

	if err := c.deps.SaveImage(path, annotated); err != nil {
		c.logger.Errorw("snapshot failed", "path", path, "error", err)
		return
	}
	c.stats.Saved++
	c.logger.Infow("frame saved", "path", path, "detections", len(dets))
}

// toggleRecording flips the recording state. A sink that fails to open rolls
// the toggle back: recording stays off and the loop continues.
func (c *Controller) toggleRecording(frame *camera.Frame) {
	if c.sink != nil {
		c.closeSink()
		return
	}

	c.recCount++
	stamp := c.clock.Now().Format("20060102_150405")
	path := filepath.Join(c.cfg.OutputDir,
		fmt.Sprintf("recording_%s_%s_%02d.avi", shortID(c.id), stamp, c.recCount))

	sink, err := c.deps.OpenSink(path, frame.Width, frame.Height, c.cfg.TargetFPS)
	if err != nil {
		c.logger.Errorw("could not open recording sink, recording stays off",
			"path", path, "error", err)
		return
	}
	c.sink = sink
	c.logger.Infow("recording started", "path", path)
}

func (c *Controller) closeSink() {
	if c.sink == nil {
		return
	}
	name := c.sink.Name()
	if err := c.sink.Close(); err != nil {
		c.logger.Errorw("closing recording sink failed", "sink", name, "error", err)
	} else {
		c.logger.Infow("recording stopped", "path", name)
	}
	c.sink = nil
}

// dumpInfo reports the current detections without changing any state.
func (c *Controller) dumpInfo(dets []detect.Detection) {
	if len(dets) == 0 {
		c.logger.Infow("current detections", "count", 0, "note", "no objects detected")
		return
	}
	c.logger.Infow("current detections", "count", len(dets))
	for i, d := range dets {
		c.logger.Infof("%d. %s - %.0f%%", i+1, d.Label, d.Confidence*100)
	}
}

// teardown releases every acquired resource exactly once and always lands in
// StateTerminated.
func (c *Controller) teardown() error {
	c.advance(StateStopping)

	var err error
	if c.sink != nil {
		name := c.sink.Name()
		if cerr := c.sink.Close(); cerr != nil {
			err = multierr.Append(err, errors.Wrapf(cerr, "closing sink %s", name))
		}
		c.sink = nil
	}
	if c.deps.Source != nil {
		if cerr := c.deps.Source.Close(); cerr != nil {
			err = multierr.Append(err, errors.Wrap(cerr, "closing frame source"))
		}
	}
	if c.deps.Display != nil {
		if cerr := c.deps.Display.Close(); cerr != nil {
			err = multierr.Append(err, errors.Wrap(cerr, "closing display"))
		}
	}

	c.advance(StateTerminated)
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
