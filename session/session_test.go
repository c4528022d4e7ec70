package session

import (
	"context"
	"image"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"spotcam/camera"
	"spotcam/config"
	"spotcam/detect"
	"spotcam/overlay"
)

// scriptedSource produces a fixed number of frames, with optional transient
// errors at given read indices, then reports the device lost.
type scriptedSource struct {
	frames    int
	errAt     map[int]error // 1-based read index -> error
	alwaysErr error         // non-nil: every read fails with it
	reads     int
	emitted   int
	closes    int
}

func (s *scriptedSource) ReadFrame() (*camera.Frame, error) {
	s.reads++
	if s.alwaysErr != nil {
		return nil, s.alwaysErr
	}
	if err, ok := s.errAt[s.reads]; ok {
		return nil, err
	}
	if s.emitted >= s.frames {
		return nil, errors.Wrap(camera.ErrDeviceLost, "script exhausted")
	}
	s.emitted++
	return &camera.Frame{Width: 640, Height: 480, Seq: int64(s.emitted)}, nil
}

func (s *scriptedSource) Info() camera.DeviceInfo {
	return camera.DeviceInfo{ID: 0, Name: "scripted", Width: 640, Height: 480}
}

func (s *scriptedSource) Close() error {
	s.closes++
	return nil
}

// stubDetector returns a fixed detection set, failing on scripted calls.
type stubDetector struct {
	dets   []detect.Detection
	failAt map[int]bool // 1-based call index
	calls  int
	closes int
}

func (d *stubDetector) Detect(_ *camera.Frame, threshold float64) ([]detect.Detection, error) {
	d.calls++
	if d.failAt[d.calls] {
		return nil, errors.Wrap(detect.ErrInferenceFailure, "scripted failure")
	}
	var out []detect.Detection
	for _, det := range d.dets {
		if det.Confidence >= threshold {
			out = append(out, det)
		}
	}
	return out, nil
}

func (d *stubDetector) Close() error {
	d.closes++
	return nil
}

// recordingAnnotator captures the labels it would draw.
type recordingAnnotator struct {
	calls  int
	labels [][]string
}

func (a *recordingAnnotator) Annotate(_ *camera.Frame, dets []detect.Detection, _ overlay.Status) (gocv.Mat, error) {
	a.calls++
	var labels []string
	for _, det := range dets {
		labels = append(labels, overlay.FormatLabel(det, true))
	}
	a.labels = append(a.labels, labels)
	return gocv.Mat{}, nil
}

// scriptedDisplay issues commands at given poll indices.
type scriptedDisplay struct {
	cmdAt  map[int]Command // 1-based poll index
	polls  int
	shows  int
	closes int
}

func (d *scriptedDisplay) Show(gocv.Mat) error {
	d.shows++
	return nil
}

func (d *scriptedDisplay) Poll() Command {
	d.polls++
	if cmd, ok := d.cmdAt[d.polls]; ok {
		return cmd
	}
	return CmdNone
}

func (d *scriptedDisplay) Close() error {
	d.closes++
	return nil
}

// fakeSink counts writes and closes.
type fakeSink struct {
	path   string
	writes int
	closes int
}

func (s *fakeSink) Write(gocv.Mat) error { s.writes++; return nil }
func (s *fakeSink) Close() error         { s.closes++; return nil }
func (s *fakeSink) Name() string         { return s.path }

func personDetection() detect.Detection {
	return detect.Detection{Label: "person", Confidence: 0.9, Box: image.Rect(10, 10, 50, 50)}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.AutoRecord = false
	return cfg
}

func newTestController(cfg config.Config, src camera.Source, det detect.Detector, ann Annotator, disp Display, open SinkOpener) *Controller {
	deps := Deps{
		Source:    src,
		Detector:  det,
		Annotator: ann,
		Display:   disp,
		OpenSink:  open,
		SaveImage: func(string, gocv.Mat) error { return nil },
		Clock:     clock.NewMock(),
	}
	return New(cfg, deps)
}

func TestEndToEndAnnotatesEveryFrame(t *testing.T) {
	src := &scriptedSource{frames: 12}
	det := &stubDetector{dets: []detect.Detection{personDetection()}}
	ann := &recordingAnnotator{}
	disp := &scriptedDisplay{cmdAt: map[int]Command{10: CmdQuit}}
	ctrl := newTestController(testConfig(), src, det, ann, disp, nil)

	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if ann.calls != 10 {
		t.Fatalf("expected annotator invoked 10 times, got %d", ann.calls)
	}
	for i, labels := range ann.labels {
		if len(labels) != 1 {
			t.Fatalf("frame %d: expected one label, got %v", i+1, labels)
		}
		if !strings.Contains(labels[0], "person") || !strings.Contains(labels[0], "90") {
			t.Errorf("frame %d: label %q must contain person and 90", i+1, labels[0])
		}
	}
	if ctrl.State() != StateTerminated {
		t.Errorf("expected terminated state, got %s", ctrl.State())
	}
	if src.closes != 1 {
		t.Errorf("frame source must be closed exactly once, got %d", src.closes)
	}
	if got := ctrl.Stats().Frames; got != 10 {
		t.Errorf("expected 10 processed frames, got %d", got)
	}
}

func TestInferenceFailureDegradesToEmptyDetections(t *testing.T) {
	src := &scriptedSource{frames: 12}
	det := &stubDetector{
		dets:   []detect.Detection{personDetection()},
		failAt: map[int]bool{5: true},
	}
	ann := &recordingAnnotator{}
	disp := &scriptedDisplay{cmdAt: map[int]Command{10: CmdQuit}}
	ctrl := newTestController(testConfig(), src, det, ann, disp, nil)

	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if ann.calls != 10 {
		t.Fatalf("all 10 frames must still be annotated, got %d", ann.calls)
	}
	if len(ann.labels[4]) != 0 {
		t.Errorf("failed cycle must carry zero detections, got %v", ann.labels[4])
	}
	for i, labels := range ann.labels {
		if i == 4 {
			continue
		}
		if len(labels) != 1 {
			t.Errorf("frame %d: expected normal detection, got %v", i+1, labels)
		}
	}
	if got := ctrl.Stats().InferenceFailures; got != 1 {
		t.Errorf("expected exactly one adapter failure, got %d", got)
	}
}

func TestToggleRecordingOnThenOffLeavesNoLeak(t *testing.T) {
	src := &scriptedSource{frames: 5}
	det := &stubDetector{}
	ann := &recordingAnnotator{}
	disp := &scriptedDisplay{cmdAt: map[int]Command{
		1: CmdToggleRecord,
		2: CmdToggleRecord,
		3: CmdQuit,
	}}

	var sinks []*fakeSink
	open := func(path string, _, _, _ int) (Sink, error) {
		s := &fakeSink{path: path}
		sinks = append(sinks, s)
		return s, nil
	}
	ctrl := newTestController(testConfig(), src, det, ann, disp, open)

	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(sinks) != 1 {
		t.Fatalf("expected exactly one sink opened, got %d", len(sinks))
	}
	if sinks[0].closes != 1 {
		t.Errorf("sink must be closed exactly once, got %d", sinks[0].closes)
	}
	if sinks[0].writes != 1 {
		t.Errorf("only the recording-on cycle should write, got %d", sinks[0].writes)
	}
	if ctrl.Recording() {
		t.Error("recording flag must be false after on/off toggle")
	}
}

func TestToggleRollsBackWhenSinkUnavailable(t *testing.T) {
	src := &scriptedSource{frames: 5}
	det := &stubDetector{}
	ann := &recordingAnnotator{}
	disp := &scriptedDisplay{cmdAt: map[int]Command{
		1: CmdToggleRecord,
		3: CmdQuit,
	}}

	openCalls := 0
	open := func(path string, _, _, _ int) (Sink, error) {
		openCalls++
		return nil, errors.Wrapf(ErrSinkUnavailable, "%s: unwritable", path)
	}
	ctrl := newTestController(testConfig(), src, det, ann, disp, open)

	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("sink failure must not kill the session: %v", err)
	}

	if openCalls != 1 {
		t.Fatalf("expected one open attempt, got %d", openCalls)
	}
	if ctrl.Recording() {
		t.Error("recording must stay off after a failed toggle")
	}
	if got := ctrl.Stats().Frames; got != 3 {
		t.Errorf("loop must continue after rollback, processed %d frames", got)
	}
}

func TestSnapshotsIncrementCounterWithUniqueNames(t *testing.T) {
	src := &scriptedSource{frames: 5}
	det := &stubDetector{dets: []detect.Detection{personDetection()}}
	ann := &recordingAnnotator{}
	disp := &scriptedDisplay{cmdAt: map[int]Command{
		1: CmdSnapshot,
		2: CmdSnapshot,
		3: CmdQuit,
	}}

	var paths []string
	ctrl := New(testConfig(), Deps{
		Source:    src,
		Detector:  det,
		Annotator: ann,
		Display:   disp,
		SaveImage: func(path string, _ gocv.Mat) error {
			paths = append(paths, path)
			return nil
		},
		OpenSink: func(string, int, int, int) (Sink, error) { return &fakeSink{}, nil },
		Clock:    clock.NewMock(),
	})

	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := ctrl.Stats().Saved; got != 2 {
		t.Fatalf("expected saved counter 2, got %d", got)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 snapshot files, got %d", len(paths))
	}
	// The mock clock never advances, so uniqueness rests on the counter.
	if paths[0] == paths[1] {
		t.Errorf("snapshot names must never collide: %q", paths[0])
	}
}

func TestSnapshotFailureDoesNotIncrementCounter(t *testing.T) {
	src := &scriptedSource{frames: 5}
	det := &stubDetector{}
	ann := &recordingAnnotator{}
	disp := &scriptedDisplay{cmdAt: map[int]Command{
		1: CmdSnapshot,
		2: CmdQuit,
	}}

	ctrl := New(testConfig(), Deps{
		Source:    src,
		Detector:  det,
		Annotator: ann,
		Display:   disp,
		SaveImage: func(string, gocv.Mat) error { return errors.New("disk full") },
		Clock:     clock.NewMock(),
	})

	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := ctrl.Stats().Saved; got != 0 {
		t.Errorf("failed snapshot must not bump the counter, got %d", got)
	}
}

func TestDeviceLostStopsSessionCleanly(t *testing.T) {
	src := &scriptedSource{frames: 3}
	det := &stubDetector{}
	ann := &recordingAnnotator{}
	disp := &scriptedDisplay{}
	ctrl := newTestController(testConfig(), src, det, ann, disp, nil)

	err := ctrl.Run(context.Background())
	if !errors.Is(err, camera.ErrDeviceLost) {
		t.Fatalf("expected ErrDeviceLost surfaced, got %v", err)
	}

	if ctrl.State() != StateTerminated {
		t.Errorf("fatal errors must still land in terminated, got %s", ctrl.State())
	}
	if src.closes != 1 {
		t.Errorf("frame source close must run exactly once, got %d", src.closes)
	}
	if disp.closes != 1 {
		t.Errorf("display must be released, got %d closes", disp.closes)
	}
	if got := ctrl.Stats().Frames; got != 3 {
		t.Errorf("expected 3 frames before loss, got %d", got)
	}
}

func TestTransientReadFailureSkipsCycleOnly(t *testing.T) {
	src := &scriptedSource{
		frames: 10,
		errAt: map[int]error{
			2: errors.Wrap(camera.ErrReadFailure, "glitch"),
			3: errors.Wrap(camera.ErrReadFailure, "glitch"),
		},
	}
	det := &stubDetector{}
	ann := &recordingAnnotator{}
	disp := &scriptedDisplay{cmdAt: map[int]Command{4: CmdQuit}}
	ctrl := newTestController(testConfig(), src, det, ann, disp, nil)

	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("transient failures must not surface: %v", err)
	}

	st := ctrl.Stats()
	if st.SkippedCycles != 2 {
		t.Errorf("expected 2 skipped cycles, got %d", st.SkippedCycles)
	}
	if st.Frames != 4 {
		t.Errorf("expected 4 processed frames, got %d", st.Frames)
	}
	if ctrl.State() != StateTerminated {
		t.Errorf("expected terminated state, got %s", ctrl.State())
	}
}

func TestQuitKeyIsServicedDuringReadFailureStreak(t *testing.T) {
	src := &scriptedSource{alwaysErr: errors.Wrap(camera.ErrReadFailure, "glitch")}
	disp := &scriptedDisplay{cmdAt: map[int]Command{3: CmdQuit}}
	ctrl := newTestController(testConfig(), src, &stubDetector{}, &recordingAnnotator{}, disp, nil)

	// A device that only ever fails transiently must not trap the session:
	// the quit key pressed during the streak has to end it.
	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if ctrl.State() != StateTerminated {
		t.Fatalf("expected terminated state, got %s", ctrl.State())
	}
	st := ctrl.Stats()
	if st.Frames != 0 {
		t.Errorf("no frame was ever produced, got %d", st.Frames)
	}
	if st.SkippedCycles != 3 {
		t.Errorf("expected 3 skipped cycles before quit, got %d", st.SkippedCycles)
	}
}

func TestQueuedQuitIsServicedDuringReadFailureStreak(t *testing.T) {
	src := &scriptedSource{alwaysErr: errors.Wrap(camera.ErrReadFailure, "glitch")}
	ctrl := newTestController(testConfig(), src, &stubDetector{}, &recordingAnnotator{}, &scriptedDisplay{}, nil)

	ctrl.Request(CmdQuit)
	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if ctrl.State() != StateTerminated {
		t.Fatalf("expected terminated state, got %s", ctrl.State())
	}
	if got := ctrl.Stats().SkippedCycles; got != 1 {
		t.Errorf("queued quit must be picked up on the first skipped cycle, got %d", got)
	}
}

func TestAutoRecordOpensSinkOnFirstCycle(t *testing.T) {
	src := &scriptedSource{frames: 3}
	det := &stubDetector{}
	ann := &recordingAnnotator{}

	var sinks []*fakeSink
	open := func(path string, _, _, _ int) (Sink, error) {
		s := &fakeSink{path: path}
		sinks = append(sinks, s)
		return s, nil
	}

	cfg := testConfig()
	cfg.AutoRecord = true
	ctrl := newTestController(cfg, src, det, ann, &scriptedDisplay{}, open)

	err := ctrl.Run(context.Background())
	if !errors.Is(err, camera.ErrDeviceLost) {
		t.Fatalf("expected device-lost end, got %v", err)
	}

	if len(sinks) != 1 {
		t.Fatalf("auto-record must open one sink, got %d", len(sinks))
	}
	if sinks[0].writes != 3 {
		t.Errorf("expected 3 recorded frames, got %d", sinks[0].writes)
	}
	if sinks[0].closes != 1 {
		t.Errorf("teardown must close the sink exactly once, got %d", sinks[0].closes)
	}
}

func TestContextCancellationStopsSession(t *testing.T) {
	src := &scriptedSource{frames: 100}
	det := &stubDetector{}
	ann := &recordingAnnotator{}
	ctrl := newTestController(testConfig(), src, det, ann, &scriptedDisplay{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := ctrl.Run(ctx); err != nil {
		t.Fatalf("cancellation is a clean stop, got %v", err)
	}
	if ctrl.State() != StateTerminated {
		t.Errorf("expected terminated, got %s", ctrl.State())
	}
	if got := ctrl.Stats().Frames; got != 0 {
		t.Errorf("pre-cancelled context must process no frames, got %d", got)
	}
}

func TestRunRejectsReuse(t *testing.T) {
	src := &scriptedSource{frames: 0}
	ctrl := newTestController(testConfig(), src, &stubDetector{}, &recordingAnnotator{}, &scriptedDisplay{}, nil)

	_ = ctrl.Run(context.Background())
	if ctrl.State() != StateTerminated {
		t.Fatalf("expected terminated after first run, got %s", ctrl.State())
	}
	if err := ctrl.Run(context.Background()); err == nil {
		t.Fatal("a terminated controller must refuse to run again")
	}
}

func TestStateTransitionTable(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateIdle, StateRunning},
		{StateIdle, StateStopping},
		{StateRunning, StateStopping},
		{StateStopping, StateTerminated},
	}
	for _, tr := range legal {
		if !canTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be legal", tr.from, tr.to)
		}
	}

	illegal := []struct{ from, to State }{
		{StateIdle, StateTerminated},
		{StateRunning, StateIdle},
		{StateRunning, StateTerminated},
		{StateStopping, StateRunning},
		{StateTerminated, StateRunning},
		{StateTerminated, StateStopping},
	}
	for _, tr := range illegal {
		if canTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s must be illegal", tr.from, tr.to)
		}
	}
}
