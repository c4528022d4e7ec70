package session

import "gocv.io/x/gocv"

// Command is one interactive runtime command, sampled at most once per cycle.
type Command int

const (
	CmdNone Command = iota
	CmdQuit
	CmdSnapshot
	CmdToggleRecord
	CmdDumpInfo
)

// Display shows annotated frames and surfaces interactive commands. Poll
// must never block.
type Display interface {
	Show(img gocv.Mat) error
	Poll() Command
	Close() error
}

// windowDisplay renders to an OpenCV highgui window and maps its keyboard
// events to commands.
type windowDisplay struct {
	window *gocv.Window
}

// NewWindowDisplay opens the display window.
func NewWindowDisplay(name string) Display {
	return &windowDisplay{window: gocv.NewWindow(name)}
}

func (d *windowDisplay) Show(img gocv.Mat) error {
	d.window.IMShow(img)
	return nil
}

// Poll samples one key press. q or ESC quits, s saves a snapshot, r toggles
// recording, i dumps the current detections.
func (d *windowDisplay) Poll() Command {
	switch d.window.WaitKey(1) {
	case 'q', 27:
		return CmdQuit
	case 's':
		return CmdSnapshot
	case 'r':
		return CmdToggleRecord
	case 'i':
		return CmdDumpInfo
	default:
		return CmdNone
	}
}

func (d *windowDisplay) Close() error {
	return d.window.Close()
}
