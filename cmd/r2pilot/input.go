package main

import "errors"

// errInputClosed is returned by PollEvents after Close.
var errInputClosed = errors.New("input source closed")

// InputSource is an open controller. PollEvents must never block: it returns
// whatever has arrived, at most max events, in arrival order.
type InputSource interface {
	PollEvents(max int) ([]InputEvent, error)
	// Present reports whether the device node still exists.
	Present() bool
	// Buttons is the number of buttons the device reports.
	Buttons() int
	Close() error
}

// InputOpener opens the controller. It fails while the device is absent.
type InputOpener interface {
	Open() (InputSource, error)
}

// normalizeAxis maps a raw joystick sample onto [-1, 1]. The raw range is
// asymmetric (-32768..32767), so each side is scaled on its own to keep full
// deflection at exactly +/-1.
func normalizeAxis(raw int16) float64 {
	if raw < 0 {
		return float64(raw) / (jsAxisMax + 1)
	}
	return float64(raw) / jsAxisMax
}

// jsEvent mirrors struct js_event from <linux/joystick.h>.
type jsEvent struct {
	Time   uint32 // event timestamp in milliseconds
	Value  int16
	Type   uint8
	Number uint8
}

const jsEventSize = 8

// decodeJSEvent parses one little-endian js_event.
func decodeJSEvent(b []byte) jsEvent {
	return jsEvent{
		Time:   uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24,
		Value:  int16(uint16(b[4]) | uint16(b[5])<<8),
		Type:   b[6],
		Number: b[7],
	}
}

// toInputEvent converts a raw js_event; ok is false for event types we don't use.
func (e jsEvent) toInputEvent() (InputEvent, bool) {
	initial := e.Type&jsEventInit != 0
	switch e.Type &^ jsEventInit {
	case jsEventButton:
		kind := ButtonUp
		if e.Value != 0 {
			kind = ButtonDown
		}
		return InputEvent{Kind: kind, Index: int(e.Number), Initial: initial}, true
	case jsEventAxis:
		return InputEvent{Kind: AxisMoved, Index: int(e.Number), Value: normalizeAxis(e.Value), Initial: initial}, true
	default:
		return InputEvent{}, false
	}
}
