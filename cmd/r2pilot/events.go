package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Input Events
// ============================================================================
// Input events are produced by an InputSource and drained by the control loop
// in arrival order. Axis values are already normalized to [-1, 1].
// ============================================================================

// InputEventKind discriminates InputEvent.
type InputEventKind uint8

const (
	ButtonDown InputEventKind = iota + 1
	ButtonUp
	AxisMoved
)

func (k InputEventKind) String() string {
	switch k {
	case ButtonDown:
		return "button_down"
	case ButtonUp:
		return "button_up"
	case AxisMoved:
		return "axis_moved"
	default:
		return fmt.Sprintf("input_event(%d)", uint8(k))
	}
}

// InputEvent is one discrete event from the controller.
type InputEvent struct {
	Kind  InputEventKind
	Index int     // button or axis index
	Value float64 // axis position, unused for buttons

	// Initial marks synthetic events reporting the device state at open time.
	// Buttons update the pressed vector without firing actions; axes are ignored.
	Initial bool
}

// ============================================================================
// Loop Commands
// ============================================================================
// Commands are requests from other goroutines (IPC, status server) that are
// executed on the control loop goroutine. The loop is the single owner of all
// mutable motion state; nothing else touches it directly.
// ============================================================================

// LoopCommand is a marker interface for requests served by the control loop.
type LoopCommand interface {
	loopCommandMarker()
}

// CmdStop requests a safe shutdown.
type CmdStop struct {
	Reason string
}

func (CmdStop) loopCommandMarker() {}

// CmdAdjustSpeed nudges the scale factor by Delta within the configured bounds.
type CmdAdjustSpeed struct {
	Delta float64
}

func (CmdAdjustSpeed) loopCommandMarker() {}

// CmdSnapshot requests a LoopSnapshot on Reply. The loop never blocks on Reply.
type CmdSnapshot struct {
	Reply chan<- LoopSnapshot
}

func (CmdSnapshot) loopCommandMarker() {}

// LoopSnapshot is a coherent copy of loop state for observers.
type LoopSnapshot struct {
	RunID       string    `json:"run_id"`
	State       string    `json:"state"`
	Watchdog    string    `json:"watchdog"`
	ScaleFactor float64   `json:"scale_factor"`
	Drive       float64   `json:"drive"`
	Turn        float64   `json:"turn"`
	Dome        float64   `json:"dome"`
	DomeTarget  float64   `json:"dome_target"`
	ActiveCombo string    `json:"active_combo,omitempty"`
	Buttons     int       `json:"buttons"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// ============================================================================
// Status Broadcasts
// ============================================================================
// Broadcasts are emitted by the loop for optional observers (status websocket).
// Emission is non-blocking; observers that fall behind lose updates.
// ============================================================================

// StatusBroadcast is a marker interface for loop-emitted observer updates.
type StatusBroadcast interface {
	broadcastMarker()
}

type BroadcastLoopState struct {
	State  string
	Reason string
	At     time.Time
}

func (BroadcastLoopState) broadcastMarker() {}

type BroadcastSpeedChanged struct {
	ScaleFactor float64
	At          time.Time
}

func (BroadcastSpeedChanged) broadcastMarker() {}

type BroadcastCombo struct {
	Combo   string
	Pressed bool
	Action  string
	At      time.Time
}

func (BroadcastCombo) broadcastMarker() {}

type BroadcastMotion struct {
	Drive float64
	Turn  float64
	Dome  float64
	At    time.Time
}

func (BroadcastMotion) broadcastMarker() {}

// BroadcastShutdown is emitted once the shutdown procedure has completed.
type BroadcastShutdown struct {
	Reason string
	At     time.Time
}

func (BroadcastShutdown) broadcastMarker() {}

// StatusPublisher receives loop broadcasts. Publish must not block.
type StatusPublisher interface {
	Publish(StatusBroadcast)
}

// broadcastChan publishes into a buffered channel, dropping when it is full.
type broadcastChan chan StatusBroadcast

func (c broadcastChan) Publish(b StatusBroadcast) {
	select {
	case c <- b:
	default:
	}
}

// ============================================================================
// IPC Envelope
// ============================================================================

// RequestEnvelope wraps an IPC request with a type discriminator for JSON.
type RequestEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type speedRequestData struct {
	Delta float64 `json:"delta"`
}

type stopRequestData struct {
	Reason string `json:"reason,omitempty"`
}

// ipcStatusRequest asks for a snapshot; it is answered by the IPC server, not the loop.
type ipcStatusRequest struct{}

func (ipcStatusRequest) loopCommandMarker() {}

// UnmarshalRequest decodes an IPC request line into the command it asks for.
func UnmarshalRequest(data []byte) (LoopCommand, error) {
	var env RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "stop":
		var d stopRequestData
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &d); err != nil {
				return nil, fmt.Errorf("unmarshal stop: %w", err)
			}
		}
		if d.Reason == "" {
			d.Reason = "ipc stop"
		}
		return CmdStop{Reason: d.Reason}, nil

	case "speed":
		var d speedRequestData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("unmarshal speed: %w", err)
		}
		if d.Delta == 0 {
			return nil, fmt.Errorf("speed delta must be non-zero")
		}
		return CmdAdjustSpeed{Delta: d.Delta}, nil

	case "status":
		return ipcStatusRequest{}, nil

	default:
		return nil, fmt.Errorf("unknown request type: %q", env.Type)
	}
}
