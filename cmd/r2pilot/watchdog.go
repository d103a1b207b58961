package main

import "time"

// Clock supplies the loop's notion of now. Tests inject a fake.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// WatchdogState is ARMED until a check fails, then TRIPPED for good.
type WatchdogState int

const (
	WatchdogArmed WatchdogState = iota
	WatchdogTripped
)

func (s WatchdogState) String() string {
	if s == WatchdogTripped {
		return "tripped"
	}
	return "armed"
}

// WatchdogResult is the outcome of one watchdog tick.
type WatchdogResult int

const (
	// WatchdogOK: input is recent, nothing to do.
	WatchdogOK WatchdogResult = iota
	// WatchdogIdle: no input for a full interval but the device is still present.
	// The loop should refresh actuator keepalives.
	WatchdogIdle
	// WatchdogTrip: device lost or stop requested. Terminal.
	WatchdogTrip
)

// Trip reasons
const (
	reasonDeviceLost    = "device lost"
	reasonStopRequested = "stop requested"
)

// Watchdog tracks time since the last processed input and decides when the
// loop must shut down. It is owned by the control loop goroutine.
type Watchdog struct {
	interval    time.Duration
	lastCommand time.Time
	lastCheck   time.Time
	deviceLive  bool

	state  WatchdogState
	reason string
}

// NewWatchdog returns an armed watchdog whose first tick is due one interval after now.
func NewWatchdog(interval time.Duration, now time.Time) *Watchdog {
	if interval <= 0 {
		interval = defaultKeepalive
	}
	return &Watchdog{
		interval:    interval,
		lastCommand: now,
		lastCheck:   now,
		deviceLive:  true,
	}
}

// Touch records input activity.
func (w *Watchdog) Touch(now time.Time) {
	w.lastCommand = now
}

// Due reports whether a tick check should run at now.
func (w *Watchdog) Due(now time.Time) bool {
	return w.state == WatchdogArmed && now.Sub(w.lastCheck) >= w.interval
}

// Check runs one tick. present is consulted only after a full interval without
// input; stopRequested is consulted on every tick.
func (w *Watchdog) Check(now time.Time, present func() bool, stopRequested func() bool) WatchdogResult {
	if w.state == WatchdogTripped {
		return WatchdogTrip
	}
	w.lastCheck = now

	idle := now.Sub(w.lastCommand) >= w.interval
	if idle && present != nil && !present() {
		w.deviceLive = false
		w.trip(reasonDeviceLost)
		return WatchdogTrip
	}
	if stopRequested != nil && stopRequested() {
		w.trip(reasonStopRequested)
		return WatchdogTrip
	}
	if idle {
		w.lastCommand = now
		return WatchdogIdle
	}
	return WatchdogOK
}

func (w *Watchdog) trip(reason string) {
	w.state = WatchdogTripped
	w.reason = reason
}

func (w *Watchdog) State() WatchdogState { return w.state }

// Reason is why the watchdog tripped; empty while armed.
func (w *Watchdog) Reason() string { return w.reason }

// DeviceLive is false once a tick has seen the device missing.
func (w *Watchdog) DeviceLive() bool { return w.deviceLive }

func (w *Watchdog) Interval() time.Duration { return w.interval }
