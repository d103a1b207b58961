package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// ============================================================================
// Control Loop
// ============================================================================
//
// The loop is the single owner of all mutable motion state: scale factor,
// button vector, active combo, dome slew and the watchdog. Other goroutines
// reach it only through LoopCommand values.
//
// Each quantum:
//   1. watchdog check when due
//   2. drain at most MaxBatch input events, in arrival order
//   3. one dome slew step
//
// Every exit path goes through the ShutdownProcedure.
// ============================================================================

// LoopState is the control loop lifecycle state.
type LoopState int

const (
	LoopInit LoopState = iota
	LoopWaitForDevice
	LoopRunning
	LoopShuttingDown
	LoopTerminated
)

func (s LoopState) String() string {
	switch s {
	case LoopInit:
		return "init"
	case LoopWaitForDevice:
		return "wait_for_device"
	case LoopRunning:
		return "running"
	case LoopShuttingDown:
		return "shutting_down"
	case LoopTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("loop_state(%d)", int(s))
	}
}

// AxisMap assigns joystick axis indices to motion roles.
type AxisMap struct {
	Drive int
	Turn  int
	Dome  int
}

// LoopConfig is the static loop configuration.
type LoopConfig struct {
	Name  string
	RunID string

	Axes   AxisMap
	Motion MotionConfig

	SpeedMin  float64
	SpeedMax  float64
	SpeedStep float64

	SpeedUp      ComboId
	SpeedDown    ComboId
	SpeedUpCue   string
	SpeedDownCue string
	StartupCue   string

	Quantum    time.Duration
	Keepalive  time.Duration
	DeviceWait time.Duration
	MaxBatch   int
}

// LoopDeps are the loop's collaborators. Only Input, Actuator and Shutdown are required.
type LoopDeps struct {
	Input    InputOpener
	Actuator Actuator
	Remote   RemoteActions
	Actions  *ActionTable
	Stop     StopSignal
	Audit    AuditSink
	Status   StatusPublisher
	Shutdown *ShutdownProcedure
	Clock    Clock
	Logger   *slog.Logger

	// Commands from IPC and the status server.
	Commands <-chan LoopCommand
}

// LoopExitError is returned by Run when the loop ended for a safety reason
// (device loss, input failure, panic) rather than a requested stop.
type LoopExitError struct {
	Reason string
}

func (e *LoopExitError) Error() string { return "control loop terminated: " + e.Reason }

// ControlLoop drives input to actuators.
type ControlLoop struct {
	cfg  LoopConfig
	deps LoopDeps

	logger *slog.Logger
	clock  Clock

	state    LoopState
	reason   string
	fatal    bool
	src      InputSource
	watchdog *Watchdog

	scale     float64
	buttons   []bool
	active    ComboId
	hasActive bool

	drive float64
	turn  float64
	dome  DomeSlew

	motionDirty bool
}

// NewControlLoop validates deps and fills in defaults.
func NewControlLoop(cfg LoopConfig, deps LoopDeps) (*ControlLoop, error) {
	if deps.Input == nil {
		return nil, errors.New("control loop: input opener is required")
	}
	if deps.Actuator == nil {
		return nil, errors.New("control loop: actuator is required")
	}
	if deps.Logger == nil {
		deps.Logger = discardLogger()
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Audit == nil {
		deps.Audit = nopAudit{}
	}
	if deps.Remote == nil {
		deps.Remote = nopRemote{}
	}
	if deps.Status == nil {
		deps.Status = nopStatus{}
	}
	if deps.Shutdown == nil {
		deps.Shutdown = NewShutdownProcedure(ShutdownConfig{Name: cfg.Name}, deps.Actuator, deps.Remote, deps.Audit, deps.Logger)
	}

	if cfg.Quantum <= 0 {
		cfg.Quantum = defaultQuantum
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = defaultKeepalive
	}
	if cfg.DeviceWait <= 0 {
		cfg.DeviceWait = defaultDeviceWait
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.SpeedMax <= 0 {
		cfg.SpeedMax = defaultSpeedMax
	}
	if cfg.SpeedStep <= 0 {
		cfg.SpeedStep = defaultSpeedStep
	}
	if cfg.Motion.Invert == 0 {
		cfg.Motion.Invert = defaultInvert
	}

	return &ControlLoop{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		clock:  deps.Clock,
		scale:  cfg.Motion.ScaleFactor,
	}, nil
}

// Run executes the loop until shutdown. A requested stop (signal, IPC, stop
// marker) returns nil; a safety-critical exit returns *LoopExitError.
func (l *ControlLoop) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("control loop panic", "panic", r)
			l.beginShutdown(fmt.Sprintf("panic: %v", r), true)
			l.finishShutdown(ctx)
			err = &LoopExitError{Reason: l.reason}
		}
	}()

	l.setState(LoopInit)
	l.zeroActuators()

	l.setState(LoopWaitForDevice)
	if !l.waitForDevice(ctx) {
		return l.finishShutdown(ctx)
	}
	defer l.src.Close()

	l.enterRunning()

	ticker := time.NewTicker(l.cfg.Quantum)
	defer ticker.Stop()

	for l.state == LoopRunning {
		select {
		case <-ctx.Done():
			l.beginShutdown(ctxReason(ctx), false)
		case cmd := <-l.deps.Commands:
			l.HandleCommand(cmd)
		case <-ticker.C:
			l.Step(l.clock.Now())
		}
	}
	return l.finishShutdown(ctx)
}

func ctxReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return "signal: " + cause.Error()
	}
	return "signal"
}

// waitForDevice opens the input device, retrying every DeviceWait. It returns
// false if the loop was told to stop first.
func (l *ControlLoop) waitForDevice(ctx context.Context) bool {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for l.state == LoopWaitForDevice {
		select {
		case <-ctx.Done():
			l.beginShutdown(ctxReason(ctx), false)
		case cmd := <-l.deps.Commands:
			l.HandleCommand(cmd)
		case <-timer.C:
			src, err := l.deps.Input.Open()
			if err == nil {
				l.src = src
				return true
			}
			l.logger.Debug("waiting for input device", "error", err, "retry_in", l.cfg.DeviceWait)
			timer.Reset(l.cfg.DeviceWait)
		}
	}
	return false
}

func (l *ControlLoop) enterRunning() {
	l.deps.Audit.Recordf("Joystick found")
	l.logger.Info("joystick found", "buttons", l.src.Buttons())

	l.buttons = make([]bool, l.src.Buttons())
	if t := l.deps.Actions; t != nil && t.Len() > 0 && t.Width() != len(l.buttons) {
		l.logger.Warn("action table width does not match controller buttons; combos will not match",
			"table_width", t.Width(), "buttons", len(l.buttons))
	}

	now := l.clock.Now()
	l.watchdog = NewWatchdog(l.cfg.Keepalive, now)

	l.deps.Remote.Dispatch(l.cfg.StartupCue)
	l.deps.Audit.Recordf("System Initialised")
	l.setState(LoopRunning)
}

// Step runs one quantum at now.
func (l *ControlLoop) Step(now time.Time) {
	if l.state != LoopRunning {
		return
	}

	if l.watchdog.Due(now) {
		var stop func() bool
		if l.deps.Stop != nil {
			stop = l.deps.Stop.StopRequested
		}
		switch l.watchdog.Check(now, l.src.Present, stop) {
		case WatchdogTrip:
			l.beginShutdown(l.watchdog.Reason(), l.watchdog.Reason() == reasonDeviceLost)
			return
		case WatchdogIdle:
			if err := l.deps.Actuator.KeepAlive(); err != nil {
				l.logger.Warn("actuator keepalive failed", "error", err)
			}
		}
	}

	events, err := l.src.PollEvents(l.cfg.MaxBatch)
	for _, ev := range events {
		l.handleEvent(ev, now)
	}
	if err != nil {
		l.logger.Error("input poll failed", "error", err)
		l.beginShutdown("input failure: "+err.Error(), true)
		return
	}

	if v, changed := l.dome.Step(l.cfg.Motion.AccelRate); changed {
		l.setDome(v)
	}

	if l.motionDirty {
		l.motionDirty = false
		l.deps.Status.Publish(BroadcastMotion{Drive: l.drive, Turn: l.turn, Dome: l.dome.Speed, At: now})
	}
}

func (l *ControlLoop) handleEvent(ev InputEvent, now time.Time) {
	switch ev.Kind {
	case ButtonDown, ButtonUp:
		if ev.Index < 0 || ev.Index >= len(l.buttons) {
			l.logger.Debug("ignoring out of range button", "index", ev.Index, "buttons", len(l.buttons))
			return
		}
		l.buttons[ev.Index] = ev.Kind == ButtonDown
		if ev.Initial {
			return
		}
		if ev.Kind == ButtonDown {
			l.onPress(now)
		} else {
			l.onRelease(now)
		}

	case AxisMoved:
		if ev.Initial {
			return
		}
		l.onAxis(ev.Index, ev.Value, now)
	}
}

func (l *ControlLoop) onPress(now time.Time) {
	combo := Decode(l.buttons)
	// Gestures become the active combo too, so their release is recorded.
	l.active, l.hasActive = combo, true

	switch combo {
	case l.cfg.SpeedUp:
		l.adjustSpeed(l.cfg.SpeedStep, true, now)
		return
	case l.cfg.SpeedDown:
		l.adjustSpeed(-l.cfg.SpeedStep, true, now)
		return
	}

	b, ok := l.deps.Actions.Lookup(combo)
	l.deps.Audit.Recordf("Button Down event : %s,%s", combo, b.Press)
	l.deps.Status.Publish(BroadcastCombo{Combo: combo.String(), Pressed: true, Action: b.Press, At: now})
	if ok {
		l.deps.Remote.Dispatch(b.Press)
	}
}

// onRelease resolves against the combo of the preceding press, not the
// current button vector.
func (l *ControlLoop) onRelease(now time.Time) {
	if !l.hasActive {
		return
	}
	combo := l.active
	l.hasActive = false

	b, ok := l.deps.Actions.Lookup(combo)
	l.deps.Audit.Recordf("Button Up event : %s,%s", combo, b.Release)
	l.deps.Status.Publish(BroadcastCombo{Combo: combo.String(), Pressed: false, Action: b.Release, At: now})
	if ok {
		l.deps.Remote.Dispatch(b.Release)
	}
}

func (l *ControlLoop) onAxis(index int, raw float64, now time.Time) {
	cfg := l.motionConfig()

	switch index {
	case l.cfg.Axes.Drive:
		v, clamped := ShapeAxis(raw, cfg)
		l.auditClamp("Forward/Back", raw, clamped)
		l.deps.Audit.Recordf("Forward/Back : %v", v)
		l.drive = v
		l.motionDirty = true
		if err := l.deps.Actuator.SetDrive(v); err != nil {
			l.logger.Warn("set drive failed", "value", v, "error", err)
		}

	case l.cfg.Axes.Turn:
		v, clamped := ShapeAxis(raw, cfg)
		l.auditClamp("Left/Right", raw, clamped)
		l.deps.Audit.Recordf("Left/Right : %v", v)
		l.turn = v
		l.motionDirty = true
		if err := l.deps.Actuator.SetTurn(v); err != nil {
			l.logger.Warn("set turn failed", "value", v, "error", err)
		}

	case l.cfg.Axes.Dome:
		v, clamped := ShapeDome(raw, cfg)
		l.auditClamp("Dome", raw, clamped)
		l.deps.Audit.Recordf("Dome : %v", v)
		l.dome.Target = v

	default:
		return
	}
	l.watchdog.Touch(now)
}

func (l *ControlLoop) auditClamp(axis string, raw float64, clamped bool) {
	if clamped {
		l.deps.Audit.Recordf("Clamped %s : %v", axis, raw)
	}
}

func (l *ControlLoop) setDome(v float64) {
	l.motionDirty = true
	if err := l.deps.Actuator.SetDome(v); err != nil {
		l.logger.Warn("set dome failed", "value", v, "error", err)
	}
}

func (l *ControlLoop) motionConfig() MotionConfig {
	cfg := l.cfg.Motion
	cfg.ScaleFactor = l.scale
	return cfg
}

// adjustSpeed moves the scale factor by delta within [SpeedMin, SpeedMax].
// A gesture is always recorded and cued, even when the factor is already at
// its bound; other callers stay silent when nothing changes.
func (l *ControlLoop) adjustSpeed(delta float64, gesture bool, now time.Time) {
	next := roundScale(math.Max(l.cfg.SpeedMin, math.Min(l.cfg.SpeedMax, l.scale+delta)))
	changed := next != l.scale
	if !changed && !gesture {
		l.logger.Debug("speed at limit", "scale_factor", l.scale, "delta", delta)
		return
	}
	l.scale = next

	if delta > 0 {
		l.deps.Audit.Recordf("Speed Increase : %.2f", next)
		l.deps.Remote.Dispatch(l.cfg.SpeedUpCue)
	} else {
		l.deps.Audit.Recordf("Speed Decrease : %.2f", next)
		l.deps.Remote.Dispatch(l.cfg.SpeedDownCue)
	}
	if !changed {
		return
	}
	l.logger.Info("speed changed", "scale_factor", next)
	l.deps.Status.Publish(BroadcastSpeedChanged{ScaleFactor: next, At: now})
}

// HandleCommand executes a request from another goroutine.
func (l *ControlLoop) HandleCommand(cmd LoopCommand) {
	switch c := cmd.(type) {
	case CmdStop:
		reason := c.Reason
		if reason == "" {
			reason = "stop command"
		}
		l.beginShutdown(reason, false)

	case CmdAdjustSpeed:
		if l.state != LoopRunning && l.state != LoopWaitForDevice {
			return
		}
		l.adjustSpeed(c.Delta, false, l.clock.Now())

	case CmdSnapshot:
		if c.Reply == nil {
			return
		}
		select {
		case c.Reply <- l.Snapshot():
		default:
			l.logger.Debug("snapshot reply dropped (receiver not ready)")
		}

	default:
		l.logger.Warn("unknown loop command", "type", fmt.Sprintf("%T", cmd))
	}
}

// Snapshot returns a copy of the loop state. Only call from the loop goroutine.
func (l *ControlLoop) Snapshot() LoopSnapshot {
	s := LoopSnapshot{
		RunID:       l.cfg.RunID,
		State:       l.state.String(),
		ScaleFactor: l.scale,
		Drive:       l.drive,
		Turn:        l.turn,
		Dome:        l.dome.Speed,
		DomeTarget:  l.dome.Target,
		Buttons:     len(l.buttons),
		Reason:      l.reason,
		At:          l.clock.Now(),
	}
	if l.watchdog != nil {
		s.Watchdog = l.watchdog.State().String()
	}
	if l.hasActive {
		s.ActiveCombo = l.active.String()
	}
	return s
}

// State is the current lifecycle state. Only call from the loop goroutine or after Run returns.
func (l *ControlLoop) State() LoopState { return l.state }

// ScaleFactor is the live speed scale.
func (l *ControlLoop) ScaleFactor() float64 { return l.scale }

func (l *ControlLoop) setState(s LoopState) {
	if l.state == s && s != LoopInit {
		return
	}
	l.state = s
	l.deps.Audit.Recordf("Loop state : %s", s)
	l.logger.Debug("loop state", "state", s.String(), "reason", l.reason)
	l.deps.Status.Publish(BroadcastLoopState{State: s.String(), Reason: l.reason, At: l.clock.Now()})
}

// beginShutdown records the first shutdown reason and moves to SHUTTING_DOWN.
func (l *ControlLoop) beginShutdown(reason string, fatal bool) {
	if l.state == LoopShuttingDown || l.state == LoopTerminated {
		return
	}
	l.reason = reason
	l.fatal = fatal
	l.logger.Info("shutting down", "reason", reason)
	l.setState(LoopShuttingDown)
}

func (l *ControlLoop) finishShutdown(ctx context.Context) error {
	if l.state == LoopTerminated {
		return l.exitErr()
	}
	l.deps.Shutdown.Run(ctx, l.reason)
	l.dome.Reset()
	l.drive, l.turn = 0, 0
	l.setState(LoopTerminated)
	l.deps.Status.Publish(BroadcastShutdown{Reason: l.reason, At: l.clock.Now()})
	return l.exitErr()
}

func (l *ControlLoop) exitErr() error {
	if l.fatal {
		return &LoopExitError{Reason: l.reason}
	}
	return nil
}

func (l *ControlLoop) zeroActuators() {
	if err := errors.Join(
		l.deps.Actuator.SetDrive(0),
		l.deps.Actuator.SetTurn(0),
		l.deps.Actuator.SetDome(0),
	); err != nil {
		l.logger.Warn("zeroing actuators at startup failed", "error", err)
	}
}

type nopAudit struct{}

func (nopAudit) Recordf(string, ...any) {}

type nopRemote struct{}

func (nopRemote) Dispatch(string)                     {}
func (nopRemote) Invoke(context.Context, string) bool { return true }

type nopStatus struct{}

func (nopStatus) Publish(StatusBroadcast) {}
