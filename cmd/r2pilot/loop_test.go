package main

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

const testButtons = 17

func testLoopConfig() LoopConfig {
	up, _ := ParseComboId(defaultSpeedUpCombo)
	down, _ := ParseComboId(defaultSpeedDownCombo)
	return LoopConfig{
		Name:  "r2pilot",
		RunID: "test-run",
		Axes:  AxisMap{Drive: 1, Turn: 0, Dome: 3},
		Motion: MotionConfig{
			ScaleFactor: defaultSpeedFactor,
			Invert:      defaultInvert,
			Deadband:    defaultDeadband,
			Curve:       defaultCurve,
			AccelRate:   defaultAccelRate,
			DomeLimit:   defaultDomeLimit,
		},
		SpeedMin:     defaultSpeedMin,
		SpeedMax:     defaultSpeedMax,
		SpeedStep:    defaultSpeedStep,
		SpeedUp:      up,
		SpeedDown:    down,
		SpeedUpCue:   defaultSpeedUpCue,
		SpeedDownCue: defaultSpeedDownCue,
		StartupCue:   defaultStartupCue,
		Quantum:      time.Millisecond,
		Keepalive:    250 * time.Millisecond,
		DeviceWait:   5 * time.Millisecond,
		MaxBatch:     64,
	}
}

type loopFixture struct {
	loop   *ControlLoop
	clock  *fakeClock
	input  *fakeInput
	opener *fakeOpener
	act    *recordingActuator
	remote *recordingRemote
	audit  *fakeAudit
	stop   *stopFlag
	calls  *callLog
	status broadcastChan
}

func newLoopFixture(t *testing.T, cfg LoopConfig, table *ActionTable, realClock bool) *loopFixture {
	t.Helper()

	f := &loopFixture{
		clock:  newFakeClock(),
		input:  newFakeInput(testButtons),
		stop:   &stopFlag{},
		calls:  &callLog{},
		status: make(broadcastChan, 256),
	}
	f.opener = &fakeOpener{src: f.input}
	f.act = newRecordingActuator(f.calls)
	f.remote = newRecordingRemote(f.calls)
	f.audit = &fakeAudit{log: f.calls}

	shutdown := NewShutdownProcedure(ShutdownConfig{
		Name:         "r2pilot",
		DisableDrive: defaultDisableDrive,
		DisableDome:  defaultDisableDome,
		Alert:        defaultAlertCue,
	}, f.act, f.remote, f.audit, discardLogger())

	deps := LoopDeps{
		Input:    f.opener,
		Actuator: f.act,
		Remote:   f.remote,
		Actions:  table,
		Stop:     f.stop,
		Audit:    f.audit,
		Status:   f.status,
		Shutdown: shutdown,
	}
	if !realClock {
		deps.Clock = f.clock
	}

	loop, err := NewControlLoop(cfg, deps)
	if err != nil {
		t.Fatalf("NewControlLoop: %v", err)
	}
	f.loop = loop
	return f
}

// start brings the loop to RUNNING without the Run goroutine so tests can
// drive Step deterministically.
func (f *loopFixture) start(t *testing.T) {
	t.Helper()
	f.loop.state = LoopWaitForDevice
	src, err := f.opener.Open()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.loop.src = src
	f.loop.enterRunning()
	if f.loop.State() != LoopRunning {
		t.Fatalf("expected running, got %s", f.loop.State())
	}
}

func (f *loopFixture) step(evs ...InputEvent) {
	f.input.Push(evs...)
	f.loop.Step(f.clock.Now())
}

func press(i int) InputEvent   { return InputEvent{Kind: ButtonDown, Index: i} }
func release(i int) InputEvent { return InputEvent{Kind: ButtonUp, Index: i} }
func axis(i int, v float64) InputEvent {
	return InputEvent{Kind: AxisMoved, Index: i, Value: v}
}

func comboOf(buttons ...int) string {
	b := make([]byte, testButtons)
	for i := range b {
		b[i] = '0'
	}
	for _, i := range buttons {
		b[i] = '1'
	}
	return string(b)
}

func TestControlLoop_EnterRunningStartupSequence(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig(), nil, false)
	f.start(t)

	if !f.audit.Has("Joystick found") || !f.audit.Has("System Initialised") {
		t.Fatalf("expected startup audit records, got %v", f.audit.Records())
	}
	if got := f.remote.Dispatched(); len(got) != 1 || got[0] != defaultStartupCue {
		t.Fatalf("expected startup cue dispatched, got %v", got)
	}
}

func TestControlLoop_DriveDeadbandGivesExactZero(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig(), nil, false)
	f.start(t)

	f.step(axis(1, 0.1))

	if len(f.act.drive) != 1 {
		t.Fatalf("expected one drive command, got %v", f.act.drive)
	}
	if f.act.drive[0] != 0 {
		t.Fatalf("expected exactly 0, got %v", f.act.drive[0])
	}
}

func TestControlLoop_DriveFullDeflection(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig(), nil, false)
	f.start(t)

	f.step(axis(1, 1.0), axis(0, -1.0))

	if got := f.act.lastDrive(); !approxEqual(got, -0.35) {
		t.Fatalf("expected drive -0.35, got %v", got)
	}
	if len(f.act.turn) != 1 || !approxEqual(f.act.turn[0], 0.35) {
		t.Fatalf("expected turn 0.35, got %v", f.act.turn)
	}

	var sawDrive, sawTurn bool
	for _, r := range f.audit.Records() {
		sawDrive = sawDrive || strings.HasPrefix(r, "Forward/Back : ")
		sawTurn = sawTurn || strings.HasPrefix(r, "Left/Right : ")
	}
	if !sawDrive || !sawTurn {
		t.Fatalf("expected per-axis audit records, got %v", f.audit.Records())
	}
}

func TestControlLoop_ClampIsAudited(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig(), nil, false)
	f.start(t)

	f.step(axis(1, 1.5))

	if !f.audit.Has("Clamped Forward/Back : 1.5") {
		t.Fatalf("expected clamp record, got %v", f.audit.Records())
	}
	if got := f.act.lastDrive(); !approxEqual(got, -0.35) {
		t.Fatalf("expected clamped drive -0.35, got %v", got)
	}
}

func TestControlLoop_SpeedGestureIncrease(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig(), nil, false)
	f.start(t)

	f.step(press(4), press(5), press(6), press(7), press(16))

	if got := f.loop.ScaleFactor(); !approxEqual(got, 0.40) {
		t.Fatalf("expected scale 0.40, got %v", got)
	}
	if !f.audit.Has("Speed Increase : 0.40") {
		t.Fatalf("expected speed audit record, got %v", f.audit.Records())
	}
	d := f.remote.Dispatched()
	if d[len(d)-1] != defaultSpeedUpCue {
		t.Fatalf("expected speed-up cue last, got %v", d)
	}

	f.step(axis(1, 1.0))
	if got := f.act.lastDrive(); !approxEqual(got, -0.40) {
		t.Fatalf("expected drive -0.40 after speed up, got %v", got)
	}

	var sawBroadcast bool
	for len(f.status) > 0 {
		if b, ok := (<-f.status).(BroadcastSpeedChanged); ok && approxEqual(b.ScaleFactor, 0.40) {
			sawBroadcast = true
		}
	}
	if !sawBroadcast {
		t.Fatalf("expected speed_changed broadcast")
	}
}

func TestControlLoop_SpeedGestureDecreaseStopsAtMin(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig(), nil, false)
	f.start(t)

	f.step(press(4), press(5), press(6), press(7))
	for i := 0; i < 5; i++ {
		f.step(press(15), release(15))
	}

	if got := f.loop.ScaleFactor(); !approxEqual(got, defaultSpeedMin) {
		t.Fatalf("expected scale at min %v, got %v", defaultSpeedMin, got)
	}
	// 0.35 -> 0.30 -> 0.25 -> 0.20, then clamped but still recorded and cued.
	var got []string
	for _, r := range f.audit.Records() {
		if strings.HasPrefix(r, "Speed Decrease") {
			got = append(got, r)
		}
	}
	want := []string{
		"Speed Decrease : 0.30",
		"Speed Decrease : 0.25",
		"Speed Decrease : 0.20",
		"Speed Decrease : 0.20",
		"Speed Decrease : 0.20",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	cues := 0
	for _, d := range f.remote.Dispatched() {
		if d == defaultSpeedDownCue {
			cues++
		}
	}
	if cues != 5 {
		t.Fatalf("expected a cue for every gesture press, got %d", cues)
	}
}

func TestControlLoop_SpeedGestureAtMaxIsStillRecorded(t *testing.T) {
	cfg := testLoopConfig()
	cfg.Motion.ScaleFactor = 1.0
	f := newLoopFixture(t, cfg, nil, false)
	f.start(t)
	for len(f.status) > 0 {
		<-f.status
	}

	f.step(press(4), press(5), press(6), press(7), press(16))

	if got := f.loop.ScaleFactor(); got != 1.0 {
		t.Fatalf("expected scale to stay at 1.0, got %v", got)
	}
	if !f.audit.Has("Speed Increase : 1.00") {
		t.Fatalf("expected speed record at the limit, got %v", f.audit.Records())
	}
	d := f.remote.Dispatched()
	if d[len(d)-1] != defaultSpeedUpCue {
		t.Fatalf("expected speed-up cue at the limit, got %v", d)
	}
	for len(f.status) > 0 {
		if _, ok := (<-f.status).(BroadcastSpeedChanged); ok {
			t.Fatalf("unexpected speed_changed broadcast without a change")
		}
	}
}

func TestControlLoop_SpeedGestureReleaseIsRecorded(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig(), nil, false)
	f.start(t)

	f.step(press(4), press(5), press(6), press(7), press(16))
	f.step(release(16))

	if !f.audit.Has("Button Up event : " + defaultSpeedUpCombo + ",") {
		t.Fatalf("expected gesture release record, got %v", f.audit.Records())
	}
	// The release resolved the gesture; releasing the rest fires nothing.
	before := len(f.audit.Records())
	f.step(release(7))
	if got := f.audit.Records(); len(got) != before {
		t.Fatalf("expected no further records, got %v", got[before:])
	}
}

func TestControlLoop_SpeedCommandAtLimitIsSilent(t *testing.T) {
	cfg := testLoopConfig()
	cfg.Motion.ScaleFactor = 1.0
	f := newLoopFixture(t, cfg, nil, false)
	f.start(t)
	before := len(f.remote.Dispatched())

	f.loop.HandleCommand(CmdAdjustSpeed{Delta: 0.05})

	for _, r := range f.audit.Records() {
		if strings.HasPrefix(r, "Speed Increase") {
			t.Fatalf("unexpected record %q for a no-op command", r)
		}
	}
	if got := f.remote.Dispatched(); len(got) != before {
		t.Fatalf("unexpected cue %v", got[before:])
	}
}

func TestControlLoop_ReleaseWithoutPressIsNoop(t *testing.T) {
	table, err := NewActionTable(map[string]ActionBinding{
		comboOf(2): {Press: "audio/a", Release: "audio/b"},
	})
	if err != nil {
		t.Fatalf("NewActionTable: %v", err)
	}
	f := newLoopFixture(t, testLoopConfig(), table, false)
	f.start(t)
	before := len(f.remote.Dispatched())

	f.step(release(2))

	if got := f.remote.Dispatched(); len(got) != before {
		t.Fatalf("expected no remote action, got %v", got[before:])
	}
	for _, r := range f.audit.Records() {
		if strings.HasPrefix(r, "Button Up") {
			t.Fatalf("unexpected release record %q", r)
		}
	}
}

func TestControlLoop_ReleaseUsesPrecedingPress(t *testing.T) {
	table, err := NewActionTable(map[string]ActionBinding{
		comboOf(0):    {Press: "audio/one-down", Release: "audio/one-up"},
		comboOf(0, 1): {Press: "audio/two-down", Release: "audio/two-up"},
	})
	if err != nil {
		t.Fatalf("NewActionTable: %v", err)
	}
	f := newLoopFixture(t, testLoopConfig(), table, false)
	f.start(t)

	// Press and release arrive in the same batch; order must be preserved.
	f.step(press(0), press(1), release(1), release(0))

	want := []string{defaultStartupCue, "audio/one-down", "audio/two-down", "audio/two-up"}
	if got := f.remote.Dispatched(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if !f.audit.Has("Button Down event : " + comboOf(0, 1) + ",audio/two-down") {
		t.Fatalf("expected button down record, got %v", f.audit.Records())
	}
	if !f.audit.Has("Button Up event : " + comboOf(0, 1) + ",audio/two-up") {
		t.Fatalf("expected button up record, got %v", f.audit.Records())
	}
}

func TestControlLoop_InitialEventsAreSilent(t *testing.T) {
	table, err := NewActionTable(map[string]ActionBinding{
		comboOf(0):    {Press: "audio/one"},
		comboOf(0, 1): {Press: "audio/two"},
	})
	if err != nil {
		t.Fatalf("NewActionTable: %v", err)
	}
	f := newLoopFixture(t, testLoopConfig(), table, false)
	f.start(t)

	f.step(
		InputEvent{Kind: ButtonDown, Index: 0, Initial: true},
		InputEvent{Kind: AxisMoved, Index: 1, Value: 1, Initial: true},
	)
	if got := f.remote.Dispatched(); len(got) != 1 {
		t.Fatalf("expected only startup cue, got %v", got)
	}
	if len(f.act.drive) != 0 {
		t.Fatalf("expected initial axis ignored, got %v", f.act.drive)
	}

	// Button 0 is already held, so pressing 1 forms the two-button combo.
	f.step(press(1))
	d := f.remote.Dispatched()
	if d[len(d)-1] != "audio/two" {
		t.Fatalf("expected audio/two, got %v", d)
	}
}

func TestControlLoop_DomeSlewsTowardTarget(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig(), nil, false)
	f.start(t)

	f.step()
	if len(f.act.dome) != 0 {
		t.Fatalf("expected no dome command while unchanged, got %v", f.act.dome)
	}

	f.step(axis(3, 1.0))
	f.step()
	if len(f.act.dome) != 2 {
		t.Fatalf("expected two dome steps, got %v", f.act.dome)
	}
	if !approxEqual(f.act.dome[0], 0.025) || !approxEqual(f.act.dome[1], 0.05) {
		t.Fatalf("expected 0.025, 0.05, got %v", f.act.dome)
	}
	for i := 1; i < len(f.act.dome); i++ {
		if d := f.act.dome[i] - f.act.dome[i-1]; d > defaultAccelRate+1e-12 {
			t.Fatalf("dome step %d exceeded accel rate: %v", i, d)
		}
	}
	if f.loop.dome.Target != defaultDomeLimit {
		t.Fatalf("expected target bounded to %v, got %v", defaultDomeLimit, f.loop.dome.Target)
	}
}

func TestControlLoop_MaxBatchBoundsDrain(t *testing.T) {
	cfg := testLoopConfig()
	cfg.MaxBatch = 2
	f := newLoopFixture(t, cfg, nil, false)
	f.start(t)

	f.step(axis(1, 0.5), axis(1, 0.6), axis(1, 0.7), axis(1, 0.8), axis(1, 0.9))
	if len(f.act.drive) != 2 {
		t.Fatalf("expected 2 events per quantum, got %d", len(f.act.drive))
	}
	f.step()
	f.step()
	if len(f.act.drive) != 5 {
		t.Fatalf("expected remaining events drained, got %d", len(f.act.drive))
	}
}

func TestControlLoop_IdleTickSendsKeepAlive(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig(), nil, false)
	f.start(t)

	f.clock.Advance(250 * time.Millisecond)
	f.step()

	if f.act.keepalives != 1 {
		t.Fatalf("expected 1 keepalive, got %d", f.act.keepalives)
	}
	if f.loop.State() != LoopRunning {
		t.Fatalf("expected running, got %s", f.loop.State())
	}
}

func TestControlLoop_DeviceLossShutsDownOnceInOrder(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig(), nil, false)
	f.start(t)

	f.input.SetPresent(false)
	f.clock.Advance(250 * time.Millisecond)
	f.step()

	if f.loop.State() != LoopShuttingDown {
		t.Fatalf("expected shutting_down, got %s", f.loop.State())
	}
	n := len(f.calls.snapshot())

	err := f.loop.finishShutdown(context.Background())
	var exitErr *LoopExitError
	if !errors.As(err, &exitErr) || exitErr.Reason != reasonDeviceLost {
		t.Fatalf("expected LoopExitError(device lost), got %v", err)
	}
	if err := f.loop.finishShutdown(context.Background()); err == nil {
		t.Fatalf("expected repeated finish to report the same exit")
	}

	want := []string{
		"drive:0",
		"turn:0",
		"dome:0",
		"invoke:" + defaultDisableDrive,
		"invoke:" + defaultDisableDome,
		"invoke:" + defaultAlertCue,
		"audit:****** r2pilot Shutdown ****** : device lost",
	}
	got := f.calls.snapshot()[n:]
	if len(got) < len(want) || !reflect.DeepEqual(got[:len(want)], want) {
		t.Fatalf("unexpected shutdown sequence:\n got %v\nwant %v", got, want)
	}
	if len(f.remote.invoked) != 3 {
		t.Fatalf("expected shutdown to run once, got invokes %v", f.remote.invoked)
	}
	if f.loop.State() != LoopTerminated {
		t.Fatalf("expected terminated, got %s", f.loop.State())
	}
}

func TestControlLoop_MissingDeviceIgnoredWhileActive(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig(), nil, false)
	f.start(t)

	f.input.SetPresent(false)
	f.clock.Advance(200 * time.Millisecond)
	f.step(axis(1, 0.5))
	f.clock.Advance(100 * time.Millisecond)
	f.step()

	if f.loop.State() != LoopRunning {
		t.Fatalf("expected running while input is recent, got %s", f.loop.State())
	}
}

func TestControlLoop_StopSignalTrips(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig(), nil, false)
	f.start(t)

	f.stop.Set()
	f.clock.Advance(250 * time.Millisecond)
	f.step(axis(1, 0.5))

	if f.loop.State() != LoopShuttingDown {
		t.Fatalf("expected shutting_down, got %s", f.loop.State())
	}
	if err := f.loop.finishShutdown(context.Background()); err != nil {
		t.Fatalf("expected requested stop to exit cleanly, got %v", err)
	}
	if !f.audit.Has("****** r2pilot Shutdown ****** : " + reasonStopRequested) {
		t.Fatalf("expected shutdown record, got %v", f.audit.Records())
	}
}

func TestControlLoop_InputFailureAfterDrainingEvents(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig(), nil, false)
	f.start(t)

	f.input.Push(axis(1, 1.0))
	f.input.Fail(errors.New("read: no such device"))
	f.loop.Step(f.clock.Now())
	if f.loop.State() != LoopRunning {
		t.Fatalf("expected queued events delivered before the error")
	}
	if len(f.act.drive) != 1 {
		t.Fatalf("expected drive command, got %v", f.act.drive)
	}

	f.loop.Step(f.clock.Now())
	if f.loop.State() != LoopShuttingDown {
		t.Fatalf("expected shutting_down, got %s", f.loop.State())
	}
	if !strings.HasPrefix(f.loop.reason, "input failure") {
		t.Fatalf("unexpected reason %q", f.loop.reason)
	}
}

func TestControlLoop_ActuatorErrorsDoNotStopLoop(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig(), nil, false)
	f.start(t)
	f.act.failAll = ErrActuatorTimeout

	f.step(axis(1, 1.0), axis(3, 1.0))

	if f.loop.State() != LoopRunning {
		t.Fatalf("expected running, got %s", f.loop.State())
	}
}

func TestControlLoop_Commands(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig(), nil, false)
	f.start(t)

	f.loop.HandleCommand(CmdAdjustSpeed{Delta: 0.05})
	if got := f.loop.ScaleFactor(); !approxEqual(got, 0.40) {
		t.Fatalf("expected 0.40, got %v", got)
	}

	reply := make(chan LoopSnapshot, 1)
	f.loop.HandleCommand(CmdSnapshot{Reply: reply})
	select {
	case snap := <-reply:
		if snap.State != "running" || snap.RunID != "test-run" || snap.Buttons != testButtons {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
		if snap.Watchdog != "armed" {
			t.Fatalf("expected armed watchdog, got %q", snap.Watchdog)
		}
	default:
		t.Fatalf("expected snapshot reply")
	}

	// A reply channel nobody reads must not block the loop.
	f.loop.HandleCommand(CmdSnapshot{Reply: make(chan LoopSnapshot)})

	f.loop.HandleCommand(CmdStop{})
	if f.loop.State() != LoopShuttingDown || f.loop.reason != "stop command" {
		t.Fatalf("expected stop, got %s (%q)", f.loop.State(), f.loop.reason)
	}
}

func TestControlLoop_RunCancelZeroesAndShutsDown(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig(), nil, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	waitUntil(t, time.Second, func() bool { return f.audit.Has("System Initialised") }, "loop did not start")
	f.input.Push(axis(1, 1.0))
	waitUntil(t, time.Second, func() bool { return !approxEqual(f.act.lastDrive(), 0) }, "drive not applied")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for Run to return")
	}

	if f.loop.State() != LoopTerminated {
		t.Fatalf("expected terminated, got %s", f.loop.State())
	}
	if got := f.act.lastDrive(); got != 0 {
		t.Fatalf("expected drive zeroed on exit, got %v", got)
	}
	if !f.input.closed {
		t.Fatalf("expected input closed")
	}
}

func TestControlLoop_RunCancelWhileWaitingForDevice(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig(), nil, true)
	f.opener.failures = -1

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	waitUntil(t, time.Second, func() bool {
		f.opener.mu.Lock()
		defer f.opener.mu.Unlock()
		return f.opener.opens >= 2
	}, "device was not polled")
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for Run to return")
	}

	if f.audit.Has("Joystick found") {
		t.Fatalf("unexpected running transition")
	}
	// Zeroed at INIT and again by the shutdown procedure; nothing else.
	if want := []float64{0, 0}; !reflect.DeepEqual(f.act.drive, want) {
		t.Fatalf("expected drive %v, got %v", want, f.act.drive)
	}
	if len(f.remote.invoked) != 3 {
		t.Fatalf("expected shutdown remote actions, got %v", f.remote.invoked)
	}
}

func TestControlLoop_RunDeviceLossReturnsExitError(t *testing.T) {
	cfg := testLoopConfig()
	cfg.Keepalive = 20 * time.Millisecond
	f := newLoopFixture(t, cfg, nil, true)
	f.input.SetPresent(false)

	done := make(chan error, 1)
	go func() { done <- f.loop.Run(context.Background()) }()

	select {
	case err := <-done:
		var exitErr *LoopExitError
		if !errors.As(err, &exitErr) || exitErr.Reason != reasonDeviceLost {
			t.Fatalf("expected device lost exit, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for Run to return")
	}
}
