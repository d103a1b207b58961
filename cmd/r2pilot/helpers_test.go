package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}

func approxEqual(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// callLog is shared by fakes so tests can assert ordering across them.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf(format, args...))
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// fakeInput is an InputSource fed by the test.
type fakeInput struct {
	mu      sync.Mutex
	queue   []InputEvent
	err     error
	present bool
	buttons int
	closed  bool
}

func newFakeInput(buttons int) *fakeInput {
	return &fakeInput{present: true, buttons: buttons}
}

func (f *fakeInput) Push(evs ...InputEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, evs...)
}

func (f *fakeInput) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeInput) SetPresent(p bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present = p
}

func (f *fakeInput) PollEvents(max int) ([]InputEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, f.err
	}
	n := len(f.queue)
	if n > max {
		n = max
	}
	out := append([]InputEvent(nil), f.queue[:n]...)
	f.queue = f.queue[n:]
	return out, nil
}

func (f *fakeInput) Present() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present
}

func (f *fakeInput) Buttons() int { return f.buttons }

func (f *fakeInput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeOpener fails `failures` times before handing out src.
type fakeOpener struct {
	mu       sync.Mutex
	src      *fakeInput
	failures int // < 0 fails forever
	opens    int
}

func (o *fakeOpener) Open() (InputSource, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if o.failures != 0 {
		if o.failures > 0 {
			o.failures--
		}
		return nil, errors.New("no such device")
	}
	return o.src, nil
}

// recordingActuator logs every motor command.
type recordingActuator struct {
	log        *callLog
	mu         sync.Mutex
	drive      []float64
	turn       []float64
	dome       []float64
	keepalives int
	failAll    error
}

func newRecordingActuator(log *callLog) *recordingActuator {
	if log == nil {
		log = &callLog{}
	}
	return &recordingActuator{log: log}
}

func (a *recordingActuator) SetDrive(v float64) error {
	a.mu.Lock()
	a.drive = append(a.drive, v)
	a.mu.Unlock()
	a.log.add("drive:%g", v)
	return a.failAll
}

func (a *recordingActuator) SetTurn(v float64) error {
	a.mu.Lock()
	a.turn = append(a.turn, v)
	a.mu.Unlock()
	a.log.add("turn:%g", v)
	return a.failAll
}

func (a *recordingActuator) SetDome(v float64) error {
	a.mu.Lock()
	a.dome = append(a.dome, v)
	a.mu.Unlock()
	a.log.add("dome:%g", v)
	return a.failAll
}

func (a *recordingActuator) KeepAlive() error {
	a.mu.Lock()
	a.keepalives++
	a.mu.Unlock()
	return a.failAll
}

func (a *recordingActuator) Close() error { return nil }

func (a *recordingActuator) lastDrive() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.drive) == 0 {
		return 0
	}
	return a.drive[len(a.drive)-1]
}

// recordingRemote logs dispatched and invoked actions.
type recordingRemote struct {
	log *callLog
	mu  sync.Mutex

	dispatched []string
	invoked    []string
}

func newRecordingRemote(log *callLog) *recordingRemote {
	if log == nil {
		log = &callLog{}
	}
	return &recordingRemote{log: log}
}

func (r *recordingRemote) Dispatch(path string) {
	if path == "" {
		return
	}
	r.mu.Lock()
	r.dispatched = append(r.dispatched, path)
	r.mu.Unlock()
	r.log.add("dispatch:%s", path)
}

func (r *recordingRemote) Invoke(_ context.Context, path string) bool {
	r.mu.Lock()
	r.invoked = append(r.invoked, path)
	r.mu.Unlock()
	r.log.add("invoke:%s", path)
	return true
}

func (r *recordingRemote) Dispatched() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.dispatched...)
}

// fakeAudit keeps formatted records in memory.
type fakeAudit struct {
	log     *callLog
	mu      sync.Mutex
	records []string
}

func (a *fakeAudit) Recordf(format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	a.mu.Lock()
	a.records = append(a.records, s)
	a.mu.Unlock()
	if a.log != nil {
		a.log.add("audit:%s", s)
	}
}

func (a *fakeAudit) Records() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.records...)
}

func (a *fakeAudit) Has(s string) bool {
	for _, r := range a.Records() {
		if r == s {
			return true
		}
	}
	return false
}

// stopFlag is a StopSignal toggled by the test.
type stopFlag struct {
	mu  sync.Mutex
	set bool
}

func (s *stopFlag) Set() {
	s.mu.Lock()
	s.set = true
	s.mu.Unlock()
}

func (s *stopFlag) StopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}
