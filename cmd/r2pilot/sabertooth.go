package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ============================================================================
// Sabertooth / SyRen Packetized Serial
// ============================================================================
// Each command is four bytes: address, command, value (0-127), checksum,
// where checksum = (address + command + value) & 0x7f. A single 0xAA byte
// sent after power-up lets the controllers autodetect the baud rate.
//
// Sabertooth (dual channel) is driven in mixed mode: drive 8/9, turn 10/11.
// SyRen (single channel, used for the dome) takes motor 1 commands 0/1.
// ============================================================================

// ErrActuatorTimeout is returned when a serial write does not complete in time.
var ErrActuatorTimeout = errors.New("actuator write timed out")

// MotorType selects the command set for a controller.
type MotorType string

const (
	MotorSabertooth MotorType = "sabertooth"
	MotorSyren      MotorType = "syren"
)

// stPacket builds one packetized serial command.
func stPacket(address, command, value byte) []byte {
	return []byte{address, command, value, (address + command + value) & 0x7f}
}

// stMagnitude maps |v| in [0, 1] onto 0..127.
func stMagnitude(v float64) byte {
	m := math.Round(math.Abs(v) * stMaxValue)
	if m > stMaxValue {
		m = stMaxValue
	}
	return byte(m)
}

// serialLink serializes writes to one port. Writes go through a single writer
// goroutine so a caller can give up on a stuck write without a second write
// racing it on the wire.
type serialLink struct {
	port    io.WriteCloser
	timeout time.Duration

	reqs chan linkWrite
	quit chan struct{}
	once sync.Once
}

type linkWrite struct {
	p    []byte
	done chan error
}

func openSerialLink(path string, baud int, timeout time.Duration) (*serialLink, error) {
	p, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", path, err)
	}
	return newSerialLink(p, timeout), nil
}

func newSerialLink(port io.WriteCloser, timeout time.Duration) *serialLink {
	if timeout <= 0 {
		timeout = defaultActuatorTimeout
	}
	l := &serialLink{
		port:    port,
		timeout: timeout,
		reqs:    make(chan linkWrite),
		quit:    make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *serialLink) run() {
	for {
		select {
		case <-l.quit:
			return
		case w := <-l.reqs:
			_, err := l.port.Write(w.p)
			w.done <- err
		}
	}
}

// Write sends p, waiting at most the link timeout for the writer to accept and finish it.
func (l *serialLink) Write(p []byte) error {
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	w := linkWrite{p: p, done: make(chan error, 1)}
	select {
	case l.reqs <- w:
	case <-l.quit:
		return io.ErrClosedPipe
	case <-timer.C:
		return ErrActuatorTimeout
	}
	select {
	case err := <-w.done:
		return err
	case <-timer.C:
		return ErrActuatorTimeout
	}
}

func (l *serialLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.quit)
		err = l.port.Close()
	})
	return err
}

// Sabertooth is one addressed controller on a serial link.
type Sabertooth struct {
	link    *serialLink
	address byte
	kind    MotorType

	mu        sync.Mutex
	lastDrive []byte
	lastTurn  []byte
}

func newSabertooth(link *serialLink, cfg MotorConfig) (*Sabertooth, error) {
	s := &Sabertooth{
		link:    link,
		address: byte(cfg.Address),
		kind:    MotorType(cfg.Type),
	}
	if err := link.Write([]byte{sabertoothBaudSync}); err != nil {
		return nil, fmt.Errorf("baud sync: %w", err)
	}
	if cfg.SerialTimeoutMS > 0 {
		// Units of 100 ms; the controller stops its motors if no command arrives in time.
		units := (cfg.SerialTimeoutMS + 99) / 100
		if units > stMaxValue {
			units = stMaxValue
		}
		if err := link.Write(stPacket(s.address, stCmdSerialTimeout, byte(units))); err != nil {
			return nil, fmt.Errorf("set serial timeout: %w", err)
		}
	}
	return s, nil
}

// Drive sets forward/backward speed (Sabertooth mixed mode) or the motor speed (SyRen).
func (s *Sabertooth) Drive(v float64) error {
	fwd, back := byte(stCmdDriveForward), byte(stCmdDriveBackward)
	if s.kind == MotorSyren {
		fwd, back = stCmdMotor1Forward, stCmdMotor1Backward
	}
	cmd := fwd
	if v < 0 {
		cmd = back
	}
	p := stPacket(s.address, cmd, stMagnitude(v))

	s.mu.Lock()
	s.lastDrive = p
	s.mu.Unlock()
	return s.link.Write(p)
}

// Turn sets the turning component in mixed mode. SyRen has no turn channel.
func (s *Sabertooth) Turn(v float64) error {
	if s.kind == MotorSyren {
		return fmt.Errorf("turn not supported by %s at address %d", s.kind, s.address)
	}
	cmd := byte(stCmdTurnRight)
	if v < 0 {
		cmd = stCmdTurnLeft
	}
	p := stPacket(s.address, cmd, stMagnitude(v))

	s.mu.Lock()
	s.lastTurn = p
	s.mu.Unlock()
	return s.link.Write(p)
}

// KeepAlive re-sends the last drive and turn packets.
func (s *Sabertooth) KeepAlive() error {
	s.mu.Lock()
	drive, turn := s.lastDrive, s.lastTurn
	s.mu.Unlock()

	var errs []error
	if drive != nil {
		errs = append(errs, s.link.Write(drive))
	}
	if turn != nil {
		errs = append(errs, s.link.Write(turn))
	}
	return errors.Join(errs...)
}
