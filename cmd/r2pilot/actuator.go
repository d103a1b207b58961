package main

import (
	"errors"
	"fmt"
	"log/slog"
)

// Actuator drives the motors. Values are in [-1, 1].
//
// Implementations must bound every call: a stuck write is reported as an error
// rather than blocking the control loop.
type Actuator interface {
	SetDrive(v float64) error
	SetTurn(v float64) error
	SetDome(v float64) error
	// KeepAlive refreshes the last commands so motor-side timeouts don't fire
	// while the sticks are idle.
	KeepAlive() error
	Close() error
}

// motorActuator routes drive/turn to the drive controller and the dome to the
// dome controller. Both may share one serial link.
type motorActuator struct {
	drive *Sabertooth
	dome  *Sabertooth
	links []*serialLink
}

// OpenMotors opens the serial links and controllers for drive and dome.
// Controllers configured on the same port share the link (packet serial is addressed).
func OpenMotors(drive, dome MotorConfig, logger *slog.Logger) (*motorActuator, error) {
	links := map[string]*serialLink{}
	open := func(cfg MotorConfig) (*serialLink, error) {
		port := ExpandPath(cfg.Port)
		if l, ok := links[port]; ok {
			return l, nil
		}
		l, err := openSerialLink(port, cfg.Baud, cfg.writeTimeout())
		if err != nil {
			return nil, err
		}
		links[port] = l
		return l, nil
	}
	closeAll := func() {
		for _, l := range links {
			_ = l.Close()
		}
	}

	dl, err := open(drive)
	if err != nil {
		return nil, fmt.Errorf("drive: %w", err)
	}
	ml, err := open(dome)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("dome: %w", err)
	}

	m := &motorActuator{}
	for _, l := range links {
		m.links = append(m.links, l)
	}
	if m.drive, err = newSabertooth(dl, drive); err != nil {
		closeAll()
		return nil, fmt.Errorf("drive: %w", err)
	}
	if m.dome, err = newSabertooth(ml, dome); err != nil {
		closeAll()
		return nil, fmt.Errorf("dome: %w", err)
	}
	logger.Info("motor controllers ready",
		"drive_port", drive.Port, "drive_address", drive.Address, "drive_type", drive.Type,
		"dome_port", dome.Port, "dome_address", dome.Address, "dome_type", dome.Type)
	return m, nil
}

func (m *motorActuator) SetDrive(v float64) error { return m.drive.Drive(v) }
func (m *motorActuator) SetTurn(v float64) error  { return m.drive.Turn(v) }
func (m *motorActuator) SetDome(v float64) error  { return m.dome.Drive(v) }

func (m *motorActuator) KeepAlive() error {
	return errors.Join(m.drive.KeepAlive(), m.dome.KeepAlive())
}

func (m *motorActuator) Close() error {
	var errs []error
	for _, l := range m.links {
		errs = append(errs, l.Close())
	}
	return errors.Join(errs...)
}

// dryRunActuator logs motor commands instead of sending them.
type dryRunActuator struct {
	logger *slog.Logger
}

func newDryRunActuator(logger *slog.Logger) *dryRunActuator {
	if logger == nil {
		logger = discardLogger()
	}
	logger.Warn("dry run: motor commands will not be sent")
	return &dryRunActuator{logger: logger}
}

func (d *dryRunActuator) SetDrive(v float64) error {
	d.logger.Debug("dry run", "motor", "drive", "value", v)
	return nil
}

func (d *dryRunActuator) SetTurn(v float64) error {
	d.logger.Debug("dry run", "motor", "turn", "value", v)
	return nil
}

func (d *dryRunActuator) SetDome(v float64) error {
	d.logger.Debug("dry run", "motor", "dome", "value", v)
	return nil
}

func (d *dryRunActuator) KeepAlive() error { return nil }
func (d *dryRunActuator) Close() error     { return nil }
