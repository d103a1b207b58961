package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// shutdownAuditWait bounds how long the final audit record waits for queue room.
const shutdownAuditWait = time.Second

// ShutdownConfig names the remote actions performed on the way down.
type ShutdownConfig struct {
	Name         string
	DisableDrive string
	DisableDome  string
	Alert        string
}

// ShutdownProcedure brings the robot to a safe state. It runs at most once per
// process; later calls return immediately.
//
// Order: motors to zero, disable drive, disable dome, alert sound, audit record.
// Every step is attempted even if an earlier one failed.
type ShutdownProcedure struct {
	cfg      ShutdownConfig
	actuator Actuator
	remote   RemoteActions
	audit    AuditSink
	logger   *slog.Logger

	once sync.Once
	done chan struct{}
}

func NewShutdownProcedure(cfg ShutdownConfig, actuator Actuator, remote RemoteActions, audit AuditSink, logger *slog.Logger) *ShutdownProcedure {
	if cfg.Name == "" {
		cfg.Name = "r2pilot"
	}
	if remote == nil {
		remote = nopRemote{}
	}
	if audit == nil {
		audit = nopAudit{}
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &ShutdownProcedure{
		cfg:      cfg,
		actuator: actuator,
		remote:   remote,
		audit:    audit,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Run executes the procedure and reports whether this call was the one that ran it.
// ctx cancellation does not abort the remote steps; each is bounded by the
// remote timeout instead.
func (s *ShutdownProcedure) Run(ctx context.Context, reason string) bool {
	ran := false
	s.once.Do(func() {
		ran = true
		defer close(s.done)
		s.run(context.WithoutCancel(ctx), reason)
	})
	return ran
}

// Done is closed once the procedure has completed.
func (s *ShutdownProcedure) Done() <-chan struct{} { return s.done }

func (s *ShutdownProcedure) run(ctx context.Context, reason string) {
	s.logger.Info("shutdown procedure starting", "reason", reason)

	if s.actuator != nil {
		if err := s.actuator.SetDrive(0); err != nil {
			s.logger.Error("shutdown: zero drive failed", "error", err)
		}
		if err := s.actuator.SetTurn(0); err != nil {
			s.logger.Error("shutdown: zero turn failed", "error", err)
		}
		if err := s.actuator.SetDome(0); err != nil {
			s.logger.Error("shutdown: zero dome failed", "error", err)
		}
	}

	for _, path := range []string{s.cfg.DisableDrive, s.cfg.DisableDome, s.cfg.Alert} {
		if path == "" {
			continue
		}
		s.remote.Invoke(ctx, path)
	}

	const format = "****** %s Shutdown ****** : %s"
	if cr, ok := s.audit.(criticalRecorder); ok {
		if !cr.RecordCritical(shutdownAuditWait, format, s.cfg.Name, reason) {
			s.logger.Error("shutdown: audit record dropped", "reason", reason)
		}
	} else {
		s.audit.Recordf(format, s.cfg.Name, reason)
	}
	s.logger.Info("shutdown procedure complete", "reason", reason)
}
