package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// AuditSink receives human-readable, timestamped records of everything the
// robot was told to do.
type AuditSink interface {
	Recordf(format string, args ...any)
}

// criticalRecorder is implemented by sinks that can wait briefly for room
// instead of dropping.
type criticalRecorder interface {
	RecordCritical(timeout time.Duration, format string, args ...any) bool
}

// auditTimeLayout matches the historical controller log format.
const auditTimeLayout = "2006-01-02 15:04:05"

type auditRecord struct {
	at   time.Time
	text string
}

// AuditLog is an append-only record file. Recordf never blocks: records are
// queued to a writer goroutine and dropped (and counted) when the queue is full.
type AuditLog struct {
	w       io.Writer
	closer  io.Closer
	records chan auditRecord
	done    chan struct{}
	now     func() time.Time

	closeOnce sync.Once
	mu        sync.RWMutex // guards closed against concurrent Recordf
	closed    bool

	dropped atomic.Uint64
	werr    atomic.Value // last write error
}

// OpenAuditLog opens (or creates) path for appending.
func OpenAuditLog(path string, buffer int) (*AuditLog, error) {
	path = ExpandPath(path)
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a := NewAuditLog(f, buffer)
	a.closer = f
	return a, nil
}

// NewAuditLog writes records to w.
func NewAuditLog(w io.Writer, buffer int) *AuditLog {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AuditLog{
		w:       w,
		records: make(chan auditRecord, buffer),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go a.run()
	return a
}

// Recordf queues one record stamped with the current time.
func (a *AuditLog) Recordf(format string, args ...any) {
	rec := auditRecord{at: a.now(), text: fmt.Sprintf(format, args...)}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.records <- rec:
	default:
		a.dropped.Add(1)
	}
}

// RecordCritical queues a record that must not be lost to a momentarily full
// queue. It waits up to timeout for room and reports whether the record was queued.
func (a *AuditLog) RecordCritical(timeout time.Duration, format string, args ...any) bool {
	rec := auditRecord{at: a.now(), text: fmt.Sprintf(format, args...)}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return false
	}
	select {
	case a.records <- rec:
		return true
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case a.records <- rec:
		return true
	case <-t.C:
		a.dropped.Add(1)
		return false
	}
}

// Dropped is the number of records lost to a full queue or a closed log.
func (a *AuditLog) Dropped() uint64 { return a.dropped.Load() }

// Err returns the last write error, if any.
func (a *AuditLog) Err() error {
	if v := a.werr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (a *AuditLog) run() {
	defer close(a.done)

	bw := bufio.NewWriter(a.w)
	for rec := range a.records {
		line := rec.at.Format(auditTimeLayout) + " : " + rec.text + "\n"
		if _, err := bw.WriteString(line); err != nil {
			a.werr.Store(err)
			continue
		}
		// Flush once the queue is drained so a crash loses as little as possible.
		if len(a.records) == 0 {
			if err := bw.Flush(); err != nil {
				a.werr.Store(err)
			}
		}
	}
	if err := bw.Flush(); err != nil {
		a.werr.Store(err)
	}
}

// Close drains queued records, syncs and closes the underlying file.
func (a *AuditLog) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.records)
		a.mu.Unlock()

		<-a.done

		if f, ok := a.closer.(*os.File); ok {
			_ = f.Sync()
		}
		if a.closer != nil {
			err = a.closer.Close()
		}
		if err == nil {
			err = a.Err()
		}
	})
	return err
}
