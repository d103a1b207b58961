//go:build linux

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// JoystickOpener opens a Linux joystick device (/dev/input/jsN).
type JoystickOpener struct {
	Path string
	// Buttons overrides the ioctl-reported button count when > 0.
	Buttons int
	Logger  *slog.Logger
}

func (o JoystickOpener) Open() (InputSource, error) {
	logger := o.Logger
	if logger == nil {
		logger = discardLogger()
	}
	f, err := os.OpenFile(o.Path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open joystick: %w", err)
	}
	// Fd switches the descriptor back to blocking mode; the reader relies on EAGAIN.
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		f.Close()
		return nil, fmt.Errorf("set nonblocking %s: %w", o.Path, err)
	}

	buttons := o.Buttons
	if buttons <= 0 {
		n, err := unix.IoctlGetUint32(fd, jsIOCGBUTTONS)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("JSIOCGBUTTONS %s: %w", o.Path, err)
		}
		buttons = int(n & 0xff)
	}
	axes, err := unix.IoctlGetUint32(fd, jsIOCGAXES)
	if err != nil {
		logger.Warn("could not read axis count", "device", o.Path, "error", err)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(epfd)
		f.Close()
		return nil, fmt.Errorf("epoll_ctl_add fd=%d: %w", fd, err)
	}

	js := &joystick{
		path:    o.Path,
		f:       f,
		fd:      fd,
		epfd:    epfd,
		buttons: buttons,
		events:  make(chan InputEvent, 256),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		logger:  logger,
	}
	go js.readLoop()

	logger.Info("joystick opened", "device", o.Path, "buttons", buttons, "axes", axes&0xff)
	return js, nil
}

// joystick reads js_event records on a dedicated goroutine using epoll and
// hands them to the loop through a buffered channel.
type joystick struct {
	path    string
	f       *os.File
	fd      int
	epfd    int
	buttons int

	events chan InputEvent
	done   chan struct{}
	exited chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	readErr error // sticky; reported once the queue has drained

	closeOnce sync.Once
}

// epollTimeoutMS bounds how long the reader waits before rechecking done.
const epollTimeoutMS = 100

func (j *joystick) readLoop() {
	defer close(j.exited)

	epollEvents := make([]unix.EpollEvent, 1)
	buf := make([]byte, jsEventSize*32)

	for {
		select {
		case <-j.done:
			return
		default:
		}

		n, err := unix.EpollWait(j.epfd, epollEvents, epollTimeoutMS)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			j.fail(fmt.Errorf("epoll_wait: %w", err))
			return
		}
		if n == 0 {
			continue
		}
		if epollEvents[0].Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			j.fail(fmt.Errorf("device error/hangup: %s", j.path))
			return
		}

		// Drain everything that is readable; the fd is non-blocking.
		for {
			r, err := unix.Read(j.fd, buf)
			if err != nil {
				if errors.Is(err, unix.EAGAIN) || errors.Is(err, syscall.EINTR) {
					break
				}
				j.fail(fmt.Errorf("read from %s: %w", j.path, err))
				return
			}
			if r == 0 {
				j.fail(fmt.Errorf("read from %s: end of file", j.path))
				return
			}
			for off := 0; off+jsEventSize <= r; off += jsEventSize {
				ie, ok := decodeJSEvent(buf[off : off+jsEventSize]).toInputEvent()
				if !ok {
					continue
				}
				select {
				case j.events <- ie:
				case <-j.done:
					return
				}
			}
		}
	}
}

func (j *joystick) fail(err error) {
	j.mu.Lock()
	if j.readErr == nil {
		j.readErr = err
	}
	j.mu.Unlock()
}

// PollEvents returns up to max queued events. A read failure is reported only
// after the events that preceded it have been delivered.
func (j *joystick) PollEvents(max int) ([]InputEvent, error) {
	if max <= 0 {
		max = defaultMaxBatch
	}
	var out []InputEvent
drain:
	for len(out) < max {
		select {
		case ev := <-j.events:
			out = append(out, ev)
		default:
			break drain
		}
	}
	if len(out) > 0 {
		return out, nil
	}

	select {
	case <-j.done:
		return nil, errInputClosed
	default:
	}
	j.mu.Lock()
	err := j.readErr
	j.mu.Unlock()
	return nil, err
}

func (j *joystick) Present() bool {
	return unix.Access(j.path, unix.F_OK) == nil
}

func (j *joystick) Buttons() int { return j.buttons }

func (j *joystick) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.done)
		<-j.exited
		unix.Close(j.epfd)
		err = j.f.Close()
	})
	return err
}
