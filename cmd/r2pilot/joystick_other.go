//go:build !linux

package main

import (
	"fmt"
	"log/slog"
	"runtime"
)

// JoystickOpener is only implemented on Linux.
type JoystickOpener struct {
	Path    string
	Buttons int
	Logger  *slog.Logger
}

func (o JoystickOpener) Open() (InputSource, error) {
	return nil, fmt.Errorf("joystick input is not supported on %s", runtime.GOOS)
}
