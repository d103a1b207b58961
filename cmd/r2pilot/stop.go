package main

import (
	"errors"
	"os"
)

// StopSignal is an external request to stop the robot, polled on watchdog ticks.
type StopSignal interface {
	StopRequested() bool
}

// markerFile requests a stop while a file exists at path.
type markerFile struct {
	path string
}

func (m markerFile) StopRequested() bool {
	if m.path == "" {
		return false
	}
	_, err := os.Stat(m.path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// anyStop requests a stop when any of its signals does.
type anyStop []StopSignal

func (a anyStop) StopRequested() bool {
	for _, s := range a {
		if s != nil && s.StopRequested() {
			return true
		}
	}
	return false
}
