package main

import (
	"fmt"

	"github.com/stianeikeland/go-rpio/v4"
)

// gpioStop is a hardware e-stop input. The switch is read on every watchdog tick.
type gpioStop struct {
	pin       rpio.Pin
	activeLow bool
}

// openGPIOStop maps the GPIO registers and configures pin (BCM numbering) as an input.
// Active-low switches get the internal pull-up so an open circuit reads as "run".
func openGPIOStop(pin int, activeLow bool) (*gpioStop, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("invalid gpio pin %d", pin)
	}
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open gpio: %w", err)
	}

	p := rpio.Pin(pin)
	p.Input()
	if activeLow {
		p.PullUp()
	} else {
		p.PullDown()
	}
	return &gpioStop{pin: p, activeLow: activeLow}, nil
}

func (g *gpioStop) StopRequested() bool {
	v := g.pin.Read()
	if g.activeLow {
		return v == rpio.Low
	}
	return v == rpio.High
}

func (g *gpioStop) Close() error {
	return rpio.Close()
}
