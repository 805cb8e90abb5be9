// Package sensor measures ambient light with a photoresistor and a small
// capacitor on a single GPIO line.
//
// The circuit charges the capacitor through the photoresistor from 3.3V. The
// line is driven low to empty the capacitor, then switched to input; the time
// until it reads high is proportional to the photoresistor's resistance, so
// darker rooms give larger readings.
package sensor

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Line is the part of a GPIO pin the sampler drives. periph's gpio.PinIO
// satisfies it.
type Line interface {
	Name() string
	Out(l gpio.Level) error
	In(pull gpio.Pull, edge gpio.Edge) error
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
	Halt() error
}

var hostInit = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

// OpenPin loads the periph host drivers once and resolves name, which may be
// a BCM name ("GPIO4"), a bare number ("4") or a CircuitPython-style board
// name ("D4").
func OpenPin(name string) (Line, error) {
	if err := hostInit(); err != nil {
		return nil, errors.Wrap(err, "failed to initialise GPIO host drivers")
	}

	pin := gpioreg.ByName(PinName(name))
	if pin == nil {
		return nil, errors.Errorf("GPIO pin %q not found", name)
	}
	return pin, nil
}

// PinName maps "D4" to "GPIO4" and leaves other names alone.
func PinName(name string) string {
	name = strings.TrimSpace(name)
	if len(name) > 1 && (name[0] == 'D' || name[0] == 'd') {
		if _, err := strconv.Atoi(name[1:]); err == nil {
			return "GPIO" + name[1:]
		}
	}
	return name
}

// Release halts the line so other processes can claim it.
func Release(line Line) error {
	if line == nil {
		return nil
	}
	if err := line.Out(gpio.Low); err != nil {
		return errors.Wrapf(err, "failed to discharge %s", line.Name())
	}
	return errors.Wrapf(line.Halt(), "failed to halt %s", line.Name())
}
