// Package calibration derives a darkpoint from one reading with the lights
// off and one with them on.
package calibration

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mjasion/balena-home/office-status/sensor"
	"go.uber.org/zap"
)

// ErrZeroDarkReading means the dark reading was zero, which only happens when
// the line is already high: the circuit is miswired or the capacitor missing.
var ErrZeroDarkReading = errors.New("calibration: dark reading is zero, check the sensor wiring")

// Prompter asks the operator to prepare the room and waits for confirmation.
type Prompter interface {
	Prompt(ctx context.Context, message string) error
}

// Result is the outcome of a calibration run.
type Result struct {
	Dark      float64
	Light     float64
	Darkpoint float64
}

// Wizard runs the two-step calibration.
type Wizard struct {
	Sampler  sensor.Sampler
	Cycles   int
	Prompter Prompter
	Logger   *zap.Logger
}

// Run samples the room dark, then lit, and returns the midpoint.
func (w *Wizard) Run(ctx context.Context) (Result, error) {
	logger := w.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var res Result
	if err := w.Prompter.Prompt(ctx, "Turn the lights OFF and press Enter"); err != nil {
		return res, err
	}
	dark, err := w.Sampler.Sample(ctx, w.Cycles)
	if err != nil {
		return res, fmt.Errorf("dark reading: %w", err)
	}
	if dark == 0 {
		return res, ErrZeroDarkReading
	}
	res.Dark = dark
	logger.Info("Dark reading taken", zap.Float64("reading", dark))

	if err := w.Prompter.Prompt(ctx, "Turn the lights ON and press Enter"); err != nil {
		return res, err
	}
	light, err := w.Sampler.Sample(ctx, w.Cycles)
	if err != nil {
		return res, fmt.Errorf("light reading: %w", err)
	}
	res.Light = light
	res.Darkpoint = (dark + light) / 2

	if light >= dark {
		logger.Warn("Light reading is not brighter than dark reading",
			zap.Float64("dark", dark), zap.Float64("light", light))
	}
	logger.Info("Calibration finished",
		zap.Float64("dark", dark),
		zap.Float64("light", light),
		zap.Float64("darkpoint", res.Darkpoint))
	return res, nil
}

// LinePrompter writes prompts to out and waits for a line on in. One
// goroutine owns in for the prompter's lifetime.
type LinePrompter struct {
	in    io.Reader
	out   io.Writer
	once  sync.Once
	lines chan error
}

// NewLinePrompter prompts on out and waits for a line from in.
func NewLinePrompter(in io.Reader, out io.Writer) *LinePrompter {
	return &LinePrompter{in: in, out: out, lines: make(chan error)}
}

func (p *LinePrompter) read() {
	scanner := bufio.NewScanner(p.in)
	for scanner.Scan() {
		p.lines <- nil
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	for {
		p.lines <- err
	}
}

func (p *LinePrompter) Prompt(ctx context.Context, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fmt.Fprintf(p.out, "%s: ", message)
	p.once.Do(func() { go p.read() })

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-p.lines:
		return err
	}
}
