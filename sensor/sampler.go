package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
)

const (
	// TicksPerSecond scales elapsed charge time into a reading: one tick is 10µs.
	TicksPerSecond = 100000
	tick           = time.Second / TicksPerSecond

	DefaultSettle  = 100 * time.Millisecond
	DefaultTimeout = time.Second
)

var (
	// ErrNoSignal means the line never read high before the cycle deadline,
	// usually a disconnected capacitor or photoresistor.
	ErrNoSignal = errors.New("sensor: no signal before deadline")

	// ErrInvalidCycles is returned for cycle counts below one.
	ErrInvalidCycles = errors.New("sensor: cycles must be at least 1")
)

// Sampler produces one averaged light reading.
type Sampler interface {
	Sample(ctx context.Context, cycles int) (float64, error)
}

// Mode selects how the charge threshold is detected.
type Mode string

const (
	// ModePoll busy-reads the line until it goes high.
	ModePoll Mode = "poll"
	// ModeEdge arms a rising-edge interrupt and sleeps until it fires.
	ModeEdge Mode = "edge"
)

// RCSampler times the RC charge curve on a GPIO line.
type RCSampler struct {
	line    Line
	mode    Mode
	settle  time.Duration
	timeout time.Duration
	logger  *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an RCSampler.
type Option func(*RCSampler)

// WithMode selects polling or edge detection.
func WithMode(m Mode) Option {
	return func(s *RCSampler) { s.mode = m }
}

// WithSettle sets the pause between cycles.
func WithSettle(d time.Duration) Option {
	return func(s *RCSampler) { s.settle = d }
}

// WithTimeout sets the per-cycle deadline.
func WithTimeout(d time.Duration) Option {
	return func(s *RCSampler) { s.timeout = d }
}

// WithClock replaces the time source and sleep function.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *RCSampler) {
		s.now = now
		s.sleep = sleep
	}
}

// NewRCSampler returns a sampler for line.
func NewRCSampler(line Line, logger *zap.Logger, opts ...Option) *RCSampler {
	s := &RCSampler{
		line:    line,
		mode:    ModePoll,
		settle:  DefaultSettle,
		timeout: DefaultTimeout,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sample runs cycles charge measurements and returns their mean in ticks.
func (s *RCSampler) Sample(ctx context.Context, cycles int) (float64, error) {
	if cycles < 1 {
		return 0, ErrInvalidCycles
	}

	var total float64
	for i := 0; i < cycles; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		elapsed, err := s.cycle()
		if err != nil {
			return 0, fmt.Errorf("cycle %d on %s: %w", i+1, s.line.Name(), err)
		}
		total += float64(elapsed / tick)

		if err := s.sleep(ctx, s.settle); err != nil {
			return 0, err
		}
	}

	reading := total / float64(cycles)
	s.logger.Debug("light sampled",
		zap.String("pin", s.line.Name()),
		zap.Int("cycles", cycles),
		zap.Float64("reading", reading))
	return reading, nil
}

// cycle discharges the capacitor and times how long it takes to charge.
func (s *RCSampler) cycle() (time.Duration, error) {
	if err := s.line.Out(gpio.Low); err != nil {
		return 0, fmt.Errorf("discharge: %w", err)
	}

	edge := gpio.NoEdge
	if s.mode == ModeEdge {
		edge = gpio.RisingEdge
	}

	start := s.now()
	if err := s.line.In(gpio.Float, edge); err != nil {
		return 0, fmt.Errorf("switch to input: %w", err)
	}

	if s.mode == ModeEdge {
		// the line may already be high if the room is very bright
		if s.line.Read() == gpio.High || s.line.WaitForEdge(s.timeout) {
			return s.now().Sub(start), nil
		}
		return 0, ErrNoSignal
	}

	deadline := start.Add(s.timeout)
	for s.line.Read() == gpio.Low {
		if s.now().After(deadline) {
			return 0, ErrNoSignal
		}
	}
	return s.now().Sub(start), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
