// Package monitor runs the sample, classify, notify cycle.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mjasion/balena-home/office-status/notifier"
	"github.com/mjasion/balena-home/office-status/occupancy"
	"github.com/mjasion/balena-home/office-status/pkg/buffer"
	"github.com/mjasion/balena-home/office-status/pkg/telemetry"
	"github.com/mjasion/balena-home/office-status/pkg/types"
	"github.com/mjasion/balena-home/office-status/sensor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Notifier delivers the status message.
type Notifier interface {
	Notify(ctx context.Context, content string) error
	Halted() bool
}

// Publisher receives every occupancy transition.
type Publisher interface {
	Publish(ctx context.Context, r types.OccupancyReading) error
}

// Recorder receives loop measurements.
type Recorder interface {
	ObserveSample(reading float64, occupied bool, darkpoint float64, took time.Duration)
	ObserveSampleError()
	ObserveNotification(result string)
}

// Notification results passed to Recorder.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
	ResultHalted    = "halted"
)

// Config holds loop settings.
type Config struct {
	Pin       string
	Cycles    int
	Darkpoint float64
	Sleep     time.Duration
	Prefix    string
	Simulated bool
}

// Sample is one classified reading.
type Sample struct {
	Timestamp time.Time
	Reading   float64
	Occupied  bool
}

// Status is a snapshot for health reporting.
type Status struct {
	LastSample     time.Time
	LastReading    float64
	Occupied       bool
	Known          bool
	LastError      string
	Notifications  int
	NotifierHalted bool
	SleepInterval  time.Duration
}

// Loop samples the sensor and keeps the status message in step with it.
type Loop struct {
	cfg       Config
	sampler   sensor.Sampler
	notifier  Notifier
	publisher Publisher
	recorder  Recorder
	readings  *buffer.RingBuffer[*types.Reading]
	logger    *zap.Logger
	tracer    trace.Tracer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	tracker occupancy.Tracker

	mu     sync.RWMutex
	status Status
	// set while the current state has not been delivered
	pending bool
}

// Option configures a Loop.
type Option func(*Loop)

// WithPublisher sends transitions to p as well as the notifier.
func WithPublisher(p Publisher) Option {
	return func(l *Loop) { l.publisher = p }
}

// WithRecorder reports samples and notification results to r.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) { l.recorder = r }
}

// WithBuffer stores every reading in buf for remote_write.
func WithBuffer(buf *buffer.RingBuffer[*types.Reading]) Option {
	return func(l *Loop) { l.readings = buf }
}

// WithClock replaces the time source and the sleep between iterations.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loop) {
		l.now = now
		l.sleep = sleep
	}
}

// New returns a loop. notifier may be nil for sample-only use.
func New(cfg Config, sampler sensor.Sampler, n Notifier, logger *zap.Logger, opts ...Option) *Loop {
	l := &Loop{
		cfg:      cfg,
		sampler:  sampler,
		notifier: n,
		logger:   logger,
		tracer:   otel.Tracer("github.com/mjasion/balena-home/office-status/monitor"),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.status.SleepInterval = cfg.Sleep
	return l
}

// SampleOnce takes and classifies one reading without notifying.
func (l *Loop) SampleOnce(ctx context.Context) (Sample, error) {
	ctx, span := l.tracer.Start(ctx, "monitor.sample",
		trace.WithAttributes(attribute.Int("sensor.cycles", l.cfg.Cycles)))
	defer span.End()

	start := l.now()
	reading, err := l.sampler.Sample(ctx, l.cfg.Cycles)
	took := l.now().Sub(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if l.recorder != nil {
			l.recorder.ObserveSampleError()
		}
		l.mu.Lock()
		l.status.LastError = err.Error()
		l.mu.Unlock()
		return Sample{}, err
	}

	s := Sample{
		Timestamp: l.now(),
		Reading:   reading,
		Occupied:  occupancy.Classify(reading, l.cfg.Darkpoint),
	}
	span.SetAttributes(
		attribute.Float64("sensor.reading", s.Reading),
		attribute.Bool("occupancy.occupied", s.Occupied))

	if l.recorder != nil {
		l.recorder.ObserveSample(s.Reading, s.Occupied, l.cfg.Darkpoint, took)
	}
	if l.readings != nil {
		l.readings.Add(&types.Reading{
			Type: types.ReadingTypeLight,
			Light: &types.LightReading{
				Timestamp: s.Timestamp,
				Pin:       l.cfg.Pin,
				Value:     s.Reading,
				Cycles:    l.cfg.Cycles,
				Simulated: l.cfg.Simulated,
			},
		})
	}

	l.mu.Lock()
	l.status.LastSample = s.Timestamp
	l.status.LastReading = s.Reading
	l.status.LastError = ""
	l.mu.Unlock()

	telemetry.DebugWithTrace(ctx, l.logger, "Light sampled",
		zap.Float64("reading", s.Reading),
		zap.Bool("occupied", s.Occupied),
		zap.Duration("took", took))
	return s, nil
}

// RunOnce samples, and on a state change notifies and publishes. The first
// observation counts as a change. It reports whether a notification was
// attempted.
func (l *Loop) RunOnce(ctx context.Context) (bool, error) {
	s, err := l.SampleOnce(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to sample light level: %w", err)
	}

	changed := l.tracker.Observe(s.Occupied)

	l.mu.Lock()
	l.status.Occupied = s.Occupied
	l.status.Known = true
	l.mu.Unlock()

	if l.readings != nil {
		l.readings.Add(&types.Reading{
			Type: types.ReadingTypeOccupancy,
			Occupancy: &types.OccupancyReading{
				Timestamp: s.Timestamp,
				Occupied:  s.Occupied,
				Reading:   s.Reading,
				Darkpoint: l.cfg.Darkpoint,
				Changed:   changed,
			},
		})
	}

	if !changed {
		if !l.hasPending() {
			return false, nil
		}
		l.logger.Info("Retrying undelivered status", zap.Bool("occupied", s.Occupied))
		if err := l.notify(ctx, s.Occupied); err != nil {
			return false, err
		}
		return true, nil
	}

	l.logger.Info("Occupancy changed",
		zap.Bool("occupied", s.Occupied),
		zap.Float64("reading", s.Reading),
		zap.Float64("darkpoint", l.cfg.Darkpoint))

	if l.publisher != nil {
		event := types.OccupancyReading{Timestamp: s.Timestamp, Occupied: s.Occupied, Reading: s.Reading, Darkpoint: l.cfg.Darkpoint, Changed: true}
		if err := l.publisher.Publish(ctx, event); err != nil {
			l.logger.Warn("Failed to publish occupancy", zap.Error(err))
		}
	}

	if err := l.notify(ctx, s.Occupied); err != nil {
		return false, err
	}
	return true, nil
}

// notify sends the status. Delivery failures are logged and swallowed, and
// the status stays pending so the next sample retries it. Only a halted
// notifier or a cancelled context is returned.
func (l *Loop) notify(ctx context.Context, on bool) error {
	if l.notifier == nil {
		return nil
	}

	content := occupancy.FormatStatus(l.cfg.Prefix, on)
	err := l.notifier.Notify(ctx, content)

	var derr *notifier.DeliveryError
	switch {
	case err == nil:
		l.observeNotification(ResultDelivered)
		l.mu.Lock()
		l.status.Notifications++
		l.pending = false
		l.mu.Unlock()
		return nil
	case errors.Is(err, notifier.ErrHalted):
		l.observeNotification(ResultHalted)
		l.markHalted()
		return err
	case errors.As(err, &derr):
		l.observeNotification(ResultFailed)
		l.mu.Lock()
		l.pending = true
		l.mu.Unlock()
		l.logger.Warn("Status notification failed, will retry on next sample",
			zap.String("kind", derr.Kind.String()),
			zap.Error(err))
		if l.notifier.Halted() {
			l.markHalted()
			return fmt.Errorf("%w: last error: %v", notifier.ErrHalted, err)
		}
		return nil
	default:
		return err
	}
}

func (l *Loop) hasPending() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pending
}

func (l *Loop) observeNotification(result string) {
	if l.recorder != nil {
		l.recorder.ObserveNotification(result)
	}
}

func (l *Loop) markHalted() {
	l.mu.Lock()
	l.status.NotifierHalted = true
	l.mu.Unlock()
}

// Run calls RunOnce every Sleep until ctx is cancelled. Sensor errors and a
// halted notifier end the loop; delivery failures do not.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("Starting monitor loop",
		zap.String("pin", l.cfg.Pin),
		zap.Int("cycles", l.cfg.Cycles),
		zap.Float64("darkpoint", l.cfg.Darkpoint),
		zap.Duration("sleep", l.cfg.Sleep))

	for {
		if _, err := l.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := l.sleep(ctx, l.cfg.Sleep); err != nil {
			l.logger.Info("Monitor loop stopped")
			return nil
		}
	}
}

// Refresh re-sends the current status so the message is restored if someone
// edited it. It does nothing before the first sample.
func (l *Loop) Refresh(ctx context.Context) error {
	on, ok := l.tracker.Current()
	if !ok {
		return nil
	}
	l.logger.Debug("Refreshing status message", zap.Bool("occupied", on))
	return l.notify(ctx, on)
}

// Status returns a snapshot of the loop state.
func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := l.status
	if l.notifier != nil && l.notifier.Halted() {
		st.NotifierHalted = true
	}
	return st
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
