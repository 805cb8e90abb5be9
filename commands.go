package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mjasion/balena-home/office-status/broker"
	"github.com/mjasion/balena-home/office-status/calibration"
	"github.com/mjasion/balena-home/office-status/config"
	"github.com/mjasion/balena-home/office-status/metrics"
	"github.com/mjasion/balena-home/office-status/monitor"
	"github.com/mjasion/balena-home/office-status/notifier"
	"github.com/mjasion/balena-home/office-status/occupancy"
	"github.com/mjasion/balena-home/office-status/pkg/buffer"
	pkgmetrics "github.com/mjasion/balena-home/office-status/pkg/metrics"
	"github.com/mjasion/balena-home/office-status/pkg/profiling"
	"github.com/mjasion/balena-home/office-status/pkg/telemetry"
	"github.com/mjasion/balena-home/office-status/pkg/types"
	"github.com/mjasion/balena-home/office-status/sensor"
	"github.com/mjasion/balena-home/office-status/state"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

type app struct {
	cfg    *config.Config
	logger *zap.Logger
	opts   *options
	out    io.Writer

	// replaced in tests
	openSampler func() (sensor.Sampler, func(), error)
	prompter    calibration.Prompter
}

func (a *app) dispatch(ctx context.Context, command string) error {
	switch command {
	case "run":
		return a.runMonitor(ctx)
	case "test":
		return a.runTest(ctx)
	case "calibrate":
		return a.runCalibrate(ctx)
	case "watch":
		return a.runWatch(ctx)
	case "graph":
		return a.runGraph(ctx)
	case "reset-errors":
		return a.resetErrors(ctx)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// sampler opens the configured light source. The returned func releases the
// pin and must always be called.
func (a *app) sampler() (sensor.Sampler, func(), error) {
	if a.openSampler != nil {
		return a.openSampler()
	}

	if a.cfg.Simulate {
		a.logger.Info("Using simulated light sensor")
		return sensor.NewSimulated(uint64(time.Now().UnixNano())), func() {}, nil
	}

	line, err := sensor.OpenPin(a.cfg.Pin.String())
	if err != nil {
		return nil, nil, err
	}
	a.logger.Info("GPIO pin opened", zap.String("pin", line.Name()), zap.String("mode", a.cfg.Mode))

	s := sensor.NewRCSampler(line, a.logger,
		sensor.WithMode(sensor.Mode(a.cfg.Mode)),
		sensor.WithSettle(a.cfg.Settle()),
		sensor.WithTimeout(a.cfg.SampleTimeout()))

	release := func() {
		if err := sensor.Release(line); err != nil {
			a.logger.Warn("Failed to release GPIO pin", zap.Error(err))
			return
		}
		a.logger.Info("GPIO pin released", zap.String("pin", line.Name()))
	}
	return s, release, nil
}

func (a *app) loopConfig() monitor.Config {
	return monitor.Config{
		Pin:       a.cfg.Pin.String(),
		Cycles:    a.cfg.Cycles,
		Darkpoint: a.cfg.Blackpoint,
		Sleep:     a.cfg.Sleep(),
		Prefix:    a.cfg.MessagePrefix,
		Simulated: a.cfg.Simulate,
	}
}

// newNotifier builds the webhook notifier. A simulated notifier keeps its
// state in memory and ignores the configured message id.
func (a *app) newNotifier(ctx context.Context, simulated bool) (*notifier.Notifier, error) {
	if a.cfg.Webhook == "" {
		return nil, errors.New("webhook is not configured")
	}
	var store state.Store = state.NewFileStore(a.cfg.StateFile)
	seed := a.cfg.MessageID.String()
	if simulated {
		// the hardware deployment owns the state file and its message
		a.logger.Warn("Simulated run posts a separate message to the live webhook; state is kept in memory",
			zap.String("stateFile", a.cfg.StateFile))
		store = state.NewMemoryStore(state.Runtime{})
		seed = ""
	}
	return notifier.New(ctx, notifier.Config{
		WebhookURL:    a.cfg.Webhook,
		Username:      a.cfg.Bot.Username,
		AvatarURL:     a.cfg.Bot.AvatarURL,
		MaxErrors:     a.cfg.MaxErrors,
		Timeout:       a.cfg.RequestTimeout(),
		SeedMessageID: seed,
	}, store, a.logger)
}

// runMonitor is the long-running service.
func (a *app) runMonitor(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	if cfg.Webhook == "" {
		return errors.New("webhook is not configured")
	}
	cfg.PrintConfig(logger)
	logger.Debug("Full configuration", zap.Any("config", cfg.Redacted()))

	// Initialize Pyroscope profiling
	profiler, err := profiling.Start(&cfg.Profiling, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize profiler: %w", err)
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			logger.Error("Error shutting down profiler", zap.Error(err))
		}
	}()

	// Initialize OpenTelemetry providers
	otelProviders, err := telemetry.InitProviders(ctx, &cfg.OpenTelemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry providers: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = otelProviders.Shutdown(shutdownCtx)
	}()

	n, err := a.newNotifier(ctx, cfg.Simulate)
	if err != nil {
		return err
	}

	sampler, release, err := a.sampler()
	if err != nil {
		return err
	}
	defer release()

	collector := metrics.NewCollector()
	loopOpts := []monitor.Option{monitor.WithRecorder(collector)}

	var (
		buf    *buffer.RingBuffer[*types.Reading]
		pusher *pkgmetrics.Pusher
	)
	if cfg.Prometheus.URL != "" {
		buf = buffer.New[*types.Reading](cfg.Prometheus.BufferSize, logger)
		pusher = pkgmetrics.New(pkgmetrics.Config{
			URL:               cfg.Prometheus.URL,
			Username:          cfg.Prometheus.Username,
			Password:          cfg.Prometheus.Password,
			PushInterval:      time.Duration(cfg.Prometheus.PushIntervalSeconds) * time.Second,
			BatchSize:         cfg.Prometheus.BufferSize,
			TimeSeriesBuilder: pkgmetrics.CombineBuilders(pkgmetrics.BuildLightTimeSeries, pkgmetrics.BuildOccupancyTimeSeries),
		}, buf, logger)
		loopOpts = append(loopOpts, monitor.WithBuffer(buf))
	}

	if cfg.MQTT.Broker != "" {
		pub, err := broker.Connect(ctx, broker.Config{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			Topic:          cfg.MQTT.Topic,
			QoS:            byte(cfg.MQTT.QoS),
			ConnectTimeout: time.Duration(cfg.MQTT.ConnectTimeoutSeconds) * time.Second,
		}, logger)
		if err != nil {
			// occupancy publishing is optional; the webhook is the primary output
			logger.Error("MQTT disabled", zap.Error(err))
		} else {
			defer pub.Close()
			loopOpts = append(loopOpts, monitor.WithPublisher(pub))
		}
	}

	loop := monitor.New(a.loopConfig(), sampler, n, logger, loopOpts...)

	if !cfg.DisableHealthCheck {
		healthChecker := metrics.NewHealthChecker(loop, buf, pusher, collector, cfg.HealthCheckPort, logger)
		go func() {
			if err := healthChecker.Start(); err != nil {
				logger.Error("Health check server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := healthChecker.Stop(shutdownCtx); err != nil {
				logger.Error("Error shutting down health check server", zap.Error(err))
			}
		}()
	}

	if pusher != nil {
		go pusher.Start(ctx)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			pusher.Flush(shutdownCtx)
		}()
	}

	if cfg.RefreshSchedule != "" {
		stopRefresh, err := loop.StartRefresh(ctx, cfg.RefreshSchedule)
		if err != nil {
			return err
		}
		defer stopRefresh()
	}

	err = loop.Run(ctx)
	if err != nil {
		logger.Error("Monitor stopped", zap.Error(err))
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// runTest prints every reading, for checking the circuit and picking a
// blackpoint by eye.
func (a *app) runTest(ctx context.Context) error {
	sampler, release, err := a.sampler()
	if err != nil {
		return err
	}
	defer release()

	loop := monitor.New(a.loopConfig(), sampler, nil, a.logger)
	return a.every(ctx, func() error {
		s, err := loop.SampleOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s  reading %8.2f  %s\n",
			s.Timestamp.Format(time.TimeOnly), s.Reading, occupancy.FormatStatus(a.cfg.MessagePrefix, s.Occupied))
		return nil
	})
}

// runWatch prints only transitions.
func (a *app) runWatch(ctx context.Context) error {
	sampler, release, err := a.sampler()
	if err != nil {
		return err
	}
	defer release()

	loop := monitor.New(a.loopConfig(), sampler, nil, a.logger)
	fmt.Fprintf(a.out, "Watching light status every %s, Ctrl+C to stop\n", a.opts.interval)
	return a.every(ctx, func() error {
		changed, err := loop.RunOnce(ctx)
		if err != nil || !changed {
			return err
		}
		st := loop.Status()
		fmt.Fprintf(a.out, "%s  lights %s (reading %.2f)\n",
			st.LastSample.Format(time.TimeOnly), onOff(st.Occupied), st.LastReading)
		return nil
	})
}

func (a *app) runGraph(ctx context.Context) error {
	sampler, release, err := a.sampler()
	if err != nil {
		return err
	}
	defer release()

	loop := monitor.New(a.loopConfig(), sampler, nil, a.logger)
	g := newGraph(a.cfg.Blackpoint, terminalWidth())
	return a.every(ctx, func() error {
		s, err := loop.SampleOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.out, g.Line(s.Timestamp, s.Reading))
		return nil
	})
}

func (a *app) runCalibrate(ctx context.Context) error {
	sampler, release, err := a.sampler()
	if err != nil {
		return err
	}
	defer release()

	prompter := a.prompter
	if prompter == nil {
		prompter = calibration.NewLinePrompter(os.Stdin, a.out)
	}
	wizard := &calibration.Wizard{
		Sampler:  sampler,
		Cycles:   a.cfg.Cycles,
		Prompter: prompter,
		Logger:   a.logger,
	}
	res, err := wizard.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "dark reading:  %.2f\nlight reading: %.2f\nblackpoint:    %.2f\n", res.Dark, res.Light, res.Darkpoint)
	if res.Light >= res.Dark {
		fmt.Fprintln(a.out, "warning: the lit reading is not lower than the dark one, check the sensor placement")
	}

	if !a.opts.save {
		fmt.Fprintf(a.out, "run with --save to write the blackpoint to %s\n", a.cfg.Path())
		return nil
	}
	if err := config.SaveBlackpoint(a.cfg.Path(), res.Darkpoint); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "blackpoint saved to %s\n", a.cfg.Path())
	return nil
}

func (a *app) resetErrors(ctx context.Context) error {
	n, err := a.newNotifier(ctx, false)
	if err != nil {
		return err
	}
	before := n.ErrorCount()
	if err := n.ResetErrors(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "error count reset (was %d)\n", before)
	return nil
}

// every runs fn now and then every interval until ctx is cancelled.
func (a *app) every(ctx context.Context, fn func() error) error {
	ticker := time.NewTicker(a.opts.interval)
	defer ticker.Stop()

	for {
		if err := fn(); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
