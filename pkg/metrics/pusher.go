package metrics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/mjasion/balena-home/office-status/pkg/buffer"
	"github.com/mjasion/balena-home/office-status/pkg/types"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrRejected marks a batch the endpoint refused with a 4xx. Such a batch
// is dropped rather than re-queued.
var ErrRejected = errors.New("remote write rejected")

// TimeSeriesBuilder is a function that converts readings to Prometheus time series
type TimeSeriesBuilder func(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error)

// Pusher drains a reading buffer into a Prometheus remote_write endpoint.
type Pusher struct {
	url          string
	username     string
	password     string
	client       *http.Client
	logger       *zap.Logger
	buffer       *buffer.RingBuffer[*types.Reading]
	pushInterval time.Duration
	batchSize    int
	maxAttempts  uint64
	tsBuilder    TimeSeriesBuilder

	mu       sync.RWMutex
	lastPush time.Time
}

// Config contains configuration for the Prometheus pusher
type Config struct {
	URL               string
	Username          string
	Password          string
	PushInterval      time.Duration
	BatchSize         int
	MaxAttempts       int
	TimeSeriesBuilder TimeSeriesBuilder
}

// New creates a new Prometheus pusher with OpenTelemetry instrumentation
func New(cfg Config, buf *buffer.RingBuffer[*types.Reading], logger *zap.Logger) *Pusher {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: otelhttp.NewTransport(
			http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return "prometheus.remote_write"
			}),
		),
	}

	if cfg.BatchSize < 1 {
		cfg.BatchSize = 500
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}

	return &Pusher{
		url:          cfg.URL,
		username:     cfg.Username,
		password:     cfg.Password,
		client:       httpClient,
		logger:       logger,
		buffer:       buf,
		pushInterval: cfg.PushInterval,
		batchSize:    cfg.BatchSize,
		maxAttempts:  uint64(cfg.MaxAttempts),
		tsBuilder:    cfg.TimeSeriesBuilder,
	}
}

// Start pushes buffered readings every push interval until ctx is done.
func (p *Pusher) Start(ctx context.Context) {
	ticker := time.NewTicker(p.pushInterval)
	defer ticker.Stop()

	p.logger.Info("prometheus pusher started",
		zap.Duration("push_interval", p.pushInterval),
		zap.Int("batch_size", p.batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("prometheus pusher stopping")
			return
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// Flush pushes everything currently buffered in batches. A rejected batch is
// dropped. Any other failure puts that batch and every batch after it back
// into the buffer for the next tick.
func (p *Pusher) Flush(ctx context.Context) {
	readings := p.buffer.GetAllAndClear()
	if len(readings) == 0 {
		p.logger.Debug("no readings to push")
		return
	}

	for start := 0; start < len(readings); start += p.batchSize {
		end := min(start+p.batchSize, len(readings))
		err := p.Push(ctx, readings[start:end])
		if err == nil {
			continue
		}
		if errors.Is(err, ErrRejected) {
			p.logger.Error("remote write rejected batch, dropping it",
				zap.Error(err),
				zap.Int("dropped_readings", end-start),
			)
			continue
		}
		p.logger.Error("failed to push batch, re-adding remaining readings to buffer",
			zap.Error(err),
			zap.Int("failed_readings", len(readings)-start),
		)
		for _, reading := range readings[start:] {
			p.buffer.Add(reading)
		}
		return
	}
}

// Push pushes readings to Prometheus, retrying with exponential backoff.
func (p *Pusher) Push(ctx context.Context, readings []*types.Reading) error {
	ctx, span := otel.Tracer("metrics").Start(ctx, "metrics.Push",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("metrics.total_readings", len(readings))),
	)
	defer span.End()

	if len(readings) == 0 {
		span.SetStatus(codes.Ok, "no readings to push")
		return nil
	}

	writeReq, err := p.buildWriteRequest(ctx, readings)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build write request")
		return fmt.Errorf("failed to build write request: %w", err)
	}
	if len(writeReq.Timeseries) == 0 {
		span.SetStatus(codes.Ok, "no time series")
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), p.maxAttempts-1), ctx)
	attempt := 0
	err = backoff.RetryNotify(func() error {
		attempt++
		return p.pushOnce(ctx, writeReq)
	}, bo, func(err error, wait time.Duration) {
		p.logger.Warn("failed to push metrics, will retry",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "push failed")
		return fmt.Errorf("failed to push metrics after %d attempts: %w", attempt, err)
	}

	p.mu.Lock()
	p.lastPush = time.Now()
	p.mu.Unlock()

	p.logger.Debug("successfully pushed metrics",
		zap.Int("total_data_points", len(readings)),
		zap.Int("time_series", len(writeReq.Timeseries)),
		zap.Int("attempt", attempt),
	)
	span.SetStatus(codes.Ok, "metrics pushed successfully")
	return nil
}

func newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = 30 * time.Second
	return bo
}

func (p *Pusher) buildWriteRequest(ctx context.Context, readings []*types.Reading) (*prompb.WriteRequest, error) {
	if p.tsBuilder == nil {
		return nil, fmt.Errorf("no TimeSeriesBuilder configured")
	}

	timeSeries, err := p.tsBuilder(ctx, readings)
	if err != nil {
		return nil, fmt.Errorf("time series builder failed: %w", err)
	}

	return &prompb.WriteRequest{Timeseries: timeSeries}, nil
}

// pushOnce performs a single push attempt to Prometheus
func (p *Pusher) pushOnce(ctx context.Context, writeReq *prompb.WriteRequest) error {
	data, err := proto.Marshal(writeReq)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to marshal protobuf: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(snappy.Encode(nil, data)))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.username != "" && p.password != "" {
		req.SetBasicAuth(p.username, p.password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return backoff.Permanent(fmt.Errorf("%w: status code %d, body: %s", ErrRejected, resp.StatusCode, string(body)))
	default:
		return fmt.Errorf("received status code %d, body: %s", resp.StatusCode, string(body))
	}
}

// LastPushTime returns the time of the last successful push
func (p *Pusher) LastPushTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPush
}
