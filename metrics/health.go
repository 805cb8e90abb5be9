package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/mjasion/balena-home/office-status/monitor"
	"github.com/mjasion/balena-home/office-status/pkg/buffer"
	pkgmetrics "github.com/mjasion/balena-home/office-status/pkg/metrics"
	"github.com/mjasion/balena-home/office-status/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status          string    `json:"status"`
	Occupied        *bool     `json:"occupied"`
	LastReading     float64   `json:"lastReading"`
	LastSampleTime  time.Time `json:"lastSampleTime"`
	LastError       string    `json:"lastError,omitempty"`
	Notifications   int       `json:"notifications"`
	NotifierHalted  bool      `json:"notifierHalted"`
	LastPushTime    time.Time `json:"lastPushTime"`
	BufferedSamples int       `json:"bufferedSamples"`
	BufferCapacity  int       `json:"bufferCapacity"`
	DroppedSamples  int       `json:"droppedSamples"`
}

// StatusSource is implemented by monitor.Loop.
type StatusSource interface {
	Status() monitor.Status
}

// HealthChecker serves /health and /metrics.
type HealthChecker struct {
	source            StatusSource
	buffer            *buffer.RingBuffer[*types.Reading]
	pusher            *pkgmetrics.Pusher
	healthCheckServer *http.Server
	logger            *zap.Logger
	now               func() time.Time
}

// NewHealthChecker creates a new HealthChecker instance. buf, pusher and
// collector may be nil.
func NewHealthChecker(source StatusSource, buf *buffer.RingBuffer[*types.Reading], pusher *pkgmetrics.Pusher, collector *Collector, port int, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		source: source,
		buffer: buf,
		pusher: pusher,
		logger: logger,
		now:    time.Now,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", hc.handleHealth).Methods(http.MethodGet, http.MethodHead)
	if collector != nil {
		router.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)
	}

	var handler http.Handler = router
	if accessLog, err := zap.NewStdLogAt(logger.Named("http"), zapcore.DebugLevel); err == nil {
		handler = handlers.LoggingHandler(accessLog.Writer(), handler)
	}
	recoveryLog, _ := zap.NewStdLogAt(logger.Named("http"), zapcore.ErrorLevel)
	handler = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLog))(handler)

	hc.healthCheckServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	return hc
}

// Handler returns the HTTP handler, for tests.
func (hc *HealthChecker) Handler() http.Handler {
	return hc.healthCheckServer.Handler
}

// Start begins serving the health check endpoint
func (hc *HealthChecker) Start() error {
	hc.logger.Info("Starting health check server", zap.String("addr", hc.healthCheckServer.Addr))
	if err := hc.healthCheckServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health check server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the health check server
func (hc *HealthChecker) Stop(ctx context.Context) error {
	return hc.healthCheckServer.Shutdown(ctx)
}

// handleHealth responds to health check requests
func (hc *HealthChecker) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := hc.source.Status()

	status := HealthStatus{
		Status:         "healthy",
		LastReading:    st.LastReading,
		LastSampleTime: st.LastSample,
		LastError:      st.LastError,
		Notifications:  st.Notifications,
		NotifierHalted: st.NotifierHalted,
	}
	if st.Known {
		occupied := st.Occupied
		status.Occupied = &occupied
	}
	if hc.pusher != nil {
		status.LastPushTime = hc.pusher.LastPushTime()
	}
	if hc.buffer != nil {
		status.BufferedSamples = hc.buffer.Size()
		status.BufferCapacity = hc.buffer.Capacity()
		status.DroppedSamples = hc.buffer.Dropped()
	}

	// Stale when no sample landed in three sleep intervals
	stale := !st.LastSample.IsZero() && st.SleepInterval > 0 && hc.now().Sub(st.LastSample) > 3*st.SleepInterval
	if st.NotifierHalted || st.LastError != "" || stale {
		status.Status = "unhealthy"
	}

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
