package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mjasion/balena-home/office-status/monitor"
	"github.com/mjasion/balena-home/office-status/pkg/buffer"
	"github.com/mjasion/balena-home/office-status/pkg/types"
	"go.uber.org/zap"
)

type staticSource struct {
	status monitor.Status
}

func (s staticSource) Status() monitor.Status { return s.status }

func getHealth(t *testing.T, hc *HealthChecker) (*httptest.ResponseRecorder, HealthStatus) {
	t.Helper()
	rec := httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode health response %q: %v", rec.Body.String(), err)
	}
	return rec, body
}

func TestHealth_Healthy(t *testing.T) {
	now := time.Now()
	buf := buffer.New[*types.Reading](2, zap.NewNop())
	for i := 0; i < 3; i++ {
		buf.Add(&types.Reading{Type: types.ReadingTypeLight, Light: &types.LightReading{Value: float64(i)}})
	}

	src := staticSource{monitor.Status{
		LastSample:    now.Add(-time.Minute),
		LastReading:   1.5,
		Occupied:      true,
		Known:         true,
		Notifications: 2,
		SleepInterval: 5 * time.Minute,
	}}
	hc := NewHealthChecker(src, buf, nil, nil, 8080, zap.NewNop())

	rec, body := getHealth(t, hc)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if body.Status != "healthy" {
		t.Errorf("Expected healthy, got %s", body.Status)
	}
	if body.Occupied == nil || !*body.Occupied {
		t.Errorf("Expected occupied true, got %v", body.Occupied)
	}
	if body.LastReading != 1.5 || body.Notifications != 2 {
		t.Errorf("Unexpected body %+v", body)
	}
	if body.BufferedSamples != 2 || body.BufferCapacity != 2 || body.DroppedSamples != 1 {
		t.Errorf("Expected buffer 2/2 with 1 dropped, got %d/%d with %d dropped",
			body.BufferedSamples, body.BufferCapacity, body.DroppedSamples)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}
}

func TestHealth_BeforeFirstSample(t *testing.T) {
	hc := NewHealthChecker(staticSource{monitor.Status{SleepInterval: time.Minute}}, nil, nil, nil, 8080, zap.NewNop())

	rec, body := getHealth(t, hc)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 while starting up, got %d", rec.Code)
	}
	if body.Occupied != nil {
		t.Errorf("Expected unknown occupancy, got %v", *body.Occupied)
	}
}

func TestHealth_Unhealthy(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		status monitor.Status
	}{
		{"halted", monitor.Status{LastSample: now, Known: true, NotifierHalted: true, SleepInterval: time.Minute}},
		{"sensor error", monitor.Status{LastSample: now, LastError: "no signal", SleepInterval: time.Minute}},
		{"stale", monitor.Status{LastSample: now.Add(-time.Hour), Known: true, SleepInterval: time.Minute}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker(staticSource{tt.status}, nil, nil, nil, 8080, zap.NewNop())
			rec, body := getHealth(t, hc)
			if rec.Code != http.StatusServiceUnavailable {
				t.Errorf("Expected 503, got %d", rec.Code)
			}
			if body.Status != "unhealthy" {
				t.Errorf("Expected unhealthy, got %s", body.Status)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	collector := NewCollector()
	collector.ObserveSample(1.5, true, 3, 1200*time.Millisecond)
	collector.ObserveNotification(monitor.ResultDelivered)
	collector.ObserveSampleError()

	hc := NewHealthChecker(staticSource{}, nil, nil, collector, 8080, zap.NewNop())

	rec := httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"officelight_light_level 1.5",
		"officelight_occupied 1",
		"officelight_darkpoint 3",
		`officelight_notifications_total{result="delivered"} 1`,
		"officelight_sample_errors_total 1",
		"officelight_sample_duration_seconds_count 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected metrics to contain %q", want)
		}
	}
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	hc := NewHealthChecker(staticSource{}, nil, nil, nil, 8080, zap.NewNop())

	rec := httptest.NewRecorder()
	hc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 without a collector, got %d", rec.Code)
	}
}

func TestCollector_Unoccupied(t *testing.T) {
	c := NewCollector()
	c.ObserveSample(1, true, 3, time.Second)
	c.ObserveSample(5, false, 3, time.Second)

	families, err := c.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "officelight_occupied" {
			if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 0 {
				t.Errorf("Expected occupied 0, got %v", v)
			}
			return
		}
	}
	t.Error("officelight_occupied not found")
}
