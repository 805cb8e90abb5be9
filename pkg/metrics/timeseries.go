package metrics

import (
	"context"
	"sort"

	"github.com/mjasion/balena-home/office-status/pkg/types"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	MetricLightLevel = "officelight_light_level"
	MetricOccupied   = "officelight_occupied"
	MetricDarkpoint  = "officelight_darkpoint"
)

// BuildLightTimeSeries builds one time series per pin for the raw light level.
func BuildLightTimeSeries(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildLightTimeSeries")
	defer span.End()

	byPin := make(map[string][]prompb.Sample)
	simulated := make(map[string]bool)
	for _, r := range readings {
		if r.Type != types.ReadingTypeLight || r.Light == nil {
			continue
		}
		byPin[r.Light.Pin] = append(byPin[r.Light.Pin], prompb.Sample{
			Value:     r.Light.Value,
			Timestamp: r.Light.Timestamp.UnixMilli(),
		})
		simulated[r.Light.Pin] = simulated[r.Light.Pin] || r.Light.Simulated
	}

	pins := make([]string, 0, len(byPin))
	for pin := range byPin {
		pins = append(pins, pin)
	}
	sort.Strings(pins)

	var timeSeries []prompb.TimeSeries
	for _, pin := range pins {
		labels := []prompb.Label{
			{Name: "__name__", Value: MetricLightLevel},
			{Name: "pin", Value: pin},
		}
		if simulated[pin] {
			labels = append(labels, prompb.Label{Name: "simulated", Value: "true"})
		}
		timeSeries = append(timeSeries, prompb.TimeSeries{Labels: labels, Samples: byPin[pin]})
	}

	span.SetAttributes(attribute.Int("metrics.light_time_series_count", len(timeSeries)))
	span.SetStatus(codes.Ok, "light time series built")
	return timeSeries, nil
}

// BuildOccupancyTimeSeries builds the occupied (0/1) and darkpoint series.
func BuildOccupancyTimeSeries(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildOccupancyTimeSeries")
	defer span.End()

	var occupied, darkpoint []prompb.Sample
	for _, r := range readings {
		if r.Type != types.ReadingTypeOccupancy || r.Occupancy == nil {
			continue
		}
		ts := r.Occupancy.Timestamp.UnixMilli()
		value := 0.0
		if r.Occupancy.Occupied {
			value = 1
		}
		occupied = append(occupied, prompb.Sample{Value: value, Timestamp: ts})
		darkpoint = append(darkpoint, prompb.Sample{Value: r.Occupancy.Darkpoint, Timestamp: ts})
	}

	if len(occupied) == 0 {
		span.SetStatus(codes.Ok, "no occupancy readings")
		return nil, nil
	}

	span.SetStatus(codes.Ok, "occupancy time series built")
	return []prompb.TimeSeries{
		{Labels: []prompb.Label{{Name: "__name__", Value: MetricOccupied}}, Samples: occupied},
		{Labels: []prompb.Label{{Name: "__name__", Value: MetricDarkpoint}}, Samples: darkpoint},
	}, nil
}

// CombineBuilders combines multiple time series builders into one
func CombineBuilders(builders ...TimeSeriesBuilder) TimeSeriesBuilder {
	return func(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
		var allTimeSeries []prompb.TimeSeries

		for _, builder := range builders {
			if builder == nil {
				continue
			}

			timeSeries, err := builder(ctx, readings)
			if err != nil {
				return nil, err
			}

			allTimeSeries = append(allTimeSeries, timeSeries...)
		}

		return allTimeSeries, nil
	}
}
