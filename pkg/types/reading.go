package types

import "time"

// ReadingType identifies the type of metric reading
type ReadingType string

const (
	ReadingTypeLight     ReadingType = "light"
	ReadingTypeOccupancy ReadingType = "occupancy"
)

// Reading is a union type that can hold different types of readings
type Reading struct {
	Type      ReadingType
	Light     *LightReading
	Occupancy *OccupancyReading
}

// LightReading is one averaged RC-timing sample from the photoresistor.
// Higher values mean darker.
type LightReading struct {
	Timestamp time.Time
	Pin       string
	Value     float64
	Cycles    int
	Simulated bool
}

// OccupancyReading records the classified light state after a sample.
type OccupancyReading struct {
	Timestamp time.Time
	Occupied  bool
	Reading   float64
	Darkpoint float64
	Changed   bool
}

// GetTimestamp returns the timestamp of the reading regardless of type
func (r *Reading) GetTimestamp() time.Time {
	switch r.Type {
	case ReadingTypeLight:
		return r.Light.Timestamp
	case ReadingTypeOccupancy:
		return r.Occupancy.Timestamp
	default:
		return time.Time{}
	}
}
