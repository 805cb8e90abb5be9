// Package occupancy turns light readings into an on/off presence state.
package occupancy

import (
	"fmt"
	"sync"
)

// DefaultPrefix is the status message prefix.
const DefaultPrefix = "someone is in the office"

// Classify reports whether the lights are on. Readings are charge times, so
// brighter rooms read lower; a reading equal to the darkpoint counts as off.
func Classify(reading, darkpoint float64) bool {
	return reading < darkpoint
}

// FormatStatus renders the message content, e.g. "someone is in the office: True".
func FormatStatus(prefix string, on bool) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	value := "False"
	if on {
		value = "True"
	}
	return fmt.Sprintf("%s: %s", prefix, value)
}

// Tracker remembers the last observed state to detect transitions.
type Tracker struct {
	mu    sync.Mutex
	known bool
	on    bool
}

// Observe records on and reports whether it differs from the previous
// observation. The first observation always counts as a change.
func (t *Tracker) Observe(on bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := !t.known || t.on != on
	t.known = true
	t.on = on
	return changed
}

// Current returns the last observed state and whether one exists.
func (t *Tracker) Current() (on bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.on, t.known
}
