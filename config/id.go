package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ID is an identifier that may be written as a JSON number or string, such as
// a GPIO pin (4 or "GPIO4") or a chat message id.
type ID string

func (id ID) String() string { return string(id) }

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("identifier must be a number or string, got %s", data)
	}
	*id = ID(num.String())
	return nil
}

// UnmarshalText handles YAML scalars.
func (id *ID) UnmarshalText(text []byte) error {
	*id = ID(strings.TrimSpace(string(text)))
	return nil
}

// SetValue handles environment overrides.
func (id *ID) SetValue(s string) error {
	return id.UnmarshalText([]byte(s))
}
