package presence

import (
	"encoding/json"
	"fmt"
)

// Status is a user's aggregate availability, derived from open connections
// plus any explicit override.
type Status int

const (
	// StatusOffline means the user has no live connections. It is always
	// derived, never set explicitly.
	StatusOffline Status = iota
	// StatusOnline is the state every connect forces.
	StatusOnline
	// StatusAway is an explicit user override.
	StatusAway
	// StatusBusy is an explicit user override.
	StatusBusy
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "offline"
	case StatusOnline:
		return "online"
	case StatusAway:
		return "away"
	case StatusBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// ParseStatus maps a wire name back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "offline":
		return StatusOffline, nil
	case "online":
		return StatusOnline, nil
	case "away":
		return StatusAway, nil
	case "busy":
		return StatusBusy, nil
	default:
		return StatusOffline, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
}

// MarshalJSON encodes the status as its wire name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a wire name into the status.
func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
