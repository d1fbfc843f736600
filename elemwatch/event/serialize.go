package event

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Marshal serialises an Event to JSON.
func Marshal(e *Event) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal deserialises an Event from JSON.
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("event: unmarshal: %w", err)
	}
	return &e, nil
}

// HashHTML returns the SHA-256 hex digest of raw HTML.
func HashHTML(html string) string {
	h := sha256.Sum256([]byte(html))
	return fmt.Sprintf("%x", h)
}
