// Package mqttsink publishes measurement results to MQTT, with an
// abstraction for testing.
package mqttsink

import (
	"encoding/json"
	"time"
)

// Topic is the MQTT topic for per-test report events.
const Topic = "powertest/reports"

// TopicStatus is the MQTT topic for session lifecycle events.
const TopicStatus = "powertest/status"

// Publisher publishes measurement events to MQTT.
type Publisher interface {
	// Publish sends one per-test report to the broker.
	// Returns error if publishing fails (should not crash the run).
	Publish(report Report) error

	// PublishStatus sends a session lifecycle event to the broker.
	PublishStatus(status Status) error

	// Close disconnects from the broker.
	Close() error
}

// Report is the per-test payload.
type Report struct {
	SessionID     string  `json:"session_id"`
	Index         int     `json:"index"`
	SampleCount   int     `json:"sample_count"`
	MeanMicroAmps float64 `json:"mean_micro_amps"`
	Degenerate    bool    `json:"degenerate,omitempty"`
}

// Status is the end-of-session payload.
type Status struct {
	SessionID string `json:"session_id"`
	Outcome   string `json:"outcome"`
	Expected  int    `json:"expected"`
	Completed int    `json:"completed"`
	Anomalies int    `json:"anomalies,omitempty"`
	Message   string `json:"message"`
}

type reportPayload struct {
	Timestamp string `json:"timestamp"`
	Report    Report `json:"report"`
}

type statusPayload struct {
	Timestamp string `json:"timestamp"`
	Status    Status `json:"status"`
}

// FormatReport creates the JSON payload for a report event.
func FormatReport(r Report) ([]byte, error) {
	return json.Marshal(reportPayload{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Report:    r,
	})
}

// FormatStatus creates the JSON payload for a session status event.
func FormatStatus(s Status) ([]byte, error) {
	return json.Marshal(statusPayload{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    s,
	})
}
