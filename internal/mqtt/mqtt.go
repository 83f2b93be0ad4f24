// Package mqtt provides MQTT publishing with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"time"
)

// Topic is the MQTT topic for button events.
const Topic = "gpio/buttond/events"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "gpio/buttond/system"

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends a button event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event ButtonEvent) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// OutputLevel is the level of one output line at the time of an event.
type OutputLevel struct {
	Name  string
	Level string // "HIGH" or "LOW"
}

// ButtonEvent is published by the deferred task after a button edge.
type ButtonEvent struct {
	Timestamp time.Time
	RunID     string
	Trigger   string // name of the input that fired, empty if unknown
	Outputs   []OutputLevel
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "OFFLINE"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Button ButtonPayload `json:"button"`
}

// ButtonPayload contains the button event details.
type ButtonPayload struct {
	Timestamp string        `json:"timestamp"`
	RunID     string        `json:"run_id"`
	Trigger   string        `json:"trigger,omitempty"`
	Outputs   []OutputState `json:"outputs"`
}

// OutputState represents a single output's level.
type OutputState struct {
	Name  string `json:"name"`
	Level string `json:"level"`
}

// FormatPayload creates the JSON payload for a button event.
func FormatPayload(event ButtonEvent) ([]byte, error) {
	outputs := make([]OutputState, 0, len(event.Outputs))
	for _, o := range event.Outputs {
		outputs = append(outputs, OutputState{Name: o.Name, Level: o.Level})
	}
	payload := Payload{
		Button: ButtonPayload{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			RunID:     event.RunID,
			Trigger:   event.Trigger,
			Outputs:   outputs,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// Discard is a Publisher that drops everything. Used when MQTT is disabled.
type Discard struct{}

func (Discard) Publish(ButtonEvent) error       { return nil }
func (Discard) PublishSystem(SystemEvent) error { return nil }
func (Discard) Close() error                    { return nil }
func (Discard) IsConnected() bool               { return false }
