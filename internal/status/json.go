package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/buttond/internal/gpio"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Ready         bool         `json:"ready"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	LastTrigger   string       `json:"last_trigger,omitempty"`
	Lines         []LineJSON   `json:"lines"`
	Deferred      DeferredJSON `json:"deferred"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Config        ConfigJSON   `json:"config"`
}

// LineJSON is the JSON representation of one line.
type LineJSON struct {
	Name      string  `json:"name"`
	Offset    int     `json:"offset"`
	Direction string  `json:"direction"`
	Acquired  bool    `json:"acquired"`
	Level     string  `json:"level,omitempty"`
	Triggers  *uint64 `json:"triggers,omitempty"`
}

// DeferredJSON reports the deferred task counters.
type DeferredJSON struct {
	State     string `json:"state"`
	Runs      uint64 `json:"runs"`
	Coalesced uint64 `json:"coalesced"`
	Failures  uint64 `json:"failures"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Chip     string `json:"chip"`
	Broker   string `json:"broker"`
	HTTPAddr string `json:"http_addr"`
	HoldMs   int64  `json:"hold_ms"`
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Ready:         snap.Ready,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		LastTrigger:   snap.LastTrigger,
		Lines:         make([]LineJSON, 0, len(snap.Lines)),
		Deferred: DeferredJSON{
			State:     snap.Deferred.State.String(),
			Runs:      snap.Deferred.Runs,
			Coalesced: snap.Deferred.Coalesced,
			Failures:  snap.Deferred.Failures,
		},
		MQTT: MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			Chip:     snap.Config.Chip,
			Broker:   snap.Config.Broker,
			HTTPAddr: snap.Config.HTTPAddr,
			HoldMs:   snap.Config.HoldMs,
		},
	}
	for _, l := range snap.Lines {
		lj := LineJSON{
			Name:      l.Name,
			Offset:    l.Offset,
			Direction: l.Direction.String(),
			Acquired:  l.Acquired,
		}
		if l.Direction == gpio.Output {
			lj.Level = l.Level.String()
		} else {
			n := l.Triggers
			lj.Triggers = &n
		}
		inner.Lines = append(inner.Lines, lj)
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
