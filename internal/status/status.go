// Package status provides a thread-safe status tracker for the buttond daemon.
// It is read by HTTP handlers and the MQTT lifecycle events.
package status

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweeney/buttond/internal/gpio"
	"github.com/sweeney/buttond/internal/line"
	"github.com/sweeney/buttond/internal/work"
)

// Config contains daemon configuration for display.
type Config struct {
	Chip     string
	Broker   string
	HTTPAddr string
	HoldMs   int64
}

// LineStatus is one line plus, for inputs, how often it fired.
type LineStatus struct {
	line.State
	Triggers uint64
}

// TaskStats are the deferred task counters.
type TaskStats struct {
	State     work.State
	Runs      uint64
	Coalesced uint64
	Failures  uint64
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the call returns.
type Snapshot struct {
	Lines         []LineStatus
	Deferred      TaskStats
	LastTrigger   string
	Ready         bool
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker gathers daemon state. CountTrigger is lock-free and may be called
// from the notification fast path; the rest takes an RWMutex.
type Tracker struct {
	reg      *line.Registry
	triggers []atomic.Uint64
	last     atomic.Int64
	task     atomic.Pointer[work.Task]

	mu    sync.RWMutex
	start time.Time
	cfg   Config
	ready bool
	mqtt  bool
}

// NewTracker creates a Tracker for the lines in reg.
func NewTracker(startTime time.Time, cfg Config, reg *line.Registry) *Tracker {
	t := &Tracker{
		reg:      reg,
		triggers: make([]atomic.Uint64, reg.Len()),
		start:    startTime,
		cfg:      cfg,
	}
	t.last.Store(int64(line.None))
	return t
}

// CountTrigger records that input id fired.
func (t *Tracker) CountTrigger(id line.ID) {
	if id < 0 || int(id) >= len(t.triggers) {
		return
	}
	t.triggers[id].Add(1)
	t.last.Store(int64(id))
}

// SetTask sets the deferred task whose counters are reported.
func (t *Tracker) SetTask(task *work.Task) {
	t.task.Store(task)
}

// SetReady marks bring-up as complete (or torn down).
func (t *Tracker) SetReady(ready bool) {
	t.mu.Lock()
	t.ready = ready
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.mqtt = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := Snapshot{
		Ready:         t.ready,
		StartTime:     t.start,
		MQTTConnected: t.mqtt,
		Config:        t.cfg,
	}
	t.mu.RUnlock()

	states := t.reg.States()
	s.Lines = make([]LineStatus, len(states))
	for i, st := range states {
		s.Lines[i] = LineStatus{State: st}
		if st.Direction == gpio.Input {
			s.Lines[i].Triggers = t.triggers[i].Load()
		}
	}
	if last := line.ID(t.last.Load()); last != line.None {
		s.LastTrigger = t.reg.Line(last).Name
	}
	if task := t.task.Load(); task != nil {
		s.Deferred = TaskStats{
			State:     task.State(),
			Runs:      task.Runs(),
			Coalesced: task.Coalesced(),
			Failures:  task.Failures(),
		}
	}
	s.Now = time.Now()
	return s
}
