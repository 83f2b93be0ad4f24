// Package setup brings the declared lines online in order and tears them
// down again, leaving nothing owned if bring-up fails part way.
//
// Every successful step pushes an undo record onto a stack. Rollback and
// shutdown are the same operation: pop the stack and run each undo, so the
// release order is always the exact reverse of what was acquired.
package setup

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sweeney/buttond/internal/gpio"
	"github.com/sweeney/buttond/internal/line"
)

// Step identifies the bring-up phase that failed.
type Step int

const (
	StepOutputAcquire Step = iota
	StepInputAcquire
	StepNotificationBind
)

func (s Step) String() string {
	switch s {
	case StepOutputAcquire:
		return "output acquire"
	case StepInputAcquire:
		return "input acquire"
	case StepNotificationBind:
		return "notification bind"
	}
	return "unknown"
}

var (
	ErrOutputAcquireFailed    = errors.New("output acquire failed")
	ErrInputAcquireFailed     = errors.New("input acquire failed")
	ErrNotificationBindFailed = errors.New("notification bind failed")
)

// SetupError reports the step, line and index within its sequence that failed.
// Bring-up has already been unwound when it is returned.
type SetupError struct {
	Step  Step
	Line  string
	Index int
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s failed at %s (index %d): %v", e.Step, e.Line, e.Index, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Is matches the sentinel for the failed step.
func (e *SetupError) Is(target error) bool {
	switch target {
	case ErrOutputAcquireFailed:
		return e.Step == StepOutputAcquire
	case ErrInputAcquireFailed:
		return e.Step == StepInputAcquire
	case ErrNotificationBindFailed:
		return e.Step == StepNotificationBind
	}
	return false
}

// Dispatcher is the fast-path handler registered on every input channel.
type Dispatcher interface {
	// Route tells the dispatcher which input a channel belongs to. It is
	// called before the handler for ch is registered.
	Route(ch gpio.ChannelID, input line.ID)
	// Unroute forgets ch. It is called after the handler for ch is gone.
	Unroute(ch gpio.ChannelID)

	OnNotification(ch gpio.ChannelID) gpio.Outcome
}

type undo struct {
	desc string
	fn   func() error
}

// Binding is an active notification registration for an input.
type Binding struct {
	Line    line.ID
	Channel gpio.ChannelID
	binding gpio.Binding
}

// HandleSet is everything owned after a successful bring-up.
type HandleSet struct {
	mu       sync.Mutex
	stack    []undo
	bindings []Binding
}

// Channels returns the bound channels in input declaration order.
func (hs *HandleSet) Channels() []Binding {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return append([]Binding(nil), hs.bindings...)
}

// Manager acquires and releases the lines of a Registry.
type Manager struct {
	reg      *line.Registry
	notifier gpio.Notifier
	log      *slog.Logger
}

// NewManager creates a Manager.
func NewManager(reg *line.Registry, notifier gpio.Notifier, log *slog.Logger) *Manager {
	return &Manager{reg: reg, notifier: notifier, log: log}
}

// BringUp acquires every output, then every input, then binds d to each
// input's channel for both edges. On any failure everything acquired so far
// is released in reverse order and a *SetupError is returned.
func (m *Manager) BringUp(d Dispatcher) (*HandleSet, error) {
	hs := &HandleSet{}

	for i, id := range m.reg.Outputs() {
		if err := m.acquire(hs, id); err != nil {
			return nil, m.fail(hs, StepOutputAcquire, id, i, err)
		}
	}

	inputs := m.reg.Inputs()
	for j, id := range inputs {
		if err := m.acquire(hs, id); err != nil {
			return nil, m.fail(hs, StepInputAcquire, id, j, err)
		}
	}

	if len(inputs) > 0 {
		if v, err := m.reg.Read(inputs[0]); err == nil {
			m.log.Info("initial input level", "line", m.reg.Line(inputs[0]).Name, "level", v)
		}
	}

	for k, id := range inputs {
		if err := m.bind(hs, d, id); err != nil {
			return nil, m.fail(hs, StepNotificationBind, id, k, err)
		}
	}

	m.log.Info("bring-up complete", "outputs", len(m.reg.Outputs()), "inputs", len(inputs))
	return hs, nil
}

func (m *Manager) acquire(hs *HandleSet, id line.ID) error {
	if err := m.reg.Acquire(id); err != nil {
		return err
	}
	name := m.reg.Line(id).Name
	hs.push(undo{
		desc: "release " + name,
		fn:   func() error { return m.reg.Release(id) },
	})
	m.log.Debug("acquired line", "line", name, "direction", m.reg.Line(id).Direction)
	return nil
}

func (m *Manager) bind(hs *HandleSet, d Dispatcher, id line.ID) error {
	h, ok := m.reg.Handle(id)
	if !ok {
		return line.ErrNotAcquired
	}
	ch, err := m.notifier.ResolveChannel(h)
	if err != nil {
		return fmt.Errorf("resolve channel: %w", err)
	}
	d.Route(ch, id)
	hs.push(undo{
		desc: fmt.Sprintf("unroute %s", ch),
		fn:   func() error { d.Unroute(ch); return nil },
	})
	b, err := m.notifier.Register(ch, gpio.BothEdges, d.OnNotification)
	if err != nil {
		return fmt.Errorf("register %s: %w", ch, err)
	}

	hs.mu.Lock()
	hs.bindings = append(hs.bindings, Binding{Line: id, Channel: ch, binding: b})
	hs.mu.Unlock()
	hs.push(undo{
		desc: fmt.Sprintf("deregister %s", ch),
		fn:   func() error { return m.notifier.Deregister(b) },
	})
	m.log.Info("registered notification", "line", m.reg.Line(id).Name, "channel", ch)
	return nil
}

func (m *Manager) fail(hs *HandleSet, step Step, id line.ID, index int, err error) error {
	serr := &SetupError{Step: step, Line: m.reg.Line(id).Name, Index: index, Err: err}
	m.log.Error("bring-up failed, rolling back", "error", serr)
	m.unwind(hs)
	return serr
}

// ShutDown deregisters every binding, then releases every input and output,
// in reverse order of acquisition. Errors are logged and ignored. Calling it
// again is a no-op.
func (m *Manager) ShutDown(hs *HandleSet) {
	if hs == nil {
		return
	}
	m.unwind(hs)
	m.log.Info("shutdown complete")
}

func (m *Manager) unwind(hs *HandleSet) {
	var errs []error
	for {
		u, ok := hs.pop()
		if !ok {
			break
		}
		if err := u.fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u.desc, err))
			continue
		}
		m.log.Debug("undone", "step", u.desc)
	}
	hs.mu.Lock()
	hs.bindings = nil
	hs.mu.Unlock()
	if len(errs) > 0 {
		m.log.Warn("errors during teardown ignored", "error", errors.Join(errs...))
	}
}

func (hs *HandleSet) push(u undo) {
	hs.mu.Lock()
	hs.stack = append(hs.stack, u)
	hs.mu.Unlock()
}

func (hs *HandleSet) pop() (undo, bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	n := len(hs.stack)
	if n == 0 {
		return undo{}, false
	}
	u := hs.stack[n-1]
	hs.stack = hs.stack[:n-1]
	return u, true
}
