// Package line tracks the declared GPIO lines, which of them are currently
// owned, and the driven level of every output.
//
// The declaration table is immutable; the mutable state lives in a parallel
// slice of slots indexed by ID. Readers use atomics only. Writers hold the
// slot mutex, which is never held across a blocking call other than the
// environment's own claim/set/release.
package line

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sweeney/buttond/internal/gpio"
)

// ID indexes a declared line. Outputs come first, then inputs, each in
// declaration order.
type ID int

// None means no line.
const None ID = -1

// Table is the declared configuration: two disjoint ordered sequences.
type Table struct {
	Outputs []gpio.Line
	Inputs  []gpio.Line
}

var (
	// ErrUnavailable means the environment refused ownership, or the line is already owned.
	ErrUnavailable = errors.New("line unavailable")
	// ErrNotAcquired is returned by Read, Write and Update on a line that is not owned.
	ErrNotAcquired = errors.New("line not acquired")
	// ErrDirection is returned when writing an input.
	ErrDirection = errors.New("line is not an output")
)

// AcquireError reports why a line could not be acquired.
type AcquireError struct {
	Line string
	Err  error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Line, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// Is makes every AcquireError match ErrUnavailable.
func (e *AcquireError) Is(target error) bool { return target == ErrUnavailable }

// State is a point-in-time view of one line.
type State struct {
	Name      string
	Offset    int
	Direction gpio.Direction
	Acquired  bool
	Level     gpio.Level // outputs only
}

type slot struct {
	mu       sync.Mutex // writers
	handle   gpio.Handle
	acquired atomic.Bool
	level    atomic.Int32
}

// Registry owns the per-line state.
type Registry struct {
	owner   gpio.Owner
	decls   []gpio.Line
	slots   []slot
	outputs int
	byName  map[string]ID
}

// NewRegistry declares the lines of t. Names must be unique.
func NewRegistry(owner gpio.Owner, t Table) (*Registry, error) {
	r := &Registry{
		owner:   owner,
		outputs: len(t.Outputs),
		byName:  make(map[string]ID),
	}
	for _, l := range t.Outputs {
		l.Direction = gpio.Output
		r.decls = append(r.decls, l)
	}
	for _, l := range t.Inputs {
		l.Direction = gpio.Input
		r.decls = append(r.decls, l)
	}
	for i, l := range r.decls {
		if _, dup := r.byName[l.Name]; dup {
			return nil, fmt.Errorf("duplicate line name %q", l.Name)
		}
		r.byName[l.Name] = ID(i)
	}
	r.slots = make([]slot, len(r.decls))
	return r, nil
}

// Len returns the number of declared lines.
func (r *Registry) Len() int { return len(r.decls) }

// Outputs returns the output IDs in declaration order.
func (r *Registry) Outputs() []ID { return r.ids(0, r.outputs) }

// Inputs returns the input IDs in declaration order.
func (r *Registry) Inputs() []ID { return r.ids(r.outputs, len(r.decls)) }

func (r *Registry) ids(from, to int) []ID {
	ids := make([]ID, 0, to-from)
	for i := from; i < to; i++ {
		ids = append(ids, ID(i))
	}
	return ids
}

// Line returns the declaration of id.
func (r *Registry) Line(id ID) gpio.Line { return r.decls[id] }

// Lookup finds a line by name.
func (r *Registry) Lookup(name string) (ID, bool) {
	id, ok := r.byName[name]
	return id, ok
}

// Handle returns the environment handle of an acquired line.
func (r *Registry) Handle(id ID) (gpio.Handle, bool) {
	s := &r.slots[id]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.acquired.Load()
}

// Acquire claims id from the environment. Outputs are driven to their
// initial level by the claim itself.
func (r *Registry) Acquire(id ID) error {
	d := r.decls[id]
	s := &r.slots[id]
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acquired.Load() {
		return &AcquireError{Line: d.Name, Err: errors.New("already acquired")}
	}
	h, err := r.owner.Claim(d)
	if err != nil {
		return &AcquireError{Line: d.Name, Err: err}
	}
	s.handle = h
	s.level.Store(int32(d.Initial))
	s.acquired.Store(true)
	return nil
}

// Release gives id back to the environment. Releasing a line that is not
// acquired does nothing. An environment error is returned for logging, but
// the line is considered released either way.
func (r *Registry) Release(id ID) error {
	s := &r.slots[id]
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acquired.Load() {
		return nil
	}
	h := s.handle
	s.acquired.Store(false)
	s.handle = nil
	if err := r.owner.Release(h); err != nil {
		return fmt.Errorf("release %s: %w", r.decls[id].Name, err)
	}
	return nil
}

// Acquired reports whether id is currently owned.
func (r *Registry) Acquired(id ID) bool {
	return r.slots[id].acquired.Load()
}

// Read returns the current level. Outputs report the level last driven;
// inputs are read from the environment.
func (r *Registry) Read(id ID) (gpio.Level, error) {
	s := &r.slots[id]
	if !s.acquired.Load() {
		return gpio.Low, fmt.Errorf("read %s: %w", r.decls[id].Name, ErrNotAcquired)
	}
	if r.decls[id].Direction == gpio.Output {
		return gpio.Level(s.level.Load()), nil
	}
	h, ok := r.Handle(id)
	if !ok {
		return gpio.Low, fmt.Errorf("read %s: %w", r.decls[id].Name, ErrNotAcquired)
	}
	return h.Value()
}

// Write drives an output to v.
func (r *Registry) Write(id ID, v gpio.Level) error {
	_, _, err := r.Update(id, func(gpio.Level) (gpio.Level, bool) { return v, true })
	return err
}

// Update applies fn to the current level of an output under the line's
// write lock. If fn reports a change, the new level is driven. It returns
// the resulting level and whether it was changed.
func (r *Registry) Update(id ID, fn func(cur gpio.Level) (gpio.Level, bool)) (gpio.Level, bool, error) {
	d := r.decls[id]
	if d.Direction != gpio.Output {
		return gpio.Low, false, fmt.Errorf("write %s: %w", d.Name, ErrDirection)
	}
	s := &r.slots[id]
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acquired.Load() {
		return gpio.Low, false, fmt.Errorf("write %s: %w", d.Name, ErrNotAcquired)
	}
	cur := gpio.Level(s.level.Load())
	next, change := fn(cur)
	if !change || next == cur {
		return cur, false, nil
	}
	if err := s.handle.SetValue(next); err != nil {
		return cur, false, err
	}
	s.level.Store(int32(next))
	return next, true, nil
}

// States returns a snapshot of every line, in ID order.
func (r *Registry) States() []State {
	out := make([]State, len(r.decls))
	for i, d := range r.decls {
		s := &r.slots[i]
		out[i] = State{
			Name:      d.Name,
			Offset:    d.Offset,
			Direction: d.Direction,
			Acquired:  s.acquired.Load(),
		}
		if d.Direction == gpio.Output {
			out[i].Level = gpio.Level(s.level.Load())
		}
	}
	return out
}
