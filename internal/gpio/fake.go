package gpio

import (
	"fmt"
	"sync"
)

// FakeChip is a test double for Owner and Notifier.
// It records every call and lets tests fail individual steps.
type FakeChip struct {
	mu       sync.Mutex
	lines    map[int]*fakeLine
	bindings map[ChannelID]*fakeBinding

	// Calls records the environment calls in order, e.g. "claim LED".
	Calls []string

	// ClaimErrors, ResolveErrors and RegisterErrors fail the step for an offset.
	ClaimErrors    map[int]error
	ResolveErrors  map[int]error
	RegisterErrors map[int]error

	// ReleaseError, if set, is returned by Release after the line is freed.
	ReleaseError error
}

type fakeLine struct {
	chip    *FakeChip
	decl    Line
	level   Level
	claimed bool
}

type fakeBinding struct {
	ch     ChannelID
	mu     sync.Mutex
	fn     Handler
	active bool
}

func (b *fakeBinding) Channel() ChannelID { return b.ch }

// NewFakeChip creates an empty FakeChip.
func NewFakeChip() *FakeChip {
	return &FakeChip{
		lines:          make(map[int]*fakeLine),
		bindings:       make(map[ChannelID]*fakeBinding),
		ClaimErrors:    make(map[int]error),
		ResolveErrors:  make(map[int]error),
		RegisterErrors: make(map[int]error),
	}
}

func (f *FakeChip) record(format string, args ...any) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

// Claim marks the line claimed. It fails with ErrBusy if already claimed.
func (f *FakeChip) Claim(l Line) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.ClaimErrors[l.Offset]; err != nil {
		return nil, err
	}
	fl, ok := f.lines[l.Offset]
	if ok && fl.claimed {
		return nil, fmt.Errorf("offset %d: %w", l.Offset, ErrBusy)
	}
	if !ok {
		fl = &fakeLine{chip: f}
		f.lines[l.Offset] = fl
	}
	fl.decl = l
	fl.claimed = true
	if l.Direction == Output {
		fl.level = l.Initial
	}
	f.record("claim %s", l.Name)
	return fl, nil
}

// Release frees the line.
func (f *FakeChip) Release(h Handle) error {
	fl, ok := h.(*fakeLine)
	if !ok {
		return ErrNotClaimed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !fl.claimed {
		return nil
	}
	fl.claimed = false
	f.record("release %s", fl.decl.Name)
	return f.ReleaseError
}

// ResolveChannel returns the channel of an input line.
func (f *FakeChip) ResolveChannel(h Handle) (ChannelID, error) {
	fl, ok := h.(*fakeLine)
	if !ok {
		return "", ErrNotClaimed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ResolveErrors[fl.decl.Offset]; err != nil {
		return "", err
	}
	if fl.decl.Direction != Input {
		return "", ErrNotInput
	}
	ch := channelFor("fake", fl.decl.Offset)
	f.record("resolve %s", fl.decl.Name)
	return ch, nil
}

// Register installs fn for ch.
func (f *FakeChip) Register(ch ChannelID, edge Edge, fn Handler) (Binding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fl := f.lineFor(ch); fl != nil {
		if err := f.RegisterErrors[fl.decl.Offset]; err != nil {
			return nil, err
		}
	}
	if b, ok := f.bindings[ch]; ok && b.active {
		return nil, fmt.Errorf("channel %s: %w", ch, ErrBusy)
	}
	b := &fakeBinding{ch: ch, fn: fn, active: true}
	f.bindings[ch] = b
	f.record("register %s", ch)
	return b, nil
}

// Deregister removes the handler. It waits for an in-flight Trigger to return.
func (f *FakeChip) Deregister(b Binding) error {
	fb, ok := b.(*fakeBinding)
	if !ok {
		return fmt.Errorf("unknown binding %v", b)
	}
	fb.mu.Lock()
	fb.active = false
	fb.fn = nil
	fb.mu.Unlock()

	f.mu.Lock()
	if f.bindings[fb.ch] == fb {
		delete(f.bindings, fb.ch)
	}
	f.record("deregister %s", fb.ch)
	f.mu.Unlock()
	return nil
}

// Trigger simulates an edge on ch. Deliveries for one channel are serialized,
// as they are on a real chip. Returns false if no handler is registered.
func (f *FakeChip) Trigger(ch ChannelID) bool {
	f.mu.Lock()
	b := f.bindings[ch]
	f.mu.Unlock()
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return false
	}
	b.fn(ch)
	return true
}

// Claimed reports whether the line at offset is currently claimed.
func (f *FakeChip) Claimed(offset int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.lines[offset]
	return ok && fl.claimed
}

// Level returns the level last driven on (or set for) offset.
func (f *FakeChip) Level(offset int) Level {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fl, ok := f.lines[offset]; ok {
		return fl.level
	}
	return Low
}

// SetInput sets the level seen when reading the input at offset.
func (f *FakeChip) SetInput(offset int, v Level) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl, ok := f.lines[offset]
	if !ok {
		fl = &fakeLine{chip: f, decl: Line{Offset: offset}}
		f.lines[offset] = fl
	}
	fl.level = v
}

// Channel returns the channel a claimed input at offset resolves to.
func (f *FakeChip) Channel(offset int) ChannelID {
	return channelFor("fake", offset)
}

// CallLog returns a copy of Calls.
func (f *FakeChip) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

func (f *FakeChip) lineFor(ch ChannelID) *fakeLine {
	for off, fl := range f.lines {
		if channelFor("fake", off) == ch {
			return fl
		}
	}
	return nil
}

func (l *fakeLine) Value() (Level, error) {
	l.chip.mu.Lock()
	defer l.chip.mu.Unlock()
	if !l.claimed {
		return Low, ErrNotClaimed
	}
	return l.level, nil
}

func (l *fakeLine) SetValue(v Level) error {
	l.chip.mu.Lock()
	defer l.chip.mu.Unlock()
	if !l.claimed {
		return ErrNotClaimed
	}
	l.level = v
	return nil
}

func channelFor(chip string, offset int) ChannelID {
	return ChannelID(fmt.Sprintf("%s:%d", chip, offset))
}
