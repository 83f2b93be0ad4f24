//go:build linux

package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// Consumer is the label attached to every line the daemon requests.
const Consumer = "buttond"

// Chip claims lines on a Linux GPIO character device.
type Chip struct {
	name string
	chip *gpiocdev.Chip

	mu       sync.Mutex
	channels map[ChannelID]*chipLine
	bindings map[int]*chipBinding // by offset
}

type chipLine struct {
	chip *Chip
	line *gpiocdev.Line
	decl Line
}

type chipBinding struct {
	line *chipLine
	ch   ChannelID

	// held for reading across every handler call; Deregister takes it for
	// writing so no delivery is in flight when it returns.
	mu     sync.RWMutex
	fn     Handler
	active bool
}

func (b *chipBinding) Channel() ChannelID { return b.ch }

// NewChip opens the named gpiochip, e.g. "gpiochip0".
func NewChip(name string) (*Chip, error) {
	c, err := gpiocdev.NewChip(name, gpiocdev.WithConsumer(Consumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", name, err)
	}
	return &Chip{
		name:     name,
		chip:     c,
		channels: make(map[ChannelID]*chipLine),
		bindings: make(map[int]*chipBinding),
	}, nil
}

// Claim requests the line. Outputs are requested with their initial value so
// there is no window where the line is driven to an undefined level.
// Inputs are requested with an event handler but edge detection disabled;
// Register turns edges on.
func (c *Chip) Claim(l Line) (Handle, error) {
	var opts []gpiocdev.LineReqOption
	if l.Direction == Output {
		opts = append(opts, gpiocdev.AsOutput(int(l.Initial)))
	} else {
		opts = append(opts,
			gpiocdev.AsInput,
			gpiocdev.WithEventHandler(c.dispatch),
		)
	}
	line, err := c.chip.RequestLine(l.Offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("request %s (offset %d): %w", l.Name, l.Offset, err)
	}
	return &chipLine{chip: c, line: line, decl: l}, nil
}

// Release puts the line back to input with pull-down (the Pi boot default)
// and closes the request. A request that is already closed is not an error.
func (c *Chip) Release(h Handle) error {
	cl, ok := h.(*chipLine)
	if !ok {
		return ErrNotClaimed
	}
	c.mu.Lock()
	delete(c.channels, channelFor(c.name, cl.decl.Offset))
	c.mu.Unlock()

	var errs []error
	if err := cl.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil && !errors.Is(err, gpiocdev.ErrClosed) {
		errs = append(errs, fmt.Errorf("reconfigure %s: %w", cl.decl.Name, err))
	}
	if err := cl.line.Close(); err != nil && !errors.Is(err, gpiocdev.ErrClosed) {
		errs = append(errs, fmt.Errorf("close %s: %w", cl.decl.Name, err))
	}
	return errors.Join(errs...)
}

// ResolveChannel returns the channel for an input line.
func (c *Chip) ResolveChannel(h Handle) (ChannelID, error) {
	cl, ok := h.(*chipLine)
	if !ok {
		return "", ErrNotClaimed
	}
	if cl.decl.Direction != Input {
		return "", fmt.Errorf("%s: %w", cl.decl.Name, ErrNotInput)
	}
	ch := channelFor(c.name, cl.decl.Offset)
	c.mu.Lock()
	c.channels[ch] = cl
	c.mu.Unlock()
	return ch, nil
}

// Register installs fn and enables edge detection on the line.
func (c *Chip) Register(ch ChannelID, edge Edge, fn Handler) (Binding, error) {
	c.mu.Lock()
	cl, ok := c.channels[ch]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("channel %s: %w", ch, ErrNotClaimed)
	}
	if b, busy := c.bindings[cl.decl.Offset]; busy && b.active {
		c.mu.Unlock()
		return nil, fmt.Errorf("channel %s: %w", ch, ErrBusy)
	}
	b := &chipBinding{line: cl, ch: ch, fn: fn, active: true}
	c.bindings[cl.decl.Offset] = b
	c.mu.Unlock()

	if err := cl.line.Reconfigure(gpiocdev.WithBothEdges); err != nil {
		c.mu.Lock()
		delete(c.bindings, cl.decl.Offset)
		c.mu.Unlock()
		return nil, fmt.Errorf("enable edges on %s: %w", cl.decl.Name, err)
	}
	return b, nil
}

// Deregister disables edge detection, then waits for any in-flight delivery.
func (c *Chip) Deregister(b Binding) error {
	cb, ok := b.(*chipBinding)
	if !ok {
		return fmt.Errorf("unknown binding %v", b)
	}
	err := cb.line.line.Reconfigure(gpiocdev.WithoutEdges)

	cb.mu.Lock()
	cb.active = false
	cb.fn = nil
	cb.mu.Unlock()

	c.mu.Lock()
	if c.bindings[cb.line.decl.Offset] == cb {
		delete(c.bindings, cb.line.decl.Offset)
	}
	c.mu.Unlock()

	if err != nil && !errors.Is(err, gpiocdev.ErrClosed) {
		return fmt.Errorf("disable edges on %s: %w", cb.line.decl.Name, err)
	}
	return nil
}

// Close releases the chip.
func (c *Chip) Close() error {
	return c.chip.Close()
}

// dispatch runs on the gpiocdev watcher goroutine of the line request, so
// deliveries for one line never overlap.
func (c *Chip) dispatch(evt gpiocdev.LineEvent) {
	c.mu.Lock()
	b := c.bindings[evt.Offset]
	c.mu.Unlock()
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.active {
		b.fn(b.ch)
	}
}

func (l *chipLine) Value() (Level, error) {
	v, err := l.line.Value()
	if err != nil {
		return Low, fmt.Errorf("read %s: %w", l.decl.Name, err)
	}
	if v != 0 {
		return High, nil
	}
	return Low, nil
}

func (l *chipLine) SetValue(v Level) error {
	if err := l.line.SetValue(int(v)); err != nil {
		return fmt.Errorf("write %s: %w", l.decl.Name, err)
	}
	return nil
}
