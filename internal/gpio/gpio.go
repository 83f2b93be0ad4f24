// Package gpio provides line ownership and edge notification with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultChip is the gpiochip the daemon claims lines on.
const DefaultChip = "gpiochip0"

// Direction is the direction a line is claimed in.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

// Level is the logical value of a line.
type Level int

const (
	Low Level = iota
	High
)

func (l Level) String() string {
	if l == High {
		return "HIGH"
	}
	return "LOW"
}

// ParseLevel accepts low/high (any case) and 0/1.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "0":
		return Low, nil
	case "high", "1":
		return High, nil
	}
	return Low, fmt.Errorf("invalid level %q", s)
}

// Line declares a line to be claimed.
type Line struct {
	Name      string
	Offset    int
	Direction Direction
	Initial   Level // outputs only
}

// Handle is a claimed line.
type Handle interface {
	Value() (Level, error)
	SetValue(Level) error
}

// ChannelID identifies the edge notification channel of an input line.
type ChannelID string

// Edge selects which transitions are delivered.
type Edge int

const (
	BothEdges Edge = iota
)

// Outcome is returned by a Handler.
type Outcome int

const (
	Handled Outcome = iota
)

// Handler is invoked on edge delivery. It must not block.
type Handler func(ch ChannelID) Outcome

// Binding is an active handler registration, used to deregister it.
type Binding interface {
	Channel() ChannelID
}

// Owner claims and releases exclusive ownership of lines.
type Owner interface {
	// Claim requests the line. Outputs are driven to Initial as part of the request.
	Claim(l Line) (Handle, error)

	// Release gives the line back. Releasing twice is harmless.
	Release(h Handle) error
}

// Notifier delivers edge events from claimed input lines.
type Notifier interface {
	ResolveChannel(h Handle) (ChannelID, error)
	Register(ch ChannelID, edge Edge, fn Handler) (Binding, error)

	// Deregister is synchronous: when it returns, fn is not running and
	// will not be called again for the channel.
	Deregister(b Binding) error
}

// Errors reported by the environment.
var (
	ErrBusy       = errors.New("gpio: line busy")
	ErrNotInput   = errors.New("gpio: line is not an input")
	ErrNotClaimed = errors.New("gpio: line not claimed")
	ErrClosed     = errors.New("gpio: chip closed")
)
