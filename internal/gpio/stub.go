//go:build !linux

package gpio

import "errors"

// Chip is not available on non-Linux platforms.
type Chip struct{}

// NewChip returns an error on non-Linux platforms.
func NewChip(name string) (*Chip, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// Claim is not implemented on non-Linux platforms.
func (c *Chip) Claim(l Line) (Handle, error) {
	return nil, errors.New("gpio: not supported")
}

// Release is not implemented on non-Linux platforms.
func (c *Chip) Release(h Handle) error {
	return nil
}

// ResolveChannel is not implemented on non-Linux platforms.
func (c *Chip) ResolveChannel(h Handle) (ChannelID, error) {
	return "", errors.New("gpio: not supported")
}

// Register is not implemented on non-Linux platforms.
func (c *Chip) Register(ch ChannelID, edge Edge, fn Handler) (Binding, error) {
	return nil, errors.New("gpio: not supported")
}

// Deregister is not implemented on non-Linux platforms.
func (c *Chip) Deregister(b Binding) error {
	return nil
}

// Close is not implemented on non-Linux platforms.
func (c *Chip) Close() error {
	return nil
}
