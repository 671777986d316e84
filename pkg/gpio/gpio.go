// Package gpio models the input pins the link fabric drives, most notably
// the VSYNC pin that raises a CPU interrupt on its rising edge.
package gpio

import "sync"

// Pin is a single input pin. Writes are serialised; an optional callback
// fires on each rising edge.
type Pin struct {
	mu     sync.Mutex
	level  bool
	onRise func()
}

// NewPin returns a pin at low level with no edge callback.
func NewPin() *Pin { return &Pin{} }

// OnRise installs the rising-edge callback. The callback runs on the
// writer's goroutine while no lock is held.
func (p *Pin) OnRise(fn func()) {
	p.mu.Lock()
	p.onRise = fn
	p.mu.Unlock()
}

// Set drives the pin to the given level.
func (p *Pin) Set(level bool) {
	p.mu.Lock()
	rising := level && !p.level
	p.level = level
	fn := p.onRise
	p.mu.Unlock()
	if rising && fn != nil {
		fn()
	}
}

// Pulse drives the pin high then low, producing exactly one rising edge.
func (p *Pin) Pulse() {
	p.Set(true)
	p.Set(false)
}

// Level reports the current pin level.
func (p *Pin) Level() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}
