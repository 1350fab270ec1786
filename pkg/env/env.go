// Package env abstracts the host environment's connectivity and
// visibility signals behind an injectable probe, so the core never
// registers ambient event handlers of its own.
package env

import "sync"

// Probe reports environment hints. Online is only a hint: the operation
// queue verifies real connectivity with an HTTP health probe before
// replaying, because the local flag can be wrong.
type Probe interface {
	Online() bool
	OnVisibilityChange(fn func(visible bool)) (cancel func())
}

// StaticProbe is a Probe with caller-controlled state. It doubles as the
// production default for headless hosts and as the test double.
type StaticProbe struct {
	mu       sync.Mutex
	online   bool
	visible  bool
	handlers map[int]func(bool)
	nextID   int
}

func NewStaticProbe(online bool) *StaticProbe {
	return &StaticProbe{
		online:   online,
		visible:  true,
		handlers: make(map[int]func(bool)),
	}
}

func (p *StaticProbe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// SetOnline flips the online hint.
func (p *StaticProbe) SetOnline(online bool) {
	p.mu.Lock()
	p.online = online
	p.mu.Unlock()
}

func (p *StaticProbe) OnVisibilityChange(fn func(visible bool)) (cancel func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.handlers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

// SetVisible changes visibility and notifies registered handlers.
func (p *StaticProbe) SetVisible(visible bool) {
	p.mu.Lock()
	p.visible = visible
	handlers := make([]func(bool), 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(visible)
	}
}
