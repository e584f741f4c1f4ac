package realtime

import (
	"log/slog"
	"sync"

	v1 "sentinel/shared/contracts/realtime/v1"
)

// Handler receives one inbound envelope of the type it was registered for.
type Handler func(env v1.Envelope)

type registration struct {
	id uint64
	fn Handler
}

// Listeners is the per-channel event listener registry.
//
// Handlers run on the channel's read goroutine and must not block. A panicking
// handler is logged and the remaining handlers still run.
type Listeners struct {
	log *slog.Logger

	mu     sync.Mutex
	nextID uint64
	byType map[string][]registration
	closed bool
}

// NewListeners returns an empty registry.
func NewListeners(log *slog.Logger) *Listeners {
	if log == nil {
		log = slog.Default()
	}
	return &Listeners{log: log, byType: make(map[string][]registration)}
}

// On registers fn for events of typ and returns a function removing it.
// Registering on a closed registry is a no-op.
func (l *Listeners) On(typ string, fn Handler) func() {
	if fn == nil {
		return func() {}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return func() {}
	}

	l.nextID++
	id := l.nextID
	l.byType[typ] = append(l.byType[typ], registration{id: id, fn: fn})

	return func() { l.remove(typ, id) }
}

func (l *Listeners) remove(typ string, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	regs := l.byType[typ]
	for i, r := range regs {
		if r.id == id {
			l.byType[typ] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(l.byType[typ]) == 0 {
		delete(l.byType, typ)
	}
}

// RemoveAll drops every handler and closes the registry for new ones.
func (l *Listeners) RemoveAll() {
	l.mu.Lock()
	l.byType = make(map[string][]registration)
	l.closed = true
	l.mu.Unlock()
}

// Len returns the number of registered handlers.
func (l *Listeners) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, regs := range l.byType {
		n += len(regs)
	}
	return n
}

// Dispatch delivers env to the handlers registered for its type and reports
// how many ran.
func (l *Listeners) Dispatch(env v1.Envelope) int {
	l.mu.Lock()
	regs := append([]registration(nil), l.byType[env.Type]...)
	l.mu.Unlock()

	for _, r := range regs {
		l.call(r.fn, env)
	}
	return len(regs)
}

func (l *Listeners) call(fn Handler, env v1.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("channel.listener.panic", "type", env.Type, "envelope_id", env.ID, "panic", r)
		}
	}()
	fn(env)
}
