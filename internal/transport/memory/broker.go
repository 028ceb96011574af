package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/parlor-games/parlor/internal/transport"
)

// Broker is a process-local transport.Channel. It backs single-process play
// and every protocol test: delivery is reliable and FIFO per sender, each
// handle dispatches from one goroutine, and a fresh subscriber receives an
// initial presence sync that may land before its own Track call - the same
// window the real relay has.
type Broker struct {
	mtx    sync.Mutex
	topics map[string]*topic
}

func NewBroker() *Broker {
	return &Broker{topics: map[string]*topic{}}
}

func (b *Broker) Subscribe(ctx context.Context, name, key string) (transport.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mtx.Lock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{name: name, presence: map[string]json.RawMessage{}}
		b.topics[name] = t
	}
	b.mtx.Unlock()

	h := &handle{
		topic:    t,
		key:      key,
		handlers: map[string]transport.Handler{},
		inbox:    make(chan event, 256),
		done:     make(chan struct{}),
	}
	go h.dispatch()

	t.mtx.Lock()
	t.subs = append(t.subs, h)
	// The initial full-presence sync. It is queued before the subscriber
	// had any chance to track itself.
	h.enqueue(event{presence: &transport.PresenceEvent{Kind: transport.PresenceSync}})
	t.mtx.Unlock()

	return h, nil
}

type topic struct {
	mtx      sync.Mutex
	name     string
	subs     []*handle
	presence map[string]json.RawMessage
}

func (t *topic) drop(h *handle) {
	for i, sub := range t.subs {
		if sub == h {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

type event struct {
	kind     string
	from     string
	payload  json.RawMessage
	presence *transport.PresenceEvent
}

type handle struct {
	topic *topic
	key   string

	mtx         sync.Mutex
	handlers    map[string]transport.Handler
	presenceFns []transport.PresenceHandler
	tracked     bool
	closed      bool

	inbox chan event
	done  chan struct{}
}

var _ transport.Handle = (*handle)(nil)

func (h *handle) dispatch() {
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.inbox:
			if ev.presence != nil {
				h.mtx.Lock()
				fns := make([]transport.PresenceHandler, len(h.presenceFns))
				copy(fns, h.presenceFns)
				h.mtx.Unlock()
				for _, fn := range fns {
					fn(*ev.presence)
				}
				continue
			}

			h.mtx.Lock()
			fn := h.handlers[ev.kind]
			h.mtx.Unlock()
			if fn != nil {
				fn(ev.payload, transport.Meta{SenderID: ev.from})
			}
		}
	}
}

func (h *handle) enqueue(ev event) {
	select {
	case <-h.done:
	case h.inbox <- ev:
	}
}

func (h *handle) On(kind string, fn transport.Handler) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.handlers[kind] = fn
}

func (h *handle) OnPresence(fn transport.PresenceHandler) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.presenceFns = append(h.presenceFns, fn)
}

func (h *handle) Send(kind string, payload interface{}) error {
	h.mtx.Lock()
	closed := h.closed
	h.mtx.Unlock()
	if closed {
		return transport.ErrClosed
	}

	raw, err := transport.Marshal(payload)
	if err != nil {
		return err
	}

	t := h.topic
	t.mtx.Lock()
	defer t.mtx.Unlock()
	for _, sub := range t.subs {
		if sub == h {
			continue
		}
		sub.enqueue(event{kind: kind, from: h.key, payload: raw})
	}
	return nil
}

func (h *handle) Track(state interface{}) error {
	h.mtx.Lock()
	closed := h.closed
	h.mtx.Unlock()
	if closed {
		return transport.ErrClosed
	}

	raw, err := transport.Marshal(state)
	if err != nil {
		return err
	}

	t := h.topic
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.presence[h.key] = raw

	h.mtx.Lock()
	h.tracked = true
	h.mtx.Unlock()

	for _, sub := range t.subs {
		if sub != h {
			sub.enqueue(event{presence: &transport.PresenceEvent{
				Kind:  transport.PresenceJoin,
				Key:   h.key,
				State: raw,
			}})
		}
		sub.enqueue(event{presence: &transport.PresenceEvent{Kind: transport.PresenceSync}})
	}
	return nil
}

func (h *handle) Presence() map[string]json.RawMessage {
	t := h.topic
	t.mtx.Lock()
	defer t.mtx.Unlock()

	snapshot := make(map[string]json.RawMessage, len(t.presence))
	for k, v := range t.presence {
		snapshot[k] = v
	}
	return snapshot
}

func (h *handle) Close() error {
	h.mtx.Lock()
	if h.closed {
		h.mtx.Unlock()
		return nil
	}
	h.closed = true
	tracked := h.tracked
	h.mtx.Unlock()

	t := h.topic
	t.mtx.Lock()
	t.drop(h)
	if tracked {
		state := t.presence[h.key]
		delete(t.presence, h.key)
		for _, sub := range t.subs {
			sub.enqueue(event{presence: &transport.PresenceEvent{
				Kind:  transport.PresenceLeave,
				Key:   h.key,
				State: state,
			}})
			sub.enqueue(event{presence: &transport.PresenceEvent{Kind: transport.PresenceSync}})
		}
	}
	t.mtx.Unlock()

	close(h.done)
	return nil
}
