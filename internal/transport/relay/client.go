package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/parlor-games/parlor/internal/transport"
)

// Client is the transport.Channel that speaks to a relay Server. One
// websocket per subscribed topic; frames are dispatched from the single
// read goroutine, which preserves per-sender order.
type Client struct {
	baseURL string
}

// NewClient takes the relay's base URL, e.g. ws://host:port/topics.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL}
}

var _ transport.Channel = (*Client)(nil)

func (c *Client) Subscribe(ctx context.Context, topic, key string) (transport.Handle, error) {
	u := fmt.Sprintf("%s/%s?key=%s", c.baseURL, url.PathEscape(topic), url.QueryEscape(key))

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}

	h := &clientHandle{
		ws:       ws,
		key:      key,
		handlers: map[string]transport.Handler{},
		presence: map[string]json.RawMessage{},
		done:     make(chan struct{}),
	}
	go h.readLoop()
	return h, nil
}

type clientHandle struct {
	ws  *websocket.Conn
	key string

	writeMtx sync.Mutex

	mtx         sync.Mutex
	handlers    map[string]transport.Handler
	presenceFns []transport.PresenceHandler
	presence    map[string]json.RawMessage
	closed      bool

	done chan struct{}
}

var _ transport.Handle = (*clientHandle)(nil)

func (h *clientHandle) readLoop() {
	for {
		var env transport.Envelope
		if err := h.ws.ReadJSON(&env); err != nil {
			return
		}

		switch env.T {
		case transport.FrameMsg:
			h.mtx.Lock()
			fn := h.handlers[env.Kind]
			h.mtx.Unlock()
			if fn != nil {
				fn(env.P, transport.Meta{SenderID: env.From})
			}

		case transport.FrameSync:
			var snapshot map[string]json.RawMessage
			if err := json.Unmarshal(env.P, &snapshot); err != nil {
				continue
			}
			h.mtx.Lock()
			h.presence = snapshot
			h.mtx.Unlock()
			h.firePresence(transport.PresenceEvent{Kind: transport.PresenceSync})

		case transport.FrameJoin:
			h.mtx.Lock()
			h.presence[env.From] = env.P
			h.mtx.Unlock()
			h.firePresence(transport.PresenceEvent{
				Kind:  transport.PresenceJoin,
				Key:   env.From,
				State: env.P,
			})

		case transport.FrameLeave:
			h.mtx.Lock()
			delete(h.presence, env.From)
			h.mtx.Unlock()
			h.firePresence(transport.PresenceEvent{
				Kind:  transport.PresenceLeave,
				Key:   env.From,
				State: env.P,
			})
		}
	}
}

func (h *clientHandle) firePresence(ev transport.PresenceEvent) {
	h.mtx.Lock()
	fns := make([]transport.PresenceHandler, len(h.presenceFns))
	copy(fns, h.presenceFns)
	h.mtx.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (h *clientHandle) On(kind string, fn transport.Handler) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.handlers[kind] = fn
}

func (h *clientHandle) OnPresence(fn transport.PresenceHandler) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.presenceFns = append(h.presenceFns, fn)
}

func (h *clientHandle) Send(kind string, payload interface{}) error {
	raw, err := transport.Marshal(payload)
	if err != nil {
		return err
	}
	return h.write(transport.Envelope{T: transport.FrameMsg, Kind: kind, P: raw})
}

func (h *clientHandle) Track(state interface{}) error {
	raw, err := transport.Marshal(state)
	if err != nil {
		return err
	}
	if err := h.write(transport.Envelope{T: transport.FrameTrack, P: raw}); err != nil {
		return err
	}

	// Our own entry is visible locally as soon as the track frame is on
	// the wire; the server's sync echo confirms it for everyone else.
	h.mtx.Lock()
	h.presence[h.key] = raw
	h.mtx.Unlock()
	return nil
}

func (h *clientHandle) Presence() map[string]json.RawMessage {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	snapshot := make(map[string]json.RawMessage, len(h.presence))
	for k, v := range h.presence {
		snapshot[k] = v
	}
	return snapshot
}

func (h *clientHandle) write(env transport.Envelope) error {
	h.mtx.Lock()
	closed := h.closed
	h.mtx.Unlock()
	if closed {
		return transport.ErrClosed
	}

	h.writeMtx.Lock()
	defer h.writeMtx.Unlock()
	return h.ws.WriteJSON(env)
}

func (h *clientHandle) Close() error {
	h.mtx.Lock()
	if h.closed {
		h.mtx.Unlock()
		return nil
	}
	h.closed = true
	h.mtx.Unlock()

	close(h.done)
	return h.ws.Close()
}
