package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrClosed = errors.New("channel closed")

// Meta describes the sender of a broadcast as seen by a receiver.
type Meta struct {
	SenderID string
}

// Handler receives one broadcast payload. Handlers for a given handle are
// invoked one at a time from a single dispatch goroutine, in the order the
// messages were accepted, so a handle behaves like a single-threaded event
// loop.
type Handler func(payload json.RawMessage, meta Meta)

type PresenceEventKind string

const (
	PresenceSync  PresenceEventKind = "sync"
	PresenceJoin  PresenceEventKind = "join"
	PresenceLeave PresenceEventKind = "leave"
)

// PresenceEvent is delivered for every presence change on the topic. Sync
// events carry no key; the receiver is expected to read the full map via
// Handle.Presence.
type PresenceEvent struct {
	Kind  PresenceEventKind
	Key   string
	State json.RawMessage
}

type PresenceHandler func(ev PresenceEvent)

// Handle is one subscription to a topic. Broadcasts go to every other
// subscriber; the sender never receives its own messages. Delivery is
// reliable and in send order per sender once Subscribe has returned, with
// no replay of anything sent earlier.
type Handle interface {
	// On registers fn for broadcasts of the given kind. Later calls for
	// the same kind replace the handler.
	On(kind string, fn Handler)

	// OnPresence registers fn for presence events. Sync can fire at any
	// time, including before the local Track call has completed.
	OnPresence(fn PresenceHandler)

	Send(kind string, payload interface{}) error

	// Track publishes this connection's presence state under the key the
	// handle was subscribed with. It returns after the state is visible
	// in Presence() on this handle.
	Track(state interface{}) error

	// Presence returns the current presence snapshot for the topic.
	Presence() map[string]json.RawMessage

	// Close unsubscribes and tears down all handlers. Other subscribers
	// observe a presence leave if Track was called.
	Close() error
}

// Channel produces room-scoped topic subscriptions. key identifies this
// connection in presence (the player id).
type Channel interface {
	Subscribe(ctx context.Context, topic, key string) (Handle, error)
}

// Topic names one game's channel for a room, so switching game types never
// crosses streams on a shared topic.
func Topic(game, roomCode string) string {
	return fmt.Sprintf("game:%s:%s", game, roomCode)
}

// Envelope is the wire frame shared by the relay protocol and recorded
// message logs. T distinguishes broadcasts from presence traffic.
type Envelope struct {
	T    string          `json:"t"`
	Kind string          `json:"kind,omitempty"`
	From string          `json:"from,omitempty"`
	P    json.RawMessage `json:"p,omitempty"`
}

const (
	FrameMsg   = "msg"
	FrameTrack = "track"
	FrameSync  = "sync"
	FrameJoin  = "join"
	FrameLeave = "leave"
)

func Marshal(payload interface{}) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}
