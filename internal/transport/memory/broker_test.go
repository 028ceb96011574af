package memory_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parlor-games/parlor/internal/transport"
	"github.com/parlor-games/parlor/internal/transport/memory"
)

func subscribe(t *testing.T, b *memory.Broker, topic, id string) transport.Handle {
	t.Helper()
	h, err := b.Subscribe(context.Background(), topic, id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

type msg struct {
	payload string
	from    string
}

// collector accumulates delivered messages of one kind.
type collector struct {
	mtx  sync.Mutex
	msgs []msg
}

func (c *collector) handler(payload json.RawMessage, meta transport.Meta) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.msgs = append(c.msgs, msg{payload: string(payload), from: meta.SenderID})
}

func (c *collector) all() []msg {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	out := make([]msg, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestSendReachesEveryoneButTheSender(t *testing.T) {
	b := memory.NewBroker()
	h1 := subscribe(t, b, "game:sketch:AAAA", "p1")
	h2 := subscribe(t, b, "game:sketch:AAAA", "p2")
	h3 := subscribe(t, b, "game:sketch:AAAA", "p3")

	var c1, c2, c3 collector
	h1.On("chat", c1.handler)
	h2.On("chat", c2.handler)
	h3.On("chat", c3.handler)

	require.NoError(t, h1.Send("chat", "hello"))

	eventually(t, func() bool { return len(c2.all()) == 1 && len(c3.all()) == 1 }, "delivery incomplete")
	require.Equal(t, "p1", c2.all()[0].from)
	require.JSONEq(t, `"hello"`, c2.all()[0].payload)
	require.Empty(t, c1.all(), "sender must not hear its own message")
}

func TestSendIsFIFOPerSender(t *testing.T) {
	b := memory.NewBroker()
	h1 := subscribe(t, b, "game:sketch:AAAA", "p1")
	h2 := subscribe(t, b, "game:sketch:AAAA", "p2")

	var c collector
	h2.On("n", c.handler)

	for i := 0; i < 20; i++ {
		require.NoError(t, h1.Send("n", i))
	}

	eventually(t, func() bool { return len(c.all()) == 20 }, "delivery incomplete")
	for i, m := range c.all() {
		var n int
		require.NoError(t, json.Unmarshal([]byte(m.payload), &n))
		require.Equal(t, i, n, "message %d out of order", i)
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	b := memory.NewBroker()
	h1 := subscribe(t, b, "game:sketch:AAAA", "p1")
	h2 := subscribe(t, b, "game:sketch:BBBB", "p2")

	var c collector
	h2.On("chat", c.handler)

	require.NoError(t, h1.Send("chat", "hello"))
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, c.all())
}

func TestTrackPublishesPresence(t *testing.T) {
	b := memory.NewBroker()
	h1 := subscribe(t, b, "game:sketch:AAAA", "p1")
	h2 := subscribe(t, b, "game:sketch:AAAA", "p2")

	var events []transport.PresenceEventKind
	var mtx sync.Mutex
	h2.OnPresence(func(ev transport.PresenceEvent) {
		mtx.Lock()
		defer mtx.Unlock()
		events = append(events, ev.Kind)
	})

	require.NoError(t, h1.Track(map[string]string{"name": "P1"}))

	eventually(t, func() bool {
		snap := h2.Presence()
		_, ok := snap["p1"]
		return ok
	}, "presence never visible")

	eventually(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		for _, k := range events {
			if k == transport.PresenceJoin {
				return true
			}
		}
		return false
	}, "join event never delivered")
}

func TestInitialSyncArrivesBeforeTrack(t *testing.T) {
	b := memory.NewBroker()

	h1 := subscribe(t, b, "game:sketch:AAAA", "p1")
	require.NoError(t, h1.Track("one"))

	h2 := subscribe(t, b, "game:sketch:AAAA", "p2")
	var got []transport.PresenceEvent
	var mtx sync.Mutex
	h2.OnPresence(func(ev transport.PresenceEvent) {
		mtx.Lock()
		defer mtx.Unlock()
		got = append(got, ev)
	})

	// The queued initial sync fires without p2 ever calling Track.
	eventually(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return len(got) > 0 && got[0].Kind == transport.PresenceSync
	}, "initial sync never delivered")
}

func TestCloseEmitsLeaveAndClearsPresence(t *testing.T) {
	b := memory.NewBroker()
	h1 := subscribe(t, b, "game:sketch:AAAA", "p1")
	h2 := subscribe(t, b, "game:sketch:AAAA", "p2")

	require.NoError(t, h1.Track("one"))
	eventually(t, func() bool {
		_, ok := h2.Presence()["p1"]
		return ok
	}, "track never landed")

	var sawLeave bool
	var mtx sync.Mutex
	h2.OnPresence(func(ev transport.PresenceEvent) {
		mtx.Lock()
		defer mtx.Unlock()
		if ev.Kind == transport.PresenceLeave && ev.Key == "p1" {
			sawLeave = true
		}
	})

	require.NoError(t, h1.Close())

	eventually(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return sawLeave
	}, "leave event never delivered")
	require.NotContains(t, h2.Presence(), "p1")

	require.ErrorIs(t, h1.Send("chat", "x"), transport.ErrClosed)
	require.ErrorIs(t, h1.Track("x"), transport.ErrClosed)
}
