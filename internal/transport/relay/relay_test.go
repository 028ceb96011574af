package relay_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parlor-games/parlor/internal/transport"
	"github.com/parlor-games/parlor/internal/transport/relay"
)

func testRelay(t *testing.T) *relay.Client {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer().Routes())
	t.Cleanup(srv.Close)
	return relay.NewClient("ws" + strings.TrimPrefix(srv.URL, "http"))
}

func subscribe(t *testing.T, c *relay.Client, topic, key string) transport.Handle {
	t.Helper()
	h, err := c.Subscribe(context.Background(), topic, key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}

func TestSubscribeRequiresKey(t *testing.T) {
	srv := httptest.NewServer(relay.NewServer().Routes())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/game:sketch:AAAA")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBroadcastRoundTrip(t *testing.T) {
	c := testRelay(t)
	topic := transport.Topic("sketch", "AAAA22")

	h1 := subscribe(t, c, topic, "p1")
	h2 := subscribe(t, c, topic, "p2")

	var mtx sync.Mutex
	var got []string
	var senders []string
	h2.On("chat", func(payload json.RawMessage, meta transport.Meta) {
		mtx.Lock()
		defer mtx.Unlock()
		got = append(got, string(payload))
		senders = append(senders, meta.SenderID)
	})
	var echoed bool
	h1.On("chat", func(json.RawMessage, transport.Meta) {
		mtx.Lock()
		defer mtx.Unlock()
		echoed = true
	})

	require.NoError(t, h1.Send("chat", "hello"))

	eventually(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return len(got) == 1
	}, "broadcast never arrived")

	mtx.Lock()
	require.JSONEq(t, `"hello"`, got[0])
	require.Equal(t, "p1", senders[0])
	require.False(t, echoed, "sender must not hear its own broadcast")
	mtx.Unlock()
}

func TestPresenceLifecycleOverTheWire(t *testing.T) {
	c := testRelay(t)
	topic := transport.Topic("sketch", "BBBB33")

	h1 := subscribe(t, c, topic, "p1")
	require.NoError(t, h1.Track(map[string]string{"name": "P1"}))

	// A later subscriber receives the existing presence in its initial
	// sync frame without anyone re-tracking.
	h2 := subscribe(t, c, topic, "p2")
	eventually(t, func() bool {
		_, ok := h2.Presence()["p1"]
		return ok
	}, "initial sync missing the earlier member")

	var mtx sync.Mutex
	var kinds []transport.PresenceEventKind
	h1.OnPresence(func(ev transport.PresenceEvent) {
		mtx.Lock()
		defer mtx.Unlock()
		kinds = append(kinds, ev.Kind)
	})

	require.NoError(t, h2.Track(map[string]string{"name": "P2"}))
	eventually(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		for _, k := range kinds {
			if k == transport.PresenceJoin {
				return true
			}
		}
		return false
	}, "join never observed")

	require.NoError(t, h2.Close())
	eventually(t, func() bool {
		_, ok := h1.Presence()["p2"]
		return !ok
	}, "leave never pruned presence")
}

func TestTrackIsVisibleLocallyRightAway(t *testing.T) {
	c := testRelay(t)
	h := subscribe(t, c, transport.Topic("sketch", "CCCC44"), "p1")

	require.NoError(t, h.Track(map[string]string{"name": "P1"}))
	_, ok := h.Presence()["p1"]
	require.True(t, ok, "own track must be locally visible without waiting for the echo")
}

func TestTopicsDoNotLeakAcross(t *testing.T) {
	c := testRelay(t)

	h1 := subscribe(t, c, transport.Topic("sketch", "DDDD55"), "p1")
	h2 := subscribe(t, c, transport.Topic("judge", "DDDD55"), "p2")

	var mtx sync.Mutex
	var count int
	h2.On("chat", func(json.RawMessage, transport.Meta) {
		mtx.Lock()
		defer mtx.Unlock()
		count++
	})

	require.NoError(t, h1.Send("chat", "hello"))
	time.Sleep(100 * time.Millisecond)

	mtx.Lock()
	defer mtx.Unlock()
	require.Zero(t, count)
}

func TestClosedHandleRefusesWrites(t *testing.T) {
	c := testRelay(t)
	h := subscribe(t, c, transport.Topic("sketch", "EEEE66"), "p1")

	require.NoError(t, h.Close())
	require.ErrorIs(t, h.Send("chat", "x"), transport.ErrClosed)
	require.ErrorIs(t, h.Track("x"), transport.ErrClosed)
}
