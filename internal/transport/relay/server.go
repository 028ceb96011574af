package relay

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/parlor-games/parlor/internal/logging"
	"github.com/parlor-games/parlor/internal/transport"
)

// Server carries topic traffic between clients. It is content-blind: every
// broadcast payload passes through unread, and the only structure it
// understands is the frame envelope and presence tracking.
type Server struct {
	mtx    sync.Mutex
	topics map[string]*serverTopic

	// Broadcast budget per connection. Generous enough for stroke relay,
	// tight enough to keep one runaway tab from starving a room.
	msgRate  rate.Limit
	msgBurst int
}

func NewServer() *Server {
	return &Server{
		topics:   map[string]*serverTopic{},
		msgRate:  rate.Limit(100),
		msgBurst: 200,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients come from arbitrary origins; rooms are gated by
	// knowing the code, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Routes mounts the topic websocket endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/{topic}", s.handleTopic)
	return r
}

func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context()).Named("relay.topic")

	name := chi.URLParam(r, "topic")
	key := r.URL.Query().Get("key")
	if name == "" || key == "" {
		http.Error(w, "topic and key required", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugf("upgrade: %v", err)
		return
	}

	t := s.topic(name)
	c := &serverConn{
		ws:      ws,
		key:     key,
		outbox:  make(chan transport.Envelope, 256),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(s.msgRate, s.msgBurst),
	}
	t.add(c)

	go c.writeLoop()
	c.readLoop(t, logger)

	t.remove(c)
	close(c.done)
	_ = ws.Close()
}

func (s *Server) topic(name string) *serverTopic {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	t, ok := s.topics[name]
	if !ok {
		t = &serverTopic{presence: map[string]json.RawMessage{}}
		s.topics[name] = t
	}
	return t
}

type serverTopic struct {
	mtx      sync.Mutex
	conns    []*serverConn
	presence map[string]json.RawMessage
}

func (t *serverTopic) add(c *serverConn) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.conns = append(t.conns, c)
	// New subscriber sees the presence picture as of now. This can reach
	// the client before its own track round-trips; the roster layer is
	// built to cope.
	c.push(t.syncFrame())
}

func (t *serverTopic) remove(c *serverConn) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	for i, conn := range t.conns {
		if conn == c {
			t.conns = append(t.conns[:i], t.conns[i+1:]...)
			break
		}
	}
	if c.tracked {
		state := t.presence[c.key]
		delete(t.presence, c.key)
		for _, conn := range t.conns {
			conn.push(transport.Envelope{T: transport.FrameLeave, From: c.key, P: state})
			conn.push(t.syncFrame())
		}
	}
}

func (t *serverTopic) broadcast(from *serverConn, kind string, payload json.RawMessage) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	for _, conn := range t.conns {
		if conn == from {
			continue
		}
		conn.push(transport.Envelope{T: transport.FrameMsg, Kind: kind, From: from.key, P: payload})
	}
}

func (t *serverTopic) track(c *serverConn, state json.RawMessage) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.presence[c.key] = state
	c.tracked = true
	for _, conn := range t.conns {
		if conn != c {
			conn.push(transport.Envelope{T: transport.FrameJoin, From: c.key, P: state})
		}
		conn.push(t.syncFrame())
	}
}

// syncFrame snapshots presence into a full-state frame. Callers hold the
// topic lock.
func (t *serverTopic) syncFrame() transport.Envelope {
	snapshot := make(map[string]json.RawMessage, len(t.presence))
	for k, v := range t.presence {
		snapshot[k] = v
	}
	payload, _ := json.Marshal(snapshot)
	return transport.Envelope{T: transport.FrameSync, P: payload}
}

type serverConn struct {
	ws      *websocket.Conn
	key     string
	tracked bool
	outbox  chan transport.Envelope
	done    chan struct{}
	limiter *rate.Limiter
}

// push enqueues a frame for the single writer goroutine. A connection that
// cannot drain its outbox loses the frames; a stuck reader will fall back
// to a state request once it recovers.
func (c *serverConn) push(env transport.Envelope) {
	select {
	case c.outbox <- env:
	default:
	}
}

func (c *serverConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.outbox:
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		}
	}
}

func (c *serverConn) readLoop(t *serverTopic, logger interface{ Debugf(string, ...interface{}) }) {
	for {
		var env transport.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}

		switch env.T {
		case transport.FrameMsg:
			if !c.limiter.Allow() {
				logger.Debugf("rate limited %s", c.key)
				continue
			}
			t.broadcast(c, env.Kind, env.P)
		case transport.FrameTrack:
			t.track(c, env.P)
		}
	}
}
