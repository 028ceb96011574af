package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/parlor-games/parlor/internal/logging"
	"github.com/parlor-games/parlor/internal/roster"
	"github.com/parlor-games/parlor/internal/transport"
)

// Authority is the capability to mutate session state. Only Host
// implements it today; host failover would substitute another
// implementation without touching the machines.
type Authority interface {
	StartGame() error
	EndGame()
	Do(kind string, payload interface{}) error
}

// Corrections go out every couple of seconds rather than every tick, to
// bound replica drift without one message per second.
const correctionEvery = 2

// Host owns the authoritative State for one room's session. All mutation
// is serialized through a single event loop: network intents, the host
// player's own actions, state requests and the countdown all land in the
// same goroutine and run to completion one at a time.
//
// The host player's own actions enter through Do, which feeds the exact
// same intent path as the network. There is deliberately no second,
// "local" mutation path.
type Host struct {
	machine Machine
	handle  transport.Handle
	roster  *roster.Roster
	clock   Clock
	log     *zap.SugaredLogger

	inbox chan hostMsg
	done  chan struct{}

	state                State
	remaining            int
	timed                bool
	ticksSinceCorrection int
	pendingSync          []string

	onChange func(State, int)
}

var _ Authority = (*Host)(nil)

type hostMsg interface{ isHostMsg() }

type intentMsg struct{ in Intent }

type stateReqMsg struct{ from string }

type startMsg struct{ reply chan error }

type endMsg struct{}

type viewMsg struct{ reply chan HostView }

func (intentMsg) isHostMsg()   {}
func (stateReqMsg) isHostMsg() {}
func (startMsg) isHostMsg()    {}
func (endMsg) isHostMsg()      {}
func (viewMsg) isHostMsg()     {}

// HostView reflects the loop-owned state without data races.
type HostView struct {
	State     State
	Remaining int
}

func NewHost(machine Machine, handle transport.Handle, rost *roster.Roster, clock Clock) *Host {
	h := &Host{
		machine: machine,
		handle:  handle,
		roster:  rost,
		clock:   clock,
		log:     logging.DefaultLogger(),
		inbox:   make(chan hostMsg, 64),
		done:    make(chan struct{}),
		state:   machine.Lobby(),
	}

	handle.On(MsgIntent, func(payload json.RawMessage, meta transport.Meta) {
		var in Intent
		if err := json.Unmarshal(payload, &in); err != nil {
			return
		}
		// The envelope's sender is authoritative over whatever the
		// payload claims.
		in.SenderID = meta.SenderID
		h.enqueue(intentMsg{in: in})
	})
	handle.On(MsgRequestState, func(payload json.RawMessage, meta transport.Meta) {
		h.enqueue(stateReqMsg{from: meta.SenderID})
	})

	return h
}

// OnChange registers a callback invoked from the event loop after every
// committed transition and timer update. Set it before Run.
func (h *Host) OnChange(fn func(State, int)) { h.onChange = fn }

// Run drives the event loop until ctx is cancelled. The one-second ticker
// it owns is the only real countdown in the whole room.
func (h *Host) Run(ctx context.Context) {
	h.log = logging.FromContext(ctx).Named(h.machine.Name() + ".host")
	ticker := h.clock.NewTicker(time.Second)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			h.tick()
		case m := <-h.inbox:
			switch msg := m.(type) {
			case intentMsg:
				h.handleIntent(msg.in)
			case stateReqMsg:
				// Deferred to the next tick: a request racing our own
				// subscribe handshake would otherwise see a host that
				// is not settled yet.
				h.pendingSync = append(h.pendingSync, msg.from)
			case startMsg:
				msg.reply <- h.handleStart()
			case endMsg:
				h.handleEnd()
			case viewMsg:
				msg.reply <- HostView{State: h.state, Remaining: h.remaining}
			}
		}
	}
}

func (h *Host) enqueue(m hostMsg) {
	select {
	case <-h.done:
	case h.inbox <- m:
	}
}

// StartGame transitions out of the lobby with the current roster.
func (h *Host) StartGame() error {
	reply := make(chan error, 1)
	h.enqueue(startMsg{reply: reply})
	select {
	case <-h.done:
		return transport.ErrClosed
	case err := <-reply:
		return err
	}
}

// EndGame resets the session to the lobby value and tells everyone.
func (h *Host) EndGame() {
	h.enqueue(endMsg{})
}

// Do submits the host player's own action. It skips the network round-trip
// but not the validation path.
func (h *Host) Do(kind string, payload interface{}) error {
	raw, err := transport.Marshal(payload)
	if err != nil {
		return err
	}
	h.enqueue(intentMsg{in: Intent{
		Kind:     kind,
		SenderID: h.roster.Self().ID,
		SentAt:   h.clock.Now().UnixMilli(),
		Payload:  raw,
	}})
	return nil
}

// View returns a race-free copy of the loop's state, for tests and the
// host's own display.
func (h *Host) View() HostView {
	reply := make(chan HostView, 1)
	h.enqueue(viewMsg{reply: reply})
	select {
	case <-h.done:
		return HostView{State: h.state, Remaining: h.remaining}
	case v := <-reply:
		return v
	}
}

func (h *Host) tick() {
	if len(h.pendingSync) > 0 {
		for _, target := range h.pendingSync {
			h.sendSnapshot(target)
		}
		h.pendingSync = h.pendingSync[:0]
	}

	if !h.timed {
		return
	}

	h.remaining--
	if h.remaining <= 0 {
		// Expiry is not a message of its own: the timeout transition is
		// applied in the same tick that zeroed the countdown, and
		// replicas observe it as a regular phase-change delta.
		prevPhase := h.state.Phase()
		next, deltas := h.machine.Timeout(h.state)
		h.commit(next, deltas)
		if h.timed && h.state.Phase() == prevPhase {
			h.armTimer()
		}
		return
	}

	h.ticksSinceCorrection++
	if h.ticksSinceCorrection >= correctionEvery {
		h.ticksSinceCorrection = 0
		h.sendTimer("")
	}
}

func (h *Host) handleIntent(in Intent) {
	next, deltas, err := h.machine.Apply(h.state, in, h.remaining)
	if err != nil {
		if IsRejection(err) {
			h.log.Debugf("dropped %s from %s: %v", in.Kind, in.SenderID, err)
		} else {
			h.log.Errorf("apply %s from %s: %v", in.Kind, in.SenderID, err)
		}
		return
	}
	h.commit(next, deltas)
}

func (h *Host) handleStart() error {
	next, deltas, err := h.machine.Start(h.state, h.roster.Players())
	if err != nil {
		return err
	}
	h.commit(next, deltas)
	return nil
}

func (h *Host) handleEnd() {
	lobby := h.machine.Lobby()
	h.commit(lobby, h.machine.Snapshot(lobby, ""))
}

func (h *Host) commit(next State, deltas []Delta) {
	phaseChanged := next.Phase() != h.state.Phase()
	h.state = next

	for _, d := range deltas {
		h.send(d)
	}

	if phaseChanged {
		h.armTimer()
		if h.timed {
			h.sendTimer("")
		}
	}

	if h.onChange != nil {
		h.onChange(h.state, h.remaining)
	}
}

func (h *Host) armTimer() {
	secs, ok := h.machine.PhaseSeconds(h.state)
	h.timed = ok
	h.remaining = secs
	h.ticksSinceCorrection = 0
}

func (h *Host) sendSnapshot(target string) {
	for _, d := range h.machine.Snapshot(h.state, target) {
		h.send(d)
	}
	if h.timed {
		h.sendTimer(target)
	}
}

func (h *Host) sendTimer(target string) {
	h.send(MustDelta(KindTimer, target, TimerPayload{Remaining: h.remaining}))
}

func (h *Host) send(d Delta) {
	if err := h.handle.Send(MsgDelta, d); err != nil {
		h.log.Errorf("broadcast %s delta: %v", d.Kind, err)
	}
}
