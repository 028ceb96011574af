package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/parlor-games/parlor/internal/logging"
	"github.com/parlor-games/parlor/internal/transport"
)

// Replica holds a non-host client's projection of the session. It never
// transitions state on its own: deltas come in and replace fields, local
// user actions go out as intents, and the only local mutation allowed is
// an explicitly second-tier predicted overlay that the next authoritative
// delta wipes.
type Replica struct {
	machine Machine
	handle  transport.Handle
	selfID  string
	clock   Clock
	log     *zap.SugaredLogger

	inbox chan replicaMsg
	done  chan struct{}

	confirmed State
	predicted State
	remaining int

	onChange func()
}

type replicaMsg interface{ isReplicaMsg() }

type deltaMsg struct{ d Delta }

type predictMsg struct{ fn func(State) State }

type replicaViewMsg struct{ reply chan ReplicaView }

func (deltaMsg) isReplicaMsg()       {}
func (predictMsg) isReplicaMsg()     {}
func (replicaViewMsg) isReplicaMsg() {}

// ReplicaView is the displayable projection. State is the predicted
// overlay when one is pending, otherwise the last confirmed value.
type ReplicaView struct {
	State     State
	Remaining int
}

func NewReplica(machine Machine, handle transport.Handle, selfID string, clock Clock) *Replica {
	r := &Replica{
		machine:   machine,
		handle:    handle,
		selfID:    selfID,
		clock:     clock,
		log:       logging.DefaultLogger(),
		inbox:     make(chan replicaMsg, 64),
		done:      make(chan struct{}),
		confirmed: machine.Lobby(),
	}

	handle.On(MsgDelta, func(payload json.RawMessage, meta transport.Meta) {
		var d Delta
		if err := json.Unmarshal(payload, &d); err != nil {
			return
		}
		if d.TargetPlayerID != "" && d.TargetPlayerID != r.selfID {
			return
		}
		r.enqueue(deltaMsg{d: d})
	})

	return r
}

func (r *Replica) OnChange(fn func()) { r.onChange = fn }

// Run requests the current state once and then applies whatever the host
// sends, until ctx is cancelled. Without that initial snapshot a client
// that subscribed mid-session would stay frozen on the lobby view, since
// broadcasts from before it subscribed are gone.
func (r *Replica) Run(ctx context.Context) {
	r.log = logging.FromContext(ctx).Named(r.machine.Name() + ".replica")
	defer close(r.done)

	if err := r.handle.Send(MsgRequestState, struct{}{}); err != nil {
		r.log.Errorf("request state: %v", err)
	}

	ticker := r.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			// Advisory interpolation between corrections. The next
			// timer delta overwrites whatever this computed.
			if r.remaining > 0 {
				r.remaining--
				r.changed()
			}
		case m := <-r.inbox:
			switch msg := m.(type) {
			case deltaMsg:
				r.apply(msg.d)
			case predictMsg:
				r.predicted = msg.fn(r.projection())
				r.changed()
			case replicaViewMsg:
				msg.reply <- ReplicaView{State: r.projection(), Remaining: r.remaining}
			}
		}
	}
}

func (r *Replica) enqueue(m replicaMsg) {
	select {
	case <-r.done:
	case r.inbox <- m:
	}
}

// SendIntent broadcasts a local user action to the host. The local
// projection is not touched; use Predict for optimistic display.
func (r *Replica) SendIntent(kind string, payload interface{}) error {
	raw, err := transport.Marshal(payload)
	if err != nil {
		return err
	}
	return r.handle.Send(MsgIntent, Intent{
		Kind:     kind,
		SenderID: r.selfID,
		SentAt:   r.clock.Now().UnixMilli(),
		Payload:  raw,
	})
}

// Predict installs an optimistic overlay for UI responsiveness. It is
// never treated as confirmed: the next delta from the host clears it.
func (r *Replica) Predict(fn func(State) State) {
	r.enqueue(predictMsg{fn: fn})
}

// View returns a race-free copy of the projection.
func (r *Replica) View() ReplicaView {
	reply := make(chan ReplicaView, 1)
	r.enqueue(replicaViewMsg{reply: reply})
	select {
	case <-r.done:
		return ReplicaView{State: r.confirmed, Remaining: r.remaining}
	case v := <-reply:
		return v
	}
}

func (r *Replica) apply(d Delta) {
	if d.Kind == KindTimer {
		var p TimerPayload
		if err := json.Unmarshal(d.Payload, &p); err != nil {
			return
		}
		r.remaining = p.Remaining
		r.changed()
		return
	}

	next, err := r.machine.Reduce(r.confirmed, d)
	if err != nil {
		r.log.Errorf("reduce %s delta: %v", d.Kind, err)
		return
	}
	r.confirmed = next
	r.predicted = nil
	r.changed()
}

func (r *Replica) projection() State {
	if r.predicted != nil {
		return r.predicted
	}
	return r.confirmed
}

func (r *Replica) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}
