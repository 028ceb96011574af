package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parlor-games/parlor/internal/roster"
)

// Phase names one step of a game's round loop. Every machine starts in
// PhaseLobby and ends in PhaseGameOver; what happens in between is the
// game's business.
type Phase string

const (
	PhaseLobby    Phase = "lobby"
	PhaseGameOver Phase = "game-over"
)

// State is the authoritative per-game value. The host owns the ground
// truth; replicas hold a projection that converges to it as deltas apply.
type State interface {
	Phase() Phase
}

// Intent is a player's request to affect the session. SentAt carries the
// sender's own clock in unix milliseconds; it is the tie-breaker wherever
// true simultaneity matters (buzz contests), since arrival order at the
// host depends on transport jitter.
type Intent struct {
	Kind     string          `json:"kind"`
	SenderID string          `json:"senderId"`
	SentAt   int64           `json:"sentAt"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Delta is a host-emitted state update. A non-empty TargetPlayerID marks a
// private payload (a dealt hand, a spymaster key); every other recipient
// drops it unread. Deltas are idempotent: applying one twice leaves the
// projection where applying it once did.
type Delta struct {
	Kind           string          `json:"kind"`
	TargetPlayerID string          `json:"targetPlayerId,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

func NewDelta(kind, target string, payload interface{}) (Delta, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Delta{}, fmt.Errorf("marshal %s delta: %w", kind, err)
	}
	return Delta{Kind: kind, TargetPlayerID: target, Payload: raw}, nil
}

// MustDelta is for payload types the machine itself defines, which cannot
// fail to marshal.
func MustDelta(kind, target string, payload interface{}) Delta {
	d, err := NewDelta(kind, target, payload)
	if err != nil {
		panic(err)
	}
	return d
}

// KindTimer is the framework-owned correction delta. Its payload is
// TimerPayload and it never reaches Machine.Reduce.
const KindTimer = "timer"

type TimerPayload struct {
	Remaining int `json:"remaining"`
}

// Wire message kinds shared by all games on a topic.
const (
	MsgIntent       = "intent"
	MsgDelta        = "delta"
	MsgRequestState = "request_state"
)

// Rejection is the internal reason an intent produced no transition. No
// NACK crosses the wire; the host logs the reason and the sender's
// optimistic view is corrected by the next authoritative delta.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return "intent rejected: " + r.Reason }

func Reject(format string, args ...interface{}) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

// Machine is one game's transition set. Implementations are pure: every
// method returns a new State and never retains or mutates its argument, so
// the host adapter stays the only serializer.
type Machine interface {
	// Name scopes the game's topic (game:<name>:<roomCode>).
	Name() string

	// Lobby is the pre-session state and the value EndGame resets to.
	Lobby() State

	// Start leaves the lobby with the given roster. Only the host adapter
	// calls it.
	Start(s State, players []roster.Player) (State, []Delta, error)

	// Apply handles one intent. remaining is the host countdown's current
	// value for phases that score by time. A *Rejection error means no
	// state change and no broadcast.
	Apply(s State, in Intent, remaining int) (State, []Delta, error)

	// Timeout is the phase's default transition, applied when the
	// countdown reaches zero before the phase's everyone-acted condition
	// is met. It must always make progress.
	Timeout(s State) (State, []Delta)

	// PhaseSeconds reports the countdown for the state's current phase,
	// or false for untimed phases.
	PhaseSeconds(s State) (int, bool)

	// Reduce applies a delta to a replica's projection by full field
	// replacement, never merge-patching.
	Reduce(proj State, d Delta) (State, error)

	// Snapshot rebuilds a late joiner: the full public state plus any
	// payload private to target.
	Snapshot(s State, targetID string) []Delta
}
