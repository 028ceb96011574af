package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/parlor-games/parlor/internal/logging"
	"github.com/parlor-games/parlor/internal/transport"
)

// Roster derives the ordered player list for a room from presence state.
//
// The derivation is gated on the local player having published itself: the
// channel can deliver a full presence sync before the local Track call has
// completed, and reacting to that early (empty or partial) view would
// transiently evict correctly-joined players from the display. Until the
// gate opens every sync/join/leave callback is a no-op; once Track returns
// the roster is recomputed once from the channel's current snapshot, which
// also picks up anyone who joined during the window.
type Roster struct {
	mtx sync.Mutex

	handle   transport.Handle
	self     Player
	onChange func([]Player)

	hasPublishedSelf bool
	players          []Player
}

// New builds a roster around the local player. Missing identity fields
// are filled in, so every published record carries a stable id and an
// avatar even when the caller provides neither.
func New(handle transport.Handle, self Player, onChange func([]Player)) *Roster {
	if self.ID == "" {
		self.ID = NewID()
	}
	if self.Avatar == "" {
		self.Avatar = DefaultAvatar()
	}
	r := &Roster{
		handle:   handle,
		self:     self,
		onChange: onChange,
	}
	handle.OnPresence(r.handlePresence)
	return r
}

// Join publishes the local player's presence record and opens the gate.
func (r *Roster) Join(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("roster.join")

	if err := r.handle.Track(r.self); err != nil {
		return fmt.Errorf("track self: %w", err)
	}

	r.mtx.Lock()
	r.hasPublishedSelf = true
	r.mtx.Unlock()

	logger.Debugf("published self %s, recomputing roster", r.self.ID)
	r.recompute()
	return nil
}

// Self returns the local player's published record.
func (r *Roster) Self() Player {
	return r.self
}

// Players returns the current derived roster, host first, then ascending
// join time.
func (r *Roster) Players() []Player {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]Player, len(r.players))
	copy(out, r.players)
	return out
}

func (r *Roster) handlePresence(ev transport.PresenceEvent) {
	r.mtx.Lock()
	published := r.hasPublishedSelf
	r.mtx.Unlock()
	if !published {
		return
	}
	r.recompute()
}

// recompute derives the roster from the channel's presence snapshot rather
// than from the triggering event, so it never trails a burst of changes.
func (r *Roster) recompute() {
	snapshot := r.handle.Presence()

	players := make([]Player, 0, len(snapshot))
	for key, raw := range snapshot {
		var p Player
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if p.ID == "" {
			p.ID = key
		}
		players = append(players, p)
	}

	sort.Slice(players, func(i, j int) bool {
		if players[i].Host != players[j].Host {
			return players[i].Host
		}
		return players[i].JoinedAt.Before(players[j].JoinedAt)
	})

	r.mtx.Lock()
	changed := !equal(r.players, players)
	r.players = players
	onChange := r.onChange
	r.mtx.Unlock()

	if changed && onChange != nil {
		onChange(players)
	}
}

func equal(a, b []Player) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
