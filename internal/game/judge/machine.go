package judge

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fastrand"

	"github.com/parlor-games/parlor/internal/roster"
	"github.com/parlor-games/parlor/internal/session"
)

// Card-judging game: every round one player is the czar, everyone else
// plays a card set against the prompt, the czar crowns a winner.

const (
	PhasePlaying session.Phase = "playing"
	PhaseJudging session.Phase = "judging"
	PhaseReveal  session.Phase = "reveal"
)

const (
	KindState = "state"
	KindHand  = "hand"
)

const (
	IntentSubmit     = "submit_cards"
	IntentPickWinner = "pick_winner"
)

type PlayerView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

type Submission struct {
	// PlayerID stays empty in broadcasts until the reveal, so the czar
	// judges cards, not friends.
	PlayerID string   `json:"playerId,omitempty"`
	Cards    []string `json:"cards"`
}

// State is the full session value. Hands, Deck and Prompts exist only on
// the host; Hand is the replica-local private projection of its own hand.
type State struct {
	Stage        session.Phase
	Round        int
	MaxRounds    int
	CzarIdx      int
	Players      []PlayerView
	Prompt       string
	HasSubmitted map[string]bool
	Submissions  []Submission
	WinnerID     string
	WinningCards []string

	Hand []string

	Hands   map[string][]string
	Deck    []string
	Prompts []string
}

func (s State) Phase() session.Phase { return s.Stage }

// Czar returns the current czar's player id.
func (s State) Czar() string {
	if len(s.Players) == 0 {
		return ""
	}
	return s.Players[s.CzarIdx%len(s.Players)].ID
}

// public is the field set every phase-change delta carries. It is always
// the full relevant snapshot, never an increment, so a replica that missed
// a delta self-heals on the next one.
type public struct {
	Stage        session.Phase   `json:"stage"`
	Round        int             `json:"round"`
	MaxRounds    int             `json:"maxRounds"`
	CzarIdx      int             `json:"czarIdx"`
	Players      []PlayerView    `json:"players"`
	Prompt       string          `json:"prompt"`
	HasSubmitted map[string]bool `json:"hasSubmitted"`
	Submissions  []Submission    `json:"submissions"`
	WinnerID     string          `json:"winnerId"`
	WinningCards []string        `json:"winningCards"`
}

type submitPayload struct {
	Cards []string `json:"cards"`
}

type pickPayload struct {
	Index int `json:"index"`
}

type handPayload struct {
	Cards []string `json:"cards"`
}

type Config struct {
	Rounds   int
	HandSize int
	Prompts  []string
	Cards    []string
}

// Machine implements session.Machine for the card game. The card and
// prompt banks are injected; their contents are someone else's problem.
type Machine struct {
	cfg Config
}

var _ session.Machine = (*Machine)(nil)

func NewMachine(cfg Config) *Machine {
	if cfg.Rounds <= 0 {
		cfg.Rounds = 5
	}
	if cfg.HandSize <= 0 {
		cfg.HandSize = 7
	}
	return &Machine{cfg: cfg}
}

func (m *Machine) Name() string { return "judge" }

func (m *Machine) Lobby() session.State {
	return State{Stage: session.PhaseLobby}
}

func (m *Machine) Start(_ session.State, players []roster.Player) (session.State, []session.Delta, error) {
	if len(players) < 3 {
		return nil, nil, fmt.Errorf("need at least 3 players, have %d", len(players))
	}
	if len(m.cfg.Cards) < len(players)*m.cfg.HandSize {
		return nil, nil, fmt.Errorf("card bank too small for %d players", len(players))
	}

	s := State{
		Stage:        PhasePlaying,
		Round:        1,
		MaxRounds:    m.cfg.Rounds,
		CzarIdx:      0,
		HasSubmitted: map[string]bool{},
		Hands:        map[string][]string{},
	}

	for _, p := range players {
		s.Players = append(s.Players, PlayerView{ID: p.ID, Name: p.Name})
	}

	s.Deck = shuffled(m.cfg.Cards)
	s.Prompts = shuffled(m.cfg.Prompts)
	s.Prompt, s.Prompts = s.Prompts[0], s.Prompts[1:]

	for _, p := range s.Players {
		s.Hands[p.ID] = s.Deck[:m.cfg.HandSize]
		s.Deck = s.Deck[m.cfg.HandSize:]
	}

	return s, m.deltasWithHands(s), nil
}

func (m *Machine) Apply(raw session.State, in session.Intent, _ int) (session.State, []session.Delta, error) {
	s := raw.(State)

	switch in.Kind {
	case IntentSubmit:
		return m.applySubmit(s, in)
	case IntentPickWinner:
		return m.applyPick(s, in)
	default:
		return nil, nil, session.Reject("unknown intent %s", in.Kind)
	}
}

func (m *Machine) applySubmit(s State, in session.Intent) (session.State, []session.Delta, error) {
	if s.Stage != PhasePlaying {
		return nil, nil, session.Reject("submit outside playing phase")
	}
	if in.SenderID == s.Czar() {
		return nil, nil, session.Reject("czar cannot submit")
	}
	if s.HasSubmitted[in.SenderID] {
		return nil, nil, session.Reject("%s already submitted", in.SenderID)
	}

	var p submitPayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return nil, nil, session.Reject("bad submit payload: %v", err)
	}
	if len(p.Cards) == 0 {
		return nil, nil, session.Reject("empty submission")
	}

	hand, ok := without(s.Hands[in.SenderID], p.Cards)
	if !ok {
		return nil, nil, session.Reject("cards not in hand")
	}

	s = clone(s)
	s.Hands[in.SenderID] = hand
	s.HasSubmitted[in.SenderID] = true
	s.Submissions = append(s.Submissions, Submission{PlayerID: in.SenderID, Cards: p.Cards})

	deltas := []session.Delta{}

	if m.allSubmitted(s) {
		s = m.toJudging(s)
	}

	deltas = append(deltas, m.stateDelta(s))
	deltas = append(deltas, handDelta(in.SenderID, s.Hands[in.SenderID]))
	return s, deltas, nil
}

func (m *Machine) applyPick(s State, in session.Intent) (session.State, []session.Delta, error) {
	if s.Stage != PhaseJudging {
		return nil, nil, session.Reject("pick outside judging phase")
	}
	if in.SenderID != s.Czar() {
		return nil, nil, session.Reject("%s is not the czar", in.SenderID)
	}

	var p pickPayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return nil, nil, session.Reject("bad pick payload: %v", err)
	}
	if p.Index < 0 || p.Index >= len(s.Submissions) {
		return nil, nil, session.Reject("submission index %d out of range", p.Index)
	}

	s = m.resolve(clone(s), p.Index)
	return s, []session.Delta{m.stateDelta(s)}, nil
}

// resolve crowns the winner and applies the point in the same transition,
// so replaying this delta lands on the right cumulative score in one hop.
func (m *Machine) resolve(s State, idx int) State {
	win := s.Submissions[idx]
	s.WinnerID = win.PlayerID
	s.WinningCards = win.Cards
	for i := range s.Players {
		if s.Players[i].ID == win.PlayerID {
			s.Players[i].Score++
		}
	}
	s.Stage = PhaseReveal
	return s
}

func (m *Machine) Timeout(raw session.State) (session.State, []session.Delta) {
	s := clone(raw.(State))

	switch s.Stage {
	case PhasePlaying:
		if len(s.Submissions) == 0 {
			// Nobody played; nothing to judge.
			s.WinnerID = ""
			s.WinningCards = nil
			s.Stage = PhaseReveal
			return s, []session.Delta{m.stateDelta(s)}
		}
		s = m.toJudging(s)
		return s, []session.Delta{m.stateDelta(s)}

	case PhaseJudging:
		idx := int(fastrand.Uint32n(uint32(len(s.Submissions))))
		s = m.resolve(s, idx)
		return s, []session.Delta{m.stateDelta(s)}

	case PhaseReveal:
		return m.nextRound(s)

	default:
		return s, nil
	}
}

func (m *Machine) nextRound(s State) (session.State, []session.Delta) {
	if s.Round >= s.MaxRounds {
		s.Stage = session.PhaseGameOver
		return s, []session.Delta{m.stateDelta(s)}
	}

	s.Round++
	s.CzarIdx = (s.CzarIdx + 1) % len(s.Players)
	s.Stage = PhasePlaying
	s.WinnerID = ""
	s.WinningCards = nil
	s.Submissions = nil
	s.HasSubmitted = map[string]bool{}

	if len(s.Prompts) == 0 {
		s.Prompts = shuffled(m.cfg.Prompts)
	}
	s.Prompt, s.Prompts = s.Prompts[0], s.Prompts[1:]

	for _, p := range s.Players {
		for len(s.Hands[p.ID]) < m.cfg.HandSize && len(s.Deck) > 0 {
			s.Hands[p.ID] = append(s.Hands[p.ID], s.Deck[0])
			s.Deck = s.Deck[1:]
		}
	}

	return s, m.deltasWithHands(s)
}

func (m *Machine) PhaseSeconds(raw session.State) (int, bool) {
	switch raw.(State).Stage {
	case PhasePlaying:
		return 60, true
	case PhaseJudging:
		return 30, true
	case PhaseReveal:
		return 5, true
	default:
		return 0, false
	}
}

func (m *Machine) Reduce(raw session.State, d session.Delta) (session.State, error) {
	s := raw.(State)

	switch d.Kind {
	case KindState:
		var p public
		if err := json.Unmarshal(d.Payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal state delta: %w", err)
		}
		next := State{
			Stage:        p.Stage,
			Round:        p.Round,
			MaxRounds:    p.MaxRounds,
			CzarIdx:      p.CzarIdx,
			Players:      p.Players,
			Prompt:       p.Prompt,
			HasSubmitted: p.HasSubmitted,
			Submissions:  p.Submissions,
			WinnerID:     p.WinnerID,
			WinningCards: p.WinningCards,
			Hand:         s.Hand,
		}
		return next, nil

	case KindHand:
		var p handPayload
		if err := json.Unmarshal(d.Payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal hand delta: %w", err)
		}
		s.Hand = p.Cards
		return s, nil

	default:
		return nil, fmt.Errorf("unknown delta kind %s", d.Kind)
	}
}

func (m *Machine) Snapshot(raw session.State, targetID string) []session.Delta {
	s := raw.(State)
	deltas := []session.Delta{m.stateDelta(s)}
	if targetID != "" {
		if hand, ok := s.Hands[targetID]; ok {
			deltas = append(deltas, handDelta(targetID, hand))
		}
	}
	return deltas
}

func (m *Machine) allSubmitted(s State) bool {
	for _, p := range s.Players {
		if p.ID == s.Czar() {
			continue
		}
		if !s.HasSubmitted[p.ID] {
			return false
		}
	}
	return true
}

// toJudging shuffles the submission order so the czar cannot match cards
// to submission order.
func (m *Machine) toJudging(s State) State {
	shuffleSubs(s.Submissions)
	s.Stage = PhaseJudging
	return s
}

func (m *Machine) stateDelta(s State) session.Delta {
	p := public{
		Stage:        s.Stage,
		Round:        s.Round,
		MaxRounds:    s.MaxRounds,
		CzarIdx:      s.CzarIdx,
		Players:      s.Players,
		Prompt:       s.Prompt,
		HasSubmitted: s.HasSubmitted,
		Submissions:  make([]Submission, len(s.Submissions)),
		WinnerID:     s.WinnerID,
		WinningCards: s.WinningCards,
	}
	for i, sub := range s.Submissions {
		p.Submissions[i] = Submission{Cards: sub.Cards}
		// Owners become visible only at the reveal.
		if s.Stage == PhaseReveal || s.Stage == session.PhaseGameOver {
			p.Submissions[i].PlayerID = sub.PlayerID
		}
	}
	return session.MustDelta(KindState, "", p)
}

func handDelta(playerID string, cards []string) session.Delta {
	return session.MustDelta(KindHand, playerID, handPayload{Cards: cards})
}

func (m *Machine) deltasWithHands(s State) []session.Delta {
	deltas := []session.Delta{m.stateDelta(s)}
	for _, p := range s.Players {
		deltas = append(deltas, handDelta(p.ID, s.Hands[p.ID]))
	}
	return deltas
}

func clone(s State) State {
	out := s
	out.Players = append([]PlayerView(nil), s.Players...)
	out.Submissions = append([]Submission(nil), s.Submissions...)
	out.HasSubmitted = make(map[string]bool, len(s.HasSubmitted))
	for k, v := range s.HasSubmitted {
		out.HasSubmitted[k] = v
	}
	out.Hands = make(map[string][]string, len(s.Hands))
	for k, v := range s.Hands {
		out.Hands[k] = append([]string(nil), v...)
	}
	out.Deck = append([]string(nil), s.Deck...)
	out.Prompts = append([]string(nil), s.Prompts...)
	return out
}

func shuffled(src []string) []string {
	out := append([]string(nil), src...)
	for i := len(out) - 1; i > 0; i-- {
		j := int(fastrand.Uint32n(uint32(i + 1)))
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func shuffleSubs(subs []Submission) {
	for i := len(subs) - 1; i > 0; i-- {
		j := int(fastrand.Uint32n(uint32(i + 1)))
		subs[i], subs[j] = subs[j], subs[i]
	}
}

// without removes cards from hand, failing if any card is missing.
func without(hand, cards []string) ([]string, bool) {
	out := append([]string(nil), hand...)
	for _, card := range cards {
		found := false
		for i, held := range out {
			if held == card {
				out = append(out[:i], out[i+1:]...)
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return out, true
}
