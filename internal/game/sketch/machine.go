package sketch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/valyala/fastrand"

	"github.com/parlor-games/parlor/internal/roster"
	"github.com/parlor-games/parlor/internal/session"
)

// Drawing-and-guessing game. The drawer rotates each turn, picks one of
// three dealt words and draws it; everyone else races to guess. Stroke
// payloads pass through opaque: the machine only sequences and stores them
// so late joiners can replay the picture.

const (
	PhaseChoosing session.Phase = "choosing-word"
	PhaseDrawing  session.Phase = "drawing"
	PhaseSummary  session.Phase = "turn-summary"
)

const (
	KindState  = "state"
	KindWord   = "word"
	KindStroke = "stroke"
)

const (
	IntentChooseWord = "choose_word"
	IntentGuess      = "guess"
	IntentStroke     = "stroke"
)

const drawerBonus = 10

type PlayerView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

type State struct {
	Stage      session.Phase
	Round      int
	MaxRounds  int
	Turn       int
	DrawerIdx  int
	Players    []PlayerView
	WordMask   string
	Guessed    map[string]bool
	Strokes    []json.RawMessage
	LastWord   string
	Increments map[string]int

	// Drawer-private projection.
	Word        string
	WordChoices []string

	// Host-only.
	HostWord    string
	HostChoices []string
	Bank        []string
}

func (s State) Phase() session.Phase { return s.Stage }

func (s State) Drawer() string {
	if len(s.Players) == 0 {
		return ""
	}
	return s.Players[s.DrawerIdx%len(s.Players)].ID
}

type public struct {
	Stage      session.Phase     `json:"stage"`
	Round      int               `json:"round"`
	MaxRounds  int               `json:"maxRounds"`
	Turn       int               `json:"turn"`
	DrawerIdx  int               `json:"drawerIdx"`
	Players    []PlayerView      `json:"players"`
	WordMask   string            `json:"wordMask"`
	Guessed    map[string]bool   `json:"guessed"`
	Strokes    []json.RawMessage `json:"strokes"`
	LastWord   string            `json:"lastWord"`
	Increments map[string]int    `json:"increments"`
}

type wordPayload struct {
	Word    string   `json:"word,omitempty"`
	Choices []string `json:"choices,omitempty"`
}

type choosePayload struct {
	Word string `json:"word"`
}

type guessPayload struct {
	Text string `json:"text"`
}

// strokePayload sequences opaque canvas data. Seq makes re-application
// idempotent: a replica appends only the stroke it is missing.
type strokePayload struct {
	Seq  int             `json:"seq"`
	Data json.RawMessage `json:"data"`
}

type Config struct {
	Rounds         int
	Words          []string
	DrawingSeconds int
}

type Machine struct {
	cfg Config
}

var _ session.Machine = (*Machine)(nil)

func NewMachine(cfg Config) *Machine {
	if cfg.Rounds <= 0 {
		cfg.Rounds = 3
	}
	if cfg.DrawingSeconds <= 0 {
		cfg.DrawingSeconds = 80
	}
	return &Machine{cfg: cfg}
}

func (m *Machine) Name() string { return "sketch" }

func (m *Machine) Lobby() session.State {
	return State{Stage: session.PhaseLobby}
}

func (m *Machine) Start(_ session.State, players []roster.Player) (session.State, []session.Delta, error) {
	if len(players) < 2 {
		return nil, nil, fmt.Errorf("need at least 2 players, have %d", len(players))
	}
	if len(m.cfg.Words) < 3 {
		return nil, nil, fmt.Errorf("word bank too small")
	}

	s := State{
		Round:     1,
		MaxRounds: m.cfg.Rounds,
		Turn:      1,
		DrawerIdx: 0,
		Bank:      shuffled(m.cfg.Words),
	}
	for _, p := range players {
		s.Players = append(s.Players, PlayerView{ID: p.ID, Name: p.Name})
	}

	s = m.dealChoices(s)
	return s, m.choosingDeltas(s), nil
}

// dealChoices enters choosing-word with three fresh options for the drawer.
func (m *Machine) dealChoices(s State) State {
	s.Stage = PhaseChoosing
	s.Guessed = map[string]bool{}
	s.Strokes = nil
	s.Increments = map[string]int{}
	s.HostWord = ""
	s.WordMask = ""

	if len(s.Bank) < 3 {
		s.Bank = shuffled(m.cfg.Words)
	}
	s.HostChoices = append([]string(nil), s.Bank[:3]...)
	s.Bank = s.Bank[3:]
	return s
}

func (m *Machine) Apply(raw session.State, in session.Intent, remaining int) (session.State, []session.Delta, error) {
	s := raw.(State)

	switch in.Kind {
	case IntentChooseWord:
		return m.applyChoose(s, in)
	case IntentGuess:
		return m.applyGuess(s, in, remaining)
	case IntentStroke:
		return m.applyStroke(s, in)
	default:
		return nil, nil, session.Reject("unknown intent %s", in.Kind)
	}
}

func (m *Machine) applyChoose(s State, in session.Intent) (session.State, []session.Delta, error) {
	if s.Stage != PhaseChoosing {
		return nil, nil, session.Reject("choose outside choosing phase")
	}
	if in.SenderID != s.Drawer() {
		return nil, nil, session.Reject("%s is not the drawer", in.SenderID)
	}

	var p choosePayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return nil, nil, session.Reject("bad choose payload: %v", err)
	}
	if !contains(s.HostChoices, p.Word) {
		return nil, nil, session.Reject("word not among the choices")
	}

	s = m.beginDrawing(clone(s), p.Word)
	return s, m.drawingDeltas(s), nil
}

func (m *Machine) beginDrawing(s State, word string) State {
	s.Stage = PhaseDrawing
	s.HostWord = word
	s.HostChoices = nil
	s.WordMask = mask(word)
	return s
}

func (m *Machine) applyGuess(s State, in session.Intent, remaining int) (session.State, []session.Delta, error) {
	if s.Stage != PhaseDrawing {
		return nil, nil, session.Reject("guess outside drawing phase")
	}
	if in.SenderID == s.Drawer() {
		return nil, nil, session.Reject("drawer cannot guess")
	}
	if s.Guessed[in.SenderID] {
		return nil, nil, session.Reject("%s already guessed it", in.SenderID)
	}

	var p guessPayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return nil, nil, session.Reject("bad guess payload: %v", err)
	}
	if !strings.EqualFold(strings.TrimSpace(p.Text), s.HostWord) {
		// Wrong guesses are chat traffic, not state.
		return nil, nil, session.Reject("wrong guess")
	}

	s = clone(s)
	s.Guessed[in.SenderID] = true
	// Earlier guesses are worth more: score by the time still on the
	// clock, drawer gets a flat cut per correct guess.
	if remaining < 1 {
		remaining = 1
	}
	for i := range s.Players {
		switch s.Players[i].ID {
		case in.SenderID:
			s.Players[i].Score += remaining
			s.Increments[in.SenderID] += remaining
		case s.Drawer():
			s.Players[i].Score += drawerBonus
			s.Increments[s.Drawer()] += drawerBonus
		}
	}

	if m.allGuessed(s) {
		s = m.endTurn(s)
	}
	return s, []session.Delta{m.stateDelta(s)}, nil
}

func (m *Machine) applyStroke(s State, in session.Intent) (session.State, []session.Delta, error) {
	if s.Stage != PhaseDrawing {
		return nil, nil, session.Reject("stroke outside drawing phase")
	}
	if in.SenderID != s.Drawer() {
		return nil, nil, session.Reject("%s is not the drawer", in.SenderID)
	}

	s = clone(s)
	seq := len(s.Strokes)
	s.Strokes = append(s.Strokes, in.Payload)
	return s, []session.Delta{
		session.MustDelta(KindStroke, "", strokePayload{Seq: seq, Data: in.Payload}),
	}, nil
}

// endTurn reveals the word, entering turn-summary. Scores were already
// applied guess by guess; Increments carries this turn's share for the
// summary display.
func (m *Machine) endTurn(s State) State {
	s.Stage = PhaseSummary
	s.LastWord = s.HostWord
	return s
}

func (m *Machine) Timeout(raw session.State) (session.State, []session.Delta) {
	s := clone(raw.(State))

	switch s.Stage {
	case PhaseChoosing:
		// Drawer dithered; pick for them.
		word := s.HostChoices[fastrand.Uint32n(uint32(len(s.HostChoices)))]
		s = m.beginDrawing(s, word)
		return s, m.drawingDeltas(s)

	case PhaseDrawing:
		s = m.endTurn(s)
		return s, []session.Delta{m.stateDelta(s)}

	case PhaseSummary:
		return m.nextTurn(s)

	default:
		return s, nil
	}
}

func (m *Machine) nextTurn(s State) (session.State, []session.Delta) {
	s.DrawerIdx = (s.DrawerIdx + 1) % len(s.Players)
	s.Turn++
	if s.Turn > len(s.Players)*s.MaxRounds {
		s.Stage = session.PhaseGameOver
		return s, []session.Delta{m.stateDelta(s)}
	}
	if (s.Turn-1)%len(s.Players) == 0 {
		s.Round++
	}

	s = m.dealChoices(s)
	return s, m.choosingDeltas(s)
}

func (m *Machine) PhaseSeconds(raw session.State) (int, bool) {
	switch raw.(State).Stage {
	case PhaseChoosing:
		return 15, true
	case PhaseDrawing:
		return m.cfg.DrawingSeconds, true
	case PhaseSummary:
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
			Stage:       p.Stage,
			Round:       p.Round,
			MaxRounds:   p.MaxRounds,
			Turn:        p.Turn,
			DrawerIdx:   p.DrawerIdx,
			Players:     p.Players,
			WordMask:    p.WordMask,
			Guessed:     p.Guessed,
			Strokes:     p.Strokes,
			LastWord:    p.LastWord,
			Increments:  p.Increments,
			Word:        s.Word,
			WordChoices: s.WordChoices,
		}
		if p.Stage != PhaseDrawing {
			next.Word = ""
		}
		if p.Stage != PhaseChoosing {
			next.WordChoices = nil
		}
		return next, nil

	case KindWord:
		var p wordPayload
		if err := json.Unmarshal(d.Payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal word delta: %w", err)
		}
		s.Word = p.Word
		s.WordChoices = p.Choices
		return s, nil

	case KindStroke:
		var p strokePayload
		if err := json.Unmarshal(d.Payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal stroke delta: %w", err)
		}
		if p.Seq != len(s.Strokes) {
			// Duplicate or out-of-order stroke; the next full snapshot
			// heals anything actually missing.
			return s, nil
		}
		s.Strokes = append(append([]json.RawMessage(nil), s.Strokes...), p.Data)
		return s, nil

	default:
		return nil, fmt.Errorf("unknown delta kind %s", d.Kind)
	}
}

func (m *Machine) Snapshot(raw session.State, targetID string) []session.Delta {
	s := raw.(State)
	deltas := []session.Delta{m.stateDelta(s)}
	if targetID != "" && targetID == s.Drawer() {
		deltas = append(deltas, m.wordDelta(s))
	}
	return deltas
}

func (m *Machine) allGuessed(s State) bool {
	for _, p := range s.Players {
		if p.ID == s.Drawer() {
			continue
		}
		if !s.Guessed[p.ID] {
			return false
		}
	}
	return true
}

func (m *Machine) stateDelta(s State) session.Delta {
	return session.MustDelta(KindState, "", public{
		Stage:      s.Stage,
		Round:      s.Round,
		MaxRounds:  s.MaxRounds,
		Turn:       s.Turn,
		DrawerIdx:  s.DrawerIdx,
		Players:    s.Players,
		WordMask:   s.WordMask,
		Guessed:    s.Guessed,
		Strokes:    s.Strokes,
		LastWord:   s.LastWord,
		Increments: s.Increments,
	})
}

func (m *Machine) wordDelta(s State) session.Delta {
	return session.MustDelta(KindWord, s.Drawer(), wordPayload{
		Word:    s.HostWord,
		Choices: s.HostChoices,
	})
}

func (m *Machine) choosingDeltas(s State) []session.Delta {
	return []session.Delta{m.stateDelta(s), m.wordDelta(s)}
}

func (m *Machine) drawingDeltas(s State) []session.Delta {
	return []session.Delta{m.stateDelta(s), m.wordDelta(s)}
}

func mask(word string) string {
	out := []rune(word)
	for i, r := range out {
		if r != ' ' {
			out[i] = '_'
		}
	}
	return string(out)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func clone(s State) State {
	out := s
	out.Players = append([]PlayerView(nil), s.Players...)
	out.Strokes = append([]json.RawMessage(nil), s.Strokes...)
	out.HostChoices = append([]string(nil), s.HostChoices...)
	out.Bank = append([]string(nil), s.Bank...)
	out.Guessed = make(map[string]bool, len(s.Guessed))
	for k, v := range s.Guessed {
		out.Guessed[k] = v
	}
	if s.Increments != nil {
		out.Increments = make(map[string]int, len(s.Increments))
		for k, v := range s.Increments {
			out.Increments[k] = v
		}
	}
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
