package quizgrid

import (
	"encoding/json"
	"fmt"

	"github.com/parlor-games/parlor/internal/roster"
	"github.com/parlor-games/parlor/internal/session"
)

// Buzzer quiz on a category/value board. Picks rotate around the table,
// everyone races to buzz, and the host judges spoken answers. Buzz order
// is decided by the buzzers' send timestamps, not by arrival order: the
// first buzz opens a short contest window in which an earlier-stamped
// buzz still displaces the provisional winner.

const (
	PhasePick    session.Phase = "board-pick"
	PhaseBuzz    session.Phase = "buzzing"
	PhaseContest session.Phase = "buzz-contest"
	PhaseAnswer  session.Phase = "answering"
	PhaseReveal  session.Phase = "reveal"
)

const KindState = "state"

const (
	IntentPickCell = "pick_cell"
	IntentBuzz     = "buzz"
	IntentJudge    = "judge_answer"
)

const contestSeconds = 1

type ClueCell struct {
	Clue   string `json:"clue"`
	Answer string `json:"answer,omitempty"`
	Value  int    `json:"value"`
	Used   bool   `json:"used"`
}

type Category struct {
	Name  string     `json:"name"`
	Clues []ClueCell `json:"clues"`
}

type Active struct {
	Category int    `json:"category"`
	Index    int    `json:"index"`
	Clue     string `json:"clue"`
	Answer   string `json:"answer,omitempty"`
	Value    int    `json:"value"`
}

type Outcome struct {
	PlayerID string `json:"playerId,omitempty"`
	Correct  bool   `json:"correct"`
	Answer   string `json:"answer"`
}

type State struct {
	Stage       session.Phase
	HostID      string
	Players     []string
	Names       map[string]string
	Scores      map[string]int
	Categories  []Category
	PickerIdx   int
	Current     *Active
	AttemptedBy []string
	BuzzWinner  string
	BuzzAt      int64
	Last        *Outcome
}

func (s State) Phase() session.Phase { return s.Stage }

func (s State) Picker() string {
	if len(s.Players) == 0 {
		return ""
	}
	return s.Players[s.PickerIdx%len(s.Players)]
}

type public struct {
	Stage       session.Phase     `json:"stage"`
	HostID      string            `json:"hostId"`
	Players     []string          `json:"players"`
	Names       map[string]string `json:"names"`
	Scores      map[string]int    `json:"scores"`
	Categories  []Category        `json:"categories"`
	PickerIdx   int               `json:"pickerIdx"`
	Current     *Active           `json:"current"`
	AttemptedBy []string          `json:"attemptedBy"`
	BuzzWinner  string            `json:"buzzWinner,omitempty"`
	Last        *Outcome          `json:"last"`
}

type pickPayload struct {
	Category int `json:"category"`
	Index    int `json:"index"`
}

type judgePayload struct {
	Correct bool `json:"correct"`
}

type Config struct {
	Categories    []Category
	PickSeconds   int
	BuzzSeconds   int
	AnswerSeconds int
	RevealSeconds int
}

type Machine struct {
	cfg Config
}

var _ session.Machine = (*Machine)(nil)

func NewMachine(cfg Config) *Machine {
	if cfg.PickSeconds <= 0 {
		cfg.PickSeconds = 30
	}
	if cfg.BuzzSeconds <= 0 {
		cfg.BuzzSeconds = 10
	}
	if cfg.AnswerSeconds <= 0 {
		cfg.AnswerSeconds = 15
	}
	if cfg.RevealSeconds <= 0 {
		cfg.RevealSeconds = 4
	}
	return &Machine{cfg: cfg}
}

func (m *Machine) Name() string { return "quizgrid" }

func (m *Machine) Lobby() session.State {
	return State{Stage: session.PhaseLobby}
}

func (m *Machine) Start(_ session.State, players []roster.Player) (session.State, []session.Delta, error) {
	if len(players) < 2 {
		return nil, nil, fmt.Errorf("need at least 2 players, have %d", len(players))
	}
	if len(m.cfg.Categories) == 0 {
		return nil, nil, fmt.Errorf("empty board")
	}

	s := State{
		Stage:      PhasePick,
		Names:      map[string]string{},
		Scores:     map[string]int{},
		Categories: cloneCategories(m.cfg.Categories),
	}
	for _, p := range players {
		if p.Host {
			s.HostID = p.ID
		}
		s.Players = append(s.Players, p.ID)
		s.Names[p.ID] = p.Name
		s.Scores[p.ID] = 0
	}

	return s, []session.Delta{m.stateDelta(s)}, nil
}

func (m *Machine) Apply(raw session.State, in session.Intent, _ int) (session.State, []session.Delta, error) {
	s := raw.(State)

	switch in.Kind {
	case IntentPickCell:
		return m.applyPick(s, in)
	case IntentBuzz:
		return m.applyBuzz(s, in)
	case IntentJudge:
		return m.applyJudge(s, in)
	default:
		return nil, nil, session.Reject("unknown intent %s", in.Kind)
	}
}

func (m *Machine) applyPick(s State, in session.Intent) (session.State, []session.Delta, error) {
	if s.Stage != PhasePick {
		return nil, nil, session.Reject("the board is not open")
	}
	if in.SenderID != s.Picker() {
		return nil, nil, session.Reject("%s does not have the pick", in.SenderID)
	}

	var p pickPayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return nil, nil, session.Reject("bad pick payload: %v", err)
	}
	if p.Category < 0 || p.Category >= len(s.Categories) {
		return nil, nil, session.Reject("category %d out of range", p.Category)
	}
	cat := s.Categories[p.Category]
	if p.Index < 0 || p.Index >= len(cat.Clues) {
		return nil, nil, session.Reject("clue %d out of range", p.Index)
	}
	if cat.Clues[p.Index].Used {
		return nil, nil, session.Reject("that cell is spent")
	}

	s = clone(s)
	cell := s.Categories[p.Category].Clues[p.Index]
	s.Current = &Active{
		Category: p.Category,
		Index:    p.Index,
		Clue:     cell.Clue,
		Answer:   cell.Answer,
		Value:    cell.Value,
	}
	s.AttemptedBy = nil
	s.BuzzWinner = ""
	s.BuzzAt = 0
	s.Last = nil
	s.Stage = PhaseBuzz
	return s, []session.Delta{m.stateDelta(s)}, nil
}

func (m *Machine) applyBuzz(s State, in session.Intent) (session.State, []session.Delta, error) {
	if s.Stage != PhaseBuzz && s.Stage != PhaseContest {
		return nil, nil, session.Reject("buzzers are locked")
	}
	if contains(s.AttemptedBy, in.SenderID) {
		return nil, nil, session.Reject("%s already attempted this clue", in.SenderID)
	}
	if _, ok := s.Scores[in.SenderID]; !ok {
		return nil, nil, session.Reject("%s is not playing", in.SenderID)
	}

	if s.Stage == PhaseContest && in.SentAt >= s.BuzzAt {
		return nil, nil, session.Reject("outdrawn")
	}

	s = clone(s)
	s.BuzzWinner = in.SenderID
	s.BuzzAt = in.SentAt
	s.Stage = PhaseContest
	return s, []session.Delta{m.stateDelta(s)}, nil
}

func (m *Machine) applyJudge(s State, in session.Intent) (session.State, []session.Delta, error) {
	if s.Stage != PhaseAnswer {
		return nil, nil, session.Reject("nothing to judge")
	}
	if in.SenderID != s.HostID {
		return nil, nil, session.Reject("only the host judges")
	}

	var p judgePayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return nil, nil, session.Reject("bad judge payload: %v", err)
	}

	s = clone(s)
	if p.Correct {
		s.Scores[s.BuzzWinner] += s.Current.Value
		s = s.toReveal(s.BuzzWinner, true)
	} else {
		s = s.missedAnswer()
	}
	return s, []session.Delta{m.stateDelta(s)}, nil
}

// missedAnswer charges the answerer and reopens the buzzers, or reveals
// the answer when nobody is left to try.
func (s State) missedAnswer() State {
	s.Scores[s.BuzzWinner] -= s.Current.Value
	s.AttemptedBy = append(s.AttemptedBy, s.BuzzWinner)
	s.BuzzWinner = ""
	s.BuzzAt = 0
	if len(s.AttemptedBy) >= len(s.Players) {
		return s.toReveal("", false)
	}
	s.Stage = PhaseBuzz
	return s
}

func (s State) toReveal(scorerID string, correct bool) State {
	s.Categories[s.Current.Category].Clues[s.Current.Index].Used = true
	s.Last = &Outcome{PlayerID: scorerID, Correct: correct, Answer: s.Current.Answer}
	s.Stage = PhaseReveal
	return s
}

func (s State) nextPick() State {
	s.Current = nil
	s.AttemptedBy = nil
	s.BuzzWinner = ""
	s.BuzzAt = 0
	if s.exhausted() {
		s.Stage = session.PhaseGameOver
		return s
	}
	s.PickerIdx = (s.PickerIdx + 1) % len(s.Players)
	s.Stage = PhasePick
	return s
}

func (s State) exhausted() bool {
	for _, cat := range s.Categories {
		for _, cell := range cat.Clues {
			if !cell.Used {
				return false
			}
		}
	}
	return true
}

func (m *Machine) Timeout(raw session.State) (session.State, []session.Delta) {
	s := clone(raw.(State))

	switch s.Stage {
	case PhasePick:
		// Picker dithered: open a random-looking but deterministic cell,
		// the first unspent one.
		for ci, cat := range s.Categories {
			for i, cell := range cat.Clues {
				if !cell.Used {
					s.Current = &Active{Category: ci, Index: i, Clue: cell.Clue, Answer: cell.Answer, Value: cell.Value}
					s.AttemptedBy = nil
					s.Last = nil
					s.Stage = PhaseBuzz
					return s, []session.Delta{m.stateDelta(s)}
				}
			}
		}
		s.Stage = session.PhaseGameOver
		return s, []session.Delta{m.stateDelta(s)}

	case PhaseBuzz:
		// Nobody buzzed.
		s = s.toReveal("", false)
		return s, []session.Delta{m.stateDelta(s)}

	case PhaseContest:
		// Window closed, provisional winner stands.
		s.Stage = PhaseAnswer
		return s, []session.Delta{m.stateDelta(s)}

	case PhaseAnswer:
		// Silence counts as a miss.
		s = s.missedAnswer()
		return s, []session.Delta{m.stateDelta(s)}

	case PhaseReveal:
		s = s.nextPick()
		return s, []session.Delta{m.stateDelta(s)}

	default:
		return s, nil
	}
}

func (m *Machine) PhaseSeconds(raw session.State) (int, bool) {
	switch raw.(State).Stage {
	case PhasePick:
		return m.cfg.PickSeconds, true
	case PhaseBuzz:
		return m.cfg.BuzzSeconds, true
	case PhaseContest:
		return contestSeconds, true
	case PhaseAnswer:
		return m.cfg.AnswerSeconds, true
	case PhaseReveal:
		return m.cfg.RevealSeconds, true
	default:
		return 0, false
	}
}

func (m *Machine) Reduce(raw session.State, d session.Delta) (session.State, error) {
	if d.Kind != KindState {
		return nil, fmt.Errorf("unknown delta kind %s", d.Kind)
	}
	var p public
	if err := json.Unmarshal(d.Payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal state delta: %w", err)
	}
	return State{
		Stage:       p.Stage,
		HostID:      p.HostID,
		Players:     p.Players,
		Names:       p.Names,
		Scores:      p.Scores,
		Categories:  p.Categories,
		PickerIdx:   p.PickerIdx,
		Current:     p.Current,
		AttemptedBy: p.AttemptedBy,
		BuzzWinner:  p.BuzzWinner,
		Last:        p.Last,
	}, nil
}

func (m *Machine) Snapshot(raw session.State, _ string) []session.Delta {
	return []session.Delta{m.stateDelta(raw.(State))}
}

// stateDelta strips answers: unspent cells and the live clue keep their
// answers host-side only, reveal publishes them through Last.
func (m *Machine) stateDelta(s State) session.Delta {
	cats := cloneCategories(s.Categories)
	for ci := range cats {
		for i := range cats[ci].Clues {
			if !cats[ci].Clues[i].Used {
				cats[ci].Clues[i].Answer = ""
			}
		}
	}
	var cur *Active
	if s.Current != nil {
		c := *s.Current
		c.Answer = ""
		cur = &c
	}
	return session.MustDelta(KindState, "", public{
		Stage:       s.Stage,
		HostID:      s.HostID,
		Players:     s.Players,
		Names:       s.Names,
		Scores:      s.Scores,
		Categories:  cats,
		PickerIdx:   s.PickerIdx,
		Current:     cur,
		AttemptedBy: s.AttemptedBy,
		BuzzWinner:  s.BuzzWinner,
		Last:        s.Last,
	})
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
	out.Players = append([]string(nil), s.Players...)
	out.Names = make(map[string]string, len(s.Names))
	for k, v := range s.Names {
		out.Names[k] = v
	}
	out.Scores = make(map[string]int, len(s.Scores))
	for k, v := range s.Scores {
		out.Scores[k] = v
	}
	out.Categories = cloneCategories(s.Categories)
	out.AttemptedBy = append([]string(nil), s.AttemptedBy...)
	if s.Current != nil {
		c := *s.Current
		out.Current = &c
	}
	if s.Last != nil {
		l := *s.Last
		out.Last = &l
	}
	return out
}

func cloneCategories(src []Category) []Category {
	out := make([]Category, len(src))
	for i, cat := range src {
		out[i] = Category{Name: cat.Name, Clues: append([]ClueCell(nil), cat.Clues...)}
	}
	return out
}
