package codewords

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fastrand"

	"github.com/parlor-games/parlor/internal/roster"
	"github.com/parlor-games/parlor/internal/session"
)

// Word-clue team game on a 5x5 board. Spymasters see every cell's owner;
// operatives vote cells and confirm guesses against their spymaster's
// clue. Revealing the assassin loses on the spot.

const (
	PhaseTeamSetup session.Phase = "team-setup"
	PhaseClue      session.Phase = "spymaster-clue"
	PhaseGuess     session.Phase = "operative-guess"
)

const (
	TeamRed  = "red"
	TeamBlue = "blue"

	OwnerNeutral  = "neutral"
	OwnerAssassin = "assassin"
)

const (
	KindState = "state"
	KindKey   = "key"
)

const (
	IntentJoinTeam     = "join_team"
	IntentSetSpymaster = "set_spymaster"
	IntentBegin        = "begin_play"
	IntentGiveClue     = "give_clue"
	IntentVoteCell     = "vote_cell"
	IntentUnvoteCell   = "unvote_cell"
	IntentConfirm      = "confirm_guess"
	IntentEndTurn      = "end_turn"
)

const boardSize = 25

type Cell struct {
	Word     string   `json:"word"`
	Owner    string   `json:"owner,omitempty"`
	Revealed bool     `json:"revealed"`
	Votes    []string `json:"votes,omitempty"`
}

type Clue struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

type State struct {
	Stage        session.Phase
	TimerEnabled bool
	HostID       string
	Names        map[string]string
	Teams        map[string]string
	Spymasters   map[string]string
	Board        []Cell
	TurnTeam     string
	CurrentClue  *Clue
	GuessesLeft  int
	RedLeft      int
	BlueLeft     int
	Winner       string

	// Spymaster-private projection: owner per cell index.
	Key []string
}

func (s State) Phase() session.Phase { return s.Stage }

type public struct {
	Stage        session.Phase     `json:"stage"`
	TimerEnabled bool              `json:"timerEnabled"`
	HostID       string            `json:"hostId"`
	Names        map[string]string `json:"names"`
	Teams        map[string]string `json:"teams"`
	Spymasters   map[string]string `json:"spymasters"`
	Board        []Cell            `json:"board"`
	TurnTeam     string            `json:"turnTeam"`
	CurrentClue  *Clue             `json:"currentClue"`
	GuessesLeft  int               `json:"guessesLeft"`
	RedLeft      int               `json:"redLeft"`
	BlueLeft     int               `json:"blueLeft"`
	Winner       string            `json:"winner"`
}

type keyPayload struct {
	Owners []string `json:"owners"`
}

type teamPayload struct {
	Team string `json:"team"`
}

type cluePayload struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

type cellPayload struct {
	Index int `json:"index"`
}

type Config struct {
	Words        []string
	TimerEnabled bool
	ClueSeconds  int
	GuessSeconds int
}

type Machine struct {
	cfg Config
}

var _ session.Machine = (*Machine)(nil)

func NewMachine(cfg Config) *Machine {
	if cfg.ClueSeconds <= 0 {
		cfg.ClueSeconds = 90
	}
	if cfg.GuessSeconds <= 0 {
		cfg.GuessSeconds = 120
	}
	return &Machine{cfg: cfg}
}

func (m *Machine) Name() string { return "codewords" }

func (m *Machine) Lobby() session.State {
	return State{Stage: session.PhaseLobby}
}

func (m *Machine) Start(_ session.State, players []roster.Player) (session.State, []session.Delta, error) {
	if len(players) < 4 {
		return nil, nil, fmt.Errorf("need at least 4 players, have %d", len(players))
	}
	if len(m.cfg.Words) < boardSize {
		return nil, nil, fmt.Errorf("word bank smaller than the board")
	}

	s := State{
		Stage:        PhaseTeamSetup,
		TimerEnabled: m.cfg.TimerEnabled,
		Names:        map[string]string{},
		Teams:        map[string]string{},
		Spymasters:   map[string]string{},
	}

	// Deterministic default split; players shuffle themselves afterwards.
	for i, p := range players {
		if p.Host {
			s.HostID = p.ID
		}
		s.Names[p.ID] = p.Name
		team := TeamRed
		if i%2 == 1 {
			team = TeamBlue
		}
		s.Teams[p.ID] = team
		if s.Spymasters[team] == "" {
			s.Spymasters[team] = p.ID
		}
	}

	return s, []session.Delta{m.stateDelta(s)}, nil
}

func (m *Machine) Apply(raw session.State, in session.Intent, _ int) (session.State, []session.Delta, error) {
	s := raw.(State)

	switch in.Kind {
	case IntentJoinTeam:
		return m.applyJoinTeam(s, in)
	case IntentSetSpymaster:
		return m.applySetSpymaster(s, in)
	case IntentBegin:
		return m.applyBegin(s, in)
	case IntentGiveClue:
		return m.applyClue(s, in)
	case IntentVoteCell, IntentUnvoteCell:
		return m.applyVote(s, in)
	case IntentConfirm:
		return m.applyConfirm(s, in)
	case IntentEndTurn:
		return m.applyEndTurn(s, in)
	default:
		return nil, nil, session.Reject("unknown intent %s", in.Kind)
	}
}

func (m *Machine) applyJoinTeam(s State, in session.Intent) (session.State, []session.Delta, error) {
	if s.Stage != PhaseTeamSetup {
		return nil, nil, session.Reject("teams are locked")
	}
	var p teamPayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return nil, nil, session.Reject("bad team payload: %v", err)
	}
	if p.Team != TeamRed && p.Team != TeamBlue {
		return nil, nil, session.Reject("no such team %s", p.Team)
	}

	s = clone(s)
	prev := s.Teams[in.SenderID]
	s.Teams[in.SenderID] = p.Team
	if s.Spymasters[prev] == in.SenderID {
		s.Spymasters[prev] = anyMember(s, prev, in.SenderID)
	}
	if s.Spymasters[p.Team] == "" {
		s.Spymasters[p.Team] = in.SenderID
	}
	return s, []session.Delta{m.stateDelta(s)}, nil
}

func (m *Machine) applySetSpymaster(s State, in session.Intent) (session.State, []session.Delta, error) {
	if s.Stage != PhaseTeamSetup {
		return nil, nil, session.Reject("teams are locked")
	}
	team := s.Teams[in.SenderID]
	if team == "" {
		return nil, nil, session.Reject("%s is not on a team", in.SenderID)
	}

	s = clone(s)
	s.Spymasters[team] = in.SenderID
	return s, []session.Delta{m.stateDelta(s)}, nil
}

func (m *Machine) applyBegin(s State, in session.Intent) (session.State, []session.Delta, error) {
	if s.Stage != PhaseTeamSetup {
		return nil, nil, session.Reject("already begun")
	}
	if in.SenderID != s.HostID {
		return nil, nil, session.Reject("only the host begins play")
	}
	for _, team := range []string{TeamRed, TeamBlue} {
		if teamSize(s, team) < 2 {
			return nil, nil, session.Reject("team %s needs at least 2 players", team)
		}
	}

	s = m.dealBoard(clone(s))
	return s, m.deltasWithKeys(s), nil
}

func (m *Machine) dealBoard(s State) State {
	start := TeamRed
	if fastrand.Uint32n(2) == 1 {
		start = TeamBlue
	}
	other := otherTeam(start)

	owners := make([]string, 0, boardSize)
	for i := 0; i < 9; i++ {
		owners = append(owners, start)
	}
	for i := 0; i < 8; i++ {
		owners = append(owners, other)
	}
	for i := 0; i < 7; i++ {
		owners = append(owners, OwnerNeutral)
	}
	owners = append(owners, OwnerAssassin)
	shuffleStrings(owners)

	words := shuffled(m.cfg.Words)[:boardSize]
	s.Board = make([]Cell, boardSize)
	for i := range s.Board {
		s.Board[i] = Cell{Word: words[i], Owner: owners[i]}
	}

	s.TurnTeam = start
	s.RedLeft = counts(owners, TeamRed)
	s.BlueLeft = counts(owners, TeamBlue)
	s.CurrentClue = nil
	s.GuessesLeft = 0
	s.Stage = PhaseClue
	return s
}

func (m *Machine) applyClue(s State, in session.Intent) (session.State, []session.Delta, error) {
	if s.Stage != PhaseClue {
		return nil, nil, session.Reject("clue outside clue phase")
	}
	if in.SenderID != s.Spymasters[s.TurnTeam] {
		return nil, nil, session.Reject("%s is not the active spymaster", in.SenderID)
	}

	var p cluePayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return nil, nil, session.Reject("bad clue payload: %v", err)
	}
	if p.Word == "" || p.Count < 1 || p.Count > 9 {
		return nil, nil, session.Reject("clue must name a word and 1-9 targets")
	}

	s = clone(s)
	s.CurrentClue = &Clue{Word: p.Word, Count: p.Count}
	s.GuessesLeft = p.Count + 1
	s.Stage = PhaseGuess
	return s, []session.Delta{m.stateDelta(s)}, nil
}

// applyVote is the single vote-application path: the host player's own
// clicks and remote intents both land here via the adapter.
func (m *Machine) applyVote(s State, in session.Intent) (session.State, []session.Delta, error) {
	if err := m.checkOperative(s, in.SenderID); err != nil {
		return nil, nil, err
	}

	var p cellPayload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return nil, nil, session.Reject("bad cell payload: %v", err)
	}
	if p.Index < 0 || p.Index >= len(s.Board) {
		return nil, nil, session.Reject("cell %d out of range", p.Index)
	}
	if s.Board[p.Index].Revealed {
		return nil, nil, session.Reject("cell %d already revealed", p.Index)
	}

	s = clone(s)
	cell := &s.Board[p.Index]
	if in.Kind == IntentVoteCell {
		if !containsString(cell.Votes, in.SenderID) {
			cell.Votes = append(cell.Votes, in.SenderID)
		}
	} else {
		cell.Votes = removeString(cell.Votes, in.SenderID)
	}
	return s, []session.Delta{m.stateDelta(s)}, nil
}

func (m *Machine) applyConfirm(s State, in session.Intent) (session.State, []session.Delta, error) {
	if err := m.checkOperative(s, in.SenderID); err != nil {
		return nil, nil, err
	}

	idx := mostVoted(s.Board)
	if idx < 0 {
		return nil, nil, session.Reject("no votes to confirm")
	}

	s = m.reveal(clone(s), idx)
	return s, []session.Delta{m.stateDelta(s)}, nil
}

func (m *Machine) applyEndTurn(s State, in session.Intent) (session.State, []session.Delta, error) {
	if err := m.checkOperative(s, in.SenderID); err != nil {
		return nil, nil, err
	}
	s = passTurn(clone(s))
	return s, []session.Delta{m.stateDelta(s)}, nil
}

func (m *Machine) checkOperative(s State, senderID string) error {
	if s.Stage != PhaseGuess {
		return session.Reject("guessing is closed")
	}
	if s.Teams[senderID] != s.TurnTeam {
		return session.Reject("%s is not on the active team", senderID)
	}
	if s.Spymasters[s.TurnTeam] == senderID {
		return session.Reject("spymasters do not guess")
	}
	return nil
}

// reveal flips one cell and applies every consequence of it - progress
// counters, turn passing, and endings - in a single resolution.
func (m *Machine) reveal(s State, idx int) State {
	cell := &s.Board[idx]
	cell.Revealed = true
	cell.Votes = nil

	switch cell.Owner {
	case OwnerAssassin:
		s.Winner = otherTeam(s.TurnTeam)
		s.Stage = session.PhaseGameOver
		return s

	case s.TurnTeam:
		s.decLeft(cell.Owner)
		if winner := s.finished(); winner != "" {
			s.Winner = winner
			s.Stage = session.PhaseGameOver
			return s
		}
		s.GuessesLeft--
		if s.GuessesLeft <= 0 {
			return passTurn(s)
		}
		return s

	case OwnerNeutral:
		return passTurn(s)

	default:
		// Gifted the other team a cell.
		s.decLeft(cell.Owner)
		if winner := s.finished(); winner != "" {
			s.Winner = winner
			s.Stage = session.PhaseGameOver
			return s
		}
		return passTurn(s)
	}
}

func (s *State) decLeft(team string) {
	if team == TeamRed {
		s.RedLeft--
	} else {
		s.BlueLeft--
	}
}

func (s *State) finished() string {
	if s.RedLeft == 0 {
		return TeamRed
	}
	if s.BlueLeft == 0 {
		return TeamBlue
	}
	return ""
}

// passTurn hands play to the other team: clue gone, every cell's votes
// cleared, back to the clue phase.
func passTurn(s State) State {
	s.TurnTeam = otherTeam(s.TurnTeam)
	s.CurrentClue = nil
	s.GuessesLeft = 0
	for i := range s.Board {
		s.Board[i].Votes = nil
	}
	s.Stage = PhaseClue
	return s
}

func (m *Machine) Timeout(raw session.State) (session.State, []session.Delta) {
	s := clone(raw.(State))

	switch s.Stage {
	case PhaseClue, PhaseGuess:
		s = passTurn(s)
		return s, []session.Delta{m.stateDelta(s)}
	default:
		return s, nil
	}
}

func (m *Machine) PhaseSeconds(raw session.State) (int, bool) {
	s := raw.(State)
	if !s.TimerEnabled {
		return 0, false
	}
	switch s.Stage {
	case PhaseClue:
		return m.cfg.ClueSeconds, true
	case PhaseGuess:
		return m.cfg.GuessSeconds, true
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
		return State{
			Stage:        p.Stage,
			TimerEnabled: p.TimerEnabled,
			HostID:       p.HostID,
			Names:        p.Names,
			Teams:        p.Teams,
			Spymasters:   p.Spymasters,
			Board:        p.Board,
			TurnTeam:     p.TurnTeam,
			CurrentClue:  p.CurrentClue,
			GuessesLeft:  p.GuessesLeft,
			RedLeft:      p.RedLeft,
			BlueLeft:     p.BlueLeft,
			Winner:       p.Winner,
			Key:          s.Key,
		}, nil

	case KindKey:
		var p keyPayload
		if err := json.Unmarshal(d.Payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal key delta: %w", err)
		}
		s.Key = p.Owners
		return s, nil

	default:
		return nil, fmt.Errorf("unknown delta kind %s", d.Kind)
	}
}

func (m *Machine) Snapshot(raw session.State, targetID string) []session.Delta {
	s := raw.(State)
	deltas := []session.Delta{m.stateDelta(s)}
	if targetID != "" && isSpymaster(s, targetID) && len(s.Board) > 0 {
		deltas = append(deltas, m.keyDelta(s, targetID))
	}
	return deltas
}

// stateDelta is the full public snapshot: owners of unrevealed cells are
// stripped so only the targeted key delta carries them.
func (m *Machine) stateDelta(s State) session.Delta {
	board := make([]Cell, len(s.Board))
	for i, cell := range s.Board {
		board[i] = cell
		if !cell.Revealed {
			board[i].Owner = ""
		}
	}
	return session.MustDelta(KindState, "", public{
		Stage:        s.Stage,
		TimerEnabled: s.TimerEnabled,
		HostID:       s.HostID,
		Names:        s.Names,
		Teams:        s.Teams,
		Spymasters:   s.Spymasters,
		Board:        board,
		TurnTeam:     s.TurnTeam,
		CurrentClue:  s.CurrentClue,
		GuessesLeft:  s.GuessesLeft,
		RedLeft:      s.RedLeft,
		BlueLeft:     s.BlueLeft,
		Winner:       s.Winner,
	})
}

func (m *Machine) keyDelta(s State, targetID string) session.Delta {
	owners := make([]string, len(s.Board))
	for i, cell := range s.Board {
		owners[i] = cell.Owner
	}
	return session.MustDelta(KindKey, targetID, keyPayload{Owners: owners})
}

func (m *Machine) deltasWithKeys(s State) []session.Delta {
	deltas := []session.Delta{m.stateDelta(s)}
	for _, id := range []string{s.Spymasters[TeamRed], s.Spymasters[TeamBlue]} {
		if id != "" {
			deltas = append(deltas, m.keyDelta(s, id))
		}
	}
	return deltas
}

func isSpymaster(s State, id string) bool {
	return s.Spymasters[TeamRed] == id || s.Spymasters[TeamBlue] == id
}

func teamSize(s State, team string) int {
	n := 0
	for _, t := range s.Teams {
		if t == team {
			n++
		}
	}
	return n
}

func anyMember(s State, team, except string) string {
	for id, t := range s.Teams {
		if t == team && id != except {
			return id
		}
	}
	return ""
}

func otherTeam(team string) string {
	if team == TeamRed {
		return TeamBlue
	}
	return TeamRed
}

// mostVoted picks the unrevealed cell with the most votes, lowest index
// breaking ties, -1 when nothing is voted.
func mostVoted(board []Cell) int {
	best, bestVotes := -1, 0
	for i, cell := range board {
		if cell.Revealed {
			continue
		}
		if len(cell.Votes) > bestVotes {
			best, bestVotes = i, len(cell.Votes)
		}
	}
	return best
}

func counts(owners []string, team string) int {
	n := 0
	for _, o := range owners {
		if o == team {
			n++
		}
	}
	return n
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}

func shuffleStrings(list []string) {
	for i := len(list) - 1; i > 0; i-- {
		j := int(fastrand.Uint32n(uint32(i + 1)))
		list[i], list[j] = list[j], list[i]
	}
}

func shuffled(src []string) []string {
	out := append([]string(nil), src...)
	shuffleStrings(out)
	return out
}

func clone(s State) State {
	out := s
	out.Names = copyMap(s.Names)
	out.Teams = copyMap(s.Teams)
	out.Spymasters = copyMap(s.Spymasters)
	out.Board = make([]Cell, len(s.Board))
	for i, cell := range s.Board {
		out.Board[i] = cell
		out.Board[i].Votes = append([]string(nil), cell.Votes...)
	}
	if s.CurrentClue != nil {
		c := *s.CurrentClue
		out.CurrentClue = &c
	}
	out.Key = append([]string(nil), s.Key...)
	return out
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
