package quizgrid

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parlor-games/parlor/internal/roster"
	"github.com/parlor-games/parlor/internal/session"
)

func testMachine() *Machine {
	return NewMachine(Config{
		Categories: []Category{
			{Name: "History", Clues: []ClueCell{
				{Clue: "h1", Answer: "a1", Value: 100},
				{Clue: "h2", Answer: "a2", Value: 200},
			}},
			{Name: "Science", Clues: []ClueCell{
				{Clue: "s1", Answer: "a3", Value: 100},
			}},
		},
	})
}

func testPlayers() []roster.Player {
	return []roster.Player{
		{ID: "alice", Name: "Alice", Host: true},
		{ID: "bob", Name: "Bob"},
		{ID: "carol", Name: "Carol"},
	}
}

func intent(t *testing.T, kind, sender string, sentAt int64, payload interface{}) session.Intent {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return session.Intent{Kind: kind, SenderID: sender, SentAt: sentAt, Payload: raw}
}

func start(t *testing.T, m *Machine) State {
	t.Helper()
	raw, _, err := m.Start(m.Lobby(), testPlayers())
	require.NoError(t, err)
	s := raw.(State)
	require.Equal(t, PhasePick, s.Stage)
	require.Equal(t, "alice", s.Picker())
	return s
}

func pick(t *testing.T, m *Machine, s State, cat, idx int) State {
	t.Helper()
	raw, _, err := m.Apply(s, intent(t, IntentPickCell, s.Picker(), 0, pickPayload{Category: cat, Index: idx}), 30)
	require.NoError(t, err)
	next := raw.(State)
	require.Equal(t, PhaseBuzz, next.Stage)
	return next
}

func TestPickOpensBuzzers(t *testing.T) {
	m := testMachine()
	s := pick(t, m, start(t, m), 0, 1)

	require.Equal(t, "h2", s.Current.Clue)
	require.Equal(t, 200, s.Current.Value)
}

func TestOnlyPickerPicks(t *testing.T) {
	m := testMachine()
	s := start(t, m)
	_, _, err := m.Apply(s, intent(t, IntentPickCell, "bob", 0, pickPayload{}), 30)
	require.True(t, session.IsRejection(err))
}

func TestEarlierTimestampWinsTheBuzzContest(t *testing.T) {
	m := testMachine()
	s := pick(t, m, start(t, m), 0, 0)

	// Bob's buzz arrives first but was sent later than Carol's.
	raw, _, err := m.Apply(s, intent(t, IntentBuzz, "bob", 1500, nil), 10)
	require.NoError(t, err)
	s = raw.(State)
	require.Equal(t, PhaseContest, s.Stage)
	require.Equal(t, "bob", s.BuzzWinner)

	raw, _, err = m.Apply(s, intent(t, IntentBuzz, "carol", 1200, nil), 10)
	require.NoError(t, err)
	s = raw.(State)
	require.Equal(t, "carol", s.BuzzWinner, "earlier send displaces the provisional winner")

	_, _, err = m.Apply(s, intent(t, IntentBuzz, "bob", 1300, nil), 10)
	require.True(t, session.IsRejection(err), "later send cannot displace")

	rawTimeout, _ := m.Timeout(s)
	s = rawTimeout.(State)
	require.Equal(t, PhaseAnswer, s.Stage)
	require.Equal(t, "carol", s.BuzzWinner)
}

func TestContestWindowIsOneSecond(t *testing.T) {
	m := testMachine()
	s := pick(t, m, start(t, m), 0, 0)

	raw, _, err := m.Apply(s, intent(t, IntentBuzz, "bob", 1000, nil), 10)
	require.NoError(t, err)

	secs, timed := m.PhaseSeconds(raw)
	require.True(t, timed)
	require.Equal(t, contestSeconds, secs)
}

func TestCorrectAnswerScoresAndReveals(t *testing.T) {
	m := testMachine()
	s := pick(t, m, start(t, m), 0, 1)

	raw, _, err := m.Apply(s, intent(t, IntentBuzz, "carol", 1000, nil), 10)
	require.NoError(t, err)
	raw, _ = m.Timeout(raw) // contest -> answering

	_, _, err = m.Apply(raw, intent(t, IntentJudge, "bob", 0, judgePayload{Correct: true}), 15)
	require.True(t, session.IsRejection(err), "only the host judges")

	raw, _, err = m.Apply(raw, intent(t, IntentJudge, "alice", 0, judgePayload{Correct: true}), 15)
	require.NoError(t, err)
	s = raw.(State)

	require.Equal(t, PhaseReveal, s.Stage)
	require.Equal(t, 200, s.Scores["carol"])
	require.True(t, s.Categories[0].Clues[1].Used)
	require.Equal(t, "a2", s.Last.Answer)
	require.Equal(t, "carol", s.Last.PlayerID)
}

func TestWrongAnswerDeductsAndReopensBuzzers(t *testing.T) {
	m := testMachine()
	s := pick(t, m, start(t, m), 0, 1)

	raw, _, err := m.Apply(s, intent(t, IntentBuzz, "carol", 1000, nil), 10)
	require.NoError(t, err)
	raw, _ = m.Timeout(raw)

	raw, _, err = m.Apply(raw, intent(t, IntentJudge, "alice", 0, judgePayload{Correct: false}), 15)
	require.NoError(t, err)
	s = raw.(State)

	require.Equal(t, PhaseBuzz, s.Stage)
	require.Equal(t, -200, s.Scores["carol"])
	require.Equal(t, []string{"carol"}, s.AttemptedBy)
	require.Empty(t, s.BuzzWinner)

	_, _, err = m.Apply(s, intent(t, IntentBuzz, "carol", 2000, nil), 10)
	require.True(t, session.IsRejection(err), "no second attempt on the same clue")
}

func TestAllWrongRevealsWithoutScorer(t *testing.T) {
	m := testMachine()
	s := pick(t, m, start(t, m), 0, 0)

	for _, id := range []string{"alice", "bob", "carol"} {
		raw, _, err := m.Apply(s, intent(t, IntentBuzz, id, 1000, nil), 10)
		require.NoError(t, err)
		raw, _ = m.Timeout(raw)
		raw, _, err = m.Apply(raw, intent(t, IntentJudge, "alice", 0, judgePayload{Correct: false}), 15)
		require.NoError(t, err)
		s = raw.(State)
	}

	require.Equal(t, PhaseReveal, s.Stage)
	require.Empty(t, s.Last.PlayerID)
	require.False(t, s.Last.Correct)
}

func TestBuzzTimeoutRevealsWithoutScorer(t *testing.T) {
	m := testMachine()
	s := pick(t, m, start(t, m), 1, 0)

	raw, _ := m.Timeout(s)
	s = raw.(State)
	require.Equal(t, PhaseReveal, s.Stage)
	require.Empty(t, s.Last.PlayerID)
	require.Equal(t, "a3", s.Last.Answer)
}

func TestRevealRotatesPickerAndExhaustionEndsGame(t *testing.T) {
	m := testMachine()
	s := start(t, m)

	held := map[string]int{}
	for i := 0; ; i++ {
		if s.Stage == session.PhaseGameOver {
			break
		}
		require.Equal(t, PhasePick, s.Stage)
		require.Equal(t, testPlayers()[i%3].ID, s.Picker())
		held[s.Picker()]++

		raw, _ := m.Timeout(s) // auto-pick
		raw, _ = m.Timeout(raw) // buzz timeout -> reveal
		raw, _ = m.Timeout(raw) // reveal -> next pick or game over
		s = raw.(State)
	}
	require.Equal(t, session.PhaseGameOver, s.Stage)

	// Three cells, three players: control passes to everyone exactly once.
	for _, p := range testPlayers() {
		require.Equal(t, 1, held[p.ID], "%s should pick exactly once", p.ID)
	}
}

func TestPublicDeltaHidesUnrevealedAnswers(t *testing.T) {
	m := testMachine()
	s := pick(t, m, start(t, m), 0, 0)

	var p public
	require.NoError(t, json.Unmarshal(m.Snapshot(s, "")[0].Payload, &p))
	require.Empty(t, p.Current.Answer)
	for _, cat := range p.Categories {
		for _, cell := range cat.Clues {
			require.Empty(t, cell.Answer)
		}
	}
}

func TestReduceIsIdempotent(t *testing.T) {
	m := testMachine()
	s := pick(t, m, start(t, m), 0, 0)

	d := m.Snapshot(s, "")[0]
	proj, err := m.Reduce(m.Lobby(), d)
	require.NoError(t, err)
	again, err := m.Reduce(proj, d)
	require.NoError(t, err)
	require.Equal(t, proj, again)
}
