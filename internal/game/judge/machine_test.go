package judge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parlor-games/parlor/internal/roster"
	"github.com/parlor-games/parlor/internal/session"
)

func testMachine(t *testing.T) *Machine {
	t.Helper()
	cards := make([]string, 40)
	for i := range cards {
		cards[i] = "card-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
	}
	return NewMachine(Config{
		Rounds:   2,
		HandSize: 4,
		Prompts:  []string{"prompt one", "prompt two", "prompt three"},
		Cards:    cards,
	})
}

func testPlayers() []roster.Player {
	return []roster.Player{
		{ID: "alice", Name: "Alice", Host: true},
		{ID: "bob", Name: "Bob"},
		{ID: "carol", Name: "Carol"},
	}
}

func intent(t *testing.T, kind, sender string, payload interface{}) session.Intent {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return session.Intent{Kind: kind, SenderID: sender, Payload: raw}
}

func start(t *testing.T, m *Machine) State {
	t.Helper()
	raw, deltas, err := m.Start(m.Lobby(), testPlayers())
	require.NoError(t, err)
	require.Len(t, deltas, 4) // state + one hand per player
	return raw.(State)
}

func TestStartDealsDistinctHands(t *testing.T) {
	m := testMachine(t)
	s := start(t, m)

	require.Equal(t, PhasePlaying, s.Stage)
	require.Equal(t, "alice", s.Czar())
	require.NotEmpty(t, s.Prompt)

	seen := map[string]bool{}
	for _, p := range s.Players {
		hand := s.Hands[p.ID]
		require.Len(t, hand, 4)
		for _, card := range hand {
			require.False(t, seen[card], "card %s dealt twice", card)
			seen[card] = true
		}
	}
}

func TestStartRequiresThreePlayers(t *testing.T) {
	m := testMachine(t)
	_, _, err := m.Start(m.Lobby(), testPlayers()[:2])
	require.Error(t, err)
	require.False(t, session.IsRejection(err))
}

func TestSubmitMovesToJudgingWhenAllIn(t *testing.T) {
	m := testMachine(t)
	s := start(t, m)

	bobCards := s.Hands["bob"][:1]
	raw, _, err := m.Apply(s, intent(t, IntentSubmit, "bob", submitPayload{Cards: bobCards}), 50)
	require.NoError(t, err)
	s = raw.(State)
	require.Equal(t, PhasePlaying, s.Stage)
	require.Len(t, s.Hands["bob"], 3)

	carolCards := s.Hands["carol"][:1]
	raw, deltas, err := m.Apply(s, intent(t, IntentSubmit, "carol", submitPayload{Cards: carolCards}), 40)
	require.NoError(t, err)
	s = raw.(State)
	require.Equal(t, PhaseJudging, s.Stage)

	// Same multiset of submissions regardless of shuffle order, and the
	// broadcast hides who played what.
	got := make([][]string, 0, len(s.Submissions))
	for _, sub := range s.Submissions {
		got = append(got, sub.Cards)
	}
	require.ElementsMatch(t, [][]string{bobCards, carolCards}, got)
	var p public
	require.NoError(t, json.Unmarshal(deltas[0].Payload, &p))
	for _, sub := range p.Submissions {
		require.Empty(t, sub.PlayerID)
	}
}

func TestSubmitRejections(t *testing.T) {
	m := testMachine(t)
	s := start(t, m)

	_, _, err := m.Apply(s, intent(t, IntentSubmit, "alice", submitPayload{Cards: s.Hands["alice"][:1]}), 50)
	require.True(t, session.IsRejection(err), "czar submit should be rejected")

	_, _, err = m.Apply(s, intent(t, IntentSubmit, "bob", submitPayload{Cards: []string{"not-in-hand"}}), 50)
	require.True(t, session.IsRejection(err))

	raw, _, err := m.Apply(s, intent(t, IntentSubmit, "bob", submitPayload{Cards: s.Hands["bob"][:1]}), 50)
	require.NoError(t, err)
	_, _, err = m.Apply(raw, intent(t, IntentSubmit, "bob", submitPayload{Cards: raw.(State).Hands["bob"][:1]}), 50)
	require.True(t, session.IsRejection(err), "double submit should be rejected")
}

func TestPickWinnerScoresInSameTransition(t *testing.T) {
	m := testMachine(t)
	s := start(t, m)

	for _, id := range []string{"bob", "carol"} {
		raw, _, err := m.Apply(s, intent(t, IntentSubmit, id, submitPayload{Cards: s.Hands[id][:1]}), 50)
		require.NoError(t, err)
		s = raw.(State)
	}
	require.Equal(t, PhaseJudging, s.Stage)

	_, _, err := m.Apply(s, intent(t, IntentPickWinner, "bob", pickPayload{Index: 0}), 20)
	require.True(t, session.IsRejection(err), "non-czar pick should be rejected")

	raw, _, err := m.Apply(s, intent(t, IntentPickWinner, "alice", pickPayload{Index: 0}), 20)
	require.NoError(t, err)
	s = raw.(State)
	require.Equal(t, PhaseReveal, s.Stage)
	require.Equal(t, s.Submissions[0].PlayerID, s.WinnerID)

	total := 0
	for _, p := range s.Players {
		total += p.Score
	}
	require.Equal(t, 1, total)
}

func TestTimeoutJudgingStillCrownsSomeone(t *testing.T) {
	m := testMachine(t)
	s := start(t, m)

	raw, _, err := m.Apply(s, intent(t, IntentSubmit, "bob", submitPayload{Cards: s.Hands["bob"][:1]}), 50)
	require.NoError(t, err)
	rawTimeout, _ := m.Timeout(raw)
	s = rawTimeout.(State)
	require.Equal(t, PhaseJudging, s.Stage)

	rawTimeout, _ = m.Timeout(s)
	s = rawTimeout.(State)
	require.Equal(t, PhaseReveal, s.Stage)
	require.Equal(t, "bob", s.WinnerID)
}

func TestTimeoutPlayingWithNoSubmissionsSkipsJudging(t *testing.T) {
	m := testMachine(t)
	s := start(t, m)

	raw, _ := m.Timeout(s)
	s = raw.(State)
	require.Equal(t, PhaseReveal, s.Stage)
	require.Empty(t, s.WinnerID)
}

func TestRevealTimeoutRotatesCzarAndRefillsHands(t *testing.T) {
	m := testMachine(t)
	s := start(t, m)

	raw, _, err := m.Apply(s, intent(t, IntentSubmit, "bob", submitPayload{Cards: s.Hands["bob"][:1]}), 50)
	require.NoError(t, err)
	raw, _ = m.Timeout(raw) // playing -> judging
	raw, _ = m.Timeout(raw) // judging -> reveal
	raw, _ = m.Timeout(raw) // reveal -> next round
	s = raw.(State)

	require.Equal(t, PhasePlaying, s.Stage)
	require.Equal(t, 2, s.Round)
	require.Equal(t, "bob", s.Czar())
	require.Empty(t, s.Submissions)
	for _, p := range s.Players {
		require.Len(t, s.Hands[p.ID], 4)
	}
}

func TestFinalRevealEndsGame(t *testing.T) {
	m := testMachine(t)
	s := start(t, m)
	s.Round = s.MaxRounds
	s.Stage = PhaseReveal

	raw, _ := m.Timeout(s)
	require.Equal(t, session.PhaseGameOver, raw.Phase())
}

func TestReduceIsIdempotentAndKeepsHand(t *testing.T) {
	m := testMachine(t)
	s := start(t, m)

	stateDelta := m.Snapshot(s, "")[0]
	handDeltas := m.Snapshot(s, "bob")
	require.Len(t, handDeltas, 2)
	require.Equal(t, "bob", handDeltas[1].TargetPlayerID)

	proj, err := m.Reduce(m.Lobby(), handDeltas[1])
	require.NoError(t, err)
	proj, err = m.Reduce(proj, stateDelta)
	require.NoError(t, err)
	once := proj.(State)
	require.Equal(t, s.Hands["bob"], once.Hand, "state delta must not clobber the private hand")

	proj, err = m.Reduce(proj, stateDelta)
	require.NoError(t, err)
	require.Equal(t, once, proj.(State))
}

func TestEveryPlayerJudgesExactlyOnce(t *testing.T) {
	cards := make([]string, 40)
	for i := range cards {
		cards[i] = "card-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
	}
	m := NewMachine(Config{
		Rounds:   3,
		HandSize: 4,
		Prompts:  []string{"prompt one", "prompt two", "prompt three"},
		Cards:    cards,
	})

	raw, _, err := m.Start(m.Lobby(), testPlayers())
	require.NoError(t, err)

	held := map[string]int{}
	for round := 0; round < 3; round++ {
		s := raw.(State)
		require.Equal(t, PhasePlaying, s.Stage)
		held[s.Czar()]++
		raw, _ = m.Timeout(raw) // nobody played, straight to reveal
		raw, _ = m.Timeout(raw) // reveal over, next round
	}

	require.Equal(t, session.PhaseGameOver, raw.Phase())
	for _, p := range testPlayers() {
		require.Equal(t, 1, held[p.ID], "%s should judge exactly once", p.ID)
	}
}
