package quiz

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"quizwire/internal/protocol"
)

// fakeConn records everything sent to it.
type fakeConn struct {
	mu   sync.Mutex
	msgs []any
}

func (c *fakeConn) Send(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, v)
}

func (c *fakeConn) snapshot() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func msgsOf[T any](c *fakeConn) []T {
	var out []T
	for _, m := range c.snapshot() {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// waitForMsg polls until the connection has received a message of type T
// matching pred. Timer callbacks run on their own goroutines, so broadcasts
// triggered by the clock are observed asynchronously.
func waitForMsg[T any](t *testing.T, c *fakeConn, pred func(T) bool) T {
	t.Helper()
	var found T
	require.Eventually(t, func() bool {
		for _, v := range msgsOf[T](c) {
			if pred(v) {
				found = v
				return true
			}
		}
		return false
	}, 2*time.Second, 2*time.Millisecond)
	return found
}

func anyMsg[T any](T) bool { return true }

// advanceTicks advances the fake clock one second per expected remaining
// value and waits for each tick to reach the watched connection before
// advancing again, since the next second is only armed once the previous
// tick fired.
func advanceTicks(t *testing.T, clk *clockwork.FakeClock, watch *fakeConn, wants ...int) {
	t.Helper()
	for _, want := range wants {
		before := len(msgsOf[protocol.TickMsg](watch))
		clk.Advance(time.Second)
		var got protocol.TickMsg
		require.Eventually(t, func() bool {
			ticks := msgsOf[protocol.TickMsg](watch)
			if len(ticks) <= before {
				return false
			}
			got = ticks[len(ticks)-1]
			return true
		}, 2*time.Second, 2*time.Millisecond)
		require.Equal(t, want, got.Remaining)
	}
}

func questionFixture(id string, correct, timerSec int) protocol.Question {
	return protocol.Question{
		ID:           id,
		Text:         "capital of France?",
		Choices:      []string{"Paris", "London", "Berlin", "Madrid"},
		CorrectIndex: correct,
		TimerSec:     timerSec,
	}
}

func newTestRoom(clk clockwork.Clock, qs []protocol.Question, hooks Hooks) (*Room, *fakeConn) {
	host := &fakeConn{}
	r := NewRoom(clk, "room-1", "ABCDEF", "Test Quiz", qs, host, "host-token", DefaultGracePeriod, hooks)
	return r, host
}

func join(t *testing.T, r *Room, name string) (string, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	id, err := r.AddPlayer(name, conn, "token-"+name)
	require.NoError(t, err)
	return id, conn
}

func TestAddPlayerBroadcastsRoster(t *testing.T) {
	r, host := newTestRoom(clockwork.NewFakeClock(), []protocol.Question{questionFixture("q1", 0, 10)}, Hooks{})

	aliceID, alice := join(t, r, "alice")
	_, bob := join(t, r, "bob")

	own := msgsOf[protocol.JoinedMsg](alice)[0]
	require.Equal(t, aliceID, own.PlayerID)
	require.Equal(t, []string{"alice"}, own.Players)

	hostJoined := msgsOf[protocol.JoinedMsg](host)
	require.Len(t, hostJoined, 2)
	require.Empty(t, hostJoined[1].PlayerID)
	require.Equal(t, []string{"alice", "bob"}, hostJoined[1].Players)

	bobOwn := msgsOf[protocol.JoinedMsg](bob)
	require.Equal(t, []string{"alice", "bob"}, bobOwn[len(bobOwn)-1].Players)
}

func TestStartBroadcastsQuestionWithoutAnswerKey(t *testing.T) {
	qs := []protocol.Question{questionFixture("q1", 2, 15), questionFixture("q2", 1, 10)}
	r, host := newTestRoom(clockwork.NewFakeClock(), qs, Hooks{})
	_, alice := join(t, r, "alice")

	require.NoError(t, r.Start())

	for _, c := range []*fakeConn{host, alice} {
		q := msgsOf[protocol.QuestionMsg](c)[0]
		require.Equal(t, "q1", q.Question.ID)
		require.Equal(t, 15, q.Question.TimerSec)
		require.Equal(t, 0, q.Index)
		require.Equal(t, 2, q.Total)
	}
}

func TestJoinRejectedAfterStart(t *testing.T) {
	r, _ := newTestRoom(clockwork.NewFakeClock(), []protocol.Question{questionFixture("q1", 0, 10)}, Hooks{})
	require.NoError(t, r.Start())

	_, err := r.AddPlayer("late", &fakeConn{}, "token-late")
	var perr *PhaseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, PhaseQuestion, perr.Phase)
}

func TestAnswerIdempotent(t *testing.T) {
	clk := clockwork.NewFakeClock()
	r, host := newTestRoom(clk, []protocol.Question{questionFixture("q1", 1, 10)}, Hooks{})
	aliceID, _ := join(t, r, "alice")
	require.NoError(t, r.Start())

	require.NoError(t, r.HandleAnswer(aliceID, "q1", 1))
	// A second answer is a silent no-op, not an error, and must not rescore.
	require.NoError(t, r.HandleAnswer(aliceID, "q1", 3))

	advanceTicks(t, clk, host, 9, 8, 7, 6, 5, 4, 3, 2, 1, 0)
	results := waitForMsg(t, host, anyMsg[protocol.ResultsMsg])
	require.Equal(t, [5]int{0, 1, 0, 0, 0}, results.Distribution)
	require.Equal(t, basePoints, results.Scores["alice"])
}

func TestAnswerScoresBySpeed(t *testing.T) {
	clk := clockwork.NewFakeClock()
	r, host := newTestRoom(clk, []protocol.Question{questionFixture("q1", 0, 10)}, Hooks{})
	aliceID, _ := join(t, r, "alice")
	require.NoError(t, r.Start())

	advanceTicks(t, clk, host, 9, 8)
	require.NoError(t, r.HandleAnswer(aliceID, "q1", 0))

	answered := waitForMsg(t, host, anyMsg[protocol.AnsweredMsg])
	require.Equal(t, 1, answered.Count)
	require.Equal(t, 1, answered.Total)

	advanceTicks(t, clk, host, 7, 6, 5, 4, 3, 2, 1, 0)
	results := waitForMsg(t, host, anyMsg[protocol.ResultsMsg])
	require.Equal(t, 900, results.Scores["alice"])
}

func TestExpiryCountsUnanswered(t *testing.T) {
	clk := clockwork.NewFakeClock()
	r, host := newTestRoom(clk, []protocol.Question{questionFixture("q1", 2, 3)}, Hooks{})
	aliceID, _ := join(t, r, "alice")
	_, _ = join(t, r, "bob")
	require.NoError(t, r.Start())

	require.NoError(t, r.HandleAnswer(aliceID, "q1", 0))

	advanceTicks(t, clk, host, 2, 1, 0)
	results := waitForMsg(t, host, anyMsg[protocol.ResultsMsg])
	require.Equal(t, 2, results.CorrectIndex)
	require.Equal(t, [5]int{1, 0, 0, 0, 1}, results.Distribution)
	require.Equal(t, 0, results.Scores["alice"])
	require.Equal(t, 0, results.Scores["bob"])
}

func TestLeaderboardOrderAndTies(t *testing.T) {
	clk := clockwork.NewFakeClock()
	r, host := newTestRoom(clk, []protocol.Question{questionFixture("q1", 0, 10)}, Hooks{})
	_, _ = join(t, r, "alice")
	bobID, _ := join(t, r, "bob")
	_, _ = join(t, r, "carol")
	require.NoError(t, r.Start())

	require.NoError(t, r.HandleAnswer(bobID, "q1", 0))

	advanceTicks(t, clk, host, 9, 8, 7, 6, 5, 4, 3, 2, 1, 0)
	waitForMsg(t, host, anyMsg[protocol.ResultsMsg])

	require.NoError(t, r.NextQuestion())
	lb := waitForMsg(t, host, anyMsg[protocol.LeaderboardMsg])
	require.Len(t, lb.Rankings, 3)
	require.Equal(t, "bob", lb.Rankings[0].Name)
	// Equal scores keep join order.
	require.Equal(t, "alice", lb.Rankings[1].Name)
	require.Equal(t, "carol", lb.Rankings[2].Name)
}

func TestPauseFreezesCountdown(t *testing.T) {
	clk := clockwork.NewFakeClock()
	r, host := newTestRoom(clk, []protocol.Question{questionFixture("q1", 0, 10)}, Hooks{})
	_, alice := join(t, r, "alice")
	require.NoError(t, r.Start())

	advanceTicks(t, clk, host, 9, 8)
	require.NoError(t, r.Pause())
	waitForMsg(t, alice, anyMsg[protocol.PausedMsg])

	// Pausing again is fine.
	require.NoError(t, r.Pause())

	before := len(msgsOf[protocol.TickMsg](host))
	clk.Advance(time.Minute)
	require.Len(t, msgsOf[protocol.TickMsg](host), before)

	require.NoError(t, r.Resume())
	resumed := waitForMsg(t, alice, anyMsg[protocol.ResumedMsg])
	require.Equal(t, 8, resumed.Remaining)
	advanceTicks(t, clk, host, 7)
}

func TestResumeRequiresPause(t *testing.T) {
	r, _ := newTestRoom(clockwork.NewFakeClock(), []protocol.Question{questionFixture("q1", 0, 10)}, Hooks{})
	require.NoError(t, r.Start())
	require.Error(t, r.Resume())
}

func TestHostDisconnectPausesAndReconnectResumes(t *testing.T) {
	clk := clockwork.NewFakeClock()
	r, host := newTestRoom(clk, []protocol.Question{questionFixture("q1", 0, 10)}, Hooks{})
	_, alice := join(t, r, "alice")
	require.NoError(t, r.Start())

	advanceTicks(t, clk, host, 9, 8)
	r.DisconnectHost(host)
	waitForMsg(t, alice, anyMsg[protocol.PausedMsg])

	clk.Advance(time.Minute)

	newHost := &fakeConn{}
	r.ReconnectHost(newHost)

	sync := waitForMsg(t, newHost, anyMsg[protocol.SyncMsg])
	require.Equal(t, "question", sync.Phase)
	require.Equal(t, "ABCDEF", sync.Data.QuizCode)
	require.Empty(t, sync.Data.SessionToken)

	q := waitForMsg(t, newHost, anyMsg[protocol.QuestionMsg])
	require.Equal(t, "q1", q.Question.ID)
	tick := msgsOf[protocol.TickMsg](newHost)[0]
	require.Equal(t, 8, tick.Remaining)

	// Host reconnect auto-resumes.
	waitForMsg(t, alice, anyMsg[protocol.ResumedMsg])
	advanceTicks(t, clk, newHost, 7)
}

func TestPlayerReconnectResync(t *testing.T) {
	clk := clockwork.NewFakeClock()
	r, host := newTestRoom(clk, []protocol.Question{questionFixture("q1", 0, 10)}, Hooks{})
	aliceID, alice := join(t, r, "alice")
	require.NoError(t, r.Start())

	advanceTicks(t, clk, host, 9, 8)
	require.NoError(t, r.HandleAnswer(aliceID, "q1", 0))

	r.DisconnectPlayer(aliceID, alice)
	advanceTicks(t, clk, host, 7)

	rejoined := &fakeConn{}
	require.NoError(t, r.ReconnectPlayer(aliceID, rejoined))

	q := waitForMsg(t, rejoined, anyMsg[protocol.QuestionMsg])
	require.Equal(t, "q1", q.Question.ID)
	tick := msgsOf[protocol.TickMsg](rejoined)[0]
	require.Equal(t, 7, tick.Remaining)

	// The grace timer is cancelled: the player survives well past the window
	// and keeps the pre-disconnect score.
	advanceTicks(t, clk, host, 6, 5, 4, 3, 2, 1, 0)
	results := waitForMsg(t, host, anyMsg[protocol.ResultsMsg])
	require.Equal(t, 900, results.Scores["alice"])

	clk.Advance(2 * DefaultGracePeriod)
	require.NoError(t, r.NextQuestion())
	lb := waitForMsg(t, host, anyMsg[protocol.LeaderboardMsg])
	require.Equal(t, []protocol.Ranking{{Name: "alice", Score: 900}}, lb.Rankings)
}

// A client that reconnects on a fresh connection before the server notices
// the old one closing must keep the fresh connection: the late close is for
// a connection the player no longer owns.
func TestLateCloseAfterPlayerReconnectKeepsNewConn(t *testing.T) {
	clk := clockwork.NewFakeClock()
	r, host := newTestRoom(clk, []protocol.Question{questionFixture("q1", 0, 10)}, Hooks{
		OnPlayerExpired: func(string) { t.Error("player expired despite live connection") },
	})
	aliceID, stale := join(t, r, "alice")
	require.NoError(t, r.Start())
	advanceTicks(t, clk, host, 9)

	fresh := &fakeConn{}
	require.NoError(t, r.ReconnectPlayer(aliceID, fresh))

	// The old connection's close arrives after the reconnect.
	r.DisconnectPlayer(aliceID, stale)

	// No grace timer was armed: the fresh connection keeps receiving ticks
	// and the player can still answer.
	advanceTicks(t, clk, fresh, 8)
	require.NoError(t, r.HandleAnswer(aliceID, "q1", 0))
	advanceTicks(t, clk, fresh, 7, 6, 5, 4, 3, 2, 1, 0)
	results := waitForMsg(t, fresh, anyMsg[protocol.ResultsMsg])
	require.Equal(t, 900, results.Scores["alice"])

	// The slot survives far past any grace window.
	clk.Advance(2 * DefaultGracePeriod)
	require.NoError(t, r.NextQuestion())
	lb := waitForMsg(t, fresh, anyMsg[protocol.LeaderboardMsg])
	require.Equal(t, []protocol.Ranking{{Name: "alice", Score: 900}}, lb.Rankings)
}

func TestLateCloseAfterHostReconnectKeepsNewConn(t *testing.T) {
	clk := clockwork.NewFakeClock()
	r, stale := newTestRoom(clk, []protocol.Question{questionFixture("q1", 0, 10)}, Hooks{})
	_, alice := join(t, r, "alice")
	require.NoError(t, r.Start())
	advanceTicks(t, clk, stale, 9)

	fresh := &fakeConn{}
	r.ReconnectHost(fresh)
	r.DisconnectHost(stale)

	// The room did not pause and the new host connection still gets ticks.
	require.Empty(t, msgsOf[protocol.PausedMsg](alice))
	advanceTicks(t, clk, fresh, 8)
}

// A tick callback can already be in flight when Pause runs; once the room is
// paused it must be swallowed rather than broadcast after the pause notice.
func TestTickLandingAfterPauseIsDropped(t *testing.T) {
	clk := clockwork.NewFakeClock()
	r, host := newTestRoom(clk, []protocol.Question{questionFixture("q1", 0, 10)}, Hooks{})
	_, alice := join(t, r, "alice")
	require.NoError(t, r.Start())

	advanceTicks(t, clk, host, 9, 8)
	require.NoError(t, r.Pause())
	waitForMsg(t, alice, anyMsg[protocol.PausedMsg])

	before := len(msgsOf[protocol.TickMsg](alice))
	r.handleTick(7)
	require.Len(t, msgsOf[protocol.TickMsg](alice), before)

	require.NoError(t, r.Resume())
	resumed := waitForMsg(t, alice, anyMsg[protocol.ResumedMsg])
	require.Equal(t, 8, resumed.Remaining)
}

func TestGraceExpiryRemovesPlayer(t *testing.T) {
	clk := clockwork.NewFakeClock()
	expired := make(chan string, 1)
	r, host := newTestRoom(clk, []protocol.Question{questionFixture("q1", 0, 10)}, Hooks{
		OnPlayerExpired: func(token string) { expired <- token },
	})
	aliceID, alice := join(t, r, "alice")
	_, _ = join(t, r, "bob")

	r.DisconnectPlayer(aliceID, alice)
	// Lobby broadcasts reflect only connected players right away.
	waitForMsg(t, host, func(m protocol.JoinedMsg) bool {
		return len(m.Players) == 1 && m.Players[0] == "bob"
	})

	clk.Advance(DefaultGracePeriod)
	select {
	case token := <-expired:
		require.Equal(t, "token-alice", token)
	case <-time.After(2 * time.Second):
		t.Fatal("grace expiry hook never fired")
	}

	require.NoError(t, r.Start())
	advanceTicks(t, clk, host, 9, 8, 7, 6, 5, 4, 3, 2, 1, 0)
	results := waitForMsg(t, host, anyMsg[protocol.ResultsMsg])
	require.NotContains(t, results.Scores, "alice")
	require.Contains(t, results.Scores, "bob")
}

func TestEndFromAnyPhase(t *testing.T) {
	endedRooms := make(chan *Room, 1)
	r, host := newTestRoom(clockwork.NewFakeClock(), []protocol.Question{questionFixture("q1", 0, 10)}, Hooks{
		OnEnded: func(room *Room) { endedRooms <- room },
	})
	_, alice := join(t, r, "alice")
	require.NoError(t, r.Start())

	require.NoError(t, r.End())
	require.Equal(t, PhaseEnded, r.Phase())
	waitForMsg(t, host, anyMsg[protocol.EndedMsg])
	waitForMsg(t, alice, anyMsg[protocol.EndedMsg])
	require.Same(t, r, <-endedRooms)

	require.Error(t, r.End())
	require.Error(t, r.Start())
	require.Error(t, r.NextQuestion())
}

// TestFullQuizScenario walks the complete happy path: one question with a
// ten second timer, one player answering correctly with eight seconds left.
func TestFullQuizScenario(t *testing.T) {
	clk := clockwork.NewFakeClock()
	endedRooms := make(chan *Room, 1)
	r, host := newTestRoom(clk, []protocol.Question{questionFixture("q1", 0, 10)}, Hooks{
		OnEnded: func(room *Room) { endedRooms <- room },
	})
	aliceID, alice := join(t, r, "alice")

	require.NoError(t, r.Start())
	advanceTicks(t, clk, host, 9, 8)
	require.NoError(t, r.HandleAnswer(aliceID, "q1", 0))
	advanceTicks(t, clk, host, 7, 6, 5, 4, 3, 2, 1, 0)

	results := waitForMsg(t, alice, anyMsg[protocol.ResultsMsg])
	require.Equal(t, 0, results.CorrectIndex)
	require.Equal(t, [5]int{1, 0, 0, 0, 0}, results.Distribution)
	require.Equal(t, 900, results.Scores["alice"])

	require.NoError(t, r.NextQuestion())
	lb := waitForMsg(t, alice, anyMsg[protocol.LeaderboardMsg])
	require.Equal(t, "alice", lb.Rankings[0].Name)

	require.NoError(t, r.NextQuestion())
	waitForMsg(t, alice, anyMsg[protocol.EndedMsg])
	require.Equal(t, PhaseEnded, r.Phase())
	require.Same(t, r, <-endedRooms)
}

func TestSecondQuestionResetsAnswers(t *testing.T) {
	clk := clockwork.NewFakeClock()
	qs := []protocol.Question{questionFixture("q1", 0, 3), questionFixture("q2", 1, 3)}
	r, host := newTestRoom(clk, qs, Hooks{})
	aliceID, _ := join(t, r, "alice")
	require.NoError(t, r.Start())

	require.NoError(t, r.HandleAnswer(aliceID, "q1", 0))
	advanceTicks(t, clk, host, 2, 1, 0)
	waitForMsg(t, host, anyMsg[protocol.ResultsMsg])

	require.NoError(t, r.NextQuestion()) // leaderboard
	require.NoError(t, r.NextQuestion()) // question 2

	q := waitForMsg(t, host, func(m protocol.QuestionMsg) bool { return m.Question.ID == "q2" })
	require.Equal(t, 1, q.Index)

	// Fresh question, fresh answer slot.
	require.NoError(t, r.HandleAnswer(aliceID, "q2", 1))
	advanceTicks(t, clk, host, 2, 1, 0)
	results := waitForMsg(t, host, func(m protocol.ResultsMsg) bool { return m.CorrectIndex == 1 })
	require.Equal(t, [5]int{0, 1, 0, 0, 0}, results.Distribution)
	require.Equal(t, basePoints*2, results.Scores["alice"])
}

func TestStaleQuestionAnswerIgnored(t *testing.T) {
	clk := clockwork.NewFakeClock()
	r, host := newTestRoom(clk, []protocol.Question{questionFixture("q1", 0, 3)}, Hooks{})
	aliceID, _ := join(t, r, "alice")
	require.NoError(t, r.Start())

	require.NoError(t, r.HandleAnswer(aliceID, "q-old", 0))

	advanceTicks(t, clk, host, 2, 1, 0)
	results := waitForMsg(t, host, anyMsg[protocol.ResultsMsg])
	require.Equal(t, [5]int{0, 0, 0, 0, 1}, results.Distribution)
}
