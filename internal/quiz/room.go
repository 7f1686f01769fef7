package quiz

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quizwire/internal/protocol"
)

// DefaultGracePeriod is how long a disconnected player's slot and score are
// kept for reconnection before being dropped.
const DefaultGracePeriod = 30 * time.Second

// Hooks let the session router react to room lifecycle events it must mirror
// in its registries. Both are invoked without the room lock held.
type Hooks struct {
	// OnEnded fires once when the room reaches the terminal phase.
	OnEnded func(r *Room)
	// OnPlayerExpired fires when a player's grace period elapses without a
	// reconnect, so the stale session token can be dropped.
	OnPlayerExpired func(token string)
}

// Room owns one quiz instance: its phase, question set, roster, scores and
// the active countdown. All state is mutated under a single per-room mutex,
// so inbound messages and timer callbacks for the same room never interleave;
// rooms are independent of each other.
type Room struct {
	clock clockwork.Clock
	hooks Hooks
	grace time.Duration

	id        string
	code      string
	title     string
	questions []protocol.Question
	hostToken string

	mu          sync.Mutex
	phase       Phase
	current     int
	players     map[string]*Player
	joinOrder   []string
	scores      map[string]int
	remaining   int
	paused      bool
	lastResults *protocol.ResultsMsg
	host        Conn
	countdown   *Countdown
}

// NewRoom creates a room in the lobby phase with the given host connection
// bound. Questions must already be validated.
func NewRoom(clock clockwork.Clock, id, code, title string, questions []protocol.Question, hostConn Conn, hostToken string, grace time.Duration, hooks Hooks) *Room {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Room{
		clock:     clock,
		hooks:     hooks,
		grace:     grace,
		id:        id,
		code:      code,
		title:     title,
		questions: questions,
		hostToken: hostToken,
		phase:     PhaseLobby,
		players:   make(map[string]*Player),
		scores:    make(map[string]int),
		host:      hostConn,
	}
}

func (r *Room) ID() string        { return r.id }
func (r *Room) Code() string      { return r.code }
func (r *Room) Title() string     { return r.title }
func (r *Room) HostToken() string { return r.hostToken }

// Phase reports the room's current phase.
func (r *Room) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Start moves the room from the lobby into the first question.
func (r *Room) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard("start", PhaseLobby); err != nil {
		return err
	}
	if len(r.questions) == 0 {
		return fmt.Errorf("quiz has no questions")
	}
	r.startQuestion(0)
	return nil
}

// startQuestion enters the question phase at the given index and arms the
// countdown. Callers must hold r.mu.
func (r *Room) startQuestion(idx int) {
	q := r.questions[idx]
	r.phase = PhaseQuestion
	r.current = idx
	r.remaining = q.TimerSec
	r.paused = false
	for _, p := range r.players {
		p.resetAnswer()
	}
	r.countdown = StartCountdown(r.clock, q.TimerSec, r.handleTick, r.handleExpiry)

	log.Info().
		Str("room_code", r.code).
		Int("question_index", idx).
		Int("timer_sec", q.TimerSec).
		Msg("question started")

	r.broadcast(protocol.QuestionBroadcast(q.PlayerView(), idx, len(r.questions)))
}

// HandleAnswer records one player's answer for the current question and
// awards its score. The first answer wins: repeats are a silent no-op, so a
// player can never be scored twice for one question. Answers for a stale
// question id (a frame that raced a phase change or reconnect) are ignored.
func (r *Room) HandleAnswer(playerID, questionID string, choiceIndex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard("answer", PhaseQuestion); err != nil {
		return err
	}
	p, ok := r.players[playerID]
	if !ok {
		return fmt.Errorf("unknown player")
	}
	q := r.questions[r.current]
	if questionID != "" && questionID != q.ID {
		log.Debug().
			Str("room_code", r.code).
			Str("player_id", playerID).
			Str("question_id", questionID).
			Msg("ignoring answer for stale question")
		return nil
	}
	if choiceIndex < 0 || choiceIndex >= len(q.Choices) {
		return fmt.Errorf("choice index %d out of range", choiceIndex)
	}
	if p.answered {
		return nil
	}
	p.answered = true
	p.answer = choiceIndex
	r.scores[playerID] += scoreAnswer(choiceIndex == q.CorrectIndex, r.remaining, q.TimerSec)

	r.sendHost(protocol.Answered(r.answeredCount(), len(r.players)))
	return nil
}

func (r *Room) answeredCount() int {
	n := 0
	for _, p := range r.players {
		if p.answered {
			n++
		}
	}
	return n
}

// handleTick is the countdown's per-second callback. A tick already in
// flight when the room paused lands after the pause notice and is dropped
// here; pauseLocked reconciles the remaining value for that case.
func (r *Room) handleTick(remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != PhaseQuestion || r.paused {
		return
	}
	r.remaining = remaining
	r.broadcast(protocol.Tick(remaining))
}

// handleExpiry fires when the countdown reaches zero: the question closes
// and the room moves to results.
func (r *Room) handleExpiry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != PhaseQuestion {
		return
	}
	r.phase = PhaseResults
	r.countdown = nil

	q := r.questions[r.current]
	var dist [5]int
	scores := make(map[string]int, len(r.players))
	for _, id := range r.joinOrder {
		p := r.players[id]
		if p.answered {
			dist[p.answer]++
		} else {
			dist[4]++
		}
		scores[p.Name] = r.scores[id]
	}
	results := protocol.Results(q.CorrectIndex, dist, scores)
	r.lastResults = &results

	log.Info().
		Str("room_code", r.code).
		Int("question_index", r.current).
		Int("answered", r.answeredCount()).
		Msg("question closed")

	r.broadcast(results)
}

// NextQuestion advances past the current results: first to the leaderboard,
// then to the next question, or to the end of the quiz after the last one.
func (r *Room) NextQuestion() error {
	r.mu.Lock()
	ended := false
	switch r.phase {
	case PhaseResults:
		r.phase = PhaseLeaderboard
		r.broadcast(protocol.Leaderboard(r.rankings()))
	case PhaseLeaderboard:
		if r.current+1 < len(r.questions) {
			r.startQuestion(r.current + 1)
		} else {
			r.endLocked()
			ended = true
		}
	default:
		err := r.guard("advance", PhaseResults, PhaseLeaderboard)
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	if ended && r.hooks.OnEnded != nil {
		r.hooks.OnEnded(r)
	}
	return nil
}

// Pause freezes the countdown mid-question, preserving the remaining value.
// Idempotent while already paused.
func (r *Room) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard("pause", PhaseQuestion); err != nil {
		return err
	}
	r.pauseLocked()
	return nil
}

func (r *Room) pauseLocked() {
	if r.paused {
		return
	}
	r.paused = true
	if r.countdown != nil {
		r.countdown.Pause()
		// A fire that slipped past the pause may have decremented the
		// countdown already; its tick never reaches the clients, so take the
		// countdown's value as the one to resume from.
		r.remaining = r.countdown.Remaining()
	}
	log.Info().Str("room_code", r.code).Int("remaining", r.remaining).Msg("countdown paused")
	r.broadcast(protocol.Paused())
}

// Resume restarts a paused countdown from the preserved remaining value.
func (r *Room) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard("resume", PhaseQuestion); err != nil {
		return err
	}
	if !r.paused {
		return fmt.Errorf("quiz is not paused")
	}
	r.resumeLocked()
	return nil
}

func (r *Room) resumeLocked() {
	r.paused = false
	if r.countdown != nil {
		r.countdown.Resume()
	}
	log.Info().Str("room_code", r.code).Int("remaining", r.remaining).Msg("countdown resumed")
	r.broadcast(protocol.Resumed(r.remaining))
}

// End terminates the quiz from any non-terminal phase.
func (r *Room) End() error {
	r.mu.Lock()
	if r.phase == PhaseEnded {
		r.mu.Unlock()
		return &PhaseError{Op: "end", Phase: PhaseEnded}
	}
	r.endLocked()
	r.mu.Unlock()

	if r.hooks.OnEnded != nil {
		r.hooks.OnEnded(r)
	}
	return nil
}

// endLocked stops all timers, broadcasts the end notice and enters the
// terminal phase. Callers must hold r.mu.
func (r *Room) endLocked() {
	if r.countdown != nil {
		r.countdown.Stop()
		r.countdown = nil
	}
	for _, p := range r.players {
		p.cancelGrace()
	}
	r.phase = PhaseEnded
	log.Info().Str("room_code", r.code).Msg("quiz ended")
	r.broadcast(protocol.Ended())
}

// AddPlayer registers a new player while the room is in the lobby. The new
// connection receives its own player id privately; everyone else gets the
// updated roster.
func (r *Room) AddPlayer(name string, conn Conn, token string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard("join", PhaseLobby); err != nil {
		return "", err
	}
	id := uuid.NewString()
	r.players[id] = &Player{
		ID:     id,
		Name:   name,
		Token:  token,
		conn:   conn,
		answer: noAnswer,
	}
	r.joinOrder = append(r.joinOrder, id)
	r.scores[id] = 0

	log.Info().
		Str("room_code", r.code).
		Str("player_id", id).
		Str("name", name).
		Msg("player joined")

	names := r.connectedNames()
	conn.Send(protocol.Joined(id, names))
	r.broadcastExcept(conn, protocol.Joined("", names))
	return id, nil
}

// DisconnectPlayer detaches a player's connection but keeps the slot,
// starting the grace timer. If it elapses without a reconnect the player is
// removed for good. The close only counts if conn is still the player's
// current connection; a close racing in after a reconnect must not detach
// the replacement.
func (r *Room) DisconnectPlayer(playerID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[playerID]
	if !ok {
		return
	}
	if p.conn != conn {
		log.Debug().
			Str("room_code", r.code).
			Str("player_id", playerID).
			Msg("ignoring close of replaced connection")
		return
	}
	p.conn = nil
	p.disconnected = true
	p.cancelGrace()
	p.graceTimer = r.clock.AfterFunc(r.grace, func() {
		r.expirePlayer(playerID)
	})

	log.Info().
		Str("room_code", r.code).
		Str("player_id", playerID).
		Dur("grace", r.grace).
		Msg("player disconnected, grace timer started")

	if r.phase == PhaseLobby {
		r.broadcast(protocol.Joined("", r.connectedNames()))
	}
}

// expirePlayer removes a player whose grace period ran out.
func (r *Room) expirePlayer(playerID string) {
	r.mu.Lock()
	p, ok := r.players[playerID]
	if !ok || !p.disconnected || r.phase == PhaseEnded {
		r.mu.Unlock()
		return
	}
	token := p.Token
	delete(r.players, playerID)
	delete(r.scores, playerID)
	for i, id := range r.joinOrder {
		if id == playerID {
			r.joinOrder = append(r.joinOrder[:i], r.joinOrder[i+1:]...)
			break
		}
	}

	log.Info().
		Str("room_code", r.code).
		Str("player_id", playerID).
		Msg("grace period elapsed, player removed")

	if r.phase == PhaseLobby {
		r.broadcast(protocol.Joined("", r.connectedNames()))
	}
	r.mu.Unlock()

	if r.hooks.OnPlayerExpired != nil {
		r.hooks.OnPlayerExpired(token)
	}
}

// ReconnectPlayer rebinds a new connection to an existing player slot,
// cancels the pending grace timer and replays the current state.
func (r *Room) ReconnectPlayer(playerID string, conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[playerID]
	if !ok {
		return fmt.Errorf("unknown player")
	}
	p.cancelGrace()
	p.conn = conn
	p.disconnected = false

	log.Info().
		Str("room_code", r.code).
		Str("player_id", playerID).
		Msg("player reconnected")

	if r.phase == PhaseLobby {
		r.broadcastExcept(conn, protocol.Joined("", r.connectedNames()))
	}
	r.resyncLocked(conn, playerID)
	return nil
}

// DisconnectHost clears the host connection and pauses a live countdown so
// the quiz cannot run away while nobody is driving it. A close for a
// connection the host already replaced is ignored.
func (r *Room) DisconnectHost(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.host != conn {
		log.Debug().Str("room_code", r.code).Msg("ignoring close of replaced host connection")
		return
	}
	r.host = nil
	log.Info().Str("room_code", r.code).Msg("host disconnected")
	if r.phase == PhaseQuestion && !r.paused {
		r.pauseLocked()
	}
}

// ReconnectHost rebinds the host connection, resumes a paused countdown and
// replays the current state.
func (r *Room) ReconnectHost(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.host = conn
	log.Info().Str("room_code", r.code).Msg("host reconnected")

	conn.Send(protocol.Sync(r.phase.String(), protocol.SyncData{
		QuizCode: r.code,
		Title:    r.title,
	}))
	r.resyncLocked(conn, "")

	if r.phase == PhaseQuestion && r.paused {
		r.resumeLocked()
	}
}

// resyncLocked replays, from current state only, whatever the phase implies
// for a newly (re)connected participant. Callers must hold r.mu.
func (r *Room) resyncLocked(conn Conn, playerID string) {
	switch r.phase {
	case PhaseLobby:
		conn.Send(protocol.Joined(playerID, r.connectedNames()))
	case PhaseQuestion:
		q := r.questions[r.current]
		conn.Send(protocol.QuestionBroadcast(q.PlayerView(), r.current, len(r.questions)))
		conn.Send(protocol.Tick(r.remaining))
		if r.paused {
			conn.Send(protocol.Paused())
		}
	case PhaseResults:
		if r.lastResults != nil {
			conn.Send(*r.lastResults)
		}
	case PhaseLeaderboard:
		conn.Send(protocol.Leaderboard(r.rankings()))
	case PhaseEnded:
		conn.Send(protocol.Ended())
	}
}

// rankings returns the standings sorted by descending score; equal scores
// keep join order. Callers must hold r.mu.
func (r *Room) rankings() []protocol.Ranking {
	out := make([]protocol.Ranking, 0, len(r.joinOrder))
	for _, id := range r.joinOrder {
		out = append(out, protocol.Ranking{Name: r.players[id].Name, Score: r.scores[id]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// connectedNames returns the display names of currently connected players in
// join order. Callers must hold r.mu.
func (r *Room) connectedNames() []string {
	names := make([]string, 0, len(r.joinOrder))
	for _, id := range r.joinOrder {
		if p := r.players[id]; p.connected() {
			names = append(names, p.Name)
		}
	}
	return names
}

// broadcast fans a message out to the host and every connected player,
// silently skipping anyone without a live connection. Callers must hold r.mu.
func (r *Room) broadcast(v any) {
	if r.host != nil {
		r.host.Send(v)
	}
	for _, p := range r.players {
		if p.connected() {
			p.conn.Send(v)
		}
	}
}

// broadcastExcept is broadcast minus one connection. Callers must hold r.mu.
func (r *Room) broadcastExcept(skip Conn, v any) {
	if r.host != nil && r.host != skip {
		r.host.Send(v)
	}
	for _, p := range r.players {
		if p.connected() && p.conn != skip {
			p.conn.Send(v)
		}
	}
}

// sendHost sends a message to the host only, if connected. Callers must hold
// r.mu.
func (r *Room) sendHost(v any) {
	if r.host != nil {
		r.host.Send(v)
	}
}
