// Package router owns the process-wide registries mapping quiz codes to
// rooms, live connections to participants, and session tokens to identities,
// and dispatches inbound protocol messages to the right room.
package router

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quizwire/internal/protocol"
	"quizwire/internal/quiz"
)

const (
	codeLength       = 6
	codeAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	maxCodeAttempts  = 100
	maxQuestionCount = 100
)

// binding ties one live connection to its room and participant.
type binding struct {
	room     *quiz.Room
	playerID string // empty for the host
	token    string
	host     bool
}

type playerSession struct {
	room     *quiz.Room
	playerID string
}

// Router routes transport-level events to room operations. Its registries
// are the only cross-room shared state and sit behind one coarse mutex; room
// methods are never called while that mutex is held, so room callbacks may
// re-enter the router freely.
type Router struct {
	clock clockwork.Clock
	grace time.Duration

	mu           sync.Mutex
	rooms        map[string]*quiz.Room
	conns        map[quiz.Conn]binding
	playerTokens map[string]playerSession
	hostTokens   map[string]*quiz.Room
}

// New creates a router with empty registries.
func New(clock clockwork.Clock, grace time.Duration) *Router {
	return &Router{
		clock:        clock,
		grace:        grace,
		rooms:        make(map[string]*quiz.Room),
		conns:        make(map[quiz.Conn]binding),
		playerTokens: make(map[string]playerSession),
		hostTokens:   make(map[string]*quiz.Room),
	}
}

// Dispatch routes one decoded inbound frame from a connection. Any error is
// reported to that connection only, as an error message; nothing a client
// sends can tear down a room.
func (rt *Router) Dispatch(conn quiz.Conn, in protocol.Inbound) {
	var err error
	switch in.Type {
	case protocol.TypeHostCreate:
		err = rt.CreateQuiz(conn, in.Title, in.Questions)
	case protocol.TypeHostStart:
		err = rt.HostAction(conn, func(room *quiz.Room) error { return room.Start() })
	case protocol.TypeHostNext:
		err = rt.HostAction(conn, func(room *quiz.Room) error { return room.NextQuestion() })
	case protocol.TypeHostEnd:
		err = rt.HostAction(conn, func(room *quiz.Room) error { return room.End() })
	case protocol.TypeHostReconnect:
		err = rt.ReconnectHost(conn, in.SessionToken)
	case protocol.TypeJoin:
		err = rt.JoinRoom(conn, in.QuizCode, in.Name)
	case protocol.TypeAnswer:
		err = rt.SubmitAnswer(conn, in.QuestionID, in.ChoiceIndex)
	case protocol.TypeReconnect:
		err = rt.ReconnectPlayer(conn, in.SessionToken)
	default:
		err = fmt.Errorf("unknown message type %q", in.Type)
	}
	if err != nil {
		log.Debug().Err(err).Str("message_type", string(in.Type)).Msg("rejected client message")
		conn.Send(protocol.Error(err.Error()))
	}
}

// CreateQuiz creates a new room in the lobby phase, binds the connection as
// its host and replies with the room code and host session token.
func (rt *Router) CreateQuiz(conn quiz.Conn, title string, questions []protocol.Question) error {
	if len(questions) == 0 {
		return fmt.Errorf("quiz needs at least one question")
	}
	if len(questions) > maxQuestionCount {
		return fmt.Errorf("too many questions (max %d)", maxQuestionCount)
	}
	for _, q := range questions {
		if err := q.Validate(); err != nil {
			return err
		}
	}

	token := uuid.NewString()
	roomID := uuid.NewString()

	rt.mu.Lock()
	if _, bound := rt.conns[conn]; bound {
		rt.mu.Unlock()
		return fmt.Errorf("connection is already in a quiz")
	}
	code, err := rt.generateCode()
	if err != nil {
		rt.mu.Unlock()
		return err
	}
	room := quiz.NewRoom(rt.clock, roomID, code, title, questions, conn, token, rt.grace, quiz.Hooks{
		OnEnded:         rt.onRoomEnded,
		OnPlayerExpired: rt.onSessionExpired,
	})
	rt.rooms[code] = room
	rt.hostTokens[token] = room
	rt.conns[conn] = binding{room: room, token: token, host: true}
	rt.mu.Unlock()

	log.Info().Str("room_code", code).Str("title", title).Int("questions", len(questions)).Msg("quiz created")

	conn.Send(protocol.Sync(quiz.PhaseLobby.String(), protocol.SyncData{
		QuizCode:     code,
		SessionToken: token,
		Title:        title,
	}))
	return nil
}

// generateCode draws random 6-character codes until one is unused. Codes are
// short, so collisions are handled, not assumed away. Callers must hold the
// router lock.
func (rt *Router) generateCode() (string, error) {
	buf := make([]byte, codeLength)
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		code := make([]byte, codeLength)
		for i, b := range buf {
			code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
		}
		if _, taken := rt.rooms[string(code)]; !taken {
			return string(code), nil
		}
	}
	return "", fmt.Errorf("could not find an unused room code")
}

// JoinRoom adds a player to a lobby. A connection already bound to a
// participant is a no-op rather than an error, to tolerate frames racing a
// reconnect.
func (rt *Router) JoinRoom(conn quiz.Conn, code, name string) error {
	if code == "" {
		return fmt.Errorf("room code cannot be empty")
	}
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	rt.mu.Lock()
	if _, bound := rt.conns[conn]; bound {
		rt.mu.Unlock()
		return nil
	}
	room, ok := rt.rooms[code]
	rt.mu.Unlock()
	if !ok {
		return fmt.Errorf("no room with code %s", code)
	}
	if room.Phase() != quiz.PhaseLobby {
		return fmt.Errorf("quiz has already started")
	}

	token := uuid.NewString()
	playerID, err := room.AddPlayer(name, conn, token)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	rt.conns[conn] = binding{room: room, playerID: playerID, token: token}
	rt.playerTokens[token] = playerSession{room: room, playerID: playerID}
	rt.mu.Unlock()

	// The session token goes to the new connection only; it is the player's
	// reconnection credential and never appears in a broadcast.
	conn.Send(protocol.Session(token))
	return nil
}

// SubmitAnswer forwards an answer to the sender's room.
func (rt *Router) SubmitAnswer(conn quiz.Conn, questionID string, choiceIndex int) error {
	rt.mu.Lock()
	b, ok := rt.conns[conn]
	rt.mu.Unlock()
	if !ok || b.host {
		return fmt.Errorf("connection is not in a quiz")
	}
	return b.room.HandleAnswer(b.playerID, questionID, choiceIndex)
}

// HostAction resolves the connection to a hosted room and runs the action.
func (rt *Router) HostAction(conn quiz.Conn, action func(*quiz.Room) error) error {
	rt.mu.Lock()
	b, ok := rt.conns[conn]
	rt.mu.Unlock()
	if !ok || !b.host {
		return fmt.Errorf("connection is not hosting a quiz")
	}
	return action(b.room)
}

// ReconnectPlayer rebinds a connection to the player identified by the
// session token and delegates state resync to the room.
func (rt *Router) ReconnectPlayer(conn quiz.Conn, token string) error {
	rt.mu.Lock()
	sess, ok := rt.playerTokens[token]
	if ok {
		rt.conns[conn] = binding{room: sess.room, playerID: sess.playerID, token: token}
	}
	rt.mu.Unlock()
	if !ok {
		return fmt.Errorf("session invalid or expired")
	}
	if err := sess.room.ReconnectPlayer(sess.playerID, conn); err != nil {
		rt.mu.Lock()
		delete(rt.conns, conn)
		rt.mu.Unlock()
		return fmt.Errorf("session invalid or expired")
	}
	return nil
}

// ReconnectHost rebinds a connection as host of the room identified by the
// host session token. A paused room resumes automatically.
func (rt *Router) ReconnectHost(conn quiz.Conn, token string) error {
	rt.mu.Lock()
	room, ok := rt.hostTokens[token]
	if ok {
		rt.conns[conn] = binding{room: room, token: token, host: true}
	}
	rt.mu.Unlock()
	if !ok {
		return fmt.Errorf("session invalid or expired")
	}
	room.ReconnectHost(conn)
	return nil
}

// OnClose handles a connection closing. Disconnection is not removal: a
// player keeps their slot for the grace period and the host's absence pauses
// the room. The connection's own index entries go away immediately so a
// reused connection cannot misroute.
func (rt *Router) OnClose(conn quiz.Conn) {
	rt.mu.Lock()
	b, ok := rt.conns[conn]
	delete(rt.conns, conn)
	rt.mu.Unlock()
	if !ok {
		return
	}
	if b.host {
		b.room.DisconnectHost(conn)
		return
	}
	b.room.DisconnectPlayer(b.playerID, conn)
}

// onRoomEnded drops every registry entry pointing at an ended room.
func (rt *Router) onRoomEnded(room *quiz.Room) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.rooms, room.Code())
	delete(rt.hostTokens, room.HostToken())
	for token, sess := range rt.playerTokens {
		if sess.room == room {
			delete(rt.playerTokens, token)
		}
	}
	for conn, b := range rt.conns {
		if b.room == room {
			delete(rt.conns, conn)
		}
	}
	log.Info().Str("room_code", room.Code()).Msg("room released")
}

// onSessionExpired drops a player token whose grace period ran out.
func (rt *Router) onSessionExpired(token string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.playerTokens, token)
}

// RoomCount reports the number of active rooms, for the health endpoint.
func (rt *Router) RoomCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.rooms)
}
