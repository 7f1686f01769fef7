package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the `type` discriminator carried by every wire message.
type MessageType string

// Inbound message types (client -> server).
const (
	TypeHostCreate    MessageType = "host:create"
	TypeHostStart     MessageType = "host:start"
	TypeHostNext      MessageType = "host:next"
	TypeHostEnd       MessageType = "host:end"
	TypeHostReconnect MessageType = "host:reconnect"
	TypeJoin          MessageType = "join"
	TypeAnswer        MessageType = "answer"
	TypeReconnect     MessageType = "reconnect"
)

// Outbound message types (server -> client).
const (
	TypeSync        MessageType = "sync"
	TypeSession     MessageType = "session"
	TypeJoined      MessageType = "joined"
	TypeQuestion    MessageType = "question"
	TypeTick        MessageType = "tick"
	TypePaused      MessageType = "paused"
	TypeResumed     MessageType = "resumed"
	TypeAnswered    MessageType = "answered"
	TypeResults     MessageType = "results"
	TypeLeaderboard MessageType = "leaderboard"
	TypeEnded       MessageType = "ended"
	TypeError       MessageType = "error"
)

// Question is the full quiz question as the host submits it. The correct
// answer index never leaves the server on a player-facing message; see
// PlayerView.
type Question struct {
	ID           string   `json:"id"`
	Text         string   `json:"text"`
	Choices      []string `json:"choices"`
	CorrectIndex int      `json:"correctIndex"`
	TimerSec     int      `json:"timerSec"`
}

// PlayerQuestion is the question shape broadcast to participants: the same
// fields minus the answer key.
type PlayerQuestion struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Choices  []string `json:"choices"`
	TimerSec int      `json:"timerSec"`
}

// PlayerView strips the answer key.
func (q Question) PlayerView() PlayerQuestion {
	return PlayerQuestion{
		ID:       q.ID,
		Text:     q.Text,
		Choices:  q.Choices,
		TimerSec: q.TimerSec,
	}
}

// Validate checks a host-submitted question.
func (q Question) Validate() error {
	if q.Text == "" {
		return fmt.Errorf("question %q: empty text", q.ID)
	}
	if len(q.Choices) != 4 {
		return fmt.Errorf("question %q: want 4 choices, got %d", q.ID, len(q.Choices))
	}
	if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Choices) {
		return fmt.Errorf("question %q: correct index %d out of range", q.ID, q.CorrectIndex)
	}
	if q.TimerSec < 1 {
		return fmt.Errorf("question %q: timer must be at least 1s", q.ID)
	}
	return nil
}

// Inbound is the union of all client message payloads. Messages are flat
// JSON objects, so one struct with a type switch covers the whole inbound
// surface; fields not belonging to the decoded type stay zero.
type Inbound struct {
	Type MessageType `json:"type"`

	// host:create
	Title     string     `json:"title,omitempty"`
	Questions []Question `json:"questions,omitempty"`

	// join
	QuizCode string `json:"quizCode,omitempty"`
	Name     string `json:"name,omitempty"`

	// answer
	QuestionID  string `json:"questionId,omitempty"`
	ChoiceIndex int    `json:"choiceIndex"`

	// reconnect / host:reconnect
	SessionToken string `json:"sessionToken,omitempty"`
}

// DecodeInbound parses a raw client frame.
func DecodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("decode message: %w", err)
	}
	return in, nil
}

// SyncData is the payload of a host sync message.
type SyncData struct {
	QuizCode     string `json:"quizCode"`
	SessionToken string `json:"sessionToken,omitempty"`
	Title        string `json:"title,omitempty"`
}

type SyncMsg struct {
	Type  MessageType `json:"type"`
	Phase string      `json:"phase"`
	Data  SyncData    `json:"data"`
}

type SessionMsg struct {
	Type         MessageType `json:"type"`
	SessionToken string      `json:"sessionToken"`
}

type JoinedMsg struct {
	Type     MessageType `json:"type"`
	PlayerID string      `json:"playerId,omitempty"`
	Players  []string    `json:"players"`
}

type QuestionMsg struct {
	Type     MessageType    `json:"type"`
	Question PlayerQuestion `json:"question"`
	Index    int            `json:"index"`
	Total    int            `json:"total"`
}

type TickMsg struct {
	Type      MessageType `json:"type"`
	Remaining int         `json:"remaining"`
}

type PausedMsg struct {
	Type MessageType `json:"type"`
}

type ResumedMsg struct {
	Type      MessageType `json:"type"`
	Remaining int         `json:"remaining"`
}

type AnsweredMsg struct {
	Type  MessageType `json:"type"`
	Count int         `json:"count"`
	Total int         `json:"total"`
}

// ResultsMsg carries the answer reveal for one question. Distribution counts
// submissions per choice index; the fifth bucket counts players who never
// answered. Scores are cumulative, keyed by player name.
type ResultsMsg struct {
	Type         MessageType    `json:"type"`
	CorrectIndex int            `json:"correctIndex"`
	Distribution [5]int         `json:"distribution"`
	Scores       map[string]int `json:"scores"`
}

type Ranking struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

type LeaderboardMsg struct {
	Type     MessageType `json:"type"`
	Rankings []Ranking   `json:"rankings"`
}

type EndedMsg struct {
	Type MessageType `json:"type"`
}

type ErrorMsg struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func Sync(phase string, data SyncData) SyncMsg {
	return SyncMsg{Type: TypeSync, Phase: phase, Data: data}
}

func Session(token string) SessionMsg {
	return SessionMsg{Type: TypeSession, SessionToken: token}
}

func Joined(playerID string, players []string) JoinedMsg {
	return JoinedMsg{Type: TypeJoined, PlayerID: playerID, Players: players}
}

func QuestionBroadcast(q PlayerQuestion, index, total int) QuestionMsg {
	return QuestionMsg{Type: TypeQuestion, Question: q, Index: index, Total: total}
}

func Tick(remaining int) TickMsg {
	return TickMsg{Type: TypeTick, Remaining: remaining}
}

func Paused() PausedMsg {
	return PausedMsg{Type: TypePaused}
}

func Resumed(remaining int) ResumedMsg {
	return ResumedMsg{Type: TypeResumed, Remaining: remaining}
}

func Answered(count, total int) AnsweredMsg {
	return AnsweredMsg{Type: TypeAnswered, Count: count, Total: total}
}

func Results(correctIndex int, distribution [5]int, scores map[string]int) ResultsMsg {
	return ResultsMsg{Type: TypeResults, CorrectIndex: correctIndex, Distribution: distribution, Scores: scores}
}

func Leaderboard(rankings []Ranking) LeaderboardMsg {
	return LeaderboardMsg{Type: TypeLeaderboard, Rankings: rankings}
}

func Ended() EndedMsg {
	return EndedMsg{Type: TypeEnded}
}

func Error(message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, Message: message}
}
