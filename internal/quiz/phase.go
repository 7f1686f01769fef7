package quiz

import "fmt"

// Phase is the room's stage in the fixed quiz sequence. A room only ever
// moves lobby -> question -> results -> leaderboard -> question (while
// questions remain) -> ended.
type Phase int

const (
	PhaseLobby Phase = iota
	PhaseQuestion
	PhaseResults
	PhaseLeaderboard
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseLobby:
		return "lobby"
	case PhaseQuestion:
		return "question"
	case PhaseResults:
		return "results"
	case PhaseLeaderboard:
		return "leaderboard"
	case PhaseEnded:
		return "ended"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// PhaseError reports an operation attempted outside its valid phase.
type PhaseError struct {
	Op    string
	Phase Phase
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("cannot %s while in %s phase", e.Op, e.Phase)
}

// guard returns a PhaseError unless the room's current phase is one of the
// allowed phases. Callers must hold r.mu.
func (r *Room) guard(op string, allowed ...Phase) error {
	for _, p := range allowed {
		if r.phase == p {
			return nil
		}
	}
	return &PhaseError{Op: op, Phase: r.phase}
}
