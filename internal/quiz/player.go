package quiz

import "github.com/jonboulle/clockwork"

// noAnswer marks a player who has not answered the current question.
const noAnswer = -1

// Player is one participant's slot in a room. The slot outlives any single
// connection: on disconnect the conn is cleared and a grace timer starts, and
// only if that timer fires is the slot removed.
type Player struct {
	ID    string
	Name  string
	Token string

	conn         Conn
	disconnected bool
	graceTimer   clockwork.Timer

	// Per-question state, reset each time a question starts.
	answered bool
	answer   int
}

func (p *Player) connected() bool {
	return !p.disconnected && p.conn != nil
}

func (p *Player) resetAnswer() {
	p.answered = false
	p.answer = noAnswer
}

func (p *Player) cancelGrace() {
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
}
