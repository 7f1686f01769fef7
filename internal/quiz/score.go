package quiz

// Scoring constants. A correct answer is worth basePoints at the instant the
// question opens and decays linearly to floorPoints at the buzzer; a wrong
// answer or no answer is worth nothing. Any correct answer scores at least
// floorPoints, however late it lands.
const (
	basePoints  = 1000
	floorPoints = 500
)

// scoreAnswer computes the points for a single answer given how many seconds
// remained when it arrived out of the question's total duration.
func scoreAnswer(correct bool, remaining, totalSec int) int {
	if !correct {
		return 0
	}
	if totalSec <= 0 {
		return floorPoints
	}
	if remaining < 0 {
		remaining = 0
	}
	if remaining > totalSec {
		remaining = totalSec
	}
	return floorPoints + (basePoints-floorPoints)*remaining/totalSec
}
