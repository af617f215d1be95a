package game

import (
	"math/rand/v2"

	"github.com/PancyStudios/DiggerBotGo/pkg/models"
)

// Dig and box payout table.
const (
	SuperChance   = 0.01
	SuperLoot     = 40
	SuccessChance = 0.75

	BoxTokens     = 3
	BoxEmptyShare = 0.40
)

// Random is the source of game randomness.
type Random interface {
	IntN(n int) int
	Float64() float64
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }
func (globalRand) Float64() float64 { return rand.Float64() }

// between returns a uniform value in [lo, hi].
func between(r Random, lo, hi int) int64 {
	return int64(lo + r.IntN(hi-lo+1))
}

// rollDig decides one dig. A super find never repeats back to back and a
// player new to the chat always succeeds.
func rollDig(r Random, newPlayer bool, last models.LastAction) (int64, models.LastAction) {
	if r.Float64() < SuperChance && last != models.ActionSuper {
		return SuperLoot, models.ActionSuper
	}
	if newPlayer || r.Float64() < SuccessChance {
		return between(r, 1, 5), models.ActionNormal
	}
	return -between(r, 1, 3), models.ActionFail
}

// boxOutcomes returns two wins and one empty or lose, shuffled.
func boxOutcomes(r Random) []models.BoxOutcome {
	third := models.OutcomeLose
	if r.Float64() < BoxEmptyShare {
		third = models.OutcomeEmpty
	}
	out := []models.BoxOutcome{models.OutcomeWin, models.OutcomeWin, third}
	for i := len(out) - 1; i > 0; i-- {
		j := r.IntN(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// boxLoot rolls the points behind an opened box.
func boxLoot(r Random, o models.BoxOutcome) int64 {
	switch o {
	case models.OutcomeWin:
		return between(r, 10, 18)
	case models.OutcomeLose:
		return between(r, -6, -3)
	default:
		return 0
	}
}
