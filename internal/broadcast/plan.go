package broadcast

import (
	"slices"
	"time"

	"github.com/me/dispatch/pkg/model"
)

// Settings are the broadcast tunables read on every tick.
type Settings struct {
	MaxRounds        int
	BatchLimit       int
	Interval         time.Duration
	RebroadcastDelay time.Duration
}

// Plan is the next broadcast state of one task.
type Plan struct {
	// Chosen are the agents offered the task by this broadcast.
	Chosen         []string
	EligibleAgents []string
	AlreadyTried   []string
	Round          int
	RoundAdvanced  bool
	NextBroadcast  time.Time
}

// Next computes the broadcast that follows the task's current state. It
// reports false when the task has no eligible agents.
//
// Up to BatchLimit agents are taken from the front of the ring and rotated to
// the back. When every eligible agent has been tried in the current round
// the tried set is cleared, the round advances and the next broadcast backs
// off by round × Interval; otherwise it follows after RebroadcastDelay.
func Next(task *model.Task, s Settings, now time.Time) (Plan, bool) {
	ring := task.EligibleAgents
	if len(ring) == 0 {
		return Plan{}, false
	}

	k := s.BatchLimit
	if k <= 0 || k > len(ring) {
		k = len(ring)
	}
	chosen := slices.Clone(ring[:k])
	rotated := make([]string, 0, len(ring))
	rotated = append(rotated, ring[k:]...)
	rotated = append(rotated, chosen...)

	tried := slices.Clone(task.AlreadyTried)
	for _, id := range chosen {
		if !slices.Contains(tried, id) {
			tried = append(tried, id)
		}
	}

	p := Plan{
		Chosen:         chosen,
		EligibleAgents: rotated,
		AlreadyTried:   tried,
		Round:          task.BroadcastRound,
		NextBroadcast:  now.Add(s.RebroadcastDelay),
	}
	if coversAll(tried, ring) {
		p.AlreadyTried = nil
		p.Round++
		p.RoundAdvanced = true
		p.NextBroadcast = now.Add(time.Duration(p.Round) * s.Interval)
	}
	return p, true
}

func coversAll(tried, ring []string) bool {
	for _, id := range ring {
		if !slices.Contains(tried, id) {
			return false
		}
	}
	return true
}
