package quest

import "time"

// Event is the payload of every quest notification hook.
type Event struct {
	Kind        string    `json:"kind"`
	Player      string    `json:"player,omitempty"`
	Tier        Tier      `json:"tier"`
	Quest       *Instance `json:"quest,omitempty"`
	Replacement *Instance `json:"replacement,omitempty"`
	Percent     int       `json:"percent,omitempty"`
	Amount      int64     `json:"amount,omitempty"`
	At          time.Time `json:"at"`
}

// CrossedReportThreshold reports whether a progress update deserves a
// progress notification: the first non-zero progress, or entering a new
// 10% band.
func CrossedReportThreshold(oldProgress, newProgress, target int64) bool {
	if newProgress <= oldProgress {
		return false
	}
	if oldProgress == 0 {
		return true
	}
	return Percent(newProgress, target)/10 > Percent(oldProgress, target)/10
}

// MilestonesCrossed returns each 25% boundary passed by an update, e.g.
// 20% -> 60% yields [25 50].
func MilestonesCrossed(oldProgress, newProgress, target int64) []int {
	from := Percent(oldProgress, target) / 25
	to := Percent(newProgress, target) / 25
	var out []int
	for b := from + 1; b <= to; b++ {
		out = append(out, b*25)
	}
	return out
}
