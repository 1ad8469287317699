package mesh

import "time"

// Candidate is a device eligible for hub duty.
type Candidate struct {
	DeviceID string
	Score    float64
	JoinedAt time.Time
}

// Elect picks the hub: highest score, then earliest join, then the smaller
// device id. The result does not depend on candidate order.
func Elect(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if outranks(c, best) {
			best = c
		}
	}
	return best, true
}

func outranks(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.DeviceID < b.DeviceID
}
