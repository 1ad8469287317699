package mesh

import (
	"strings"
	"time"
)

// ScoreInputs are the device facts the hub score is derived from.
type ScoreInputs struct {
	DeviceType string
	OnMains    bool
	// BatteryPct is 0..100; ignored when OnMains is set.
	BatteryPct float64
	Uptime     time.Duration
}

var roleWeights = map[string]float64{
	"gateway":    400,
	"terminal":   300,
	"kds-screen": 200,
	"printer":    0,
}

const (
	defaultRoleWeight = 100
	mainsBonus        = 100
	uptimeCap         = 24 * time.Hour
)

// Score ranks a device for hub duty. Role dominates, then power source, then
// battery level and uptime.
func Score(in ScoreInputs) float64 {
	weight, ok := roleWeights[strings.ToLower(strings.TrimSpace(in.DeviceType))]
	if !ok {
		weight = defaultRoleWeight
	}
	score := weight
	if in.OnMains {
		score += mainsBonus
	} else {
		battery := in.BatteryPct
		if battery < 0 {
			battery = 0
		}
		if battery > 100 {
			battery = 100
		}
		score += battery / 2
	}
	uptime := in.Uptime
	if uptime > uptimeCap {
		uptime = uptimeCap
	}
	if uptime > 0 {
		score += 2 * uptime.Hours()
	}
	return score
}
