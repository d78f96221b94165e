// Package recovery turns morning physiology into a readiness score and
// a skip-risk estimate for planned workouts. Everything here is pure;
// persistence of the resulting snapshots belongs to the phenome store.
package recovery

import (
	"math"
	"strings"

	"github.com/ghostcoach/ghostcoach/internal/core"
)

// baseline is the starting point before any signal contributes.
const baseline = 50.0

// HighRisk is the skip-risk probability above which the evening cycle
// treats tomorrow's block as endangered.
const HighRisk = 0.6

// Explicit sleep quality ratings, when the provider reports one.
const (
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityFair      = "fair"
	QualityPoor      = "poor"
)

// Inputs carries one morning's worth of signals. Has* flags mark which
// channels actually reported; a channel with no usable baseline is
// treated as missing.
type Inputs struct {
	Date string // YYYY-MM-DD

	SleepHours   float64
	SleepQuality string // explicit rating, overrides hours when set
	HasSleep     bool

	HRV         float64
	HRVBaseline float64
	HasHRV      bool

	RestingHR   float64
	RHRBaseline float64
	HasRHR      bool
}

// Score computes today's recovery. With no inputs at all the answer is
// exactly core.NeutralRecovery, never an error.
func Score(in Inputs) core.RecoverySnapshot {
	// A delta against a zero baseline is meaningless
	if in.HRVBaseline <= 0 {
		in.HasHRV = false
	}
	if in.RHRBaseline <= 0 {
		in.HasRHR = false
	}

	snap := core.RecoverySnapshot{
		Date:     in.Date,
		HasSleep: in.HasSleep,
		HasHRV:   in.HasHRV,
		HasRHR:   in.HasRHR,
	}

	if !in.HasSleep && !in.HasHRV && !in.HasRHR {
		snap.Score = core.NeutralRecovery
		return snap
	}

	score := baseline

	if in.HasSleep {
		snap.SleepDelta = sleepContribution(in)
		score += snap.SleepDelta
	}
	if in.HasHRV {
		snap.HRVDelta = hrvContribution(in.HRV, in.HRVBaseline)
		score += snap.HRVDelta
	}
	if in.HasRHR {
		snap.RHRDelta = rhrContribution(in.RestingHR, in.RHRBaseline)
		score += snap.RHRDelta
	}

	snap.Score = clamp(score)
	return snap
}

// Level names a score band for status output and notification copy.
func Level(score float64) string {
	switch {
	case score < core.LowRecovery:
		return "low"
	case score < core.NeutralRecovery:
		return "moderate"
	default:
		return "good"
	}
}

func sleepContribution(in Inputs) float64 {
	switch strings.ToLower(in.SleepQuality) {
	case QualityExcellent:
		return 20
	case QualityGood:
		return 15
	case QualityFair:
		return 5
	case QualityPoor:
		return -10
	}

	switch {
	case in.SleepHours >= 8:
		return 20
	case in.SleepHours >= 7:
		return 15
	case in.SleepHours >= 6:
		return 5
	default:
		return -10
	}
}

func hrvContribution(hrv, base float64) float64 {
	pct := (hrv - base) / base * 100

	switch {
	case pct > 20:
		return 20
	case pct > 10:
		return 15
	case pct > 0:
		return 10
	case pct > -10:
		return 5
	default:
		return -10
	}
}

// Resting heart rate runs the other way: below baseline is good.
func rhrContribution(rhr, base float64) float64 {
	pct := (rhr - base) / base * 100

	switch {
	case pct < -5:
		return 15
	case pct <= 0:
		return 10
	case pct <= 5:
		return 5
	default:
		return -10
	}
}

// Features feed the skip-risk prediction. Rates and proximities are
// 0-1, RecoveryScore is 0-100, DaysSinceMissed counts calendar days.
type Features struct {
	CompletionRate   float64 // historical completion at this weekday and window
	DaysSinceMissed  float64 // days since the last missed workout
	RecoveryScore    float64 // today's recovery, 0-100
	CalendarDensity  float64 // fraction of the waking day already booked
	SeasonPenalty    float64 // darkness and weather proxy, 0 when unknown
	FragileProximity float64 // closeness to a known fragile period
}

// Logistic weights. Completion history and recovery pull risk down,
// everything else pushes it up.
const (
	weightBias       = 0.4
	weightCompletion = -2.2
	weightMissRecent = 1.6
	weightRecovery   = -1.8
	weightDensity    = 1.3
	weightSeason     = 0.6
	weightFragile    = 1.4
)

// SkipRisk estimates the probability that a planned workout gets
// skipped. Worse recovery, a thinner completion history and a denser
// calendar each independently raise the estimate.
func SkipRisk(f Features) float64 {
	// A miss yesterday weighs near 1, an old one fades toward 0
	missRecency := 1.0 / (1.0 + math.Max(0, f.DaysSinceMissed))

	z := weightBias +
		weightCompletion*f.CompletionRate +
		weightMissRecent*missRecency +
		weightRecovery*(f.RecoveryScore/100) +
		weightDensity*f.CalendarDensity +
		weightSeason*f.SeasonPenalty +
		weightFragile*f.FragileProximity

	return 1 / (1 + math.Exp(-z))
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
