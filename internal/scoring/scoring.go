package scoring

import (
	"math"
	"time"

	"qms/queue-engine/internal/models"
)

// Tier bases. EarlyBase is deliberately below both WalkInBase and LateBase:
// a customer who shows up a few minutes before the slot waits for it.
const (
	OnTimeBase = 100.0
	WalkInBase = 60.0
	LateBase   = 50.0
	EarlyBase  = 9.0
	ForcedBase = 999.0
)

const (
	DefaultGracePeriod     = 5 * time.Minute
	DefaultEarlyLimit      = 15 * time.Minute
	DefaultAgingMultiplier = 1.5
	DefaultAgingCap        = 50.0
	DefaultForceServeAfter = 40 * time.Minute
)

type Options struct {
	GracePeriod     time.Duration
	EarlyLimit      time.Duration
	AgingMultiplier float64
	AgingCap        float64
	ForceServeAfter time.Duration
}

type Breakdown struct {
	Base           float64 `json:"base"`
	AgingBonus     float64 `json:"aging_bonus"`
	WaitingMinutes float64 `json:"waiting_minutes"`
	Forced         bool    `json:"forced"`
	Score          float64 `json:"score"`
}

func DefaultOptions() Options {
	return Options{
		GracePeriod:     DefaultGracePeriod,
		EarlyLimit:      DefaultEarlyLimit,
		AgingMultiplier: DefaultAgingMultiplier,
		AgingCap:        DefaultAgingCap,
		ForceServeAfter: DefaultForceServeAfter,
	}
}

// Normalize fills unset or negative values with the defaults.
func (o Options) Normalize() Options {
	def := DefaultOptions()
	if o.GracePeriod <= 0 {
		o.GracePeriod = def.GracePeriod
	}
	if o.EarlyLimit <= 0 {
		o.EarlyLimit = def.EarlyLimit
	}
	if o.AgingMultiplier <= 0 {
		o.AgingMultiplier = def.AgingMultiplier
	}
	if o.AgingCap <= 0 {
		o.AgingCap = def.AgingCap
	}
	if o.ForceServeAfter <= 0 {
		o.ForceServeAfter = def.ForceServeAfter
	}
	return o
}

// Score returns the priority of a token at now; higher is served sooner.
func (o Options) Score(token models.Token, now time.Time) float64 {
	return o.Explain(token, now).Score
}

// Explain computes the score together with the terms that produced it.
// Tokens that have not arrived score zero.
func (o Options) Explain(token models.Token, now time.Time) Breakdown {
	if !token.Arrived() {
		return Breakdown{}
	}

	base := o.base(token, now)

	waiting := now.Sub(*token.ArrivalTime).Minutes()
	if waiting < 0 {
		waiting = 0
	}
	aging := math.Min(waiting*o.AgingMultiplier, o.AgingCap)

	forced := waiting > o.ForceServeAfter.Minutes()
	if forced {
		base = ForcedBase
	}

	return Breakdown{
		Base:           base,
		AgingBonus:     aging,
		WaitingMinutes: waiting,
		Forced:         forced,
		Score:          base + aging,
	}
}

func (o Options) base(token models.Token, now time.Time) float64 {
	if token.Kind != models.KindScheduled || token.ScheduledTime == nil {
		return WalkInBase
	}
	diff := token.ScheduledTime.Sub(now)
	switch {
	case absDuration(diff) <= o.GracePeriod:
		return OnTimeBase
	case diff > 0 && diff <= o.EarlyLimit:
		return EarlyBase
	case diff > o.EarlyLimit:
		return WalkInBase
	default:
		return LateBase
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
