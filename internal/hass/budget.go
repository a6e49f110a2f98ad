package hass

import (
	"time"

	"github.com/alexjbarnes/ha-sync/internal/metrics"
	"golang.org/x/time/rate"
)

// budgetLevel throttles background sync when the session is under
// pressure.
type budgetLevel int

const (
	budgetNormal budgetLevel = iota
	budgetPressure
	budgetProtect
	budgetCritical
)

func (l budgetLevel) String() string {
	switch l {
	case budgetNormal:
		return "normal"
	case budgetPressure:
		return "pressure"
	case budgetProtect:
		return "protect"
	case budgetCritical:
		return "critical"
	default:
		return "unknown"
	}
}

type budgetProfile struct {
	initialStep  time.Duration
	priorityStep time.Duration
	periodicStep time.Duration
	opensPerMin  int
}

var budgetProfiles = [...]budgetProfile{
	budgetNormal:   {200 * time.Millisecond, 300 * time.Millisecond, 30 * time.Minute, 120},
	budgetPressure: {500 * time.Millisecond, 700 * time.Millisecond, 45 * time.Minute, 40},
	budgetProtect:  {1500 * time.Millisecond, 1500 * time.Millisecond, 60 * time.Minute, 12},
	budgetCritical: {3 * time.Second, 3 * time.Second, 90 * time.Minute, 4},
}

func (l budgetLevel) profile() budgetProfile { return budgetProfiles[l] }

// levelFor derives the level from RX queue fill and the connect error
// streak.
func levelFor(depth, capacity, errorStreak int) budgetLevel {
	level := budgetNormal

	if capacity > 0 {
		switch fill := depth * 100 / capacity; {
		case fill >= 75:
			level = budgetCritical
		case fill >= 50:
			level = budgetProtect
		case fill >= 25:
			level = budgetPressure
		}
	}

	switch {
	case errorStreak >= 4:
		level = max(level, budgetCritical)
	case errorStreak >= 3:
		level = max(level, budgetProtect)
	}

	return level
}

const (
	// restFailureDeferShort applies after three consecutive REST failures.
	restFailureDeferShort = 10 * time.Second
	// restFailureDeferLong applies from the fourth.
	restFailureDeferLong = 20 * time.Second
)

// budget gates background REST opens. Each level has its own per-minute
// limiter; consecutive failures pause background work entirely.
type budget struct {
	level    budgetLevel
	limiters [len(budgetProfiles)]*rate.Limiter

	failures      int
	deferredUntil time.Time
}

func newBudget() *budget {
	b := &budget{}
	for i, p := range budgetProfiles {
		b.limiters[i] = rate.NewLimiter(rate.Every(time.Minute/time.Duration(p.opensPerMin)), 2)
	}

	return b
}

func (b *budget) setLevel(l budgetLevel) {
	if l == b.level {
		return
	}

	b.level = l
	metrics.BudgetLevel.Set(float64(l))
}

// deferred reports whether background work is paused at now.
func (b *budget) deferred(now time.Time) bool {
	return now.Before(b.deferredUntil)
}

// allowOpen consumes one REST open from the current level's allowance.
func (b *budget) allowOpen(now time.Time) bool {
	return b.limiters[b.level].AllowN(now, 1)
}

func (b *budget) openFailed(now time.Time) {
	b.failures++

	switch {
	case b.failures >= 4:
		b.deferredUntil = now.Add(restFailureDeferLong)
	case b.failures >= 3:
		b.deferredUntil = now.Add(restFailureDeferShort)
	}
}

func (b *budget) openSucceeded() {
	b.failures = 0
	b.deferredUntil = time.Time{}
}
