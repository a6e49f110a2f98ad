package hass

import (
	"log/slog"
	"time"

	"github.com/alexjbarnes/ha-sync/internal/ringbuf"
	"github.com/tidwall/gjson"
)

const (
	traceCap = 48

	// traceMaxAge expires traces that never saw a state change.
	traceMaxAge = 5 * time.Second

	// latencyWarn is the command-to-state latency that logs a warning.
	latencyWarn = 500 * time.Millisecond
)

// callTrace follows one call_service from queueing to the resulting
// state change.
type callTrace struct {
	id       uint64
	entityID string
	domain   string
	service  string
	expected string

	queuedAt time.Time
	sentAt   time.Time
	resultAt time.Time

	resultSeen bool
	success    bool
	active     bool
}

// traceRing holds recent service calls for latency diagnostics. Callers
// hold c.mu.
type traceRing struct {
	ring   *ringbuf.Deque[callTrace]
	logger *slog.Logger
}

func newTraceRing(logger *slog.Logger) *traceRing {
	return &traceRing{ring: ringbuf.New[callTrace](traceCap), logger: logger}
}

func (r *traceRing) expire(now time.Time) {
	r.ring.RemoveFunc(func(t callTrace) bool {
		return !t.active || now.Sub(t.queuedAt) > traceMaxAge
	})
}

// add records a queued call. Inactive or expired slots are reused first;
// otherwise the oldest trace is evicted.
func (r *traceRing) add(t callTrace) {
	r.expire(t.queuedAt)
	t.active = true
	r.ring.Push(t)
}

func (r *traceRing) update(id uint64, fn func(*callTrace)) bool {
	i := r.ring.IndexFunc(func(t callTrace) bool { return t.id == id })
	if i < 0 {
		return false
	}

	t := r.ring.At(i)
	fn(&t)
	r.ring.Set(i, t)

	return true
}

func (r *traceRing) markSent(id uint64, at time.Time) {
	r.update(id, func(t *callTrace) { t.sentAt = at })
}

func (r *traceRing) deactivate(id uint64) {
	r.update(id, func(t *callTrace) { t.active = false })
}

// result records the hub's answer. A failed call ends its trace.
func (r *traceRing) result(id uint64, success bool, errText string, at time.Time) bool {
	var t callTrace

	found := r.update(id, func(c *callTrace) {
		c.resultSeen = true
		c.success = success
		c.resultAt = at

		if !success {
			c.active = false
		}

		t = *c
	})
	if !found {
		return false
	}

	if !success {
		r.logger.Warn("service call failed",
			slog.String("service", t.domain+"."+t.service),
			slog.String("entity_id", t.entityID),
			slog.Uint64("id", t.id),
			slog.String("error", errText),
		)
	}

	return true
}

// stateChanged matches a state change to the best active trace for the
// entity and logs its latency. A trace expecting a different state is
// skipped; one with no expectation is a weaker match. Ties go to the
// most recently sent call.
func (r *traceRing) stateChanged(entityID, newState string, now time.Time) {
	r.expire(now)

	best, bestScore := -1, 3
	var bestTS time.Time

	for i := range r.ring.Len() {
		t := r.ring.At(i)
		if !t.active || t.entityID != entityID {
			continue
		}

		score := 1
		if newState != "" {
			switch {
			case t.expected == "":
				score = 1
			case t.expected == newState:
				score = 0
			default:
				score = 2
			}
		}

		ts := t.sentAt
		if ts.IsZero() {
			ts = t.queuedAt
		}

		if score < bestScore || (score == bestScore && !ts.Before(bestTS)) {
			best, bestScore, bestTS = i, score, ts
		}
	}

	if best < 0 || (newState != "" && bestScore >= 2) {
		return
	}

	t := r.ring.At(best)
	t.active = false
	r.ring.Set(best, t)

	fromQueue := now.Sub(t.queuedAt)
	attrs := []any{
		slog.String("service", t.domain+"."+t.service),
		slog.String("entity_id", entityID),
		slog.String("state", newState),
		slog.Uint64("id", t.id),
		slog.Duration("queue_to_state", fromQueue),
	}

	if !t.sentAt.IsZero() {
		attrs = append(attrs, slog.Duration("send_to_state", now.Sub(t.sentAt)))
	}

	if fromQueue >= latencyWarn {
		r.logger.Warn("slow service call", attrs...)
		return
	}

	r.logger.Debug("service call applied", attrs...)
}

func (r *traceRing) clear() { r.ring.Clear() }

func (r *traceRing) len() int { return r.ring.Len() }

// expectedState predicts the state a service call should produce.
// toggle flips the cached on/off state; unknown services expect nothing.
func expectedState(service, current string) string {
	switch service {
	case "turn_on":
		return "on"
	case "turn_off":
		return "off"
	case "open_cover":
		return "open"
	case "close_cover":
		return "closed"
	case "toggle":
		switch current {
		case "on":
			return "off"
		case "off":
			return "on"
		}
	}

	return ""
}

// targetEntity pulls the target entity id from service data, accepting
// a string or the first element of an array, at the top level or under
// target.
func targetEntity(serviceData []byte) string {
	for _, path := range []string{"entity_id", "target.entity_id"} {
		v := gjson.GetBytes(serviceData, path)

		switch {
		case v.IsArray():
			if first := v.Get("0"); first.Type == gjson.String {
				return first.String()
			}
		case v.Type == gjson.String:
			return v.String()
		}
	}

	return ""
}
