package hass

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/alexjbarnes/ha-sync/internal/entities"
	herrors "github.com/alexjbarnes/ha-sync/internal/errors"
	"github.com/alexjbarnes/ha-sync/internal/metrics"
	"github.com/alexjbarnes/ha-sync/internal/models"
)

const (
	// initialRetry is the initial walk delay after an unexpected error.
	initialRetry = 6 * time.Second

	// periodicRetry is the periodic walk delay after a failed fetch.
	periodicRetry = 120 * time.Second

	// priorityRetry is the delay before retrying a re-queued entity.
	priorityRetry = 1500 * time.Millisecond

	// priorityBoost defers background sync after a command.
	priorityBoost = 5 * time.Second

	// forecastRequeueFloor limits forecast re-queues per entity.
	forecastRequeueFloor = 300 * time.Second

	// wsForecastGrace delays websocket forecast requests on a new session.
	wsForecastGrace = 5 * time.Second

	// forecastTimeout abandons a websocket forecast request.
	forecastTimeout = 10 * time.Second

	weatherDomain = "weather"
)

var dailyForecast = json.RawMessage(`{"type":"daily"}`)

// backgroundReadyLocked reports whether a background sync step may run:
// the session is authenticated, no command boost is active and REST
// failures have not paused background work.
func (c *Client) backgroundReadyLocked(now time.Time) bool {
	return c.phase == PhaseAuthenticated &&
		!now.Before(c.boostUntil) &&
		!c.budget.deferred(now)
}

// maybeQueueForecastLocked queues a weather entity for priority sync
// when the layout needs its forecast and the cache has none. Each entity
// is queued at most once per forecastRequeueFloor.
func (c *Client) maybeQueueForecastLocked(e models.Entity, now time.Time) {
	if e.Weather == nil || e.HasForecast() || !c.layout.NeedsForecast || !c.initial.done {
		return
	}

	if !c.layout.Contains(e.EntityID) {
		return
	}

	if last, ok := c.forecastQueued[e.EntityID]; ok && now.Sub(last) < forecastRequeueFloor {
		return
	}

	c.forecastQueued[e.EntityID] = now
	c.queuePriorityLocked(e.EntityID)
}

func (c *Client) queuePriorityLocked(id string) {
	added, evicted := c.prio.push(id)
	if !added {
		return
	}

	if evicted != "" {
		c.logger.Debug("priority sync queue full, evicted oldest", slog.String("entity_id", evicted))
	}
}

// fetchEntity is the single-entity REST primitive shared by all sync
// tiers. It imports the state and, for a weather entity the layout
// needs a forecast for, fetches the daily forecast as well.
func (c *Client) fetchEntity(ctx context.Context, id string, now time.Time) error {
	raw, err := c.rest.FetchState(ctx, id)

	c.mu.Lock()
	if herrors.IsTransient(err) {
		c.budget.openFailed(now)
	} else {
		c.budget.openSucceeded()
	}
	needsForecast := c.layout.NeedsForecast
	c.mu.Unlock()

	if err != nil {
		return err
	}

	e, err := c.importState(raw, now)
	if err != nil {
		return err
	}

	if e.Weather == nil || e.HasForecast() || !needsForecast {
		return nil
	}

	days, err := c.rest.FetchDailyForecast(ctx, id)
	if err != nil {
		c.logger.Debug("forecast fetch failed", slog.String("entity_id", id), slog.String("error", err.Error()))
		return nil
	}

	if len(days) > 0 && c.store.SetForecast(id, days) {
		c.notify.publish(Notification{Kind: StateChanged, EntityID: id})
	}

	return nil
}

func syncOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, herrors.ErrNotFound):
		return "not_found"
	case herrors.IsTransient(err):
		return "transient"
	case errors.Is(err, herrors.ErrNotSupported):
		return "not_supported"
	case errors.Is(err, herrors.ErrBudgetDeferred):
		return "deferred"
	default:
		return "error"
	}
}

// stepPriority syncs one queued entity. With REST it fetches the state;
// only a transient failure puts the entity back. Without REST only
// weather forecasts can be requested, one at a time over the session.
func (c *Client) stepPriority(ctx context.Context, now time.Time) bool {
	c.mu.Lock()

	if c.forecast.inFlight && now.Sub(c.forecast.sentAt) >= forecastTimeout {
		c.logger.Warn("weather forecast request timed out", slog.String("entity_id", c.forecast.entityID))
		c.forecast = forecastRequest{}
	}

	if !c.backgroundReadyLocked(now) || now.Before(c.prioDue) || c.prio.len() == 0 {
		c.mu.Unlock()
		return false
	}

	step := c.budget.level.profile().priorityStep

	if c.rest != nil {
		c.stepPriorityREST(ctx, now, step)
		return false
	}

	if c.forecast.inFlight || now.Sub(c.connectedAt) < wsForecastGrace {
		c.mu.Unlock()
		return false
	}

	id, _ := c.prio.pop()
	c.prioDue = now.Add(step)

	if entities.Domain(id) != weatherDomain {
		c.mu.Unlock()
		metrics.SyncStepsTotal.WithLabelValues("priority", syncOutcome(herrors.ErrNotSupported)).Inc()

		return false
	}

	msgID := c.nextMessageID()
	c.mu.Unlock()

	err := c.send(ctx, callServiceMessage{
		ID:             msgID,
		Type:           "call_service",
		Domain:         weatherDomain,
		Service:        "get_forecasts",
		ServiceData:    dailyForecast,
		Target:         &serviceTarget{EntityID: id},
		ReturnResponse: true,
	})

	c.mu.Lock()
	if err != nil {
		c.queuePriorityLocked(id)
		c.prioDue = now.Add(priorityRetry)
	} else {
		c.forecast = forecastRequest{inFlight: true, id: msgID, entityID: id, sentAt: now}
	}
	c.mu.Unlock()

	metrics.SyncStepsTotal.WithLabelValues("priority", syncOutcome(err)).Inc()

	return false
}

// stepPriorityREST is called with c.mu held and releases it.
func (c *Client) stepPriorityREST(ctx context.Context, now time.Time, step time.Duration) {
	if !c.budget.allowOpen(now) {
		c.prioDue = now.Add(step)
		c.mu.Unlock()
		metrics.SyncStepsTotal.WithLabelValues("priority", syncOutcome(herrors.ErrBudgetDeferred)).Inc()

		return
	}

	id, _ := c.prio.pop()
	c.mu.Unlock()

	err := c.fetchEntity(ctx, id, now)

	c.mu.Lock()
	if herrors.IsTransient(err) {
		c.queuePriorityLocked(id)
		c.prioDue = now.Add(priorityRetry)
	} else {
		c.prioDue = now.Add(step)
	}
	c.mu.Unlock()

	metrics.SyncStepsTotal.WithLabelValues("priority", syncOutcome(err)).Inc()

	if err != nil {
		c.logger.Debug("priority sync failed", slog.String("entity_id", id), slog.String("error", err.Error()))
	}
}

// stepInitial advances the initial walk by one entity. The index always
// moves forward, so a failing entity cannot stall the walk. Entities
// already covered by the snapshot count as imported without a fetch.
func (c *Client) stepInitial(ctx context.Context, now time.Time) bool {
	c.mu.Lock()

	if c.initial.done || !c.backgroundReadyLocked(now) || now.Before(c.initial.due) {
		c.mu.Unlock()
		return false
	}

	ids := c.layout.EntityIDs
	step := c.budget.level.profile().initialStep

	if c.initial.index >= len(ids) {
		c.completeInitialLocked(now)
		c.mu.Unlock()

		return false
	}

	id := ids[c.initial.index]

	if _, ok := c.initial.covered[id]; ok {
		c.initial.index++
		c.initial.imported++
		c.initial.due = now
		c.mu.Unlock()
		metrics.SyncStepsTotal.WithLabelValues("initial", "covered").Inc()

		return false
	}

	if c.rest == nil {
		// The snapshot is the only source; wait for it before counting
		// uncovered entities as attempted.
		if c.snap.step != snapDone {
			c.mu.Unlock()
			return false
		}

		c.initial.index++
		c.initial.due = now
		c.mu.Unlock()
		metrics.SyncStepsTotal.WithLabelValues("initial", syncOutcome(herrors.ErrNotSupported)).Inc()

		return false
	}

	if !c.budget.allowOpen(now) {
		c.initial.due = now.Add(step)
		c.mu.Unlock()
		metrics.SyncStepsTotal.WithLabelValues("initial", syncOutcome(herrors.ErrBudgetDeferred)).Inc()

		return false
	}

	rev := c.layoutRev
	c.mu.Unlock()

	err := c.fetchEntity(ctx, id, now)

	c.mu.Lock()
	defer c.mu.Unlock()

	metrics.SyncStepsTotal.WithLabelValues("initial", syncOutcome(err)).Inc()

	if c.layoutRev != rev {
		return false
	}

	c.initial.index++

	switch {
	case err == nil:
		c.initial.imported++
		c.initial.due = now.Add(step)
	case errors.Is(err, herrors.ErrNotFound):
		c.initial.due = now.Add(step)
	default:
		c.initial.due = now.Add(initialRetry)
		c.logger.Debug("initial sync fetch failed", slog.String("entity_id", id), slog.String("error", err.Error()))
	}

	return false
}

func (c *Client) completeInitialLocked(now time.Time) {
	c.initial.done = true

	if c.rest != nil {
		c.periodic.due = now.Add(c.budget.level.profile().periodicStep)
	}

	c.logger.Info("initial sync complete",
		slog.Int("imported", c.initial.imported),
		slog.Int("entities", len(c.layout.EntityIDs)),
	)

	c.notify.publish(Notification{Kind: InitialSyncComplete})

	if !c.layout.NeedsForecast {
		return
	}

	for _, id := range c.layout.EntityIDs {
		if entities.Domain(id) != weatherDomain {
			continue
		}

		e, ok := c.store.Get(id)
		if ok && e.HasForecast() {
			continue
		}

		c.forecastQueued[id] = now
		c.queuePriorityLocked(id)
	}
}

// stepPeriodic refreshes one layout entity on a rotating cursor. It is a
// safety net for missed push events and runs only with REST.
func (c *Client) stepPeriodic(ctx context.Context, now time.Time) bool {
	c.mu.Lock()

	ids := c.layout.EntityIDs
	due := c.rest != nil &&
		c.initial.done &&
		len(ids) > 0 &&
		!c.periodic.due.IsZero() &&
		!now.Before(c.periodic.due) &&
		c.backgroundReadyLocked(now)
	if !due {
		c.mu.Unlock()
		return false
	}

	step := c.budget.level.profile().periodicStep

	if !c.budget.allowOpen(now) {
		c.periodic.due = now.Add(periodicRetry)
		c.mu.Unlock()
		metrics.SyncStepsTotal.WithLabelValues("periodic", syncOutcome(herrors.ErrBudgetDeferred)).Inc()

		return false
	}

	id := ids[c.periodic.cursor%len(ids)]
	c.periodic.cursor = (c.periodic.cursor + 1) % len(ids)
	cursor := c.periodic.cursor
	c.mu.Unlock()

	if c.cursors != nil {
		if err := c.cursors.SetPeriodicCursor(cursor); err != nil {
			c.logger.Warn("persisting periodic cursor", slog.String("error", err.Error()))
		}
	}

	err := c.fetchEntity(ctx, id, now)

	c.mu.Lock()
	switch {
	case err == nil, errors.Is(err, herrors.ErrNotFound), errors.Is(err, herrors.ErrInvalidResponse):
		c.periodic.due = now.Add(step)
	default:
		c.periodic.due = now.Add(periodicRetry)
	}
	c.mu.Unlock()

	metrics.SyncStepsTotal.WithLabelValues("periodic", syncOutcome(err)).Inc()

	return false
}
