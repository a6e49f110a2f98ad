package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/ha-sync/internal/entities"
	"github.com/alexjbarnes/ha-sync/internal/layout"
	"github.com/alexjbarnes/ha-sync/internal/metrics"
	"github.com/alexjbarnes/ha-sync/internal/models"
	"github.com/tidwall/gjson"
)

const (
	// authRetryInterval paces auth resends while the socket is busy.
	authRetryInterval = time.Second

	// subscribeRetryInterval paces subscribe resends after a failure.
	subscribeRetryInterval = time.Second

	// sendRetryDelay is the pause before the single send retry.
	sendRetryDelay = 15 * time.Millisecond

	// snapshotDelay separates the subscribe from the get_states request.
	snapshotDelay = 1200 * time.Millisecond

	// snapshotMinSessionAge holds get_states back on a brand new session.
	snapshotMinSessionAge = 3 * time.Second

	// snapshotRetry re-arms get_states after a failure.
	snapshotRetry = 6 * time.Second

	// snapshotTimeout gives up on a get_states result that never came,
	// which happens when it exceeds the reassembly buffer.
	snapshotTimeout = 30 * time.Second

	// triggerEntityCap is the most entities subscribed by trigger.
	triggerEntityCap = 64

	// noisyDomain is synced over REST instead of by trigger.
	noisyDomain = "media_player"
)

// send marshals v and writes it. A failed write is retried once after a
// short pause when the socket still reports connected.
func (c *Client) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	err = c.transport.SendText(ctx, data)
	if err == nil || !c.transport.IsConnected() {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(sendRetryDelay):
	}

	return c.transport.SendText(ctx, data)
}

// handleMessage dispatches one reassembled hub message. Malformed input
// is dropped.
func (c *Client) handleMessage(data []byte, now time.Time) {
	msg, err := decodeInbound(data)
	if err != nil {
		metrics.RXDroppedTotal.WithLabelValues("malformed").Inc()
		c.logger.Debug("dropping malformed message", slog.String("error", err.Error()))

		return
	}

	switch msg.Type {
	case typeAuthRequired:
		c.mu.Lock()
		if c.auth != authRejected {
			c.auth = authPending
			c.authRetryAt = time.Time{}
		}
		c.mu.Unlock()
	case typeAuthOK:
		c.mu.Lock()
		c.onAuthOKLocked(now)
		c.mu.Unlock()
	case typeAuthInvalid:
		c.mu.Lock()
		c.auth = authRejected
		c.mu.Unlock()

		c.logger.Error("hub rejected access token, waiting for reconnect",
			slog.String("message", gjson.GetBytes(data, "message").String()),
		)
	case typePing:
		id := msg.ID

		c.mu.Lock()
		c.pendingPong = &id
		c.mu.Unlock()
	case typePong:
		c.handlePong(msg.ID)
	case typeResult:
		c.handleResult(msg, now)
	case typeEvent:
		c.handleEvent(msg, now)
	default:
		c.logger.Debug("ignoring hub message", slog.String("type", msg.Type))
	}
}

func (c *Client) onAuthOKLocked(now time.Time) {
	c.phase = PhaseAuthenticated
	c.auth = authIdle
	c.ping = keepalive{}
	c.health.errorStreak = 0
	c.health.pendingForce = false
	c.sub = subscription{step: subPending}

	profile := c.budget.level.profile()

	if !c.initial.done {
		c.initial.due = now.Add(profile.initialStep)
	}

	if c.rest != nil {
		c.periodic.due = now.Add(profile.periodicStep)
		c.prioDue = now
	} else {
		c.prioDue = now.Add(wsForecastGrace)
	}

	metrics.Connected.Set(1)
	metrics.ErrorStreak.Set(0)

	c.logger.Info("hub session authenticated",
		slog.String("session", c.sessionID),
		slog.Bool("initial_sync_done", c.initial.done),
	)

	c.publishConnectivityLocked(true)
}

func (c *Client) handlePong(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ping.inFlight && c.ping.id == id {
		c.ping.inFlight = false
		c.ping.strikes = 0

		return
	}

	c.logger.Debug("ignoring pong for a superseded ping",
		slog.Uint64("id", id),
		slog.Uint64("expected", c.ping.id),
	)
}

func (c *Client) handleResult(msg inboundMessage, now time.Time) {
	ok := msg.succeeded()

	c.mu.Lock()

	switch {
	case c.snap.step == snapInFlight && msg.ID == c.snap.reqID:
		if !ok {
			c.snap = snapshot{step: snapScheduled, due: now.Add(snapshotRetry)}
			c.mu.Unlock()
			c.logger.Warn("get_states failed", slog.String("error", msg.Error.String()))

			return
		}

		c.snap.step = snapDone
		snap, rev := c.layout, c.layoutRev
		c.mu.Unlock()

		c.importSnapshot(msg.Result, snap, rev, now)

	case c.forecast.inFlight && msg.ID == c.forecast.id:
		entityID := c.forecast.entityID
		c.forecast = forecastRequest{}
		c.mu.Unlock()

		c.applyForecastResult(entityID, ok, msg, now)

	case c.sub.step == subActive && msg.ID == c.sub.id:
		if !ok {
			c.sub.step = subPending
			c.sub.retryAt = now.Add(subscribeRetryInterval)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Warn("subscription rejected", slog.String("error", msg.Error.String()))
		}

	default:
		c.trace.result(msg.ID, ok, msg.Error.String(), now)
		c.mu.Unlock()
	}
}

func (c *Client) applyForecastResult(entityID string, ok bool, msg inboundMessage, now time.Time) {
	if !ok {
		c.logger.Warn("weather forecast request failed",
			slog.String("entity_id", entityID),
			slog.String("error", msg.Error.String()),
		)

		return
	}

	days := entities.ForecastFromResponse(msg.Result)
	if len(days) == 0 || !c.store.SetForecast(entityID, days) {
		c.logger.Debug("forecast response had no usable forecast", slog.String("entity_id", entityID))
		return
	}

	c.mu.Lock()
	c.forecastQueued[entityID] = now
	c.mu.Unlock()

	c.notify.publish(Notification{Kind: StateChanged, EntityID: entityID})
}

// importSnapshot imports a get_states result. Imported layout entities
// are marked covered so the initial walk does not fetch them again.
func (c *Client) importSnapshot(result []byte, snap layout.Snapshot, rev uint64, now time.Time) {
	states := gjson.ParseBytes(result)
	if !states.IsArray() {
		c.logger.Warn("get_states result is not an array")
		return
	}

	imported := 0

	states.ForEach(func(_, v gjson.Result) bool {
		id := v.Get("entity_id").String()
		if len(snap.EntityIDs) > 0 && !snap.Contains(id) {
			return true
		}

		if _, err := c.importState([]byte(v.Raw), now); err != nil {
			return true
		}

		c.mu.Lock()
		if c.layoutRev == rev {
			c.initial.covered[id] = struct{}{}
		}
		c.mu.Unlock()

		imported++

		return true
	})

	c.logger.Info("imported state snapshot",
		slog.Int("imported", imported),
		slog.Int("layout_entities", len(snap.EntityIDs)),
	)
}

// importState projects one hub state object into the cache and notifies
// consumers. Push and fetch paths both end here.
func (c *Client) importState(raw []byte, now time.Time) (models.Entity, error) {
	e, err := entities.Project(raw, now)
	if err != nil {
		c.logger.Debug("dropping state object", slog.String("error", err.Error()))
		return models.Entity{}, err
	}

	stored := c.store.Put(e)
	c.notify.publish(Notification{Kind: StateChanged, EntityID: stored.EntityID})

	c.mu.Lock()
	c.maybeQueueForecastLocked(stored, now)
	c.mu.Unlock()

	return stored, nil
}

func (c *Client) handleEvent(msg inboundMessage, now time.Time) {
	c.mu.Lock()
	isTrigger := c.sub.kind == subTrigger && c.sub.id == msg.ID
	snap := c.layout
	c.mu.Unlock()

	var (
		u  stateUpdate
		ok bool
	)

	if isTrigger {
		u, ok = triggerUpdate(msg.Event)
	} else {
		u, ok = stateChangedUpdate(msg.Event)
	}

	if !ok {
		return
	}

	if len(snap.EntityIDs) > 0 && !snap.Contains(u.EntityID) {
		return
	}

	if u.State != nil {
		if _, err := c.importState(u.State, now); err != nil {
			return
		}
	} else {
		c.notify.publish(Notification{Kind: StateChanged, EntityID: u.EntityID})
	}

	c.mu.Lock()
	c.trace.stateChanged(u.EntityID, u.NewState, now)
	c.mu.Unlock()
}

// --- Outbound steps ---

func (c *Client) pingTimeout() time.Duration {
	return max(4*c.pingInterval, minPingTimeout)
}

// checkPingTimeout counts an unanswered ping as a strike. Reaching the
// strike limit stops the transport so the restart step reconnects.
func (c *Client) checkPingTimeout(_ context.Context, now time.Time) bool {
	c.mu.Lock()

	if c.phase != PhaseAuthenticated || !c.ping.inFlight || now.Sub(c.ping.sentAt) < c.pingTimeout() {
		c.mu.Unlock()
		return false
	}

	c.ping.inFlight = false
	c.ping.strikes++
	strikes := c.ping.strikes

	if strikes < pingStrikeLimit {
		c.mu.Unlock()
		c.logger.Warn("keepalive ping timed out", slog.Int("strikes", strikes))

		return false
	}

	c.ping.strikes = 0
	c.health.errorStreak++
	c.lastRestart = now.Add(-restartBase)
	c.mu.Unlock()

	c.logger.Warn("keepalive lost, restarting websocket", slog.Int("strikes", strikes))
	metrics.ReconnectsTotal.WithLabelValues("ping_timeout").Inc()
	c.transport.Disconnect()

	return true
}

func (c *Client) checkPublishDisconnect(_ context.Context, _ time.Time) bool {
	c.mu.Lock()
	if c.phase != PhaseAuthenticated {
		c.publishConnectivityLocked(false)
	}
	c.mu.Unlock()

	return false
}

// checkRestart is tier-1 recovery: it (re)creates the websocket session
// when none is open and the link is up, with a backoff keyed off the
// connect error streak.
// A session that never authenticates within the connect grace is
// restarted too.
func (c *Client) checkRestart(ctx context.Context, now time.Time) bool {
	up := c.linkUp()

	c.mu.Lock()

	reason := "reconnect"

	switch c.phase {
	case PhaseAuthenticated:
		c.mu.Unlock()
		return false
	case PhaseConnected:
		if now.Sub(c.connectedAt) < connectGrace {
			c.mu.Unlock()
			return false
		}

		reason = "auth_timeout"
		c.health.errorStreak++
	case PhaseDisconnected:
		// Dialing over a dead link only inflates the error streak.
		if !up {
			c.mu.Unlock()
			return false
		}

		running := c.transport.IsRunning()
		since := now.Sub(c.lastRestart)

		if running && since < connectGrace {
			c.mu.Unlock()
			return false
		}

		if !c.lastRestart.IsZero() && since < restartWait(c.health.errorStreak, c.restartJitter) {
			c.mu.Unlock()
			return false
		}

		if running {
			reason = "connect_timeout"
		}
	}

	if c.phase != PhaseDisconnected {
		c.resetSessionLocked()
		c.phase = PhaseDisconnected
	}

	c.lastRestart = now
	c.restartJitter = c.jitter()
	c.gen++
	gen := c.gen
	streak := c.health.errorStreak
	c.mu.Unlock()

	c.logger.Info("starting websocket session",
		slog.String("reason", reason),
		slog.Int("error_streak", streak),
	)
	metrics.ReconnectsTotal.WithLabelValues(reason).Inc()

	c.transport.Disconnect()

	if err := c.transport.Connect(ctx, c.url, c.in.sink(gen)); err != nil {
		c.mu.Lock()
		c.health.errorStreak++
		c.health.lastErr = err
		c.mu.Unlock()

		c.logger.Warn("websocket connect failed", slog.String("error", err.Error()))
	}

	return true
}

func (c *Client) stepAuth(ctx context.Context, now time.Time) bool {
	c.mu.Lock()
	due := c.phase == PhaseConnected && c.auth == authPending && !now.Before(c.authRetryAt)
	c.mu.Unlock()

	if !due {
		return false
	}

	err := c.send(ctx, authMessage{Type: "auth", AccessToken: c.token})

	c.mu.Lock()
	if c.auth == authPending {
		if err != nil {
			c.authRetryAt = now.Add(authRetryInterval)
		} else {
			c.auth = authSent
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("auth send failed, retrying", slog.String("error", err.Error()))
	}

	return false
}

func (c *Client) stepPong(ctx context.Context, _ time.Time) bool {
	c.mu.Lock()
	if c.pendingPong == nil || c.phase == PhaseDisconnected {
		c.mu.Unlock()
		return false
	}

	id := *c.pendingPong
	c.mu.Unlock()

	if err := c.send(ctx, requestMessage{ID: id, Type: typePong}); err != nil {
		c.logger.Debug("pong send failed, retrying", slog.String("error", err.Error()))
		return false
	}

	c.mu.Lock()
	if c.pendingPong != nil && *c.pendingPong == id {
		c.pendingPong = nil
	}
	c.mu.Unlock()

	return false
}

// triggerEntities returns the layout entities eligible for trigger
// delivery.
func triggerEntities(ids []string) []string {
	out := make([]string, 0, len(ids))

	for _, id := range ids {
		if entities.Domain(id) == noisyDomain {
			continue
		}

		out = append(out, id)
	}

	return out
}

func (c *Client) stepSubscribe(ctx context.Context, now time.Time) bool {
	c.mu.Lock()
	if c.phase != PhaseAuthenticated || c.sub.step != subPending || now.Before(c.sub.retryAt) {
		c.mu.Unlock()
		return false
	}

	previous := c.sub.id
	if c.sub.kind == subNone {
		previous = 0
	}

	eligible := triggerEntities(c.layout.EntityIDs)
	id := c.nextMessageID()

	var unsubID uint64
	if previous != 0 {
		unsubID = c.nextMessageID()
	}
	c.mu.Unlock()

	if previous != 0 {
		// Best effort: the hub drops subscriptions with the session anyway.
		_ = c.send(ctx, unsubscribeMessage{ID: unsubID, Type: "unsubscribe_events", Subscription: previous})
	}

	var (
		msg  any
		kind subscriptionKind
	)

	if len(eligible) == 0 || len(eligible) > triggerEntityCap {
		msg = subscribeEventsMessage{ID: id, Type: "subscribe_events", EventType: eventStateChanged}
		kind = subEvents
	} else {
		triggers := make([]stateTrigger, len(eligible))
		for i, eid := range eligible {
			triggers[i] = stateTrigger{Platform: "state", EntityID: eid}
		}

		msg = subscribeTriggerMessage{ID: id, Type: "subscribe_trigger", Trigger: triggers}
		kind = subTrigger
	}

	err := c.send(ctx, msg)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.sub.retryAt = now.Add(subscribeRetryInterval)
		c.logger.Debug("subscribe send failed, retrying", slog.String("error", err.Error()))

		return false
	}

	c.sub = subscription{step: subActive, kind: kind, id: id}

	if !c.initial.done && c.snap.step == snapIdle {
		c.snap = snapshot{step: snapScheduled, due: now.Add(snapshotDelay)}
	}

	c.logger.Info("subscribed to state updates",
		slog.Bool("trigger", kind == subTrigger),
		slog.Int("entities", len(eligible)),
	)

	return false
}

func (c *Client) stepSnapshot(ctx context.Context, now time.Time) bool {
	c.mu.Lock()

	if c.snap.step == snapInFlight && now.Sub(c.snap.sentAt) >= snapshotTimeout {
		c.logger.Warn("get_states result not received, retrying")
		c.snap = snapshot{step: snapScheduled, due: now.Add(snapshotRetry)}
	}

	due := c.phase == PhaseAuthenticated &&
		c.snap.step == snapScheduled &&
		!now.Before(c.snap.due) &&
		now.Sub(c.connectedAt) >= snapshotMinSessionAge
	if !due {
		c.mu.Unlock()
		return false
	}

	id := c.nextMessageID()
	c.mu.Unlock()

	err := c.send(ctx, requestMessage{ID: id, Type: "get_states"})

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snap.step != snapScheduled {
		return false
	}

	if err != nil {
		c.snap.due = now.Add(snapshotRetry)
		return false
	}

	c.snap = snapshot{step: snapInFlight, reqID: id, sentAt: now}

	return false
}

func (c *Client) stepPing(ctx context.Context, now time.Time) bool {
	c.mu.Lock()
	due := c.phase == PhaseAuthenticated &&
		!c.ping.inFlight &&
		now.Sub(c.in.lastReceived()) >= c.pingInterval
	if !due {
		c.mu.Unlock()
		return false
	}

	id := c.nextMessageID()
	c.mu.Unlock()

	if err := c.send(ctx, requestMessage{ID: id, Type: typePing}); err != nil {
		c.logger.Debug("ping send failed", slog.String("error", err.Error()))
		return false
	}

	c.mu.Lock()
	c.ping.inFlight = true
	c.ping.id = id
	c.ping.sentAt = now
	c.mu.Unlock()

	return false
}
