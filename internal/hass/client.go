package hass

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/ha-sync/internal/entities"
	"github.com/alexjbarnes/ha-sync/internal/layout"
	"github.com/alexjbarnes/ha-sync/internal/metrics"
)

const (
	// tickInterval is the worker poll period.
	tickInterval = 30 * time.Millisecond

	// rxDrainBudget bounds the messages handled per tick.
	rxDrainBudget = 32

	// minPingInterval is the keepalive floor.
	minPingInterval = 30 * time.Second

	// minPingTimeout is the shortest wait for a pong.
	minPingTimeout = 45 * time.Second

	// pingStrikeLimit is the number of ping timeouts that force a
	// reconnect.
	pingStrikeLimit = 2
)

// CursorStore persists the periodic sync cursor. Implemented by
// state.State.
type CursorStore interface {
	PeriodicCursor() int
	SetPeriodicCursor(cursor int) error
}

// ClientConfig holds everything the hub client needs.
type ClientConfig struct {
	URL          string
	Token        string
	RESTEnabled  bool
	PingInterval time.Duration

	// RESTCommands lists domain.service pairs issued over REST.
	RESTCommands []string
	Recovery     RecoveryConfig

	Transport Transport
	// REST is required when RESTEnabled is set.
	REST      StateAPI
	Store     *entities.Store
	Escalator *Escalator
	Cursors   CursorStore
	Layout    layout.Snapshot
}

// Client is the connectivity core. A single worker goroutine (Run) owns
// the session: it drains inbound messages, advances the protocol and
// runs the sync and recovery checks. The transport goroutine only feeds
// the inbox.
//
// All session fields below mu are guarded by it. The worker never holds
// mu across network I/O; it decides under the lock, performs the send or
// fetch unlocked, then applies the outcome under the lock again.
type Client struct {
	logger    *slog.Logger
	url       string
	token     string
	rest      StateAPI
	transport Transport
	store     *entities.Store
	escalator *Escalator
	cursors   CursorStore

	pingInterval time.Duration
	recovery     RecoveryConfig
	restCommands map[string]struct{}

	now    func() time.Time
	jitter func() time.Duration

	in     *inbox
	notify *notifier
	checks []dueCheck

	// recoveries tracks tier-2/3 actions started by escalate.
	recoveries sync.WaitGroup

	mu          sync.Mutex
	gen         uint64
	msgID       uint64
	phase       Phase
	sessionID   string
	connectedAt time.Time

	auth        authStep
	authRetryAt time.Time
	ping        keepalive
	pendingPong *uint64
	sub         subscription
	snap        snapshot
	forecast    forecastRequest

	health        linkHealth
	lastRestart   time.Time
	restartJitter time.Duration

	layout         layout.Snapshot
	layoutRev      uint64
	initial        initialSync
	periodic       periodicSync
	prio           *priorityQueue
	prioDue        time.Time
	forecastQueued map[string]time.Time
	boostUntil     time.Time
	budget         *budget
	trace          *traceRing

	// published is the connectivity value last sent to consumers.
	published bool
}

// New creates a client. Call Run to start it.
func New(cfg ClientConfig, logger *slog.Logger) *Client {
	interval := max(cfg.PingInterval, minPingInterval)

	rest := cfg.REST
	if !cfg.RESTEnabled {
		rest = nil
	}

	store := cfg.Store
	if store == nil {
		store = entities.NewStore()
	}

	c := &Client{
		logger:       logger,
		url:          cfg.URL,
		token:        cfg.Token,
		rest:         rest,
		transport:    cfg.Transport,
		store:        store,
		escalator:    cfg.Escalator,
		cursors:      cfg.Cursors,
		pingInterval: interval,
		recovery:     cfg.Recovery,
		restCommands: make(map[string]struct{}, len(cfg.RESTCommands)),
		now:          time.Now,
		jitter: func() time.Duration {
			return rand.N(restartJitterMax)
		},
		notify:         newNotifier(),
		layout:         cfg.Layout,
		prio:           newPriorityQueue(),
		forecastQueued: make(map[string]time.Time),
		budget:         newBudget(),
		trace:          newTraceRing(logger),
	}

	for _, cmd := range cfg.RESTCommands {
		c.restCommands[strings.TrimSpace(cmd)] = struct{}{}
	}

	if c.recovery == (RecoveryConfig{}) {
		c.recovery = DefaultRecoveryConfig()
	}

	c.in = newInbox(logger, func() time.Time { return c.now() })
	c.initial.reset()

	if c.cursors != nil {
		c.periodic.cursor = c.cursors.PeriodicCursor()
	}

	c.checks = c.dueChecks()

	return c
}

// Run drives the worker until ctx is cancelled, then stops the
// transport and clears session state.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("hub client starting",
		slog.String("url", c.url),
		slog.Bool("rest", c.rest != nil),
		slog.Int("entities", len(c.Layout().EntityIDs)),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Stop()
			c.recoveries.Wait()

			return nil
		case <-ticker.C:
			c.tick(ctx, c.now())
		}
	}
}

// Stop tears the transport down, discards queued messages and resets
// pending actions so a later Run behaves as a cold start.
func (c *Client) Stop() {
	c.transport.Disconnect()
	c.in.flush()

	c.mu.Lock()
	c.gen++
	c.phase = PhaseDisconnected
	c.resetSessionLocked()
	c.lastRestart = time.Time{}
	wasPublished := c.published
	c.published = false
	c.mu.Unlock()

	metrics.Connected.Set(0)

	if wasPublished {
		c.notify.publish(Notification{Kind: ConnectivityChanged})
	}
}

// Notifications returns the outbound notification channel.
func (c *Client) Notifications() <-chan Notification { return c.notify.ch }

// IsConnected reports whether the session is authenticated.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.phase == PhaseAuthenticated
}

// InitialSyncDone reports whether every layout entity has been synced
// once since start or the last layout change.
func (c *Client) InitialSyncDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.initial.done
}

// Phase returns the current connection phase.
func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.phase
}

// Layout returns the entity set currently synced.
func (c *Client) Layout() layout.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.layout
}

// Store returns the entity cache.
func (c *Client) Store() *entities.Store { return c.store }

// NotifyLayoutChanged installs a new layout entity set. When the set
// differs from the current one the sync tiers restart: the initial walk
// begins again, the priority queue and call traces are dropped, the
// subscription is rebuilt and a fresh snapshot is requested.
func (c *Client) NotifyLayoutChanged(snap layout.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.layout.Equal(snap) {
		return
	}

	c.layout = snap
	c.layoutRev++
	c.initial.reset()
	c.periodic.cursor = 0
	c.periodic.due = time.Time{}
	c.prio.clear()
	c.trace.clear()
	clear(c.forecastQueued)
	c.snap = snapshot{}

	if c.phase == PhaseAuthenticated {
		c.sub.step = subPending
		c.sub.retryAt = time.Time{}
		c.initial.due = c.now()
	}

	c.logger.Info("layout changed, resyncing",
		slog.Int("entities", len(snap.EntityIDs)),
		slog.Bool("needs_forecast", snap.NeedsForecast),
	)
}

// tick runs one worker iteration.
func (c *Client) tick(ctx context.Context, now time.Time) {
	c.drainLifecycle()
	c.drainRX(now)

	c.mu.Lock()
	c.reconcileLocked(now)
	c.budget.setLevel(levelFor(c.in.depth(), rxQueueCap, c.health.errorStreak))
	c.mu.Unlock()

	metrics.RXQueueDepth.Set(float64(c.in.depth()))

	for _, check := range c.checks {
		if check.run(ctx, now) {
			return
		}
	}
}

// dueCheck is one step of the tick. A check returning true ends the
// iteration, because it changed the connection under the rest.
type dueCheck struct {
	name string
	run  func(ctx context.Context, now time.Time) bool
}

// dueChecks lists the tick steps in evaluation order. The keepalive
// timeout runs first since it can force a reconnect.
func (c *Client) dueChecks() []dueCheck {
	return []dueCheck{
		{"keepalive_timeout", c.checkPingTimeout},
		{"link_down", c.checkLinkDown},
		{"short_sessions", c.checkShortSessions},
		{"error_streak", c.checkErrorStreak},
		{"publish_disconnect", c.checkPublishDisconnect},
		{"restart", c.checkRestart},
		{"auth", c.stepAuth},
		{"pong", c.stepPong},
		{"subscribe", c.stepSubscribe},
		{"snapshot", c.stepSnapshot},
		{"ping", c.stepPing},
		{"priority_sync", c.stepPriority},
		{"initial_sync", c.stepInitial},
		{"periodic_sync", c.stepPeriodic},
	}
}

// drainLifecycle applies queued connect, disconnect and error events.
func (c *Client) drainLifecycle() {
	for {
		ev, ok := c.in.popLifecycle()
		if !ok {
			return
		}

		c.mu.Lock()
		c.applyLifecycleLocked(ev)
		c.mu.Unlock()
	}
}

func (c *Client) applyLifecycleLocked(ev lifecycleEvent) {
	if ev.gen != c.gen {
		return
	}

	switch ev.kind {
	case EventConnected:
		c.onConnectedLocked(ev.at)
	case EventDisconnected:
		c.onDisconnectedLocked(ev.at)
	case EventError:
		c.health.errorStreak++
		c.health.lastErr = ev.err
		metrics.ErrorStreak.Set(float64(c.health.errorStreak))

		c.logger.Warn("websocket error",
			slog.Int("error_streak", c.health.errorStreak),
			slog.Any("error", ev.err),
		)
	}
}

func (c *Client) onConnectedLocked(at time.Time) {
	c.resetSessionLocked()
	c.phase = PhaseConnected
	c.connectedAt = at
	c.sessionID = newSessionID()
	c.health.errorStreak = 0
	c.health.lastErr = nil
	metrics.ErrorStreak.Set(0)

	c.logger.Info("websocket connected", slog.String("session", c.sessionID))
}

func (c *Client) onDisconnectedLocked(at time.Time) {
	wasConnected := c.phase != PhaseDisconnected

	c.resetSessionLocked()
	c.phase = PhaseDisconnected
	metrics.Connected.Set(0)

	if !wasConnected {
		return
	}

	age := at.Sub(c.connectedAt)
	if age < shortSessionMin {
		c.health.shortSessions++
		if c.health.shortSessions >= c.recovery.ShortSessionLink {
			c.health.pendingForce = true
		}
	} else {
		c.health.shortSessions = 0
	}

	c.logger.Info("websocket disconnected",
		slog.String("session", c.sessionID),
		slog.Duration("age", age),
		slog.Int("short_sessions", c.health.shortSessions),
	)
}

// reconcileLocked catches a dead connection whose disconnected event was
// lost.
func (c *Client) reconcileLocked(now time.Time) {
	if c.phase == PhaseDisconnected || c.transport.IsConnected() || c.transport.IsRunning() {
		return
	}

	c.onDisconnectedLocked(now)
}

// drainRX handles up to rxDrainBudget reassembled messages.
func (c *Client) drainRX(now time.Time) {
	for range rxDrainBudget {
		msg, ok := c.in.popRX()
		if !ok {
			return
		}

		// The connected event is always queued before the first message
		// of a connection, so pick it up if it raced this drain.
		c.drainLifecycle()

		c.mu.Lock()
		live := msg.gen == c.gen && c.phase != PhaseDisconnected
		c.mu.Unlock()

		if !live {
			metrics.RXDroppedTotal.WithLabelValues("stale").Inc()
			continue
		}

		c.handleMessage(msg.data, now)
	}
}

// publishConnectivityLocked notifies consumers when the value changed.
func (c *Client) publishConnectivityLocked(connected bool) {
	if c.published == connected {
		return
	}

	c.published = connected
	c.notify.publish(Notification{Kind: ConnectivityChanged, Connected: connected})
}

func (c *Client) linkUp() bool {
	if c.escalator == nil {
		return true
	}

	return c.escalator.LinkUp()
}
