package hass

import (
	"time"

	"github.com/google/uuid"
)

// Phase is the connection phase of the hub session.
type Phase int

const (
	PhaseDisconnected Phase = iota
	// PhaseConnected means the socket is open but the hub has not
	// accepted the token yet.
	PhaseConnected
	PhaseAuthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnected:
		return "connected"
	case PhaseAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

type authStep int

const (
	authIdle authStep = iota
	// authPending means auth_required arrived and the token still has to
	// be sent.
	authPending
	authSent
	// authRejected holds until the next connection.
	authRejected
)

// keepalive tracks the application-level ping. At most one ping is in
// flight.
type keepalive struct {
	inFlight bool
	id       uint64
	sentAt   time.Time

	// strikes counts consecutive timeouts. A matching pong or auth_ok
	// clears it.
	strikes int
}

type subscriptionStep int

const (
	subIdle subscriptionStep = iota
	subPending
	subActive
)

type subscriptionKind int

const (
	subNone subscriptionKind = iota
	// subTrigger is one state trigger per layout entity.
	subTrigger
	// subEvents is the global state_changed subscription.
	subEvents
)

type subscription struct {
	step    subscriptionStep
	kind    subscriptionKind
	id      uint64
	retryAt time.Time
}

type snapshotStep int

const (
	snapIdle snapshotStep = iota
	snapScheduled
	snapInFlight
	snapDone
)

// snapshot is the get_states request of the current session.
type snapshot struct {
	step   snapshotStep
	due    time.Time
	reqID  uint64
	sentAt time.Time
}

// initialSync walks every layout entity once. index and imported survive
// reconnects so the walk resumes where it stopped.
type initialSync struct {
	index    int
	imported int
	done     bool
	due      time.Time

	// covered holds entities already imported from the snapshot.
	covered map[string]struct{}
}

func (s *initialSync) reset() {
	s.index = 0
	s.imported = 0
	s.done = false
	s.due = time.Time{}
	s.covered = make(map[string]struct{})
}

type periodicSync struct {
	cursor int
	due    time.Time
}

// forecastRequest is the websocket weather.get_forecasts call in flight.
type forecastRequest struct {
	inFlight bool
	id       uint64
	entityID string
	sentAt   time.Time
}

// linkHealth holds the long-term signals the recovery checks act on.
// None of it is reset by a reconnect.
type linkHealth struct {
	errorStreak   int
	shortSessions int
	pendingForce  bool
	lastErr       error

	seenUp    bool
	downSince time.Time

	// recovering is set while a tier-2/3 action runs off the worker.
	recovering bool
}

// nextMessageID returns the next outbound message id. Ids increase
// monotonically and skip zero when the counter wraps. Callers hold c.mu.
func (c *Client) nextMessageID() uint64 {
	c.msgID++
	if c.msgID == 0 {
		c.msgID = 1
	}

	return c.msgID
}

// resetSessionLocked returns per-connection state to its defaults. Sync
// cursors and link health are kept.
func (c *Client) resetSessionLocked() {
	c.auth = authIdle
	c.authRetryAt = time.Time{}
	c.ping.inFlight = false
	c.ping.id = 0
	c.ping.sentAt = time.Time{}
	c.pendingPong = nil
	c.sub = subscription{}
	c.snap = snapshot{}
	c.forecast = forecastRequest{}
}

// newSessionID tags log lines of one websocket connection.
func newSessionID() string {
	return uuid.NewString()[:8]
}
