package hass

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	herrors "github.com/alexjbarnes/ha-sync/internal/errors"
	"github.com/alexjbarnes/ha-sync/internal/metrics"
)

//go:generate mockgen -source=recovery.go -destination=mock_recovery_test.go -package=hass

const (
	// restartBase is the tier-1 reconnect wait with no error streak.
	restartBase = 12 * time.Second
	// restartMax caps the tier-1 reconnect wait before jitter.
	restartMax = 30 * time.Second
	// restartMaxDoublings bounds how far the error streak grows the wait.
	restartMaxDoublings = 4
	// restartJitterMax is the upper bound of the random extra wait.
	restartJitterMax = time.Second

	// connectGrace suppresses a retry while an attempt may still succeed.
	connectGrace = 15 * time.Second

	// shortSessionMin is the shortest session that is not a health strike.
	shortSessionMin = 180 * time.Second

	// linkDownGrace is how long the link may report down before a forced
	// link recovery.
	linkDownGrace = 45 * time.Second

	// forcedRecoveryCooldown separates two forced tier-2/tier-3 recoveries.
	forcedRecoveryCooldown = 30 * time.Second

	// tlsSuppress is how long a certificate verification failure holds
	// off link recovery.
	tlsSuppress = 60 * time.Second
)

// Link is the network link under the websocket. link.Station implements
// it for a Wi-Fi station; link.Nop when no interface is supervised.
type Link interface {
	// Up reports whether the station is associated and has carrier.
	Up() bool
	// Reconnect performs tier-2 recovery. allowEscalate permits falling
	// through to a hard reset when the reconnect fails.
	Reconnect(ctx context.Context, allowEscalate bool) error
	// HardReset performs tier-3 recovery.
	HardReset(ctx context.Context) error
}

// RecoveryStore persists the last forced recovery so the cooldown holds
// across restarts. Implemented by state.State.
type RecoveryStore interface {
	LastRecovery() time.Time
	SetLastRecovery(t time.Time) error
}

// RecoveryConfig holds the escalation thresholds.
type RecoveryConfig struct {
	ErrorStreakLink       int
	ErrorStreakTransport  int
	ShortSessionLink      int
	ShortSessionTransport int
}

// DefaultRecoveryConfig returns the stock thresholds.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		ErrorStreakLink:       3,
		ErrorStreakTransport:  4,
		ShortSessionLink:      4,
		ShortSessionTransport: 6,
	}
}

// Escalator runs tier-2 and tier-3 recovery behind a shared cooldown.
// Every forced recovery, whatever triggered it, counts against the same
// cooldown, so a sustained fault cannot fire recoveries back to back.
type Escalator struct {
	link   Link
	store  RecoveryStore
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	last          time.Time
	suppressUntil time.Time
}

// NewEscalator creates an escalator. store may be nil.
func NewEscalator(link Link, store RecoveryStore, logger *slog.Logger) *Escalator {
	e := &Escalator{link: link, store: store, logger: logger, now: time.Now}
	if store != nil {
		e.last = store.LastRecovery()
	}

	return e
}

// LinkUp reports the link state.
func (e *Escalator) LinkUp() bool { return e.link.Up() }

// Ready reports whether a forced recovery may run at now.
func (e *Escalator) Ready(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.readyLocked(now)
}

func (e *Escalator) readyLocked(now time.Time) bool {
	if now.Before(e.suppressUntil) {
		return false
	}

	return e.last.IsZero() || now.Sub(e.last) >= forcedRecoveryCooldown
}

// Suppress holds off forced recovery until until.
func (e *Escalator) Suppress(until time.Time) {
	e.mu.Lock()
	e.suppressUntil = until
	e.mu.Unlock()
}

// Escalate runs one forced recovery. preferTransport goes straight to
// tier-3; otherwise tier-2 runs and a failure falls through to tier-3.
// It returns ErrCooldown without touching the link when the cooldown
// has not elapsed.
func (e *Escalator) Escalate(ctx context.Context, reason string, preferTransport bool) error {
	now := e.now()

	e.mu.Lock()
	if !e.readyLocked(now) {
		e.mu.Unlock()
		return herrors.ErrCooldown
	}

	e.last = now
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.SetLastRecovery(now); err != nil {
			e.logger.Warn("persisting recovery time", slog.String("error", err.Error()))
		}
	}

	e.logger.Warn("forcing link recovery",
		slog.String("reason", reason),
		slog.Bool("prefer_transport", preferTransport),
	)

	if !preferTransport {
		err := e.link.Reconnect(ctx, false)
		recordRecovery("link", err)

		if err == nil {
			return nil
		}

		e.logger.Warn("link reconnect failed, resetting transport", slog.String("error", err.Error()))
	}

	err := e.link.HardReset(ctx)
	recordRecovery("transport", err)

	if err != nil {
		return fmt.Errorf("transport reset: %w", err)
	}

	return nil
}

func recordRecovery(tier string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}

	metrics.RecoveriesTotal.WithLabelValues(tier, outcome).Inc()
}

// restartWait is the tier-1 reconnect wait for an error streak: the base
// doubled once per streak step, capped, plus jitter.
func restartWait(streak int, jitter time.Duration) time.Duration {
	wait := restartBase << min(max(streak, 0), restartMaxDoublings)

	return min(wait, restartMax) + jitter
}

// isCertificateError reports whether err is a TLS certificate
// verification failure. Link recovery cannot fix those.
func isCertificateError(err error) bool {
	if err == nil {
		return false
	}

	var (
		verr  *tls.CertificateVerificationError
		uaerr x509.UnknownAuthorityError
		hnerr x509.HostnameError
		cierr x509.CertificateInvalidError
	)

	return errors.As(err, &verr) ||
		errors.As(err, &uaerr) ||
		errors.As(err, &hnerr) ||
		errors.As(err, &cierr)
}
