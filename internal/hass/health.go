package hass

import (
	"context"
	"errors"
	"log/slog"
	"time"

	herrors "github.com/alexjbarnes/ha-sync/internal/errors"
)

// escalate starts a forced recovery off the worker and logs the outcome.
// The recovery checks stay quiet until the action returns.
func (c *Client) escalate(ctx context.Context, reason string, preferTransport bool) {
	c.mu.Lock()
	c.health.recovering = true
	c.mu.Unlock()

	c.recoveries.Go(func() {
		err := c.escalator.Escalate(ctx, reason, preferTransport)

		c.mu.Lock()
		c.health.recovering = false
		c.mu.Unlock()

		switch {
		case err == nil:
			c.logger.Info("link recovery done", slog.String("reason", reason))
		case errors.Is(err, herrors.ErrCooldown):
			c.logger.Debug("link recovery in cooldown", slog.String("reason", reason))
		default:
			c.logger.Warn("link recovery failed",
				slog.String("reason", reason),
				slog.String("error", err.Error()),
			)
		}
	})
}

// suppressForCertificate holds off link recovery when the last websocket
// error was a certificate failure. It reports whether it did.
func (c *Client) suppressForCertificate(now time.Time, lastErr error) bool {
	if !isCertificateError(lastErr) {
		return false
	}

	c.escalator.Suppress(now.Add(tlsSuppress))
	c.logger.Warn("websocket failing TLS verification, link recovery suppressed",
		slog.Duration("for", tlsSuppress),
		slog.String("error", lastErr.Error()),
	)

	return true
}

// checkLinkDown forces tier-2 recovery when the link has reported down
// for longer than the grace period. Tier-2 falls through to tier-3 when
// it fails.
func (c *Client) checkLinkDown(ctx context.Context, now time.Time) bool {
	if c.escalator == nil {
		return false
	}

	up := c.escalator.LinkUp()

	c.mu.Lock()
	if up {
		c.health.seenUp = true
		c.health.downSince = time.Time{}
		c.mu.Unlock()

		return false
	}

	if c.health.downSince.IsZero() {
		c.health.downSince = now
	}

	due := !c.health.recovering && now.Sub(c.health.downSince) >= linkDownGrace && c.escalator.Ready(now)
	if due {
		c.health.downSince = now
	}

	open := c.phase != PhaseDisconnected
	c.mu.Unlock()

	if !due {
		return false
	}

	if open {
		c.transport.Disconnect()
	}

	c.escalate(ctx, "link_down", false)

	return true
}

// checkShortSessions forces recovery after repeated short sessions.
// Crossing the higher threshold goes straight to tier-3.
func (c *Client) checkShortSessions(ctx context.Context, now time.Time) bool {
	if c.escalator == nil {
		return false
	}

	c.mu.Lock()
	due := c.health.seenUp && c.health.pendingForce && !c.health.recovering
	strikes := c.health.shortSessions
	lastErr := c.health.lastErr
	c.mu.Unlock()

	if !due || !c.escalator.LinkUp() || !c.escalator.Ready(now) {
		return false
	}

	c.mu.Lock()
	c.health.pendingForce = false
	c.health.shortSessions = 0
	c.mu.Unlock()

	if c.suppressForCertificate(now, lastErr) {
		return false
	}

	c.escalate(ctx, "short_sessions", strikes >= c.recovery.ShortSessionTransport)

	return true
}

// checkErrorStreak forces recovery after consecutive connect errors on
// an otherwise healthy link. Crossing the higher threshold goes straight
// to tier-3.
func (c *Client) checkErrorStreak(ctx context.Context, now time.Time) bool {
	if c.escalator == nil {
		return false
	}

	c.mu.Lock()
	streak := c.health.errorStreak
	due := c.phase == PhaseDisconnected && streak >= c.recovery.ErrorStreakLink && !c.health.recovering
	lastErr := c.health.lastErr
	c.mu.Unlock()

	if !due || !c.escalator.LinkUp() || !c.escalator.Ready(now) {
		return false
	}

	c.mu.Lock()
	c.health.errorStreak = 0
	c.mu.Unlock()

	if c.suppressForCertificate(now, lastErr) {
		return false
	}

	c.escalate(ctx, "error_streak", streak >= c.recovery.ErrorStreakTransport)

	return true
}
