package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	herrors "github.com/alexjbarnes/ha-sync/internal/errors"
	"github.com/alexjbarnes/ha-sync/internal/metrics"
	"github.com/tidwall/gjson"
)

// SubmitCommand issues a service call on behalf of the user. Commands
// listed in RESTCommands go over REST and are confirmed by the HTTP
// status; everything else needs an authenticated session and is sent as
// call_service. Failures are returned to the caller and never retried
// beyond the single send retry.
func (c *Client) SubmitCommand(ctx context.Context, domain, service string, payload json.RawMessage) error {
	domain = strings.TrimSpace(domain)
	service = strings.TrimSpace(service)

	if domain == "" || service == "" {
		return fmt.Errorf("%w: domain and service are required", herrors.ErrInvalidArgument)
	}

	if len(payload) > 0 && !gjson.ParseBytes(payload).IsObject() {
		return fmt.Errorf("%w: service data must be a JSON object", herrors.ErrInvalidArgument)
	}

	now := c.now()
	entityID := targetEntity(payload)

	c.mu.Lock()
	c.boostUntil = now.Add(priorityBoost)
	c.mu.Unlock()

	if _, ok := c.restCommands[domain+"."+service]; ok && c.rest != nil {
		err := c.rest.CallService(ctx, domain, service, payload)
		recordCommand("rest", err)

		if err != nil {
			return fmt.Errorf("calling %s.%s over REST: %w", domain, service, err)
		}

		c.logger.Info("service call sent over REST",
			slog.String("service", domain+"."+service),
			slog.String("entity_id", entityID),
		)

		return nil
	}

	var current string
	if e, ok := c.store.Get(entityID); ok {
		current = e.State
	}

	c.mu.Lock()
	if c.phase != PhaseAuthenticated {
		c.mu.Unlock()
		recordCommand("websocket", herrors.ErrNotConnected)

		return herrors.ErrNotConnected
	}

	id := c.nextMessageID()
	c.trace.add(callTrace{
		id:       id,
		entityID: entityID,
		domain:   domain,
		service:  service,
		expected: expectedState(service, current),
		queuedAt: now,
	})
	c.mu.Unlock()

	err := c.send(ctx, callServiceMessage{
		ID:          id,
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: payload,
	})

	c.mu.Lock()
	if err != nil {
		c.trace.deactivate(id)
	} else {
		c.trace.markSent(id, c.now())
	}
	c.mu.Unlock()

	recordCommand("websocket", err)

	if err != nil {
		return fmt.Errorf("sending %s.%s: %w", domain, service, err)
	}

	c.logger.Debug("service call sent",
		slog.String("service", domain+"."+service),
		slog.String("entity_id", entityID),
		slog.Uint64("id", id),
	)

	return nil
}

func recordCommand(path string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}

	metrics.CommandsTotal.WithLabelValues(path, outcome).Inc()
}
