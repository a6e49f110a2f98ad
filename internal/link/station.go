// Package link supervises the network interface under the hub websocket.
// It reads carrier state from sysfs and runs the tier-2 and tier-3
// recovery commands the escalator asks for. Actions return once the
// command is accepted; the caller watches Up for carrier.
package link

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/ha-sync/internal/errors"
	"github.com/cenkalti/backoff/v5"
)

const (
	// actionCooldown spaces out interface bounces and hard resets.
	actionCooldown = 20 * time.Second

	// nudgeEvery makes every Nth forced reconnect disassociate first.
	nudgeEvery = 4

	// controlTries bounds attempts at a control verb the daemon refuses.
	controlTries = 3

	commandTimeout = 15 * time.Second

	defaultSysRoot = "/sys/class/net"
)

// Config selects the interface and the commands used to recover it.
type Config struct {
	Iface      string
	ControlCmd string
	// ResetCmd is a full command line. Empty disables tier-3.
	ResetCmd string
}

// Station manages a Wi-Fi station interface.
type Station struct {
	cfg     Config
	cmd     Commander
	logger  *slog.Logger
	sysRoot string
	now     func() time.Time

	// newBackOff builds the control retry schedule.
	newBackOff func() backoff.BackOff

	mu         sync.Mutex
	forced     int
	lastBounce time.Time
	lastReset  time.Time
}

// NewStation returns a Station for cfg. cmd runs the control commands;
// nil uses ExecCommander.
func NewStation(cfg Config, cmd Commander, logger *slog.Logger) *Station {
	if cmd == nil {
		cmd = ExecCommander{}
	}

	return &Station{
		cfg:        cfg,
		cmd:        cmd,
		logger:     logger.With(slog.String("iface", cfg.Iface)),
		sysRoot:    defaultSysRoot,
		now:        time.Now,
		newBackOff: controlBackOff,
	}
}

func controlBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(250 * time.Millisecond)
}

// Up reports whether the kernel sees the interface as operationally up.
func (s *Station) Up() bool {
	data, err := os.ReadFile(filepath.Join(s.sysRoot, s.cfg.Iface, "operstate"))
	if err != nil {
		return false
	}

	return strings.TrimSpace(string(data)) == "up"
}

// Reconnect asks the station to reassociate. Every fourth call
// disassociates first. When the daemon refuses the interface is bounced,
// and with allowEscalate a hard reset follows.
func (s *Station) Reconnect(ctx context.Context, allowEscalate bool) error {
	s.mu.Lock()
	s.forced++
	nudge := s.forced%nudgeEvery == 0
	s.mu.Unlock()

	if nudge {
		s.logger.Info("disassociating before reconnect")

		if err := s.control(ctx, "disconnect"); err != nil {
			s.logger.Warn("disassociate failed", slog.String("error", err.Error()))
		}
	}

	err := s.control(ctx, "reassociate")
	if err == nil {
		return nil
	}

	s.logger.Warn("reassociate failed", slog.String("error", err.Error()))

	err = s.bounce(ctx)
	if err == nil {
		return nil
	}

	s.logger.Warn("interface bounce failed", slog.String("error", err.Error()))

	if allowEscalate {
		return s.HardReset(ctx)
	}

	return fmt.Errorf("%w: %w", errors.ErrLinkDown, err)
}

// HardReset runs the configured reset command. Inside the cooldown it
// falls back to a plain reassociate.
func (s *Station) HardReset(ctx context.Context) error {
	if s.cfg.ResetCmd == "" {
		return fmt.Errorf("hard reset: %w", errors.ErrNotSupported)
	}

	if !s.claim(&s.lastReset) {
		s.logger.Info("hard reset in cooldown, reassociating instead")
		return s.control(ctx, "reassociate")
	}

	fields := strings.Fields(s.cfg.ResetCmd)
	s.logger.Warn("running hard reset", slog.String("command", fields[0]))

	if err := s.run(ctx, fields[0], fields[1:]...); err != nil {
		return fmt.Errorf("hard reset: %w", err)
	}

	return nil
}

func (s *Station) bounce(ctx context.Context) error {
	if !s.claim(&s.lastBounce) {
		return fmt.Errorf("interface bounce: %w", errors.ErrCooldown)
	}

	s.logger.Warn("bouncing interface")

	if err := s.run(ctx, "ip", "link", "set", s.cfg.Iface, "down"); err != nil {
		return fmt.Errorf("interface down: %w", err)
	}

	if err := s.run(ctx, "ip", "link", "set", s.cfg.Iface, "up"); err != nil {
		return fmt.Errorf("interface up: %w", err)
	}

	return nil
}

// claim stamps *last with now when the action cooldown has elapsed.
func (s *Station) claim(last *time.Time) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !last.IsZero() && now.Sub(*last) < actionCooldown {
		return false
	}

	*last = now

	return true
}

// control runs a station control verb, retrying while the daemon is
// busy or refuses. A missing binary is not retried.
func (s *Station) control(ctx context.Context, verb string) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.controlOnce(ctx, verb)
		if stderrors.Is(err, exec.ErrNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}

		return struct{}{}, err
	}, backoff.WithBackOff(s.newBackOff()), backoff.WithMaxTries(controlTries))

	return err
}

// controlOnce runs one control verb. wpa_cli exits zero and prints FAIL
// when the daemon refuses the request.
func (s *Station) controlOnce(ctx context.Context, verb string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := s.cmd.Run(ctx, s.cfg.ControlCmd, "-i", s.cfg.Iface, verb)
	if err != nil {
		return fmt.Errorf("%s %s: %w", s.cfg.ControlCmd, verb, err)
	}

	if strings.Contains(string(out), "FAIL") {
		return fmt.Errorf("%s %s: refused: %s", s.cfg.ControlCmd, verb, strings.TrimSpace(string(out)))
	}

	return nil
}

func (s *Station) run(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := s.cmd.Run(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("%s: %w (%s)", name, err, strings.TrimSpace(string(out)))
	}

	return nil
}

// Nop is the link used when no interface is supervised. It always
// reports up and cannot recover anything.
type Nop struct{}

func (Nop) Up() bool { return true }

func (Nop) Reconnect(context.Context, bool) error {
	return fmt.Errorf("link reconnect: %w", errors.ErrNotSupported)
}

func (Nop) HardReset(context.Context) error {
	return fmt.Errorf("hard reset: %w", errors.ErrNotSupported)
}
