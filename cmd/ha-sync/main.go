package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/ha-sync/internal/config"
	"github.com/alexjbarnes/ha-sync/internal/entities"
	"github.com/alexjbarnes/ha-sync/internal/hass"
	"github.com/alexjbarnes/ha-sync/internal/layout"
	"github.com/alexjbarnes/ha-sync/internal/link"
	"github.com/alexjbarnes/ha-sync/internal/logging"
	"github.com/alexjbarnes/ha-sync/internal/server"
	"github.com/alexjbarnes/ha-sync/internal/state"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

// snapshotInterval is how often the entity cache is flushed to disk.
const snapshotInterval = 5 * time.Minute

func main() {
	// Handle hash-token subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		hashToken()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashToken() {
	fmt.Fprint(os.Stderr, "Enter API token: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword(scanner.Bytes(), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("ha-sync starting",
		slog.String("version", Version),
		slog.Bool("rest", cfg.RESTEnabled),
		slog.String("layout", cfg.LayoutPath),
		slog.String("iface", cfg.LinkIface),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	store := entities.NewStore()
	if n, err := store.Restore(appState); err != nil {
		logger.Warn("restoring entity snapshot", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("restored entity snapshot", slog.Int("entities", n))
	}

	provider := layout.NewProvider(cfg.LayoutPath)
	if _, err := provider.Reload(); err != nil {
		return fmt.Errorf("loading layout: %w", err)
	}

	client, err := newClient(cfg, appState, store, provider.Current(), logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return client.Run(gctx)
	})

	watcher := layout.NewWatcher(provider, client.NotifyLayoutChanged, logger.With(slog.String("service", "layout")))
	g.Go(func() error {
		if err := watcher.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("layout watcher: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		drainNotifications(gctx, client, logger)
		return nil
	})

	g.Go(func() error {
		persistSnapshots(gctx, store, appState, logger)
		return nil
	})

	if cfg.HTTPListenAddr != "" {
		mux := server.NewMux(server.MuxConfig{
			Hub:       client,
			Entities:  store,
			TokenHash: cfg.APITokenHash,
			Logger:    logger.With(slog.String("service", "http")),
		})

		g.Go(func() error {
			return server.Serve(gctx, cfg.HTTPListenAddr, mux, logger.With(slog.String("service", "http")))
		})
	}

	return g.Wait()
}

func newClient(cfg *config.Config, appState *state.State, store *entities.Store, snap layout.Snapshot, logger *slog.Logger) (*hass.Client, error) {
	restCommands, err := cfg.ParseRESTCommands()
	if err != nil {
		return nil, err
	}

	resolver := hass.NewResolver(appState, logger.With(slog.String("service", "dns")))

	var rest hass.StateAPI

	if cfg.RESTEnabled {
		base, err := hass.RESTBaseURL(cfg.WSURL)
		if err != nil {
			return nil, err
		}

		rest = hass.NewRESTClient(base, cfg.AccessToken, resolver)
	}

	var netLink hass.Link = link.Nop{}
	if cfg.LinkIface != "" {
		netLink = link.NewStation(link.Config{
			Iface:      cfg.LinkIface,
			ControlCmd: cfg.LinkControlCmd,
			ResetCmd:   cfg.LinkResetCmd,
		}, nil, logger.With(slog.String("service", "link")))
	}

	hubLogger := logger.With(slog.String("service", "hass"))

	return hass.New(hass.ClientConfig{
		URL:          cfg.WSURL,
		Token:        cfg.AccessToken,
		RESTEnabled:  cfg.RESTEnabled,
		PingInterval: cfg.PingInterval,
		RESTCommands: restCommands,
		Recovery: hass.RecoveryConfig{
			ErrorStreakLink:       cfg.ErrorStreakLink,
			ErrorStreakTransport:  cfg.ErrorStreakTransport,
			ShortSessionLink:      cfg.ShortSessionLink,
			ShortSessionTransport: cfg.ShortSessionTransport,
		},
		Transport: hass.NewWSTransport(resolver, hubLogger),
		REST:      rest,
		Store:     store,
		Escalator: hass.NewEscalator(netLink, appState, hubLogger),
		Cursors:   appState,
		Layout:    snap,
	}, hubLogger), nil
}

// drainNotifications logs what the hub client publishes. A display or
// other consumer would read the same channel.
func drainNotifications(ctx context.Context, client *hass.Client, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-client.Notifications():
			switch n.Kind {
			case hass.ConnectivityChanged:
				logger.Info("hub connectivity changed", slog.Bool("connected", n.Connected))
			case hass.InitialSyncComplete:
				logger.Info("initial sync complete")
			default:
				logger.Debug("entity updated", slog.String("entity_id", n.EntityID))
			}
		}
	}
}

// persistSnapshots flushes the entity cache periodically and once more
// at shutdown.
func persistSnapshots(ctx context.Context, store *entities.Store, appState *state.State, logger *slog.Logger) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	flush := func() {
		if err := store.Persist(appState); err != nil {
			logger.Warn("persisting entity snapshot", slog.String("error", err.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}
