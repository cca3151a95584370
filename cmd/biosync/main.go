// Command biosync syncs WHOOP biometric data into a local database.
//
//	biosync login    authorize with the provider in a browser
//	biosync sync     run the recurring sync loop until interrupted
//	biosync once     run a single sync cycle and exit
//	biosync status   show auth state and last sync
//	biosync logout   forget stored tokens
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/biosync/internal/auth"
	"github.com/alexjbarnes/biosync/internal/config"
	errs "github.com/alexjbarnes/biosync/internal/errors"
	"github.com/alexjbarnes/biosync/internal/logging"
	"github.com/alexjbarnes/biosync/internal/secrets"
	"github.com/alexjbarnes/biosync/internal/store"
	"github.com/alexjbarnes/biosync/internal/syncer"
	"github.com/alexjbarnes/biosync/internal/whoop"
)

var Version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: biosync <login|sync|once|status|logout>")
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("missing command")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "login":
		return runLogin(ctx, cfg, logger)
	case "sync":
		return runSync(ctx, cfg, logger)
	case "once":
		return runOnce(ctx, cfg, logger)
	case "status":
		return runStatus(cfg, logger)
	case "logout":
		return runLogout(cfg, logger)
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// openSecrets opens the token store, warning when it is unencrypted.
func openSecrets(cfg *config.Config, logger *slog.Logger) (*secrets.BoltStore, error) {
	sec, err := secrets.Open(cfg.SecretsDBPath(), cfg.SecretPassphrase)
	if err != nil {
		return nil, fmt.Errorf("opening secret store: %w", err)
	}

	if !sec.Encrypted() {
		logger.Warn("secret store is unencrypted, set BIOSYNC_SECRET_PASSPHRASE to seal stored tokens")
	}

	return sec, nil
}

func authConfig(cfg *config.Config) auth.Config {
	return auth.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		AuthURL:      cfg.AuthURL,
		TokenURL:     cfg.TokenURL,
	}
}

func runLogin(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	sec, err := openSecrets(cfg, logger)
	if err != nil {
		return err
	}
	defer sec.Close()

	presenter := &auth.LoopbackPresenter{
		RedirectURI: cfg.RedirectURI,
		Timeout:     cfg.CallbackTimeout,
		Logger:      logger,
	}

	mgr := auth.NewManager(authConfig(cfg), sec, presenter, nil, logger)
	if err := mgr.Authorize(ctx); err != nil {
		return fmt.Errorf("authorization failed: %w", err)
	}

	fmt.Println("Logged in.")

	return nil
}

func runLogout(cfg *config.Config, logger *slog.Logger) error {
	sec, err := openSecrets(cfg, logger)
	if err != nil {
		return err
	}
	defer sec.Close()

	mgr := auth.NewManager(authConfig(cfg), sec, nil, nil, logger)
	if err := mgr.Logout(); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	fmt.Println("Logged out.")

	return nil
}

// buildSyncer wires secrets, store, auth, and the API client into a
// sync manager. No presenter: a dead session during sync requires an
// explicit login, never a surprise browser window.
func buildSyncer(cfg *config.Config, logger *slog.Logger) (*syncer.Manager, func(), error) {
	sec, err := openSecrets(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(cfg.CycleDBPath())
	if err != nil {
		sec.Close()
		return nil, nil, err
	}

	mgr := auth.NewManager(authConfig(cfg), sec, nil, nil, logger)
	if !mgr.Authenticated() {
		sec.Close()
		st.Close()
		return nil, nil, fmt.Errorf("not logged in, run 'biosync login' first")
	}

	client := whoop.NewClient(cfg.APIBaseURL, mgr, nil, logger)
	sm := syncer.NewManager(client, st, syncer.Config{
		Interval: cfg.SyncInterval,
		Window:   cfg.SyncWindow,
	}, logger)

	cleanup := func() {
		st.Close()
		sec.Close()
	}

	return sm, cleanup, nil
}

// runSync runs the recurring loop until interrupted or the session
// dies.
func runSync(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	sm, cleanup, err := buildSyncer(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	logger.Info("biosync starting",
		slog.String("version", Version),
		slog.Duration("interval", cfg.SyncInterval),
		slog.Duration("window", cfg.SyncWindow),
	)

	sessionDead := make(chan struct{})
	sm.StartSync(ctx, func(o syncer.Outcome) {
		switch o.Kind {
		case syncer.KindSyncing:
			logger.Info("sync started")
		case syncer.KindSynced:
			logger.Info("sync finished",
				slog.Int("records_updated", o.RecordsUpdated),
				slog.Time("at", o.Time),
			)
		case syncer.KindTransientError:
			logger.Warn("sync failed, will retry on next tick",
				slog.String("error", o.Err.Error()),
			)
		case syncer.KindSessionExpired:
			close(sessionDead)
		}
	})

	select {
	case <-ctx.Done():
		sm.StopSync()
		logger.Info("biosync stopped")

		return nil
	case <-sessionDead:
		sm.StopSync()

		return fmt.Errorf("%w: run 'biosync login' to re-authorize", errs.ErrSessionExpired)
	}
}

// runOnce performs a single sync cycle.
func runOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	sm, cleanup, err := buildSyncer(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	out := sm.PerformSync(ctx)
	switch out.Kind {
	case syncer.KindSynced:
		fmt.Printf("Synced %d records at %s.\n", out.RecordsUpdated, out.Time.Format("15:04:05"))

		return nil
	case syncer.KindSessionExpired:
		return fmt.Errorf("%w: run 'biosync login' to re-authorize", errs.ErrSessionExpired)
	default:
		return fmt.Errorf("sync failed: %w", out.Err)
	}
}

func runStatus(cfg *config.Config, logger *slog.Logger) error {
	sec, err := openSecrets(cfg, logger)
	if err != nil {
		return err
	}
	defer sec.Close()

	mgr := auth.NewManager(authConfig(cfg), sec, nil, nil, logger)
	if mgr.Authenticated() {
		fmt.Println("Logged in.")
	} else {
		fmt.Println("Not logged in.")
	}

	st, err := store.Open(cfg.CycleDBPath())
	if err != nil {
		return err
	}
	defer st.Close()

	ls, err := st.LastSync()
	if err != nil {
		return err
	}

	if ls == nil {
		fmt.Println("Never synced.")
	} else {
		fmt.Printf("Last sync: %s (%d records updated).\n",
			ls.Time.Format("2006-01-02 15:04:05"), ls.RecordsUpdated)
	}

	fmt.Printf("Cycles stored: %d.\n", st.CycleCount())

	return nil
}
