package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blevin/mailmirror/internal/config"
	"github.com/blevin/mailmirror/internal/credential"
	"github.com/blevin/mailmirror/internal/email"
	"github.com/blevin/mailmirror/internal/status"
	"github.com/blevin/mailmirror/internal/store"
	"github.com/blevin/mailmirror/internal/sync"
	"github.com/blevin/mailmirror/pkg/types"
)

var (
	version      = "dev"
	showVersion  = flag.Bool("version", false, "Show version information")
	configPath   = flag.String("config", config.DefaultConfigPath(), "Path to configuration file")
	syncInterval = flag.Duration("sync-interval", 5*time.Minute, "Interval between reconciliation passes")
	once         = flag.Bool("once", false, "Run one reconciliation pass and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailmirror version %s\n", version)
		os.Exit(0)
	}

	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting mailmirror")

	// Open the mirror store
	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open mirror store")
	}
	defer st.Close()

	// Open the secret store
	creds, err := credential.NewResolver(filepath.Dir(cfg.DBPath))
	if err != nil {
		logger.WithError(err).Fatal("Failed to open secret store")
	}

	// Mirror the configured accounts into the store.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := upsertAccounts(ctx, cfg, st); err != nil {
		logger.WithError(err).Fatal("Failed to register accounts")
	}

	registry := status.NewRegistry()

	manager, err := email.NewAccountManager(cfg, creds, st, registry, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create account manager")
	}
	defer manager.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	runSync := func() {
		for _, id := range manager.ListAccounts() {
			if ctx.Err() != nil {
				return
			}
			acc, err := manager.GetAccount(id)
			if err != nil {
				continue
			}
			syncAccount(ctx, st, registry, acc, logger)
		}
	}

	runSync()
	if *once {
		logger.Info("Reconciliation pass complete")
		return
	}

	ticker := time.NewTicker(*syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down mailmirror")
			return
		case <-ticker.C:
			runSync()
		}
	}
}

// upsertAccounts mirrors the configured accounts into the store, keeping
// their sync state across restarts.
func upsertAccounts(ctx context.Context, cfg *config.Config, st store.Store) error {
	return st.WithTx(ctx, func(tx store.Tx) error {
		for _, accCfg := range cfg.Accounts {
			acc := &types.Account{
				ID:     accCfg.ID,
				Email:  accCfg.Email,
				IMAP:   types.Endpoint{Host: accCfg.IMAPHost, Port: accCfg.IMAPPort, TLS: accCfg.IMAPTLS},
				SMTP:   types.Endpoint{Host: accCfg.SMTPHost, Port: accCfg.SMTPPort, TLS: accCfg.SMTPTLS},
				Active: accCfg.Active,
			}
			if err := tx.UpsertAccount(acc); err != nil {
				return err
			}
		}
		return nil
	})
}

func syncAccount(ctx context.Context, st store.Store, registry *status.Registry, acc *email.Account, logger *logrus.Logger) {
	acct, err := st.GetAccount(ctx, acc.Config.ID)
	if err != nil {
		logger.WithError(err).WithField("account", acc.Config.ID).Error("Account missing from mirror")
		return
	}

	reconciler := sync.NewReconciler(st, registry, acc.Attachments, logger)
	if err := reconciler.SyncAccount(ctx, acct, acc.IMAP); err != nil {
		logger.WithError(err).WithField("account", acct.ID).Error("Reconciliation failed")
		return
	}
	logger.WithField("account", acct.ID).Info("Reconciliation complete")
}
