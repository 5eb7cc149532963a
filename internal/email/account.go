package email

import (
	"context"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blevin/mailmirror/internal/config"
	"github.com/blevin/mailmirror/internal/credential"
	"github.com/blevin/mailmirror/internal/mailerr"
	"github.com/blevin/mailmirror/internal/reliability"
	"github.com/blevin/mailmirror/internal/status"
	"github.com/blevin/mailmirror/internal/store"
	"github.com/blevin/mailmirror/pkg/types"
)

// Account bundles the protocol machinery of one configured account
type Account struct {
	Config      config.AccountConfig
	IMAP        *IMAPClient
	SMTP        *SMTPClient
	Dispatcher  *Dispatcher
	Applier     *Applier
	Attachments *Coordinator
}

// AccountManager builds and owns the per-account machinery
type AccountManager struct {
	accounts map[string]*Account
	logger   *logrus.Logger
}

// NewAccountManager wires clients, dispatcher, applier, and attachment
// coordinator for every active account in the configuration. The mirror rows
// for the accounts must already exist in the store.
func NewAccountManager(cfg *config.Config, creds *credential.Resolver, st store.Store, registry *status.Registry, logger *logrus.Logger) (*AccountManager, error) {
	m := &AccountManager{
		accounts: make(map[string]*Account),
		logger:   logger,
	}

	retry := reliability.DefaultRetryConfig()
	if cfg.RetryMaxAttempts > 0 {
		retry.MaxAttempts = cfg.RetryMaxAttempts
	}

	for _, accCfg := range cfg.ActiveAccounts() {
		acc := &types.Account{
			ID:     accCfg.ID,
			Email:  accCfg.Email,
			IMAP:   types.Endpoint{Host: accCfg.IMAPHost, Port: accCfg.IMAPPort, TLS: accCfg.IMAPTLS},
			SMTP:   types.Endpoint{Host: accCfg.SMTPHost, Port: accCfg.SMTPPort, TLS: accCfg.SMTPTLS},
			Active: true,
		}

		imapClient := NewIMAPClient(accCfg, creds, logger, cfg.ConnectTimeout(), cfg.CommandTimeout())
		smtpClient := NewSMTPClient(accCfg, creds, logger, cfg.ConnectTimeout())
		cacheDir := filepath.Join(cfg.CacheDir, accCfg.ID)

		m.accounts[accCfg.ID] = &Account{
			Config:      accCfg,
			IMAP:        imapClient,
			SMTP:        smtpClient,
			Dispatcher:  NewDispatcher(acc, smtpClient, st, logger, retry),
			Applier:     NewApplier(st, imapClient, logger),
			Attachments: NewCoordinator(cacheDir, imapClient, st, registry, logger),
		}
	}

	return m, nil
}

// GetAccount returns the machinery of one account by its identifier
func (m *AccountManager) GetAccount(id string) (*Account, error) {
	acc, ok := m.accounts[id]
	if !ok {
		return nil, &mailerr.NotFoundError{Resource: "account", Key: id}
	}
	return acc, nil
}

// ListAccounts returns the identifiers of all managed accounts
func (m *AccountManager) ListAccounts() []string {
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	return ids
}

// Close disconnects every account's retrieval connection
func (m *AccountManager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for id, acc := range m.accounts {
		if err := acc.IMAP.Disconnect(ctx); err != nil {
			m.logger.WithError(err).WithField("account", id).Warn("Failed to disconnect cleanly")
		}
	}
	return nil
}
