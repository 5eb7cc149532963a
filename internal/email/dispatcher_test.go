package email

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blevin/mailmirror/internal/mailerr"
	"github.com/blevin/mailmirror/internal/reliability"
	"github.com/blevin/mailmirror/internal/store"
	"github.com/blevin/mailmirror/pkg/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "mirror.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s store.Store) *types.Account {
	t.Helper()
	acc := &types.Account{Email: "me@example.com", Active: true}
	require.NoError(t, s.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.UpsertAccount(acc)
	}))
	return acc
}

func testRetry() reliability.RetryConfig {
	return reliability.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}
}

// fakeSubmitter scripts per-attempt outcomes and records the Message-ID of
// every attempt.
type fakeSubmitter struct {
	errs       []error
	calls      int
	messageIDs []string
}

func (f *fakeSubmitter) Submit(_ context.Context, msg *types.OutgoingMessage) error {
	f.calls++
	f.messageIDs = append(f.messageIDs, msg.MessageID)
	if f.calls <= len(f.errs) {
		return f.errs[f.calls-1]
	}
	return nil
}

func TestSendMirrorsSentCopy(t *testing.T) {
	s := newTestStore(t)
	acc := seedAccount(t, s)
	sub := &fakeSubmitter{}
	d := NewDispatcher(acc, sub, s, testLogger(), testRetry())

	sent, err := d.Send(context.Background(), &types.OutgoingMessage{
		To:       []string{"you@example.com"},
		Subject:  "hello",
		BodyText: "hi",
	})
	require.NoError(t, err)
	require.NotNil(t, sent)
	assert.NotEmpty(t, sent.MessageID)
	assert.True(t, sent.Seen)
	assert.Equal(t, "me@example.com", sent.FromAddr)

	folder, err := s.GetFolderBySpecialUse(context.Background(), acc.ID, types.UseSent)
	require.NoError(t, err)
	emails, err := s.QueryEmails(context.Background(), store.EmailFilter{FolderID: &folder.ID})
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, sent.MessageID, emails[0].MessageID)
}

func TestSendReusesMessageIDAcrossRetries(t *testing.T) {
	s := newTestStore(t)
	acc := seedAccount(t, s)
	sub := &fakeSubmitter{errs: []error{
		&mailerr.ConnectionError{Op: "dial", Err: errors.New("refused")},
		&mailerr.ConnectionError{Op: "dial", Err: errors.New("refused")},
	}}
	d := NewDispatcher(acc, sub, s, testLogger(), testRetry())

	sent, err := d.Send(context.Background(), &types.OutgoingMessage{
		To:       []string{"you@example.com"},
		Subject:  "flaky",
		BodyText: "hi",
	})
	require.NoError(t, err)
	require.Equal(t, 3, sub.calls)
	for _, id := range sub.messageIDs {
		assert.Equal(t, sent.MessageID, id)
	}

	// Exactly one mirrored copy despite the retries.
	folder, err := s.GetFolderBySpecialUse(context.Background(), acc.ID, types.UseSent)
	require.NoError(t, err)
	emails, err := s.QueryEmails(context.Background(), store.EmailFilter{FolderID: &folder.ID})
	require.NoError(t, err)
	assert.Len(t, emails, 1)
}

func TestResubmitDoesNotDuplicateSentCopy(t *testing.T) {
	s := newTestStore(t)
	acc := seedAccount(t, s)
	sub := &fakeSubmitter{}
	d := NewDispatcher(acc, sub, s, testLogger(), testRetry())

	msg := &types.OutgoingMessage{To: []string{"you@example.com"}, Subject: "once", BodyText: "hi"}
	first, err := d.Send(context.Background(), msg)
	require.NoError(t, err)

	// A caller retrying after an ambiguous outcome resubmits the same
	// message, Message-ID included.
	second, err := d.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	folder, err := s.GetFolderBySpecialUse(context.Background(), acc.ID, types.UseSent)
	require.NoError(t, err)
	emails, err := s.QueryEmails(context.Background(), store.EmailFilter{FolderID: &folder.ID})
	require.NoError(t, err)
	assert.Len(t, emails, 1)
}

func TestSendStopsOnAuthFailure(t *testing.T) {
	s := newTestStore(t)
	acc := seedAccount(t, s)
	sub := &fakeSubmitter{errs: []error{
		&mailerr.AuthenticationError{Account: acc.ID, Err: errors.New("bad password")},
	}}
	d := NewDispatcher(acc, sub, s, testLogger(), testRetry())

	_, err := d.Send(context.Background(), &types.OutgoingMessage{
		To:       []string{"you@example.com"},
		BodyText: "hi",
	})
	require.Error(t, err)
	assert.True(t, mailerr.IsAuth(err))
	assert.Equal(t, 1, sub.calls)

	// Nothing mirrored for a message the server never accepted.
	_, err = s.GetFolderBySpecialUse(context.Background(), acc.ID, types.UseSent)
	assert.True(t, mailerr.IsNotFound(err))
}

func TestSendRejectsEmptyRecipients(t *testing.T) {
	s := newTestStore(t)
	acc := seedAccount(t, s)
	sub := &fakeSubmitter{}
	d := NewDispatcher(acc, sub, s, testLogger(), testRetry())

	_, err := d.Send(context.Background(), &types.OutgoingMessage{Subject: "nobody"})
	require.Error(t, err)
	assert.Zero(t, sub.calls)
}

func TestSendReplyThreading(t *testing.T) {
	s := newTestStore(t)
	acc := seedAccount(t, s)
	sub := &fakeSubmitter{}
	d := NewDispatcher(acc, sub, s, testLogger(), testRetry())

	original := &types.Email{
		MessageID:  "<orig@example.com>",
		Subject:    "status update",
		FromAddr:   "alice@example.com",
		ReplyTo:    "alice-list@example.com",
		To:         []string{"me@example.com", "bob@example.com"},
		Cc:         []string{"carol@example.com"},
		References: []string{"<root@example.com>"},
	}

	sent, err := d.SendReply(context.Background(), original, "thanks", "", true)
	require.NoError(t, err)
	assert.Equal(t, "Re: status update", sent.Subject)
	assert.Equal(t, "<orig@example.com>", sent.InReplyTo)
	assert.Equal(t, []string{"<root@example.com>", "<orig@example.com>"}, sent.References)

	// Reply-To wins over From; the sending account is never its own recipient.
	assert.Equal(t, []string{"alice-list@example.com", "bob@example.com"}, sent.To)
	assert.Equal(t, []string{"carol@example.com"}, sent.Cc)
}

func TestForwardSubjectAndThreading(t *testing.T) {
	s := newTestStore(t)
	acc := seedAccount(t, s)
	sub := &fakeSubmitter{}
	d := NewDispatcher(acc, sub, s, testLogger(), testRetry())

	original := &types.Email{
		MessageID: "<orig@example.com>",
		Subject:   "Re: plans",
		BodyText:  "original body",
	}
	sent, err := d.Forward(context.Background(), original, []string{"dave@example.com"}, "see below")
	require.NoError(t, err)
	assert.Equal(t, "Fwd: Re: plans", sent.Subject)
	assert.Equal(t, []string{"<orig@example.com>"}, sent.References)
	assert.Contains(t, sent.BodyText, "see below")
	assert.Contains(t, sent.BodyText, "original body")
}
