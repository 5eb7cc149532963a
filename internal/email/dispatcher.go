package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/blevin/mailmirror/internal/mailerr"
	"github.com/blevin/mailmirror/internal/reliability"
	"github.com/blevin/mailmirror/internal/store"
	"github.com/blevin/mailmirror/pkg/types"
)

// Submitter is the slice of the submission connection the dispatcher needs
type Submitter interface {
	Submit(ctx context.Context, msg *types.OutgoingMessage) error
}

// Dispatcher turns outgoing messages into confirmed, mirrored emails.
//
// The Message-ID is generated once, before the first submission attempt, and
// reused verbatim on every retry. The local sent copy is keyed by it, so a
// retried submission that already went through on a previous attempt never
// produces a second copy.
type Dispatcher struct {
	account *types.Account
	sub     Submitter
	store   store.Store
	logger  *logrus.Logger
	retry   reliability.RetryConfig
}

// NewDispatcher creates a dispatcher for one account
func NewDispatcher(account *types.Account, sub Submitter, st store.Store, logger *logrus.Logger, retry reliability.RetryConfig) *Dispatcher {
	return &Dispatcher{
		account: account,
		sub:     sub,
		store:   st,
		logger:  logger,
		retry:   retry,
	}
}

// Send submits a message and, once the server has accepted it, mirrors a
// copy into the local sent folder. The returned email is the mirrored copy.
func (d *Dispatcher) Send(ctx context.Context, msg *types.OutgoingMessage) (*types.Email, error) {
	if len(msg.To) == 0 && len(msg.Cc) == 0 && len(msg.Bcc) == 0 {
		return nil, &mailerr.ProtocolError{Op: "send", Err: fmt.Errorf("no recipients")}
	}
	if msg.From == "" {
		msg.From = d.account.Email
	}
	if msg.MessageID == "" {
		msg.MessageID = newMessageID(d.account.Email)
	}

	err := reliability.Retry(ctx, d.retry, func() error {
		return d.sub.Submit(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	sent, err := d.recordSent(ctx, msg)
	if err != nil {
		// The message is out; losing the local copy must not look like a
		// failed send to the caller.
		d.logger.WithError(err).WithField("message_id", msg.MessageID).
			Error("Message sent but mirroring the sent copy failed")
		return nil, err
	}
	return sent, nil
}

// SendReply builds and sends a reply to an existing message. replyAll keeps
// the original recipient list minus the sending account itself.
func (d *Dispatcher) SendReply(ctx context.Context, original *types.Email, bodyText, bodyHTML string, replyAll bool) (*types.Email, error) {
	to := original.ReplyTo
	if to == "" {
		to = original.FromAddr
	}

	msg := &types.OutgoingMessage{
		To:        []string{to},
		Subject:   replySubject(original.Subject),
		BodyText:  bodyText,
		BodyHTML:  bodyHTML,
		InReplyTo: original.MessageID,
	}
	if original.MessageID != "" {
		msg.References = append(append([]string(nil), original.References...), original.MessageID)
	}
	if replyAll {
		for _, addr := range original.To {
			if !strings.EqualFold(addr, d.account.Email) && !strings.EqualFold(addr, to) {
				msg.To = append(msg.To, addr)
			}
		}
		for _, addr := range original.Cc {
			if !strings.EqualFold(addr, d.account.Email) {
				msg.Cc = append(msg.Cc, addr)
			}
		}
	}

	return d.Send(ctx, msg)
}

// Forward sends an existing message on to new recipients, preserving the
// thread linkage.
func (d *Dispatcher) Forward(ctx context.Context, original *types.Email, to []string, note string) (*types.Email, error) {
	body := original.BodyText
	if note != "" {
		body = note + "\r\n\r\n---------- Forwarded message ----------\r\n" + body
	}

	msg := &types.OutgoingMessage{
		To:        to,
		Subject:   forwardSubject(original.Subject),
		BodyText:  body,
		BodyHTML:  original.BodyHTML,
		InReplyTo: original.MessageID,
	}
	if original.MessageID != "" {
		msg.References = append(append([]string(nil), original.References...), original.MessageID)
	}

	return d.Send(ctx, msg)
}

// recordSent mirrors an accepted message into the local sent folder. The
// folder assignment is provisional; the next reconciliation of the remote
// sent mailbox adopts the copy under its server-issued sequence number.
func (d *Dispatcher) recordSent(ctx context.Context, msg *types.OutgoingMessage) (*types.Email, error) {
	folder, err := d.sentFolder(ctx)
	if err != nil {
		return nil, err
	}

	if existing, err := d.store.GetEmailByMessageID(ctx, d.account.ID, folder.ID, msg.MessageID); err == nil {
		return existing, nil
	} else if !mailerr.IsNotFound(err) {
		return nil, err
	}

	e := &types.Email{
		ID:         uuid.New().String(),
		AccountID:  d.account.ID,
		FolderID:   folder.ID,
		MessageID:  msg.MessageID,
		Subject:    msg.Subject,
		FromAddr:   msg.From,
		To:         msg.To,
		Cc:         msg.Cc,
		Bcc:        msg.Bcc,
		BodyText:   msg.BodyText,
		BodyHTML:   msg.BodyHTML,
		InReplyTo:  msg.InReplyTo,
		References: msg.References,
		Seen:       true,
		Date:       time.Now().UTC(),
	}

	err = d.store.WithTx(ctx, func(tx store.Tx) error {
		// Re-check under the transaction so two concurrent retries of the
		// same message cannot both insert.
		if _, err := d.store.GetEmailByMessageID(ctx, d.account.ID, folder.ID, msg.MessageID); err == nil {
			return nil
		} else if !mailerr.IsNotFound(err) {
			return err
		}
		if err := tx.UpsertEmail(e); err != nil {
			return err
		}
		return tx.RecomputeFolderCounters(folder.ID)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// sentFolder finds the account's sent folder, creating a local one when the
// folder tree has not been synced yet.
func (d *Dispatcher) sentFolder(ctx context.Context) (*types.Folder, error) {
	folder, err := d.store.GetFolderBySpecialUse(ctx, d.account.ID, types.UseSent)
	if err == nil {
		return folder, nil
	}
	if !mailerr.IsNotFound(err) {
		return nil, err
	}

	folder = &types.Folder{
		AccountID:  d.account.ID,
		Name:       "Sent",
		Path:       "Sent",
		Delimiter:  "/",
		SpecialUse: types.UseSent,
	}
	err = d.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpsertFolder(folder)
	})
	if err != nil {
		return nil, err
	}
	return folder, nil
}

// newMessageID builds an RFC 5322 Message-ID using the account's domain
func newMessageID(email string) string {
	domain := "localhost"
	if i := strings.LastIndex(email, "@"); i >= 0 && i+1 < len(email) {
		domain = email[i+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func forwardSubject(subject string) string {
	lower := strings.ToLower(subject)
	if strings.HasPrefix(lower, "fwd:") || strings.HasPrefix(lower, "fw:") {
		return subject
	}
	return "Fwd: " + subject
}
