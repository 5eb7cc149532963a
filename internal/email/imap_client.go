package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"
	"github.com/sirupsen/logrus"

	"github.com/blevin/mailmirror/internal/config"
	"github.com/blevin/mailmirror/internal/credential"
	"github.com/blevin/mailmirror/internal/mailerr"
	"github.com/blevin/mailmirror/pkg/types"
)

// FolderStatus is the server-reported state of one mailbox
type FolderStatus struct {
	UIDValidity uint32
	UIDNext     uint32
	Messages    uint32
	Unseen      uint32
}

// IMAPClient is the retrieval connection of one account. Commands are
// serialized; concurrent callers queue via Do or bail out via TryDo.
type IMAPClient struct {
	config         config.AccountConfig
	creds          *credential.Resolver
	logger         *logrus.Logger
	connectTimeout time.Duration
	commandTimeout time.Duration

	conn     connState
	client   *client.Client
	selected string
}

// NewIMAPClient creates a retrieval client (does not connect immediately)
func NewIMAPClient(cfg config.AccountConfig, creds *credential.Resolver, logger *logrus.Logger, connectTimeout, commandTimeout time.Duration) *IMAPClient {
	return &IMAPClient{
		config:         cfg,
		creds:          creds,
		logger:         logger,
		connectTimeout: connectTimeout,
		commandTimeout: commandTimeout,
	}
}

// State returns the connection lifecycle state
func (c *IMAPClient) State() ConnState {
	return c.conn.State()
}

// Connect establishes and authenticates the connection. Connecting while
// already ready is a no-op.
func (c *IMAPClient) Connect(ctx context.Context) error {
	return c.conn.Do(ctx, func() error {
		return c.connectLocked()
	})
}

func (c *IMAPClient) connectLocked() error {
	if c.conn.State() == StateReady && c.client != nil {
		return nil
	}

	c.conn.transition(StateConnecting)

	secret, err := c.creds.Get(c.config.ID)
	if err != nil {
		c.conn.transition(StateDisconnected)
		if mailerr.IsNotFound(err) {
			return &mailerr.AuthenticationError{Account: c.config.ID, Err: err}
		}
		return err
	}

	addr := fmt.Sprintf("%s:%d", c.config.IMAPHost, c.config.IMAPPort)
	dialer := &net.Dialer{Timeout: c.connectTimeout}

	var cl *client.Client
	if c.config.IMAPTLS {
		cl, err = client.DialWithDialerTLS(dialer, addr, &tls.Config{
			ServerName: c.config.IMAPHost,
			MinVersion: tls.VersionTLS12,
		})
	} else {
		cl, err = client.DialWithDialer(dialer, addr)
		if err == nil {
			if ok, _ := cl.SupportStartTLS(); ok {
				err = cl.StartTLS(&tls.Config{
					ServerName: c.config.IMAPHost,
					MinVersion: tls.VersionTLS12,
				})
			}
		}
	}
	if err != nil {
		c.failLocked()
		return &mailerr.ConnectionError{Op: "dial imap " + addr, Err: err}
	}

	cl.Timeout = c.commandTimeout
	c.client = cl
	c.selected = ""
	c.conn.transition(StateAuthenticated)

	if err := cl.Login(c.config.Email, secret); err != nil {
		cl.Logout() //nolint:errcheck
		c.client = nil
		c.conn.transition(StateDisconnected)
		return &mailerr.AuthenticationError{Account: c.config.ID, Err: err}
	}

	c.conn.transition(StateReady)
	c.logger.WithField("account", c.config.ID).Info("Connected to IMAP server")
	return nil
}

// Disconnect closes the connection. Disconnecting while already
// disconnected is a no-op.
func (c *IMAPClient) Disconnect(ctx context.Context) error {
	return c.conn.Do(ctx, func() error {
		if c.client == nil {
			c.conn.transition(StateDisconnected)
			return nil
		}
		err := c.client.Logout()
		c.client = nil
		c.selected = ""
		c.conn.transition(StateDisconnected)
		if err != nil {
			return &mailerr.ConnectionError{Op: "logout", Err: err}
		}
		return nil
	})
}

// failLocked drops a broken connection. A failed connection is torn down
// immediately so the next command starts from disconnected.
func (c *IMAPClient) failLocked() {
	c.conn.transition(StateFailed)
	if c.client != nil {
		c.client.Logout() //nolint:errcheck
		c.client = nil
	}
	c.selected = ""
	c.conn.transition(StateDisconnected)
}

// classify wraps a command error. Network-level failures also tear down the
// connection; command rejections leave it up.
func (c *IMAPClient) classify(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		c.failLocked()
		return &mailerr.ConnectionError{Op: op, Err: err}
	}
	return &mailerr.ProtocolError{Op: op, Err: err}
}

func (c *IMAPClient) selectFolder(path string) error {
	if c.selected == path {
		return nil
	}
	if _, err := c.client.Select(path, false); err != nil {
		c.selected = ""
		return c.classify("select "+path, err)
	}
	c.selected = path
	return nil
}

// ListFolders lists the remote mailbox tree
func (c *IMAPClient) ListFolders(ctx context.Context) ([]FolderInfo, error) {
	var folders []FolderInfo
	err := c.conn.Do(ctx, func() error {
		if err := c.connectLocked(); err != nil {
			return err
		}

		mailboxes := make(chan *imap.MailboxInfo, 10)
		done := make(chan error, 1)
		go func() {
			done <- c.client.List("", "*", mailboxes)
		}()

		for m := range mailboxes {
			info := folderInfoFromMailbox(m)
			if info.NoSelect {
				continue
			}
			folders = append(folders, info)
		}
		if err := <-done; err != nil {
			return c.classify("list folders", err)
		}
		return nil
	})
	return folders, err
}

// GetFolderStatus reads the watermarks and counters of a mailbox without
// selecting it.
func (c *IMAPClient) GetFolderStatus(ctx context.Context, path string) (*FolderStatus, error) {
	var st *FolderStatus
	err := c.conn.Do(ctx, func() error {
		if err := c.connectLocked(); err != nil {
			return err
		}
		items := []imap.StatusItem{
			imap.StatusUidValidity,
			imap.StatusUidNext,
			imap.StatusMessages,
			imap.StatusUnseen,
		}
		mbox, err := c.client.Status(path, items)
		if err != nil {
			return c.classify("status "+path, err)
		}
		st = &FolderStatus{
			UIDValidity: mbox.UidValidity,
			UIDNext:     mbox.UidNext,
			Messages:    mbox.Messages,
			Unseen:      mbox.Unseen,
		}
		return nil
	})
	return st, err
}

// FetchRange fetches full messages with UIDs in [fromUID, toUID) and parses
// them into the mirror's shape. An empty range yields no messages.
func (c *IMAPClient) FetchRange(ctx context.Context, path string, fromUID, toUID uint32, accountID, folderID string) ([]*FetchedMessage, error) {
	if fromUID >= toUID {
		return nil, nil
	}

	var fetched []*FetchedMessage
	err := c.conn.Do(ctx, func() error {
		if err := c.connectLocked(); err != nil {
			return err
		}
		if err := c.selectFolder(path); err != nil {
			return err
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddRange(fromUID, toUID-1)

		items := []imap.FetchItem{
			imap.FetchEnvelope,
			imap.FetchFlags,
			imap.FetchInternalDate,
			imap.FetchUid,
			imap.FetchRFC822,
		}

		messages := make(chan *imap.Message, 10)
		done := make(chan error, 1)
		go func() {
			done <- c.client.UidFetch(seqSet, items, messages)
		}()

		for msg := range messages {
			fetched = append(fetched, parseMessage(msg, accountID, folderID))
		}
		if err := <-done; err != nil {
			return c.classify("fetch "+path, err)
		}
		return nil
	})
	return fetched, err
}

// FetchFlags fetches the current flag set of every message in the mailbox,
// keyed by UID. A known UID absent from the result has been expunged.
func (c *IMAPClient) FetchFlags(ctx context.Context, path string) (map[uint32][]string, error) {
	flags := make(map[uint32][]string)
	err := c.conn.Do(ctx, func() error {
		if err := c.connectLocked(); err != nil {
			return err
		}
		if err := c.selectFolder(path); err != nil {
			return err
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddRange(1, 0) // 1:* over all UIDs

		items := []imap.FetchItem{imap.FetchFlags, imap.FetchUid}
		messages := make(chan *imap.Message, 10)
		done := make(chan error, 1)
		go func() {
			done <- c.client.UidFetch(seqSet, items, messages)
		}()

		for msg := range messages {
			flags[msg.Uid] = append([]string(nil), msg.Flags...)
		}
		if err := <-done; err != nil {
			return c.classify("fetch flags "+path, err)
		}
		return nil
	})
	return flags, err
}

// FetchAttachment downloads one attachment's decoded bytes into dst. The
// whole message is fetched and the named part extracted; progress reports
// raw bytes transferred against the message size.
func (c *IMAPClient) FetchAttachment(ctx context.Context, path string, uid uint32, att *types.Attachment, dst io.Writer, progress func(done, total int64)) error {
	return c.conn.Do(ctx, func() error {
		if err := c.connectLocked(); err != nil {
			return err
		}
		if err := c.selectFolder(path); err != nil {
			return err
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)

		section := &imap.BodySectionName{Peek: true}
		items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- c.client.UidFetch(seqSet, items, messages)
		}()

		var raw []byte
		var readErr error
		for msg := range messages {
			literal := msg.GetBody(section)
			if literal == nil {
				continue
			}
			raw, readErr = readLiteralProgress(ctx, literal, progress)
		}
		if err := <-done; err != nil {
			return c.classify("fetch body "+path, err)
		}
		if readErr != nil {
			return readErr
		}
		if len(raw) == 0 {
			return &mailerr.NotFoundError{Resource: "message body", Key: fmt.Sprintf("%s/%d", path, uid)}
		}

		env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
		if err != nil {
			return &mailerr.ProtocolError{Op: "parse message", Err: err}
		}
		part := findPart(env, att)
		if part == nil {
			return &mailerr.NotFoundError{Resource: "attachment part", Key: att.Filename}
		}
		if _, err := dst.Write(part.Content); err != nil {
			return fmt.Errorf("writing attachment: %w", err)
		}
		return nil
	})
}

// MoveMessages moves messages to another mailbox on the server. Implemented
// as copy, mark deleted, expunge; servers without a native MOVE behave the
// same way.
func (c *IMAPClient) MoveMessages(ctx context.Context, path string, uids []uint32, destPath string) error {
	if len(uids) == 0 {
		return nil
	}
	return c.conn.Do(ctx, func() error {
		if err := c.connectLocked(); err != nil {
			return err
		}
		if err := c.selectFolder(path); err != nil {
			return err
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uids...)

		if err := c.client.UidCopy(seqSet, destPath); err != nil {
			return c.classify("copy to "+destPath, err)
		}
		delItem := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := c.client.UidStore(seqSet, delItem, []interface{}{imap.DeletedFlag}, nil); err != nil {
			return c.classify("mark deleted "+path, err)
		}
		if err := c.client.Expunge(nil); err != nil {
			return c.classify("expunge "+path, err)
		}
		return nil
	})
}

// StoreFlags replaces the flag set of one message on the server
func (c *IMAPClient) StoreFlags(ctx context.Context, path string, uid uint32, flags types.Flags) error {
	return c.conn.Do(ctx, func() error {
		if err := c.connectLocked(); err != nil {
			return err
		}
		if err := c.selectFolder(path); err != nil {
			return err
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)

		item := imap.FormatFlagsOp(imap.SetFlags, true)
		values := make([]interface{}, 0, 4)
		for _, f := range flagsToIMAP(flags) {
			values = append(values, f)
		}
		if err := c.client.UidStore(seqSet, item, values, nil); err != nil {
			return c.classify(fmt.Sprintf("store flags %s/%d", path, uid), err)
		}
		return nil
	})
}

func findPart(env *enmime.Envelope, att *types.Attachment) *enmime.Part {
	parts := append(append([]*enmime.Part(nil), env.Attachments...), env.Inlines...)
	if att.ContentID != "" {
		for _, p := range parts {
			if p.ContentID == att.ContentID {
				return p
			}
		}
	}
	for _, p := range parts {
		if p.FileName == att.Filename {
			return p
		}
	}
	return nil
}

// readLiteralProgress reads a literal in chunks, reporting progress and
// honoring cancellation between chunks.
func readLiteralProgress(ctx context.Context, literal imap.Literal, progress func(done, total int64)) ([]byte, error) {
	total := int64(literal.Len())
	out := make([]byte, 0, total)
	buf := make([]byte, 32*1024)
	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := literal.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			done += int64(n)
			if progress != nil {
				progress(done, total)
			}
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, &mailerr.ConnectionError{Op: "read message body", Err: err}
		}
	}
}
