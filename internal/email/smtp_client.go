package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blevin/mailmirror/internal/config"
	"github.com/blevin/mailmirror/internal/credential"
	"github.com/blevin/mailmirror/internal/mailerr"
	"github.com/blevin/mailmirror/pkg/types"
)

// SMTPClient is the submission connection of one account. Submissions are
// serialized per account; a new session is dialed for each message, which is
// how the submission protocol is commonly deployed.
type SMTPClient struct {
	config         config.AccountConfig
	creds          *credential.Resolver
	logger         *logrus.Logger
	connectTimeout time.Duration

	conn connState
}

// NewSMTPClient creates a submission client
func NewSMTPClient(cfg config.AccountConfig, creds *credential.Resolver, logger *logrus.Logger, connectTimeout time.Duration) *SMTPClient {
	return &SMTPClient{
		config:         cfg,
		creds:          creds,
		logger:         logger,
		connectTimeout: connectTimeout,
	}
}

// State returns the connection lifecycle state
func (c *SMTPClient) State() ConnState {
	return c.conn.State()
}

// Submit hands one message to the submission server. Returning nil means the
// server accepted responsibility for every recipient. Any rejected recipient
// aborts the submission before the message body is transmitted, so a
// RejectedRecipientError means nothing was handed over in this session.
func (c *SMTPClient) Submit(ctx context.Context, msg *types.OutgoingMessage) error {
	return c.conn.Do(ctx, func() error {
		return c.submitLocked(ctx, msg)
	})
}

func (c *SMTPClient) submitLocked(ctx context.Context, msg *types.OutgoingMessage) error {
	raw, err := buildMessage(msg)
	if err != nil {
		return &mailerr.ProtocolError{Op: "build message", Err: err}
	}

	secret, err := c.creds.Get(c.config.ID)
	if err != nil {
		if mailerr.IsNotFound(err) {
			return &mailerr.AuthenticationError{Account: c.config.ID, Err: err}
		}
		return err
	}

	c.conn.transition(StateConnecting)
	cl, err := c.dial()
	if err != nil {
		c.conn.transition(StateDisconnected)
		return err
	}
	defer func() {
		cl.Close() //nolint:errcheck
		c.conn.transition(StateDisconnected)
	}()

	auth := smtp.PlainAuth("", c.config.Email, secret, c.config.SMTPHost)
	if err := cl.Auth(auth); err != nil {
		return &mailerr.AuthenticationError{Account: c.config.ID, Err: err}
	}
	c.conn.transition(StateAuthenticated)

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := cl.Mail(msg.From); err != nil {
		return &mailerr.ProtocolError{Op: "mail from", Err: err}
	}

	recipients := append(append(append([]string(nil), msg.To...), msg.Cc...), msg.Bcc...)
	var failures []mailerr.RecipientFailure
	for _, rcpt := range recipients {
		if err := cl.Rcpt(rcpt); err != nil {
			failures = append(failures, mailerr.RecipientFailure{Address: rcpt, Err: err})
		}
	}
	if len(failures) > 0 {
		cl.Reset() //nolint:errcheck
		return &mailerr.RejectedRecipientError{Failures: failures}
	}

	w, err := cl.Data()
	if err != nil {
		return &mailerr.ProtocolError{Op: "data", Err: err}
	}
	if _, err := w.Write(raw); err != nil {
		return &mailerr.ConnectionError{Op: "write message", Err: err}
	}
	if err := w.Close(); err != nil {
		return &mailerr.ProtocolError{Op: "close data", Err: err}
	}

	if err := cl.Quit(); err != nil {
		// The server already accepted the message at end-of-data; a failed
		// QUIT does not undo that.
		c.logger.WithError(err).Debug("SMTP quit failed after accepted message")
	}

	c.logger.WithFields(logrus.Fields{
		"account":    c.config.ID,
		"message_id": msg.MessageID,
		"recipients": len(recipients),
	}).Info("Message accepted by submission server")
	return nil
}

// dial opens the submission session. Port 465 is implicit TLS; anything else
// starts plaintext and upgrades with STARTTLS.
func (c *SMTPClient) dial() (*smtp.Client, error) {
	addr := fmt.Sprintf("%s:%d", c.config.SMTPHost, c.config.SMTPPort)
	dialer := &net.Dialer{Timeout: c.connectTimeout}
	tlsCfg := &tls.Config{
		ServerName: c.config.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	if c.config.SMTPPort == 465 {
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
		if err != nil {
			return nil, &mailerr.ConnectionError{Op: "dial smtp " + addr, Err: err}
		}
		cl, err := smtp.NewClient(conn, c.config.SMTPHost)
		if err != nil {
			conn.Close() //nolint:errcheck
			return nil, &mailerr.ConnectionError{Op: "smtp handshake " + addr, Err: err}
		}
		return cl, nil
	}

	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, &mailerr.ConnectionError{Op: "dial smtp " + addr, Err: err}
	}
	cl, err := smtp.NewClient(conn, c.config.SMTPHost)
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, &mailerr.ConnectionError{Op: "smtp handshake " + addr, Err: err}
	}
	if c.config.SMTPTLS {
		if err := cl.StartTLS(tlsCfg); err != nil {
			cl.Close() //nolint:errcheck
			return nil, &mailerr.ConnectionError{Op: "starttls " + addr, Err: err}
		}
	}
	return cl, nil
}

// buildMessage renders an outgoing message into wire format. Both body
// variants present yields multipart/alternative with text first.
func buildMessage(msg *types.OutgoingMessage) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader(&buf, "From", msg.From)
	writeHeader(&buf, "To", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		writeHeader(&buf, "Cc", strings.Join(msg.Cc, ", "))
	}
	writeHeader(&buf, "Subject", msg.Subject)
	writeHeader(&buf, "Message-ID", msg.MessageID)
	writeHeader(&buf, "Date", time.Now().Format(time.RFC1123Z))
	if msg.InReplyTo != "" {
		writeHeader(&buf, "In-Reply-To", msg.InReplyTo)
	}
	if len(msg.References) > 0 {
		writeHeader(&buf, "References", strings.Join(msg.References, " "))
	}
	writeHeader(&buf, "MIME-Version", "1.0")

	switch {
	case msg.BodyText != "" && msg.BodyHTML != "":
		mw := multipart.NewWriter(&buf)
		writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", mw.Boundary()))
		buf.WriteString("\r\n")

		text, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"text/plain; charset=utf-8"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := text.Write([]byte(msg.BodyText)); err != nil {
			return nil, err
		}

		html, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"text/html; charset=utf-8"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := html.Write([]byte(msg.BodyHTML)); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
	case msg.BodyHTML != "":
		writeHeader(&buf, "Content-Type", "text/html; charset=utf-8")
		buf.WriteString("\r\n")
		buf.WriteString(msg.BodyHTML)
	default:
		writeHeader(&buf, "Content-Type", "text/plain; charset=utf-8")
		buf.WriteString("\r\n")
		buf.WriteString(msg.BodyText)
	}

	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	fmt.Fprintf(buf, "%s: %s\r\n", name, value)
}
