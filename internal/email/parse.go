package email

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/google/uuid"
	"github.com/jhillyerd/enmime"

	"github.com/blevin/mailmirror/pkg/types"
)

// FetchedMessage is one message pulled off the retrieval connection,
// parsed into the mirror's shape but not yet persisted.
type FetchedMessage struct {
	Email       *types.Email
	Attachments []*types.Attachment
}

// FolderInfo describes one remote mailbox as reported by LIST
type FolderInfo struct {
	Name       string
	Path       string
	Delimiter  string
	SpecialUse types.SpecialUse
	NoSelect   bool
}

var messageIDPattern = regexp.MustCompile(`<[^<>\s]+>`)

// parseReferences extracts message IDs from a References header value.
// Some agents separate them with whitespace, some with commas, some
// fold them across lines; matching the angle-bracket tokens covers all.
func parseReferences(header string) []string {
	if header == "" {
		return nil
	}
	return messageIDPattern.FindAllString(header, -1)
}

// cleanMessageID normalizes a Message-ID to its angle-bracketed form
func cleanMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if !strings.HasPrefix(id, "<") {
		id = "<" + id
	}
	if !strings.HasSuffix(id, ">") {
		id = id + ">"
	}
	return id
}

// specialUseFor maps LIST attributes (RFC 6154) to a folder role, falling
// back to common name conventions for servers that do not advertise them.
func specialUseFor(attrs []string, name string) types.SpecialUse {
	for _, a := range attrs {
		switch strings.ToLower(a) {
		case "\\sent":
			return types.UseSent
		case "\\drafts":
			return types.UseDrafts
		case "\\trash":
			return types.UseTrash
		case "\\junk":
			return types.UseSpam
		case "\\archive":
			return types.UseArchive
		case "\\all":
			return types.UseAll
		}
	}
	switch strings.ToLower(name) {
	case "inbox":
		return types.UseInbox
	case "sent", "sent messages", "sent items":
		return types.UseSent
	case "drafts":
		return types.UseDrafts
	case "trash", "deleted items":
		return types.UseTrash
	case "junk", "spam":
		return types.UseSpam
	case "archive":
		return types.UseArchive
	}
	return types.UseCustom
}

func folderInfoFromMailbox(m *imap.MailboxInfo) FolderInfo {
	name := m.Name
	if i := strings.LastIndex(m.Name, m.Delimiter); m.Delimiter != "" && i >= 0 {
		name = m.Name[i+len(m.Delimiter):]
	}
	info := FolderInfo{
		Name:       name,
		Path:       m.Name,
		Delimiter:  m.Delimiter,
		SpecialUse: specialUseFor(m.Attributes, name),
	}
	for _, a := range m.Attributes {
		if strings.EqualFold(a, imap.NoSelectAttr) {
			info.NoSelect = true
		}
	}
	return info
}

// flagsFromIMAP converts system flags into the mirror's flag set
func flagsFromIMAP(flags []string) types.Flags {
	var f types.Flags
	for _, fl := range flags {
		switch fl {
		case imap.SeenFlag:
			f.Seen = true
		case imap.FlaggedFlag:
			f.Starred = true
		case imap.DraftFlag:
			f.Draft = true
		case imap.DeletedFlag:
			f.Deleted = true
		}
	}
	return f
}

// flagsToIMAP converts the mirror's flag set into system flags
func flagsToIMAP(f types.Flags) []string {
	var flags []string
	if f.Seen {
		flags = append(flags, imap.SeenFlag)
	}
	if f.Starred {
		flags = append(flags, imap.FlaggedFlag)
	}
	if f.Draft {
		flags = append(flags, imap.DraftFlag)
	}
	if f.Deleted {
		flags = append(flags, imap.DeletedFlag)
	}
	return flags
}

// parseMessage converts one fetched IMAP message into the mirror's shape.
// Envelope fields come from the ENVELOPE response; bodies, threading
// headers and attachment metadata come from parsing the raw message.
func parseMessage(msg *imap.Message, accountID, folderID string) *FetchedMessage {
	e := &types.Email{
		ID:        uuid.New().String(),
		AccountID: accountID,
		FolderID:  folderID,
		UID:       msg.Uid,
	}

	if env := msg.Envelope; env != nil {
		e.MessageID = cleanMessageID(env.MessageId)
		e.Subject = env.Subject
		e.Date = env.Date
		e.InReplyTo = cleanMessageID(env.InReplyTo)
		if len(env.From) > 0 {
			e.FromName = env.From[0].PersonalName
			e.FromAddr = env.From[0].Address()
		}
		if len(env.ReplyTo) > 0 {
			e.ReplyTo = env.ReplyTo[0].Address()
		}
		for _, to := range env.To {
			e.To = append(e.To, to.Address())
		}
		for _, cc := range env.Cc {
			e.Cc = append(e.Cc, cc.Address())
		}
		for _, bcc := range env.Bcc {
			e.Bcc = append(e.Bcc, bcc.Address())
		}
	}
	if e.Date.IsZero() && !msg.InternalDate.IsZero() {
		e.Date = msg.InternalDate
	}

	flags := flagsFromIMAP(msg.Flags)
	e.Seen = flags.Seen
	e.Starred = flags.Starred
	e.Draft = flags.Draft
	e.Deleted = flags.Deleted

	fm := &FetchedMessage{Email: e}

	raw := rawBody(msg)
	if len(raw) == 0 {
		return fm
	}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		// Keep the envelope data; an unparseable body is still a message.
		e.BodyText = string(raw)
		return fm
	}

	e.BodyText = env.Text
	e.BodyHTML = env.HTML
	if refs := env.GetHeader("References"); refs != "" {
		e.References = parseReferences(refs)
	}
	if e.InReplyTo == "" {
		e.InReplyTo = cleanMessageID(env.GetHeader("In-Reply-To"))
	}

	for _, part := range env.Attachments {
		fm.Attachments = append(fm.Attachments, attachmentFromPart(e.ID, part, false))
	}
	for _, part := range env.Inlines {
		if part.FileName == "" {
			continue
		}
		fm.Attachments = append(fm.Attachments, attachmentFromPart(e.ID, part, true))
	}
	e.HasAttach = len(fm.Attachments) > 0

	return fm
}

func attachmentFromPart(emailID string, part *enmime.Part, inline bool) *types.Attachment {
	return &types.Attachment{
		ID:        uuid.New().String(),
		EmailID:   emailID,
		Filename:  part.FileName,
		MimeType:  part.ContentType,
		Size:      int64(len(part.Content)),
		ContentID: part.ContentID,
		Inline:    inline,
	}
}

// rawBody returns the full RFC822 content of a fetched message, trying the
// section keys go-imap is known to file it under.
func rawBody(msg *imap.Message) []byte {
	if msg.Body == nil {
		return nil
	}
	if literal, ok := msg.Body[nil]; ok {
		return readLiteral(literal)
	}
	for _, literal := range msg.Body {
		if b := readLiteral(literal); len(b) > 0 {
			return b
		}
	}
	return nil
}

func readLiteral(literal imap.Literal) []byte {
	if literal == nil {
		return nil
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(literal); err != nil {
		return buf.Bytes()
	}
	return buf.Bytes()
}
