package types

import "time"

// SyncStatus reflects the current synchronization state of an account
type SyncStatus string

const (
	StatusConnected SyncStatus = "connected"
	StatusSyncing   SyncStatus = "syncing"
	StatusError     SyncStatus = "error"
	StatusOffline   SyncStatus = "offline"
	StatusIdle      SyncStatus = "idle"
)

// SpecialUse tags a folder with its well-known role, if any
type SpecialUse string

const (
	UseInbox   SpecialUse = "inbox"
	UseSent    SpecialUse = "sent"
	UseDrafts  SpecialUse = "drafts"
	UseTrash   SpecialUse = "trash"
	UseSpam    SpecialUse = "spam"
	UseArchive SpecialUse = "archive"
	UseAll     SpecialUse = "all"
	UseCustom  SpecialUse = "custom"
)

// Endpoint describes one server endpoint of an account
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	TLS  bool   `json:"tls"`
}

// Account represents a configured mail account
type Account struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	IMAP       Endpoint   `json:"imap"`
	SMTP       Endpoint   `json:"smtp"`
	Active     bool       `json:"active"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	SyncStatus SyncStatus `json:"sync_status"`
}

// Folder represents a mirrored mailbox folder.
//
// UIDValidity and UIDNext are the server-issued watermarks for the folder;
// both are nil until the folder has been synced at least once. UIDValidity is
// monotonically non-decreasing: when the server reports a different value,
// every UID previously cached for the folder is invalid.
type Folder struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	ParentID    string     `json:"parent_id,omitempty"`
	Name        string     `json:"name"`
	Path        string     `json:"path"`
	Delimiter   string     `json:"delimiter"`
	SpecialUse  SpecialUse `json:"special_use"`
	UnreadCount int        `json:"unread_count"`
	TotalCount  int        `json:"total_count"`
	UIDValidity *uint32    `json:"uid_validity,omitempty"`
	UIDNext     *uint32    `json:"uid_next,omitempty"`
}

// Email represents a mirrored message.
//
// UID is unique only within the owning folder's current UIDValidity; it must
// never be compared across a validity change. FolderID is empty while the
// message has no folder assignment (e.g. an unconfirmed draft).
type Email struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	FolderID   string    `json:"folder_id,omitempty"`
	UID        uint32    `json:"uid"`
	MessageID  string    `json:"message_id,omitempty"`
	Subject    string    `json:"subject"`
	FromName   string    `json:"from_name"`
	FromAddr   string    `json:"from_addr"`
	To         []string  `json:"to,omitempty"`
	Cc         []string  `json:"cc,omitempty"`
	Bcc        []string  `json:"bcc,omitempty"`
	ReplyTo    string    `json:"reply_to,omitempty"`
	BodyText   string    `json:"body_text,omitempty"`
	BodyHTML   string    `json:"body_html,omitempty"`
	Seen       bool      `json:"seen"`
	Starred    bool      `json:"starred"`
	Draft      bool      `json:"draft"`
	Deleted    bool      `json:"deleted"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	References []string  `json:"references,omitempty"`
	HasAttach  bool      `json:"has_attachments"`
	Date       time.Time `json:"date"`
}

// Attachment represents one attachment of a mirrored message
type Attachment struct {
	ID         string `json:"id"`
	EmailID    string `json:"email_id"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type"`
	Size       int64  `json:"size"`
	ContentID  string `json:"content_id,omitempty"`
	Inline     bool   `json:"inline"`
	Downloaded bool   `json:"downloaded"`
	LocalPath  string `json:"local_path,omitempty"`
}

// OutgoingMessage is an ephemeral, not-yet-confirmed message. It becomes a
// persisted Email only after the submission protocol confirms acceptance.
// MessageID is generated by the client before the first submission attempt
// and reused verbatim on retry.
type OutgoingMessage struct {
	MessageID  string   `json:"message_id"`
	From       string   `json:"from"`
	To         []string `json:"to"`
	Cc         []string `json:"cc,omitempty"`
	Bcc        []string `json:"bcc,omitempty"`
	Subject    string   `json:"subject"`
	BodyText   string   `json:"body_text,omitempty"`
	BodyHTML   string   `json:"body_html,omitempty"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`
}

// Flags is the mutable flag set of an email
type Flags struct {
	Seen    bool `json:"seen"`
	Starred bool `json:"starred"`
	Draft   bool `json:"draft"`
	Deleted bool `json:"deleted"`
}

// FlagsOf extracts the flag set of an email
func FlagsOf(e *Email) Flags {
	return Flags{Seen: e.Seen, Starred: e.Starred, Draft: e.Draft, Deleted: e.Deleted}
}
