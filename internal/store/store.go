package store

import (
	"context"
	"time"

	"github.com/blevin/mailmirror/pkg/types"
)

// EmailFilter controls filtering, sorting, and pagination for email queries.
type EmailFilter struct {
	AccountID *string
	FolderID  *string
	Seen      *bool
	Starred   *bool
	Query     *string // search subject + sender + body text
	SortBy    string  // "date", "subject", "uid"
	SortDesc  bool
	Limit     int
	Offset    int
}

// Tx is the mutation surface of one logical operation. Every mutation issued
// through a Tx becomes visible atomically when the enclosing WithTx call
// commits; none of it is visible if the operation fails.
type Tx interface {
	UpsertAccount(acc *types.Account) error
	UpsertFolder(f *types.Folder) error
	UpsertEmail(e *types.Email) error
	UpsertAttachment(a *types.Attachment) error

	// DeleteAccount removes the account and, explicitly and in order, its
	// folders, emails, and attachments. The IDs of the deleted emails are
	// returned so the caller can purge cached attachment payloads.
	DeleteAccount(id string) ([]string, error)

	// DeleteFolder removes the folder, its subtree, and all emails and
	// attachments contained in any of them. Returns the deleted email IDs.
	DeleteFolder(id string) ([]string, error)

	DeleteEmail(id string) error

	// DeleteEmailsInFolder removes every email mirrored in one folder along
	// with their attachments, without touching the folder row itself. Used by
	// a full resync. Returns the deleted email IDs.
	DeleteEmailsInFolder(folderID string) ([]string, error)

	// SetEmailFolder reassigns an email to a folder. UID is the email's
	// sequence number in the destination, zero when not yet known.
	SetEmailFolder(emailID, folderID string, uid uint32) error

	SetEmailFlags(emailID string, flags types.Flags) error

	// SetFolderWatermark records the server-issued validity epoch and
	// next-sequence counter observed during a reconciliation.
	SetFolderWatermark(folderID string, validity, next uint32) error

	// RecomputeFolderCounters rebuilds unread/total counters from the
	// mirrored emails rather than patching them incrementally.
	RecomputeFolderCounters(folderID string) error

	SetAccountSyncState(accountID string, st types.SyncStatus, lastSync *time.Time) error

	MarkAttachmentDownloaded(attachmentID, localPath string) error
}

// Store is the persistence interface for the mirrored entities.
type Store interface {
	// WithTx runs fn inside a single transaction and commits it when fn
	// returns nil. A logical operation (one reconciliation pass, one send,
	// one move) performs all its mutations through one WithTx call.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetAccount(ctx context.Context, id string) (*types.Account, error)
	GetAccounts(ctx context.Context) ([]types.Account, error)

	GetFolder(ctx context.Context, id string) (*types.Folder, error)
	GetFolderByPath(ctx context.Context, accountID, path string) (*types.Folder, error)
	GetFolderBySpecialUse(ctx context.Context, accountID string, use types.SpecialUse) (*types.Folder, error)
	GetFolders(ctx context.Context, accountID string) ([]types.Folder, error)

	GetEmail(ctx context.Context, id string) (*types.Email, error)
	GetEmailByMessageID(ctx context.Context, accountID, folderID, messageID string) (*types.Email, error)
	QueryEmails(ctx context.Context, f EmailFilter) ([]types.Email, error)

	// EmailUIDs returns uid -> email id for every email mirrored in a folder.
	// The mapping is only meaningful under the folder's current validity epoch.
	EmailUIDs(ctx context.Context, folderID string) (map[uint32]string, error)

	GetAttachment(ctx context.Context, id string) (*types.Attachment, error)
	GetAttachments(ctx context.Context, emailID string) ([]types.Attachment, error)

	Close() error
}
