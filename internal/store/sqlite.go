package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/blevin/mailmirror/internal/mailerr"
	"github.com/blevin/mailmirror/pkg/types"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, enables WAL
// mode and foreign keys, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.WithField("path", dbPath).Info("Mirror store initialized")
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// WithTx runs fn inside a single transaction. The commit makes every mutation
// of the logical operation visible atomically; any error rolls all of it back.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	txx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &mailerr.StoreError{Op: "begin transaction", Err: err}
	}
	defer txx.Rollback()

	if err := fn(&sqliteTx{ctx: ctx, tx: txx}); err != nil {
		return err
	}
	if err := txx.Commit(); err != nil {
		return &mailerr.StoreError{Op: "commit transaction", Err: err}
	}
	return nil
}

// GetAccount retrieves a single account by ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*types.Account, error) {
	accounts, err := s.queryAccounts(ctx, "SELECT * FROM accounts WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, &mailerr.NotFoundError{Resource: "account", Key: id}
	}
	return &accounts[0], nil
}

// GetAccounts retrieves all accounts.
func (s *SQLiteStore) GetAccounts(ctx context.Context) ([]types.Account, error) {
	return s.queryAccounts(ctx, "SELECT * FROM accounts ORDER BY email")
}

func (s *SQLiteStore) queryAccounts(ctx context.Context, query string, args ...interface{}) ([]types.Account, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []types.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// GetFolder retrieves a single folder by ID.
func (s *SQLiteStore) GetFolder(ctx context.Context, id string) (*types.Folder, error) {
	return s.oneFolder(ctx, id, "SELECT * FROM folders WHERE id = ?", id)
}

// GetFolderByPath retrieves a folder by its account and hierarchical path.
func (s *SQLiteStore) GetFolderByPath(ctx context.Context, accountID, path string) (*types.Folder, error) {
	return s.oneFolder(ctx, path, "SELECT * FROM folders WHERE account_id = ? AND path = ?", accountID, path)
}

// GetFolderBySpecialUse retrieves the account folder tagged with a special use.
func (s *SQLiteStore) GetFolderBySpecialUse(ctx context.Context, accountID string, use types.SpecialUse) (*types.Folder, error) {
	return s.oneFolder(ctx, string(use),
		"SELECT * FROM folders WHERE account_id = ? AND special_use = ?", accountID, string(use))
}

func (s *SQLiteStore) oneFolder(ctx context.Context, key, query string, args ...interface{}) (*types.Folder, error) {
	folders, err := s.queryFolders(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(folders) == 0 {
		return nil, &mailerr.NotFoundError{Resource: "folder", Key: key}
	}
	return &folders[0], nil
}

// GetFolders retrieves all folders of an account ordered by path.
func (s *SQLiteStore) GetFolders(ctx context.Context, accountID string) ([]types.Folder, error) {
	return s.queryFolders(ctx, "SELECT * FROM folders WHERE account_id = ? ORDER BY path", accountID)
}

func (s *SQLiteStore) queryFolders(ctx context.Context, query string, args ...interface{}) ([]types.Folder, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying folders: %w", err)
	}
	defer rows.Close()

	var folders []types.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// GetEmail retrieves a single email by ID.
func (s *SQLiteStore) GetEmail(ctx context.Context, id string) (*types.Email, error) {
	emails, err := s.queryEmailRows(ctx, "SELECT * FROM emails WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		return nil, &mailerr.NotFoundError{Resource: "email", Key: id}
	}
	return &emails[0], nil
}

// GetEmailByMessageID retrieves an email by its global message identifier
// within one account folder.
func (s *SQLiteStore) GetEmailByMessageID(ctx context.Context, accountID, folderID, messageID string) (*types.Email, error) {
	emails, err := s.queryEmailRows(ctx,
		"SELECT * FROM emails WHERE account_id = ? AND folder_id = ? AND message_id = ?",
		accountID, folderID, messageID)
	if err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		return nil, &mailerr.NotFoundError{Resource: "email", Key: messageID}
	}
	return &emails[0], nil
}

// QueryEmails retrieves emails matching the provided filter options.
func (s *SQLiteStore) QueryEmails(ctx context.Context, f EmailFilter) ([]types.Email, error) {
	var conditions []string
	var args []interface{}

	if f.AccountID != nil {
		conditions = append(conditions, "account_id = ?")
		args = append(args, *f.AccountID)
	}
	if f.FolderID != nil {
		conditions = append(conditions, "folder_id = ?")
		args = append(args, *f.FolderID)
	}
	if f.Seen != nil {
		conditions = append(conditions, "seen = ?")
		args = append(args, boolToInt(*f.Seen))
	}
	if f.Starred != nil {
		conditions = append(conditions, "starred = ?")
		args = append(args, boolToInt(*f.Starred))
	}
	if f.Query != nil && *f.Query != "" {
		conditions = append(conditions, "(subject LIKE ? OR from_addr LIKE ? OR body_text LIKE ?)")
		q := "%" + *f.Query + "%"
		args = append(args, q, q, q)
	}

	query := "SELECT * FROM emails"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	sortBy := "date"
	allowedSorts := map[string]bool{"date": true, "subject": true, "uid": true}
	if allowedSorts[f.SortBy] {
		sortBy = f.SortBy
	}
	direction := "ASC"
	if f.SortDesc {
		direction = "DESC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortBy, direction)

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	return s.queryEmailRows(ctx, query, args...)
}

func (s *SQLiteStore) queryEmailRows(ctx context.Context, query string, args ...interface{}) ([]types.Email, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying emails: %w", err)
	}
	defer rows.Close()

	var emails []types.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}

// EmailUIDs returns uid -> email id for every email mirrored in a folder.
func (s *SQLiteStore) EmailUIDs(ctx context.Context, folderID string) (map[uint32]string, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT uid, id FROM emails WHERE folder_id = ? AND uid > 0", folderID)
	if err != nil {
		return nil, fmt.Errorf("querying folder uids: %w", err)
	}
	defer rows.Close()

	uids := make(map[uint32]string)
	for rows.Next() {
		var uid uint32
		var id string
		if err := rows.Scan(&uid, &id); err != nil {
			return nil, fmt.Errorf("scanning uid row: %w", err)
		}
		uids[uid] = id
	}
	return uids, rows.Err()
}

// GetAttachment retrieves a single attachment by ID.
func (s *SQLiteStore) GetAttachment(ctx context.Context, id string) (*types.Attachment, error) {
	atts, err := s.queryAttachments(ctx, "SELECT * FROM attachments WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(atts) == 0 {
		return nil, &mailerr.NotFoundError{Resource: "attachment", Key: id}
	}
	return &atts[0], nil
}

// GetAttachments retrieves the attachments of one email.
func (s *SQLiteStore) GetAttachments(ctx context.Context, emailID string) ([]types.Attachment, error) {
	return s.queryAttachments(ctx,
		"SELECT * FROM attachments WHERE email_id = ? ORDER BY filename", emailID)
}

func (s *SQLiteStore) queryAttachments(ctx context.Context, query string, args ...interface{}) ([]types.Attachment, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying attachments: %w", err)
	}
	defer rows.Close()

	var atts []types.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// sqliteTx implements Tx over one sqlx transaction.
type sqliteTx struct {
	ctx context.Context
	tx  *sqlx.Tx
}

// UpsertAccount inserts or updates an account. A missing ID is assigned.
func (t *sqliteTx) UpsertAccount(acc *types.Account) error {
	if acc.ID == "" {
		acc.ID = uuid.New().String()
	}
	if acc.SyncStatus == "" {
		acc.SyncStatus = types.StatusIdle
	}

	var lastSync interface{}
	if acc.LastSyncAt != nil {
		lastSync = acc.LastSyncAt.UTC()
	}

	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO accounts (id, email, imap_host, imap_port, imap_tls, smtp_host, smtp_port, smtp_tls, active, last_sync_at, sync_status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			imap_host = excluded.imap_host,
			imap_port = excluded.imap_port,
			imap_tls = excluded.imap_tls,
			smtp_host = excluded.smtp_host,
			smtp_port = excluded.smtp_port,
			smtp_tls = excluded.smtp_tls,
			active = excluded.active,
			last_sync_at = excluded.last_sync_at,
			sync_status = excluded.sync_status,
			updated_at = CURRENT_TIMESTAMP`,
		acc.ID, acc.Email,
		acc.IMAP.Host, acc.IMAP.Port, boolToInt(acc.IMAP.TLS),
		acc.SMTP.Host, acc.SMTP.Port, boolToInt(acc.SMTP.TLS),
		boolToInt(acc.Active), lastSync, string(acc.SyncStatus),
	)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", acc.ID, err)
	}
	return nil
}

// UpsertFolder inserts or updates a folder keyed by (account, path) so a
// re-listed folder keeps its identity.
func (t *sqliteTx) UpsertFolder(f *types.Folder) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.SpecialUse == "" {
		f.SpecialUse = types.UseCustom
	}

	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO folders (id, account_id, parent_id, name, path, delimiter, special_use, unread_count, total_count, uid_validity, uid_next)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, path) DO UPDATE SET
			parent_id = excluded.parent_id,
			name = excluded.name,
			delimiter = excluded.delimiter,
			special_use = excluded.special_use`,
		f.ID, f.AccountID, f.ParentID, f.Name, f.Path, f.Delimiter,
		string(f.SpecialUse), f.UnreadCount, f.TotalCount,
		uint32Ptr(f.UIDValidity), uint32Ptr(f.UIDNext),
	)
	if err != nil {
		return fmt.Errorf("upserting folder %s: %w", f.Path, err)
	}

	// The conflict path keeps the existing row; read its id back so the
	// caller holds the stable identity.
	var id string
	err = t.tx.GetContext(t.ctx, &id,
		"SELECT id FROM folders WHERE account_id = ? AND path = ?", f.AccountID, f.Path)
	if err != nil {
		return fmt.Errorf("resolving folder id for %s: %w", f.Path, err)
	}
	f.ID = id
	return nil
}

// UpsertEmail inserts or updates an email keyed by its ID.
func (t *sqliteTx) UpsertEmail(e *types.Email) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	toJSON, err := marshalList(e.To)
	if err != nil {
		return err
	}
	ccJSON, err := marshalList(e.Cc)
	if err != nil {
		return err
	}
	bccJSON, err := marshalList(e.Bcc)
	if err != nil {
		return err
	}
	refsJSON, err := marshalList(e.References)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO emails (id, account_id, folder_id, uid, message_id, subject, from_name, from_addr,
			to_addrs, cc_addrs, bcc_addrs, reply_to, body_text, body_html,
			seen, starred, draft, deleted, in_reply_to, refs, has_attachments, date, cached_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			folder_id = excluded.folder_id,
			uid = excluded.uid,
			message_id = excluded.message_id,
			subject = excluded.subject,
			from_name = excluded.from_name,
			from_addr = excluded.from_addr,
			to_addrs = excluded.to_addrs,
			cc_addrs = excluded.cc_addrs,
			bcc_addrs = excluded.bcc_addrs,
			reply_to = excluded.reply_to,
			body_text = excluded.body_text,
			body_html = excluded.body_html,
			seen = excluded.seen,
			starred = excluded.starred,
			draft = excluded.draft,
			deleted = excluded.deleted,
			in_reply_to = excluded.in_reply_to,
			refs = excluded.refs,
			has_attachments = excluded.has_attachments,
			date = excluded.date,
			cached_at = CURRENT_TIMESTAMP`,
		e.ID, e.AccountID, e.FolderID, e.UID, e.MessageID, e.Subject, e.FromName, e.FromAddr,
		toJSON, ccJSON, bccJSON, e.ReplyTo, e.BodyText, e.BodyHTML,
		boolToInt(e.Seen), boolToInt(e.Starred), boolToInt(e.Draft), boolToInt(e.Deleted),
		e.InReplyTo, refsJSON, boolToInt(e.HasAttach), e.Date.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting email %s: %w", e.ID, err)
	}
	return nil
}

// UpsertAttachment inserts or updates an attachment keyed by its ID.
func (t *sqliteTx) UpsertAttachment(a *types.Attachment) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO attachments (id, email_id, filename, mime_type, size, content_id, inline, downloaded, local_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filename = excluded.filename,
			mime_type = excluded.mime_type,
			size = excluded.size,
			content_id = excluded.content_id,
			inline = excluded.inline,
			downloaded = excluded.downloaded,
			local_path = excluded.local_path`,
		a.ID, a.EmailID, a.Filename, a.MimeType, a.Size, a.ContentID,
		boolToInt(a.Inline), boolToInt(a.Downloaded), a.LocalPath,
	)
	if err != nil {
		return fmt.Errorf("upserting attachment %s: %w", a.ID, err)
	}
	return nil
}

// DeleteAccount removes an account and cascades, explicitly and in order,
// over its attachments, emails, folders, and finally the account row.
func (t *sqliteTx) DeleteAccount(id string) ([]string, error) {
	emailIDs, err := t.collectIDs(
		"SELECT id FROM emails WHERE account_id = ?", id)
	if err != nil {
		return nil, err
	}

	if err := t.deleteEmailSet(emailIDs); err != nil {
		return nil, err
	}
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM folders WHERE account_id = ?", id); err != nil {
		return nil, fmt.Errorf("deleting folders of account %s: %w", id, err)
	}
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM accounts WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("deleting account %s: %w", id, err)
	}
	return emailIDs, nil
}

// DeleteFolder removes a folder and its subtree along with every email and
// attachment contained in any folder of the subtree.
func (t *sqliteTx) DeleteFolder(id string) ([]string, error) {
	const subtree = `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM folders WHERE id = ?
			UNION ALL
			SELECT f.id FROM folders f JOIN subtree s ON f.parent_id = s.id
		)`

	emailIDs, err := t.collectIDs(
		subtree+" SELECT id FROM emails WHERE folder_id IN (SELECT id FROM subtree)", id)
	if err != nil {
		return nil, err
	}

	if err := t.deleteEmailSet(emailIDs); err != nil {
		return nil, err
	}
	_, err = t.tx.ExecContext(t.ctx,
		subtree+" DELETE FROM folders WHERE id IN (SELECT id FROM subtree)", id)
	if err != nil {
		return nil, fmt.Errorf("deleting folder subtree %s: %w", id, err)
	}
	return emailIDs, nil
}

// DeleteEmail removes one email and its attachments.
func (t *sqliteTx) DeleteEmail(id string) error {
	return t.deleteEmailSet([]string{id})
}

// DeleteEmailsInFolder removes every email mirrored in one folder.
func (t *sqliteTx) DeleteEmailsInFolder(folderID string) ([]string, error) {
	emailIDs, err := t.collectIDs(
		"SELECT id FROM emails WHERE folder_id = ?", folderID)
	if err != nil {
		return nil, err
	}
	if err := t.deleteEmailSet(emailIDs); err != nil {
		return nil, err
	}
	return emailIDs, nil
}

// SetEmailFolder reassigns an email to a folder.
func (t *sqliteTx) SetEmailFolder(emailID, folderID string, uid uint32) error {
	res, err := t.tx.ExecContext(t.ctx,
		"UPDATE emails SET folder_id = NULLIF(?, ''), uid = ? WHERE id = ?",
		folderID, uid, emailID)
	if err != nil {
		return fmt.Errorf("reassigning email %s: %w", emailID, err)
	}
	return requireRow(res, "email", emailID)
}

// SetEmailFlags updates the flag set of one email.
func (t *sqliteTx) SetEmailFlags(emailID string, flags types.Flags) error {
	res, err := t.tx.ExecContext(t.ctx,
		"UPDATE emails SET seen = ?, starred = ?, draft = ?, deleted = ? WHERE id = ?",
		boolToInt(flags.Seen), boolToInt(flags.Starred), boolToInt(flags.Draft), boolToInt(flags.Deleted),
		emailID)
	if err != nil {
		return fmt.Errorf("setting flags on email %s: %w", emailID, err)
	}
	return requireRow(res, "email", emailID)
}

// SetFolderWatermark records the server-issued watermarks for a folder.
func (t *sqliteTx) SetFolderWatermark(folderID string, validity, next uint32) error {
	res, err := t.tx.ExecContext(t.ctx,
		"UPDATE folders SET uid_validity = ?, uid_next = ? WHERE id = ?",
		validity, next, folderID)
	if err != nil {
		return fmt.Errorf("setting watermark on folder %s: %w", folderID, err)
	}
	return requireRow(res, "folder", folderID)
}

// RecomputeFolderCounters rebuilds the unread/total counters from the mirror.
func (t *sqliteTx) RecomputeFolderCounters(folderID string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		UPDATE folders SET
			total_count = (SELECT COUNT(*) FROM emails WHERE folder_id = folders.id),
			unread_count = (SELECT COUNT(*) FROM emails WHERE folder_id = folders.id AND seen = 0)
		WHERE id = ?`, folderID)
	if err != nil {
		return fmt.Errorf("recomputing counters for folder %s: %w", folderID, err)
	}
	return nil
}

// SetAccountSyncState updates the sync status and optionally the last-sync
// timestamp of an account.
func (t *sqliteTx) SetAccountSyncState(accountID string, st types.SyncStatus, lastSync *time.Time) error {
	var err error
	if lastSync != nil {
		_, err = t.tx.ExecContext(t.ctx,
			"UPDATE accounts SET sync_status = ?, last_sync_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			string(st), lastSync.UTC(), accountID)
	} else {
		_, err = t.tx.ExecContext(t.ctx,
			"UPDATE accounts SET sync_status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			string(st), accountID)
	}
	if err != nil {
		return fmt.Errorf("setting sync state on account %s: %w", accountID, err)
	}
	return nil
}

// MarkAttachmentDownloaded records the local cache path of a downloaded
// attachment payload.
func (t *sqliteTx) MarkAttachmentDownloaded(attachmentID, localPath string) error {
	res, err := t.tx.ExecContext(t.ctx,
		"UPDATE attachments SET downloaded = 1, local_path = ? WHERE id = ?",
		localPath, attachmentID)
	if err != nil {
		return fmt.Errorf("marking attachment %s downloaded: %w", attachmentID, err)
	}
	return requireRow(res, "attachment", attachmentID)
}

func (t *sqliteTx) collectIDs(query string, args ...interface{}) ([]string, error) {
	rows, err := t.tx.QueryxContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("collecting ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *sqliteTx) deleteEmailSet(emailIDs []string) error {
	if len(emailIDs) == 0 {
		return nil
	}
	for _, chunk := range chunkStrings(emailIDs, 500) {
		query, args, err := sqlx.In("DELETE FROM attachments WHERE email_id IN (?)", chunk)
		if err != nil {
			return fmt.Errorf("building attachment delete: %w", err)
		}
		if _, err := t.tx.ExecContext(t.ctx, query, args...); err != nil {
			return fmt.Errorf("deleting attachments: %w", err)
		}

		query, args, err = sqlx.In("DELETE FROM emails WHERE id IN (?)", chunk)
		if err != nil {
			return fmt.Errorf("building email delete: %w", err)
		}
		if _, err := t.tx.ExecContext(t.ctx, query, args...); err != nil {
			return fmt.Errorf("deleting emails: %w", err)
		}
	}
	return nil
}

func scanAccount(rows *sqlx.Rows) (types.Account, error) {
	var (
		acc                types.Account
		imapTLS, smtpTLS   int
		active             int
		lastSync           sql.NullTime
		syncStatus         string
		createdAt, updated time.Time
	)
	err := rows.Scan(
		&acc.ID, &acc.Email,
		&acc.IMAP.Host, &acc.IMAP.Port, &imapTLS,
		&acc.SMTP.Host, &acc.SMTP.Port, &smtpTLS,
		&active, &lastSync, &syncStatus,
		&createdAt, &updated,
	)
	if err != nil {
		return types.Account{}, fmt.Errorf("scanning account row: %w", err)
	}
	acc.IMAP.TLS = imapTLS != 0
	acc.SMTP.TLS = smtpTLS != 0
	acc.Active = active != 0
	acc.SyncStatus = types.SyncStatus(syncStatus)
	if lastSync.Valid {
		t := lastSync.Time
		acc.LastSyncAt = &t
	}
	return acc, nil
}

func scanFolder(rows *sqlx.Rows) (types.Folder, error) {
	var (
		f                types.Folder
		parentID         sql.NullString
		specialUse       string
		validity, uidNxt sql.NullInt64
	)
	err := rows.Scan(
		&f.ID, &f.AccountID, &parentID, &f.Name, &f.Path, &f.Delimiter,
		&specialUse, &f.UnreadCount, &f.TotalCount, &validity, &uidNxt,
	)
	if err != nil {
		return types.Folder{}, fmt.Errorf("scanning folder row: %w", err)
	}
	f.ParentID = parentID.String
	f.SpecialUse = types.SpecialUse(specialUse)
	if validity.Valid {
		v := uint32(validity.Int64)
		f.UIDValidity = &v
	}
	if uidNxt.Valid {
		v := uint32(uidNxt.Int64)
		f.UIDNext = &v
	}
	return f, nil
}

func scanEmail(rows *sqlx.Rows) (types.Email, error) {
	var (
		e                            types.Email
		folderID                     sql.NullString
		toJSON, ccJSON, bccJSON      string
		refsJSON                     string
		seen, starred, draft, delFlg int
		hasAtt                       int
		date                         time.Time
		cachedAt                     time.Time
	)
	err := rows.Scan(
		&e.ID, &e.AccountID, &folderID, &e.UID, &e.MessageID, &e.Subject, &e.FromName, &e.FromAddr,
		&toJSON, &ccJSON, &bccJSON, &e.ReplyTo, &e.BodyText, &e.BodyHTML,
		&seen, &starred, &draft, &delFlg, &e.InReplyTo, &refsJSON, &hasAtt, &date, &cachedAt,
	)
	if err != nil {
		return types.Email{}, fmt.Errorf("scanning email row: %w", err)
	}
	e.FolderID = folderID.String
	e.Seen = seen != 0
	e.Starred = starred != 0
	e.Draft = draft != 0
	e.Deleted = delFlg != 0
	e.HasAttach = hasAtt != 0
	e.Date = date
	if err := unmarshalList(toJSON, &e.To); err != nil {
		return types.Email{}, err
	}
	if err := unmarshalList(ccJSON, &e.Cc); err != nil {
		return types.Email{}, err
	}
	if err := unmarshalList(bccJSON, &e.Bcc); err != nil {
		return types.Email{}, err
	}
	if err := unmarshalList(refsJSON, &e.References); err != nil {
		return types.Email{}, err
	}
	return e, nil
}

func scanAttachment(rows *sqlx.Rows) (types.Attachment, error) {
	var (
		a                  types.Attachment
		inline, downloaded int
	)
	err := rows.Scan(
		&a.ID, &a.EmailID, &a.Filename, &a.MimeType, &a.Size,
		&a.ContentID, &inline, &downloaded, &a.LocalPath,
	)
	if err != nil {
		return types.Attachment{}, fmt.Errorf("scanning attachment row: %w", err)
	}
	a.Inline = inline != 0
	a.Downloaded = downloaded != 0
	return a, nil
}

func marshalList(list []string) (string, error) {
	if len(list) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("marshaling address list: %w", err)
	}
	return string(b), nil
}

func unmarshalList(s string, out *[]string) error {
	if s == "" || s == "[]" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("unmarshaling address list: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, resource, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return &mailerr.NotFoundError{Resource: resource, Key: key}
	}
	return nil
}

func uint32Ptr(v *uint32) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func chunkStrings(items []string, size int) [][]string {
	var chunks [][]string
	for len(items) > size {
		chunks = append(chunks, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		chunks = append(chunks, items)
	}
	return chunks
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
