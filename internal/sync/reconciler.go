package sync

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blevin/mailmirror/internal/email"
	"github.com/blevin/mailmirror/internal/status"
	"github.com/blevin/mailmirror/internal/store"
	"github.com/blevin/mailmirror/pkg/types"
)

// Mailbox is the slice of the retrieval connection the reconciler drives
type Mailbox interface {
	ListFolders(ctx context.Context) ([]email.FolderInfo, error)
	GetFolderStatus(ctx context.Context, path string) (*email.FolderStatus, error)
	FetchRange(ctx context.Context, path string, fromUID, toUID uint32, accountID, folderID string) ([]*email.FetchedMessage, error)
	FetchFlags(ctx context.Context, path string) (map[uint32][]string, error)
}

// PayloadCache purges cached attachment payloads of emails that leave the
// mirror.
type PayloadCache interface {
	Cleanup(emailID string) error
}

// Reconciler drives the mirror toward the server's state, one folder at a
// time. The server is authoritative: local rows exist only to mirror it.
type Reconciler struct {
	store    store.Store
	registry *status.Registry
	cache    PayloadCache
	logger   *logrus.Logger
}

// NewReconciler creates a reconciler. cache may be nil when no attachment
// payloads are cached.
func NewReconciler(st store.Store, registry *status.Registry, cache PayloadCache, logger *logrus.Logger) *Reconciler {
	return &Reconciler{store: st, registry: registry, cache: cache, logger: logger}
}

// SyncAccount reconciles the folder tree and every folder of one account.
// The account's sync status is published while the pass runs and recorded,
// with the completion time, when it ends.
func (r *Reconciler) SyncAccount(ctx context.Context, acct *types.Account, mbox Mailbox) error {
	r.registry.SetAccount(acct.ID, types.StatusSyncing, "")

	err := r.syncAccount(ctx, acct, mbox)
	if err != nil {
		r.registry.SetAccount(acct.ID, types.StatusError, err.Error())
		if txErr := r.store.WithTx(ctx, func(tx store.Tx) error {
			return tx.SetAccountSyncState(acct.ID, types.StatusError, acct.LastSyncAt)
		}); txErr != nil {
			r.logger.WithError(txErr).WithField("account", acct.ID).Error("Failed to record sync error")
		}
		return err
	}

	now := time.Now().UTC()
	acct.LastSyncAt = &now
	acct.SyncStatus = types.StatusIdle
	if err := r.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.SetAccountSyncState(acct.ID, types.StatusIdle, &now)
	}); err != nil {
		return err
	}
	r.registry.SetAccount(acct.ID, types.StatusIdle, "")
	return nil
}

func (r *Reconciler) syncAccount(ctx context.Context, acct *types.Account, mbox Mailbox) error {
	if err := r.syncFolderTree(ctx, acct, mbox); err != nil {
		return err
	}

	folders, err := r.store.GetFolders(ctx, acct.ID)
	if err != nil {
		return err
	}
	for i := range folders {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.SyncFolder(ctx, acct, &folders[i], mbox); err != nil {
			return err
		}
	}
	return nil
}

// syncFolderTree mirrors the remote mailbox list: new mailboxes gain local
// folders, vanished ones are dropped with their mirrored contents. Parents
// are resolved by path so a child always finds its parent row.
func (r *Reconciler) syncFolderTree(ctx context.Context, acct *types.Account, mbox Mailbox) error {
	infos, err := mbox.ListFolders(ctx)
	if err != nil {
		return err
	}

	// Parents sort before their children.
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })

	existing, err := r.store.GetFolders(ctx, acct.ID)
	if err != nil {
		return err
	}
	remotePaths := make(map[string]bool, len(infos))
	for _, info := range infos {
		remotePaths[info.Path] = true
	}

	var removedEmails []string
	err = r.store.WithTx(ctx, func(tx store.Tx) error {
		idByPath := make(map[string]string, len(infos))
		for _, info := range infos {
			f := &types.Folder{
				AccountID:  acct.ID,
				Name:       info.Name,
				Path:       info.Path,
				Delimiter:  info.Delimiter,
				SpecialUse: info.SpecialUse,
			}
			if info.Delimiter != "" {
				if i := strings.LastIndex(info.Path, info.Delimiter); i > 0 {
					f.ParentID = idByPath[info.Path[:i]]
				}
			}
			if err := tx.UpsertFolder(f); err != nil {
				return err
			}
			idByPath[info.Path] = f.ID
		}

		for _, f := range existing {
			if remotePaths[f.Path] {
				continue
			}
			ids, err := tx.DeleteFolder(f.ID)
			if err != nil {
				return err
			}
			removedEmails = append(removedEmails, ids...)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.purgePayloads(removedEmails)
	return nil
}

// SyncFolder reconciles one folder against the server.
//
// A changed validity epoch invalidates every cached sequence number, so the
// folder's contents are rebuilt from scratch. Under an unchanged epoch only
// messages at or past the stored next-sequence watermark are fetched, while
// the flags of already-mirrored messages are refreshed in place; a known
// sequence number the server no longer reports has been expunged.
func (r *Reconciler) SyncFolder(ctx context.Context, acct *types.Account, folder *types.Folder, mbox Mailbox) error {
	st, err := mbox.GetFolderStatus(ctx, folder.Path)
	if err != nil {
		return err
	}

	full := folder.UIDValidity == nil || folder.UIDNext == nil || *folder.UIDValidity != st.UIDValidity

	var fetched []*email.FetchedMessage
	if full {
		fetched, err = mbox.FetchRange(ctx, folder.Path, 1, st.UIDNext, acct.ID, folder.ID)
	} else if st.UIDNext > *folder.UIDNext {
		fetched, err = mbox.FetchRange(ctx, folder.Path, *folder.UIDNext, st.UIDNext, acct.ID, folder.ID)
	}
	if err != nil {
		return err
	}

	var remoteFlags map[uint32][]string
	var known map[uint32]string
	if !full {
		remoteFlags, err = mbox.FetchFlags(ctx, folder.Path)
		if err != nil {
			return err
		}
		known, err = r.store.EmailUIDs(ctx, folder.ID)
		if err != nil {
			return err
		}
	}

	// Locally mirrored copies without a sequence number yet (e.g. a sent
	// copy recorded before the server assigned one) are adopted by the
	// incoming fetch instead of duplicated.
	provisional := make(map[string]string)
	if len(fetched) > 0 && !full {
		locals, err := r.store.QueryEmails(ctx, store.EmailFilter{FolderID: &folder.ID})
		if err != nil {
			return err
		}
		for _, l := range locals {
			if l.UID == 0 && l.MessageID != "" {
				provisional[l.MessageID] = l.ID
			}
		}
	}

	var removedEmails []string
	err = r.store.WithTx(ctx, func(tx store.Tx) error {
		if full {
			ids, err := tx.DeleteEmailsInFolder(folder.ID)
			if err != nil {
				return err
			}
			removedEmails = ids
		}

		for _, fm := range fetched {
			if id, ok := provisional[fm.Email.MessageID]; ok && fm.Email.MessageID != "" {
				if err := tx.SetEmailFolder(id, folder.ID, fm.Email.UID); err != nil {
					return err
				}
				continue
			}
			if err := tx.UpsertEmail(fm.Email); err != nil {
				return err
			}
			for _, att := range fm.Attachments {
				if err := tx.UpsertAttachment(att); err != nil {
					return err
				}
			}
		}

		if !full {
			for uid, emailID := range known {
				if uid == 0 {
					// No sequence number assigned yet, so the server's
					// listing says nothing about this copy.
					continue
				}
				flags, ok := remoteFlags[uid]
				if !ok {
					if err := tx.DeleteEmail(emailID); err != nil {
						return err
					}
					removedEmails = append(removedEmails, emailID)
					continue
				}
				if err := tx.SetEmailFlags(emailID, flagsFromRemote(flags)); err != nil {
					return err
				}
			}
		}

		if err := tx.SetFolderWatermark(folder.ID, st.UIDValidity, st.UIDNext); err != nil {
			return err
		}
		return tx.RecomputeFolderCounters(folder.ID)
	})
	if err != nil {
		return err
	}

	r.purgePayloads(removedEmails)

	validity, next := st.UIDValidity, st.UIDNext
	folder.UIDValidity = &validity
	folder.UIDNext = &next

	r.logger.WithFields(logrus.Fields{
		"account": acct.ID,
		"folder":  folder.Path,
		"full":    full,
		"fetched": len(fetched),
		"removed": len(removedEmails),
	}).Debug("Folder reconciled")
	return nil
}

func (r *Reconciler) purgePayloads(emailIDs []string) {
	if r.cache == nil {
		return
	}
	for _, id := range emailIDs {
		if err := r.cache.Cleanup(id); err != nil {
			r.logger.WithError(err).WithField("email", id).Warn("Failed to purge cached attachments")
		}
	}
}

func flagsFromRemote(flags []string) types.Flags {
	var f types.Flags
	for _, fl := range flags {
		switch fl {
		case "\\Seen":
			f.Seen = true
		case "\\Flagged":
			f.Starred = true
		case "\\Draft":
			f.Draft = true
		case "\\Deleted":
			f.Deleted = true
		}
	}
	return f
}
