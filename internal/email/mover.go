package email

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/blevin/mailmirror/internal/store"
	"github.com/blevin/mailmirror/pkg/types"
)

// RemoteMutator is the slice of the retrieval connection that mutates
// server-side state.
type RemoteMutator interface {
	MoveMessages(ctx context.Context, path string, uids []uint32, destPath string) error
	StoreFlags(ctx context.Context, path string, uid uint32, flags types.Flags) error
}

// Applier pushes local move and flag intents to the server and commits them
// to the mirror only once the server confirms. A rejected or failed remote
// command rolls the local change back, so the mirror never claims a state
// the server refused.
type Applier struct {
	store  store.Store
	remote RemoteMutator
	logger *logrus.Logger
}

// NewApplier creates an applier for one account's retrieval connection
func NewApplier(st store.Store, remote RemoteMutator, logger *logrus.Logger) *Applier {
	return &Applier{store: st, remote: remote, logger: logger}
}

// Move relocates emails into dest, remotely and in the mirror. Emails may
// come from several source folders; each source folder is moved as one batch.
// The moved emails lose their sequence numbers until the destination folder
// is next reconciled.
func (a *Applier) Move(ctx context.Context, emails []*types.Email, dest *types.Folder) error {
	bySource := make(map[string][]*types.Email)
	for _, e := range emails {
		if e.FolderID == dest.ID {
			continue
		}
		bySource[e.FolderID] = append(bySource[e.FolderID], e)
	}

	for sourceID, batch := range bySource {
		source, err := a.store.GetFolder(ctx, sourceID)
		if err != nil {
			return err
		}

		uids := make([]uint32, 0, len(batch))
		for _, e := range batch {
			if e.UID > 0 {
				uids = append(uids, e.UID)
			}
		}

		err = a.store.WithTx(ctx, func(tx store.Tx) error {
			for _, e := range batch {
				if err := tx.SetEmailFolder(e.ID, dest.ID, 0); err != nil {
					return err
				}
			}
			// The remote command runs before the commit: if the server
			// rejects the move, the transaction rolls back and the local
			// folder assignments stay untouched.
			if err := a.remote.MoveMessages(ctx, source.Path, uids, dest.Path); err != nil {
				return err
			}
			if err := tx.RecomputeFolderCounters(sourceID); err != nil {
				return err
			}
			return tx.RecomputeFolderCounters(dest.ID)
		})
		if err != nil {
			return err
		}

		for _, e := range batch {
			e.FolderID = dest.ID
			e.UID = 0
		}
		a.logger.WithFields(logrus.Fields{
			"from":  source.Path,
			"to":    dest.Path,
			"count": len(batch),
		}).Info("Moved messages")
	}
	return nil
}

// SetFlags replaces an email's flag set, remotely and in the mirror
func (a *Applier) SetFlags(ctx context.Context, e *types.Email, flags types.Flags) error {
	folder, err := a.store.GetFolder(ctx, e.FolderID)
	if err != nil {
		return err
	}

	err = a.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.SetEmailFlags(e.ID, flags); err != nil {
			return err
		}
		if e.UID > 0 {
			if err := a.remote.StoreFlags(ctx, folder.Path, e.UID, flags); err != nil {
				return err
			}
		}
		return tx.RecomputeFolderCounters(e.FolderID)
	})
	if err != nil {
		return err
	}

	e.Seen = flags.Seen
	e.Starred = flags.Starred
	e.Draft = flags.Draft
	e.Deleted = flags.Deleted
	return nil
}
