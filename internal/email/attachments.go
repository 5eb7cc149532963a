package email

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/blevin/mailmirror/internal/status"
	"github.com/blevin/mailmirror/internal/store"
	"github.com/blevin/mailmirror/pkg/types"
)

// DownloadState is the lifecycle of one attachment transfer
type DownloadState string

const (
	DownloadNotStarted DownloadState = "not-started"
	DownloadInProgress DownloadState = "in-progress"
	DownloadComplete   DownloadState = "complete"
	DownloadFailed     DownloadState = "failed"
)

// AttachmentFetcher is the slice of the retrieval connection the coordinator
// needs to pull attachment bytes.
type AttachmentFetcher interface {
	FetchAttachment(ctx context.Context, folderPath string, uid uint32, att *types.Attachment, dst io.Writer, progress func(done, total int64)) error
}

// Coordinator manages attachment payload transfers for one account.
//
// Payloads land under cacheRoot/<email id>/<filename>. A file appears there
// only once it is complete: bytes stream into a temp file that is renamed
// into place after a successful transfer, so the cache never holds a
// half-written payload under its final name. Concurrent requests for the
// same attachment share a single transfer.
type Coordinator struct {
	cacheRoot string
	fetcher   AttachmentFetcher
	store     store.Store
	registry  *status.Registry
	logger    *logrus.Logger

	mu       sync.Mutex
	inflight map[string]*transfer
	states   map[string]DownloadState
}

type transfer struct {
	done chan struct{}
	path string
	err  error
}

// NewCoordinator creates an attachment coordinator rooted at cacheRoot
func NewCoordinator(cacheRoot string, fetcher AttachmentFetcher, st store.Store, registry *status.Registry, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		cacheRoot: cacheRoot,
		fetcher:   fetcher,
		store:     st,
		registry:  registry,
		logger:    logger,
		inflight:  make(map[string]*transfer),
		states:    make(map[string]DownloadState),
	}
}

// State reports the transfer lifecycle of one attachment
func (c *Coordinator) State(attachmentID string) DownloadState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[attachmentID]; ok {
		return DownloadInProgress
	}
	if st, ok := c.states[attachmentID]; ok {
		return st
	}
	return DownloadNotStarted
}

// Download fetches an attachment's payload into the cache and returns the
// local path. An already-cached payload is returned without a transfer; a
// cached payload whose file has gone missing is fetched again. A second
// caller for an attachment already being transferred waits for that transfer
// instead of starting its own.
func (c *Coordinator) Download(ctx context.Context, att *types.Attachment, owner *types.Email) (string, error) {
	c.mu.Lock()
	if att.Downloaded && att.LocalPath != "" {
		if _, err := os.Stat(att.LocalPath); err == nil {
			c.states[att.ID] = DownloadComplete
			path := att.LocalPath
			c.mu.Unlock()
			return path, nil
		}
	}
	if tr, ok := c.inflight[att.ID]; ok {
		c.mu.Unlock()
		select {
		case <-tr.done:
			return tr.path, tr.err
		case <-ctx.Done():
			// The joiner gives up; the original transfer keeps running.
			return "", ctx.Err()
		}
	}
	tr := &transfer{done: make(chan struct{})}
	c.inflight[att.ID] = tr
	c.states[att.ID] = DownloadInProgress
	c.mu.Unlock()

	path, err := c.download(ctx, att, owner)

	c.mu.Lock()
	delete(c.inflight, att.ID)
	switch {
	case err == nil:
		c.states[att.ID] = DownloadComplete
		att.Downloaded = true
		att.LocalPath = path
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// A cancelled transfer resets; it was never attempted as far as the
		// lifecycle is concerned.
		delete(c.states, att.ID)
	default:
		c.states[att.ID] = DownloadFailed
	}
	c.mu.Unlock()

	tr.path, tr.err = path, err
	close(tr.done)
	return path, err
}

func (c *Coordinator) download(ctx context.Context, att *types.Attachment, owner *types.Email) (string, error) {
	folder, err := c.store.GetFolder(ctx, owner.FolderID)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(c.cacheRoot, owner.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	name := filepath.Base(att.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = att.ID
	}
	final := filepath.Join(dir, name)
	tmp := final + ".part"

	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}

	c.registry.SetAttachment(att.ID, 0, false, "")
	fetchErr := c.fetcher.FetchAttachment(ctx, folder.Path, owner.UID, att, f, func(done, total int64) {
		if total > 0 {
			c.registry.SetAttachment(att.ID, float64(done)/float64(total), false, "")
		}
	})
	closeErr := f.Close()
	if fetchErr == nil {
		fetchErr = closeErr
	}
	if fetchErr != nil {
		os.Remove(tmp) //nolint:errcheck
		if errors.Is(fetchErr, context.Canceled) || errors.Is(fetchErr, context.DeadlineExceeded) {
			c.registry.ClearAttachment(att.ID)
		} else {
			c.registry.SetAttachment(att.ID, 0, false, fetchErr.Error())
			c.logger.WithError(fetchErr).WithField("attachment", att.ID).Error("Attachment download failed")
		}
		return "", fetchErr
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return "", err
	}

	err = c.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.MarkAttachmentDownloaded(att.ID, final)
	})
	if err != nil {
		return "", err
	}

	c.registry.SetAttachment(att.ID, 1, true, "")
	return final, nil
}

// Cleanup removes all cached payloads belonging to one email
func (c *Coordinator) Cleanup(emailID string) error {
	return os.RemoveAll(filepath.Join(c.cacheRoot, emailID))
}

// ClearAll empties the attachment cache
func (c *Coordinator) ClearAll() error {
	if err := os.RemoveAll(c.cacheRoot); err != nil {
		return err
	}
	c.mu.Lock()
	c.states = make(map[string]DownloadState)
	c.mu.Unlock()
	return os.MkdirAll(c.cacheRoot, 0o755)
}

// CacheSize reports the total bytes held in the attachment cache
func (c *Coordinator) CacheSize() (int64, error) {
	var total int64
	err := filepath.WalkDir(c.cacheRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}
