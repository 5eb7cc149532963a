package email

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blevin/mailmirror/internal/mailerr"
	"github.com/blevin/mailmirror/internal/status"
	"github.com/blevin/mailmirror/internal/store"
	"github.com/blevin/mailmirror/pkg/types"
)

// fakeFetcher writes scripted bytes in chunks, reporting progress. delay and
// fail make it slow or broken.
type fakeFetcher struct {
	content []byte
	delay   time.Duration
	fail    error
	calls   atomic.Int32
}

func (f *fakeFetcher) FetchAttachment(ctx context.Context, _ string, _ uint32, _ *types.Attachment, dst io.Writer, progress func(done, total int64)) error {
	f.calls.Add(1)
	if f.fail != nil {
		return f.fail
	}
	total := int64(len(f.content))
	half := len(f.content) / 2
	for _, chunk := range [][]byte{f.content[:half], f.content[half:]} {
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := dst.Write(chunk); err != nil {
			return err
		}
		if progress != nil {
			progress(int64(half), total)
		}
	}
	return nil
}

type attachmentFixture struct {
	store *store.SQLiteStore
	coord *Coordinator
	reg   *status.Registry
	email *types.Email
	att   *types.Attachment
	root  string
}

func newAttachmentFixture(t *testing.T, fetcher AttachmentFetcher) *attachmentFixture {
	t.Helper()
	s := newTestStore(t)
	acc := seedAccount(t, s)

	folder := &types.Folder{AccountID: acc.ID, Name: "INBOX", Path: "INBOX", Delimiter: "/"}
	e := &types.Email{AccountID: acc.ID, UID: 42, Subject: "with file", Date: time.Now()}
	att := &types.Attachment{Filename: "report.pdf", MimeType: "application/pdf", Size: 8}
	require.NoError(t, s.WithTx(context.Background(), func(tx store.Tx) error {
		if err := tx.UpsertFolder(folder); err != nil {
			return err
		}
		e.FolderID = folder.ID
		if err := tx.UpsertEmail(e); err != nil {
			return err
		}
		att.EmailID = e.ID
		return tx.UpsertAttachment(att)
	}))

	root := filepath.Join(t.TempDir(), "cache")
	reg := status.NewRegistry()
	return &attachmentFixture{
		store: s,
		coord: NewCoordinator(root, fetcher, s, reg, testLogger()),
		reg:   reg,
		email: e,
		att:   att,
		root:  root,
	}
}

func TestDownloadWritesAtomically(t *testing.T) {
	fetcher := &fakeFetcher{content: []byte("pdf-bytes")}
	fx := newAttachmentFixture(t, fetcher)

	path, err := fx.coord.Download(context.Background(), fx.att, fx.email)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fx.root, fx.email.ID, "report.pdf"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "pdf-bytes", string(data))

	// No temp file lingers and the mirror row records the download.
	_, err = os.Stat(path + ".part")
	assert.True(t, errors.Is(err, os.ErrNotExist))
	got, err := fx.store.GetAttachment(context.Background(), fx.att.ID)
	require.NoError(t, err)
	assert.True(t, got.Downloaded)
	assert.Equal(t, path, got.LocalPath)

	assert.Equal(t, DownloadComplete, fx.coord.State(fx.att.ID))
	p, ok := fx.reg.Attachment(fx.att.ID)
	require.True(t, ok)
	assert.True(t, p.Complete)
}

func TestDownloadAlreadyCachedSkipsTransfer(t *testing.T) {
	fetcher := &fakeFetcher{content: []byte("pdf-bytes")}
	fx := newAttachmentFixture(t, fetcher)

	first, err := fx.coord.Download(context.Background(), fx.att, fx.email)
	require.NoError(t, err)
	second, err := fx.coord.Download(context.Background(), fx.att, fx.email)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestDownloadRefetchesWhenCacheFileLost(t *testing.T) {
	fetcher := &fakeFetcher{content: []byte("pdf-bytes")}
	fx := newAttachmentFixture(t, fetcher)

	path, err := fx.coord.Download(context.Background(), fx.att, fx.email)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	again, err := fx.coord.Download(context.Background(), fx.att, fx.email)
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestConcurrentDownloadsShareOneTransfer(t *testing.T) {
	fetcher := &fakeFetcher{content: []byte("pdf-bytes"), delay: 20 * time.Millisecond}
	fx := newAttachmentFixture(t, fetcher)

	var wg sync.WaitGroup
	paths := make([]string, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := fx.coord.Download(context.Background(), fx.att, fx.email)
			assert.NoError(t, err)
			paths[i] = p
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), fetcher.calls.Load())
	for _, p := range paths {
		assert.Equal(t, paths[0], p)
	}
}

func TestCancelledDownloadResets(t *testing.T) {
	fetcher := &fakeFetcher{content: []byte("pdf-bytes"), delay: 50 * time.Millisecond}
	fx := newAttachmentFixture(t, fetcher)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := fx.coord.Download(ctx, fx.att, fx.email)
	require.Error(t, err)

	// No partial file, lifecycle back at not-started, progress cleared.
	_, statErr := os.Stat(filepath.Join(fx.root, fx.email.ID, "report.pdf.part"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
	assert.Equal(t, DownloadNotStarted, fx.coord.State(fx.att.ID))
	_, ok := fx.reg.Attachment(fx.att.ID)
	assert.False(t, ok)

	// A fresh request starts a fresh transfer.
	path, err := fx.coord.Download(context.Background(), fx.att, fx.email)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestFailedDownloadRecordsReason(t *testing.T) {
	fetcher := &fakeFetcher{fail: &mailerr.ConnectionError{Op: "fetch body", Err: errors.New("reset")}}
	fx := newAttachmentFixture(t, fetcher)

	_, err := fx.coord.Download(context.Background(), fx.att, fx.email)
	require.Error(t, err)
	assert.Equal(t, DownloadFailed, fx.coord.State(fx.att.ID))

	p, ok := fx.reg.Attachment(fx.att.ID)
	require.True(t, ok)
	assert.NotEmpty(t, p.Error)
}

func TestCleanupAndCacheSize(t *testing.T) {
	fetcher := &fakeFetcher{content: []byte("pdf-bytes")}
	fx := newAttachmentFixture(t, fetcher)

	_, err := fx.coord.Download(context.Background(), fx.att, fx.email)
	require.NoError(t, err)

	size, err := fx.coord.CacheSize()
	require.NoError(t, err)
	assert.Equal(t, int64(len("pdf-bytes")), size)

	require.NoError(t, fx.coord.Cleanup(fx.email.ID))
	size, err = fx.coord.CacheSize()
	require.NoError(t, err)
	assert.Zero(t, size)

	require.NoError(t, fx.coord.ClearAll())
	_, err = os.Stat(fx.root)
	assert.NoError(t, err)
}
