package credential

import (
	"errors"
	"sync"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blevin/mailmirror/internal/mailerr"
)

func newTestResolver() *Resolver {
	return NewResolverWithKeyring(keyring.NewArrayKeyring(nil))
}

func TestSaveGetDelete(t *testing.T) {
	r := newTestResolver()

	require.NoError(t, r.Save("acct-1", "hunter2"))

	secret, err := r.Get("acct-1")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)

	require.NoError(t, r.Delete("acct-1"))

	_, err = r.Get("acct-1")
	assert.True(t, mailerr.IsNotFound(err))
}

func TestSaveOverwritesInPlace(t *testing.T) {
	r := newTestResolver()

	require.NoError(t, r.Save("acct-1", "old"))
	require.NoError(t, r.Save("acct-1", "new"))

	secret, err := r.Get("acct-1")
	require.NoError(t, err)
	assert.Equal(t, "new", secret)
}

func TestGetNeverSavedIsNotFoundNotStoreError(t *testing.T) {
	r := newTestResolver()

	_, err := r.Get("never-saved")
	require.Error(t, err)
	assert.True(t, mailerr.IsNotFound(err))
	assert.False(t, mailerr.Retryable(err))
}

func TestDeleteMissingKeyIsNoOp(t *testing.T) {
	r := newTestResolver()
	assert.NoError(t, r.Delete("never-saved"))
}

// failingKeyring simulates a transiently unavailable secret store
type failingKeyring struct {
	keyring.Keyring
}

func (failingKeyring) Get(string) (keyring.Item, error) {
	return keyring.Item{}, errors.New("secret service unavailable")
}

func TestGetStoreUnavailableIsRetryable(t *testing.T) {
	r := NewResolverWithKeyring(failingKeyring{})

	_, err := r.Get("acct-1")
	require.Error(t, err)
	assert.False(t, mailerr.IsNotFound(err))
	assert.True(t, mailerr.Retryable(err))
}

func TestConcurrentAccessAcrossKeys(t *testing.T) {
	r := newTestResolver()

	var wg sync.WaitGroup
	keys := []string{"a", "b", "c", "d"}
	for _, key := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			require.NoError(t, r.Save(k, "secret-"+k))
			got, err := r.Get(k)
			require.NoError(t, err)
			assert.Equal(t, "secret-"+k, got)
		}(key)
	}
	wg.Wait()
}
