package credential

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/99designs/keyring"

	"github.com/blevin/mailmirror/internal/mailerr"
)

const serviceName = "mailmirror"

// Resolver resolves account secrets against the OS secure secret store.
// Safe for concurrent use across different account keys; operations on a
// single key are serialized by the resolver.
type Resolver struct {
	mu   sync.Mutex
	ring keyring.Keyring
}

// NewResolver opens the system keyring and returns a resolver backed by it.
// fileDir is the fallback location for the encrypted-file backend.
func NewResolver(fileDir string) (*Resolver, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(fileDir, "credentials"),
		FilePasswordFunc:         keyring.FixedStringPrompt("mailmirror-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, &mailerr.StoreError{Op: "open keyring", Err: err}
	}
	return &Resolver{ring: ring}, nil
}

// NewResolverWithKeyring wraps an existing keyring, mainly for tests
func NewResolverWithKeyring(ring keyring.Keyring) *Resolver {
	return &Resolver{ring: ring}
}

// Save stores the secret for an account key. Saving over an existing key
// updates it in place.
func (r *Resolver) Save(accountKey, secret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.ring.Set(keyring.Item{
		Key:   accountKey,
		Label: fmt.Sprintf("mailmirror account %s", accountKey),
		Data:  []byte(secret),
	})
	if err != nil {
		return &mailerr.StoreError{Op: "save credentials", Err: err}
	}
	return nil
}

// Get retrieves the secret for an account key. A key that was never saved
// yields a NotFoundError; a transient store failure yields a StoreError.
// Callers retry the latter, never the former.
func (r *Resolver) Get(accountKey string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, err := r.ring.Get(accountKey)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", &mailerr.NotFoundError{Resource: "credentials", Key: accountKey}
		}
		return "", &mailerr.StoreError{Op: "get credentials", Err: err}
	}
	return string(item.Data), nil
}

// Delete removes the secret for an account key. Deleting a key that does not
// exist is a no-op.
func (r *Resolver) Delete(accountKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.ring.Remove(accountKey)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil
		}
		return &mailerr.StoreError{Op: "delete credentials", Err: err}
	}
	return nil
}
