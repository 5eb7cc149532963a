package mailerr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	connErr := &ConnectionError{Op: "connect", Err: io.EOF}
	assert.True(t, Retryable(connErr))
	assert.True(t, Retryable(fmt.Errorf("sync folder: %w", connErr)))

	storeErr := &StoreError{Op: "get credentials", Err: errors.New("dbus unavailable")}
	assert.True(t, Retryable(storeErr))

	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(&AuthenticationError{Account: "a@b.c", Err: errors.New("NO")}))
	assert.False(t, Retryable(&ProtocolError{Op: "status", Err: errors.New("bad response")}))
	assert.False(t, Retryable(&NotFoundError{Resource: "credentials", Key: "acct-1"}))
	assert.False(t, Retryable(errors.New("plain error")))
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("refused")
	err := fmt.Errorf("dialing: %w", &ConnectionError{Op: "dial", Err: inner})
	assert.True(t, errors.Is(err, inner))

	var connErr *ConnectionError
	assert.True(t, errors.As(err, &connErr))
	assert.Equal(t, "dial", connErr.Op)
}

func TestIsAuthAndNotFound(t *testing.T) {
	authErr := fmt.Errorf("login: %w", &AuthenticationError{Account: "a@b.c", Err: errors.New("NO")})
	assert.True(t, IsAuth(authErr))
	assert.False(t, IsAuth(io.EOF))

	nf := fmt.Errorf("resolve: %w", &NotFoundError{Resource: "credentials", Key: "acct-1"})
	assert.True(t, IsNotFound(nf))
	assert.False(t, IsNotFound(authErr))
}

func TestRejectedRecipientError(t *testing.T) {
	err := &RejectedRecipientError{Failures: []RecipientFailure{
		{Address: "x@example.com", Err: errors.New("550")},
		{Address: "y@example.com", Err: errors.New("550")},
	}}
	assert.Contains(t, err.Error(), "x@example.com")
	assert.Contains(t, err.Error(), "y@example.com")
	assert.False(t, Retryable(err))
}
