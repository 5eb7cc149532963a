package email

import (
	"context"
	"sync"

	"github.com/blevin/mailmirror/internal/mailerr"
)

// Role identifies which protocol connection of an account is meant
type Role string

const (
	RoleRetrieval  Role = "retrieval"
	RoleSubmission Role = "submission"
)

// ConnState is the lifecycle state of one protocol connection
type ConnState string

const (
	StateDisconnected  ConnState = "disconnected"
	StateConnecting    ConnState = "connecting"
	StateAuthenticated ConnState = "authenticated"
	StateReady         ConnState = "ready"
	StateFailed        ConnState = "failed"
)

// connState tracks the lifecycle of one protocol connection and serializes
// the commands issued over it. The underlying protocols are request/response
// over a single stream, so only one command may be in flight at a time; raw
// protocol bytes from two logical operations must never interleave.
type connState struct {
	cmdMu   sync.Mutex
	stateMu sync.Mutex
	state   ConnState
}

// State returns the current lifecycle state
func (c *connState) State() ConnState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == "" {
		return StateDisconnected
	}
	return c.state
}

func (c *connState) transition(s ConnState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Do runs fn while holding the single-command lock. Concurrent callers for
// the same connection queue behind each other.
func (c *connState) Do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

// TryDo runs fn if the command lock is free and reports ErrBusy otherwise,
// for callers that refuse to queue.
func (c *connState) TryDo(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.cmdMu.TryLock() {
		return mailerr.ErrBusy
	}
	defer c.cmdMu.Unlock()
	return fn()
}
