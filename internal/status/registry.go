package status

import (
	"sync"
	"time"

	"github.com/blevin/mailmirror/pkg/types"
)

// AccountStatus is the UI-facing snapshot of one account's sync state
type AccountStatus struct {
	AccountID string           `json:"account_id"`
	State     types.SyncStatus `json:"state"`
	Error     string           `json:"error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// AttachmentProgress is the UI-facing snapshot of one attachment transfer
type AttachmentProgress struct {
	AttachmentID string  `json:"attachment_id"`
	Progress     float64 `json:"progress"` // 0.0 .. 1.0
	Complete     bool    `json:"complete"`
	Error        string  `json:"error,omitempty"`
}

// Event carries one status change to subscribers. Exactly one field is set.
type Event struct {
	Account    *AccountStatus
	Attachment *AttachmentProgress
}

// Registry holds the current sync status per account and download progress
// per attachment. The core publishes into it; the UI reads snapshots or
// subscribes for changes. Subscribers never share mutable state with the
// sync logic.
type Registry struct {
	mu          sync.RWMutex
	accounts    map[string]AccountStatus
	attachments map[string]AttachmentProgress
	subs        map[int]chan Event
	nextSubID   int
}

// NewRegistry creates an empty status registry
func NewRegistry() *Registry {
	return &Registry{
		accounts:    make(map[string]AccountStatus),
		attachments: make(map[string]AttachmentProgress),
		subs:        make(map[int]chan Event),
	}
}

// SetAccount publishes a new sync state for an account
func (r *Registry) SetAccount(accountID string, state types.SyncStatus, errMsg string) {
	st := AccountStatus{
		AccountID: accountID,
		State:     state,
		Error:     errMsg,
		UpdatedAt: time.Now(),
	}

	r.mu.Lock()
	r.accounts[accountID] = st
	r.publishLocked(Event{Account: &st})
	r.mu.Unlock()
}

// SetAttachment publishes download progress for an attachment
func (r *Registry) SetAttachment(attachmentID string, progress float64, complete bool, errMsg string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	p := AttachmentProgress{
		AttachmentID: attachmentID,
		Progress:     progress,
		Complete:     complete,
		Error:        errMsg,
	}

	r.mu.Lock()
	r.attachments[attachmentID] = p
	r.publishLocked(Event{Attachment: &p})
	r.mu.Unlock()
}

// ClearAttachment drops the progress entry for an attachment, e.g. after a
// cancelled transfer resets to not-started.
func (r *Registry) ClearAttachment(attachmentID string) {
	r.mu.Lock()
	delete(r.attachments, attachmentID)
	r.mu.Unlock()
}

// Account returns the current status of one account
func (r *Registry) Account(accountID string) (AccountStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.accounts[accountID]
	return st, ok
}

// Attachment returns the current progress of one attachment transfer
func (r *Registry) Attachment(attachmentID string) (AttachmentProgress, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.attachments[attachmentID]
	return p, ok
}

// Snapshot returns a copy of all account statuses
func (r *Registry) Snapshot() []AccountStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AccountStatus, 0, len(r.accounts))
	for _, st := range r.accounts {
		out = append(out, st)
	}
	return out
}

// Subscribe registers for status events. The returned cancel function must be
// called to release the subscription. Slow subscribers miss events rather
// than blocking publishers.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	id := r.nextSubID
	r.nextSubID++
	ch := make(chan Event, 64)
	r.subs[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

func (r *Registry) publishLocked(ev Event) {
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
