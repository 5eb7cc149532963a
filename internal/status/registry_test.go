package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blevin/mailmirror/pkg/types"
)

func TestAccountStatusRoundTrip(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Account("acct-1")
	assert.False(t, ok)

	r.SetAccount("acct-1", types.StatusSyncing, "")
	st, ok := r.Account("acct-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusSyncing, st.State)

	r.SetAccount("acct-1", types.StatusError, "connection refused")
	st, _ = r.Account("acct-1")
	assert.Equal(t, types.StatusError, st.State)
	assert.Equal(t, "connection refused", st.Error)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "acct-1", snap[0].AccountID)
}

func TestAttachmentProgressClamped(t *testing.T) {
	r := NewRegistry()

	r.SetAttachment("att-1", 1.7, false, "")
	p, ok := r.Attachment("att-1")
	require.True(t, ok)
	assert.Equal(t, 1.0, p.Progress)

	r.SetAttachment("att-1", -0.3, false, "")
	p, _ = r.Attachment("att-1")
	assert.Equal(t, 0.0, p.Progress)

	r.ClearAttachment("att-1")
	_, ok = r.Attachment("att-1")
	assert.False(t, ok)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	r := NewRegistry()
	ch, cancel := r.Subscribe()
	defer cancel()

	r.SetAccount("acct-1", types.StatusConnected, "")
	ev := <-ch
	require.NotNil(t, ev.Account)
	assert.Equal(t, "acct-1", ev.Account.AccountID)

	r.SetAttachment("att-1", 0.5, false, "")
	ev = <-ch
	require.NotNil(t, ev.Attachment)
	assert.Equal(t, 0.5, ev.Attachment.Progress)
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	r := NewRegistry()
	_, cancel := r.Subscribe()
	defer cancel()

	// More events than the subscriber buffer; publishing must not block.
	for i := 0; i < 200; i++ {
		r.SetAccount("acct-1", types.StatusSyncing, "")
	}
	st, ok := r.Account("acct-1")
	require.True(t, ok)
	assert.Equal(t, types.StatusSyncing, st.State)
}

func TestCancelledSubscriptionIsClosed(t *testing.T) {
	r := NewRegistry()
	ch, cancel := r.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic.
	r.SetAccount("acct-1", types.StatusIdle, "")
}
