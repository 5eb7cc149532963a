package email

import (
	"bytes"
	"strings"
	"testing"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blevin/mailmirror/pkg/types"
)

func TestBuildMessageHeaders(t *testing.T) {
	raw, err := buildMessage(&types.OutgoingMessage{
		MessageID:  "<id-1@example.com>",
		From:       "me@example.com",
		To:         []string{"a@example.com", "b@example.com"},
		Cc:         []string{"c@example.com"},
		Subject:    "greetings",
		BodyText:   "plain body",
		InReplyTo:  "<parent@example.com>",
		References: []string{"<root@example.com>", "<parent@example.com>"},
	})
	require.NoError(t, err)

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "<id-1@example.com>", env.GetHeader("Message-Id"))
	assert.Equal(t, "a@example.com, b@example.com", env.GetHeader("To"))
	assert.Equal(t, "c@example.com", env.GetHeader("Cc"))
	assert.Equal(t, "<parent@example.com>", env.GetHeader("In-Reply-To"))
	assert.Equal(t, "<root@example.com> <parent@example.com>", env.GetHeader("References"))
	assert.Equal(t, "plain body", strings.TrimSpace(env.Text))
}

func TestBuildMessageAlternative(t *testing.T) {
	raw, err := buildMessage(&types.OutgoingMessage{
		MessageID: "<id-2@example.com>",
		From:      "me@example.com",
		To:        []string{"a@example.com"},
		Subject:   "both bodies",
		BodyText:  "text variant",
		BodyHTML:  "<p>html variant</p>",
	})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "multipart/alternative")

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "text variant", strings.TrimSpace(env.Text))
	assert.Contains(t, env.HTML, "html variant")
}

func TestBuildMessageHTMLOnly(t *testing.T) {
	raw, err := buildMessage(&types.OutgoingMessage{
		MessageID: "<id-3@example.com>",
		From:      "me@example.com",
		To:        []string{"a@example.com"},
		BodyHTML:  "<p>only html</p>",
	})
	require.NoError(t, err)

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Contains(t, env.HTML, "only html")
}
