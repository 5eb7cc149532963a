package email

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/blevin/mailmirror/pkg/types"
)

func TestParseReferences(t *testing.T) {
	assert.Nil(t, parseReferences(""))

	refs := parseReferences("<a@x.com> <b@y.com>")
	assert.Equal(t, []string{"<a@x.com>", "<b@y.com>"}, refs)

	// Comma-separated and folded headers occur in the wild.
	refs = parseReferences("<a@x.com>,<b@y.com>\r\n <c@z.com>")
	assert.Equal(t, []string{"<a@x.com>", "<b@y.com>", "<c@z.com>"}, refs)
}

func TestCleanMessageID(t *testing.T) {
	assert.Equal(t, "", cleanMessageID("  "))
	assert.Equal(t, "<a@x.com>", cleanMessageID("a@x.com"))
	assert.Equal(t, "<a@x.com>", cleanMessageID("<a@x.com>"))
}

func TestSpecialUseFor(t *testing.T) {
	// RFC 6154 attributes win over the name.
	assert.Equal(t, types.UseSent, specialUseFor([]string{"\\Sent"}, "Gesendet"))
	assert.Equal(t, types.UseSpam, specialUseFor([]string{"\\Junk"}, "Spamverdacht"))

	// Name conventions when the server advertises nothing.
	assert.Equal(t, types.UseInbox, specialUseFor(nil, "INBOX"))
	assert.Equal(t, types.UseTrash, specialUseFor(nil, "Deleted Items"))
	assert.Equal(t, types.UseCustom, specialUseFor(nil, "Receipts"))
}

func TestFlagConversionRoundTrip(t *testing.T) {
	f := types.Flags{Seen: true, Starred: true}
	assert.Equal(t, f, flagsFromIMAP(flagsToIMAP(f)))

	all := types.Flags{Seen: true, Starred: true, Draft: true, Deleted: true}
	assert.Equal(t, all, flagsFromIMAP(flagsToIMAP(all)))

	assert.Empty(t, flagsToIMAP(types.Flags{}))
}
