package invitation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAndParseLinkRoundTrip(t *testing.T) {
	link, err := BuildLink("horcrux.example.com", "abc123code", "owner-pubkey-hex", []string{"wss://r1.example.com", "wss://r2.example.com"})
	require.NoError(t, err)

	code, owner, relays, err := ParseLink(link)
	require.NoError(t, err)
	assert.Equal(t, "abc123code", code)
	assert.Equal(t, "owner-pubkey-hex", owner)
	assert.ElementsMatch(t, []string{"wss://r1.example.com", "wss://r2.example.com"}, relays)
}

func TestBuildLinkRejectsTooManyRelays(t *testing.T) {
	_, err := BuildLink("host", "code", "owner", []string{"a", "b", "c", "d"})
	assert.ErrorIs(t, err, ErrInvalidInvitationCode)
}

func TestParseLinkIgnoresUnknownQueryParams(t *testing.T) {
	code, owner, relays, err := ParseLink("https://host/invite/xyz?r=wss://r1&op=ownerhex&utm_source=test")
	require.NoError(t, err)
	assert.Equal(t, "xyz", code)
	assert.Equal(t, "ownerhex", owner)
	assert.Equal(t, []string{"wss://r1"}, relays)
}

func TestParseLinkRejectsMissingPath(t *testing.T) {
	_, _, _, err := ParseLink("https://host/not-an-invite/xyz")
	assert.ErrorIs(t, err, ErrInvalidInvitationCode)
}
