package identity

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndSignRoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	hash := sha256.Sum256([]byte("hello horcrux"))
	sig, err := id.Sign(hash[:])
	require.NoError(t, err)
	require.Len(t, sig, 64)

	ok, err := Verify(id.PubkeyHex(), hash[:], sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	hash := sha256.Sum256([]byte("message"))
	sig, err := id.Sign(hash[:])
	require.NoError(t, err)
	sig[0] ^= 0xff

	ok, err := Verify(id.PubkeyHex(), hash[:], sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBech32RoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	nsec, err := id.ExportBech32()
	require.NoError(t, err)
	assert.Regexp(t, `^nsec1`, nsec)

	npub, err := id.PubkeyBech32()
	require.NoError(t, err)
	assert.Regexp(t, `^npub1`, npub)

	imported, err := ImportBech32(nsec)
	require.NoError(t, err)
	assert.Equal(t, id.PubkeyHex(), imported.PubkeyHex())
}

func TestImportBech32RejectsWrongHRP(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	npub, err := id.PubkeyBech32()
	require.NoError(t, err)

	_, err = ImportBech32(npub)
	assert.ErrorIs(t, err, ErrInvalidBech32)
}

func TestECDHIsSymmetric(t *testing.T) {
	alice, err := Generate()
	require.NoError(t, err)
	bob, err := Generate()
	require.NoError(t, err)

	s1, err := alice.ECDH(bob.PubkeyHex())
	require.NoError(t, err)
	s2, err := bob.ECDH(alice.PubkeyHex())
	require.NoError(t, err)

	assert.Equal(t, s1, s2)
}

func TestFromHexRejectsBadInput(t *testing.T) {
	_, err := FromHex("not-hex")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = FromHex("ab")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
