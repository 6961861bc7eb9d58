package invitation

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"net/url"
	"strings"
)

// MaxInviteRelays bounds how many relay hints an invite link carries.
const MaxInviteRelays = 3

var base32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewInviteCode generates a base32-encoded, 128-bit-entropy invite code.
func NewInviteCode() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("invitation: generate code: %w", err)
	}
	return strings.ToLower(base32Encoding.EncodeToString(raw[:])), nil
}

// BuildLink constructs the https invite URL: /invite/<code>?op=<owner_pubkey>&r=<relay>...
// (query keys come out sorted).
// The owner-pubkey query parameter is an addition beyond spec.md's literal
// link grammar: the invitee's client needs the owner's pubkey to address
// the gift-wrapped RSVP, and spec.md's own grammar note ("unknown query
// parameters are ignored") anticipates exactly this kind of extension.
func BuildLink(host, code, ownerPubkeyHex string, relays []string) (string, error) {
	if len(relays) == 0 || len(relays) > MaxInviteRelays {
		return "", fmt.Errorf("%w: invite link must carry 1-%d relays", ErrInvalidInvitationCode, MaxInviteRelays)
	}
	u := &url.URL{Scheme: "https", Host: host, Path: "/invite/" + code}
	q := u.Query()
	for _, r := range relays {
		q.Add("r", r)
	}
	q.Set("op", ownerPubkeyHex)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseLink extracts the invite code, owner pubkey, and relay hints from an
// invite URL. Unknown query parameters are ignored, per spec.
func ParseLink(link string) (code, ownerPubkeyHex string, relays []string, err error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", ErrInvalidInvitationCode, err)
	}
	const prefix = "/invite/"
	if !strings.HasPrefix(u.Path, prefix) {
		return "", "", nil, fmt.Errorf("%w: missing /invite/ path", ErrInvalidInvitationCode)
	}
	code = strings.TrimPrefix(u.Path, prefix)
	if code == "" {
		return "", "", nil, fmt.Errorf("%w: empty invite code", ErrInvalidInvitationCode)
	}
	relays = u.Query()["r"]
	if len(relays) == 0 {
		return "", "", nil, fmt.Errorf("%w: invite link carries no relay hints", ErrInvalidInvitationCode)
	}
	ownerPubkeyHex = u.Query().Get("op")
	if ownerPubkeyHex == "" {
		return "", "", nil, fmt.Errorf("%w: invite link carries no owner pubkey", ErrInvalidInvitationCode)
	}
	return code, ownerPubkeyHex, relays, nil
}
