package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/mplorentz/keydex-sub000/identity"
)

// ExpirationWindow is how far in the future outgoing envelopes' NIP-40
// expiration tag is set, so cooperating relays may prune stale gift wraps.
const ExpirationWindow = 7 * 24 * time.Hour

// timestampJitterWindow is how far into the past the seal's and gift
// wrap's created_at are randomized, to avoid correlating envelopes by
// timing.
const timestampJitterWindow = 48 * time.Hour

// Clock is injectable for tests; defaults to the real wall clock.
type Clock func() time.Time

var defaultClock Clock = time.Now

// Wrap builds the seal and gift-wrap layers around rumor, which must have
// Kind/Tags/Content populated and a Pubkey that is either empty (Wrap fills
// in sender.PubkeyHex()) or equal to sender.PubkeyHex() (Wrap computes the rumor's ID but does not sign it — rumors
// are always unsigned). Returns the gift-wrap event ready to publish.
func Wrap(rumor *Event, sender *identity.Identity, recipientPubkeyHex string, clock Clock) (*Event, error) {
	if clock == nil {
		clock = defaultClock
	}
	if rumor.Pubkey == "" {
		rumor.Pubkey = sender.PubkeyHex()
	}
	if rumor.Pubkey != sender.PubkeyHex() {
		return nil, fmt.Errorf("%w: rumor pubkey does not match sender", ErrMalformedEnvelope)
	}
	rumor.ComputeID()

	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal rumor: %v", ErrMalformedEnvelope, err)
	}

	senderRecipientSecret, err := sender.ECDH(recipientPubkeyHex)
	if err != nil {
		return nil, err
	}
	sealContent, err := Encrypt(senderRecipientSecret, rumorJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt seal: %v", ErrMalformedEnvelope, err)
	}

	seal := &Event{
		Pubkey:    sender.PubkeyHex(),
		CreatedAt: jitteredTimestamp(clock),
		Kind:      KindSeal,
		Tags:      Tags{},
		Content:   sealContent,
	}
	seal.ComputeID()
	sealSig, err := signEvent(sender, seal)
	if err != nil {
		return nil, err
	}
	seal.Sig = sealSig

	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal seal: %v", ErrMalformedEnvelope, err)
	}

	ephPriv, err := identity.EphemeralKeypair()
	if err != nil {
		return nil, err
	}
	ephemeral, err := identity.FromHex(hex.EncodeToString(ephPriv.Serialize()))
	if err != nil {
		return nil, err
	}
	ephemeralRecipientSecret, err := ephemeral.ECDH(recipientPubkeyHex)
	if err != nil {
		return nil, err
	}
	giftWrapContent, err := Encrypt(ephemeralRecipientSecret, sealJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt gift wrap: %v", ErrMalformedEnvelope, err)
	}

	now := clock()
	giftWrap := &Event{
		Pubkey:    identity.GeneratePubkeyHex(ephPriv),
		CreatedAt: jitteredTimestamp(clock),
		Kind:      KindGiftWrap,
		Tags: Tags{
			{"p", recipientPubkeyHex},
			{"expiration", fmt.Sprintf("%d", now.Add(ExpirationWindow).Unix())},
		},
		Content: giftWrapContent,
	}
	giftWrap.ComputeID()
	giftWrapSig, err := signEvent(ephemeral, giftWrap)
	if err != nil {
		return nil, err
	}
	giftWrap.Sig = giftWrapSig

	return giftWrap, nil
}

// Unwrap reverses Wrap: given a gift-wrap event and the recipient's
// identity, recovers and validates the original rumor. The gift wrap's
// outer Pubkey is ephemeral and is never returned as authorship — only
// rumor.Pubkey is trustworthy.
func Unwrap(giftWrap *Event, recipient *identity.Identity) (*Event, error) {
	if giftWrap.Kind != KindGiftWrap {
		return nil, fmt.Errorf("%w: expected kind %d, got %d", ErrMalformedEnvelope, KindGiftWrap, giftWrap.Kind)
	}
	pTag := giftWrap.Tags.First("p")
	if len(pTag) < 2 || pTag[1] != recipient.PubkeyHex() {
		return nil, ErrNotForMe
	}

	ephemeralRecipientSecret, err := recipient.ECDH(giftWrap.Pubkey)
	if err != nil {
		return nil, err
	}
	sealJSON, err := Decrypt(ephemeralRecipientSecret, giftWrap.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFail, err)
	}

	var seal Event
	if err := json.Unmarshal(sealJSON, &seal); err != nil {
		return nil, fmt.Errorf("%w: unmarshal seal: %v", ErrMalformedEnvelope, err)
	}
	if seal.Kind != KindSeal {
		return nil, fmt.Errorf("%w: inner layer is not a seal", ErrMalformedEnvelope)
	}
	if err := verifyEventSignature(&seal); err != nil {
		return nil, err
	}

	senderRecipientSecret, err := recipient.ECDH(seal.Pubkey)
	if err != nil {
		return nil, err
	}
	rumorJSON, err := Decrypt(senderRecipientSecret, seal.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFail, err)
	}

	var rumor Event
	if err := json.Unmarshal(rumorJSON, &rumor); err != nil {
		return nil, fmt.Errorf("%w: unmarshal rumor: %v", ErrMalformedEnvelope, err)
	}
	expectedID := hex.EncodeToString(idHash(&rumor))
	if rumor.ID != expectedID {
		return nil, fmt.Errorf("%w: rumor id does not match its content", ErrMalformedEnvelope)
	}

	if seal.Pubkey != rumor.Pubkey {
		return nil, ErrSealSenderMismatch
	}

	return &rumor, nil
}

func signEvent(id *identity.Identity, ev *Event) (string, error) {
	hash, err := hex.DecodeString(ev.ID)
	if err != nil {
		return "", fmt.Errorf("%w: bad event id: %v", ErrMalformedEnvelope, err)
	}
	sig, err := id.Sign(hash)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

func verifyEventSignature(ev *Event) error {
	expectedID := hex.EncodeToString(idHash(ev))
	if ev.ID != expectedID {
		return fmt.Errorf("%w: event id does not match its content", ErrMalformedEnvelope)
	}
	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding: %v", ErrMalformedEnvelope, err)
	}
	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil {
		return fmt.Errorf("%w: bad event id: %v", ErrMalformedEnvelope, err)
	}
	ok, err := identity.Verify(ev.Pubkey, idBytes, sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// jitteredTimestamp returns a unix timestamp uniformly randomized within
// the last timestampJitterWindow, per spec.md's gift-wrap/seal timing
// requirement.
func jitteredTimestamp(clock Clock) int64 {
	now := clock()
	maxOffset := big.NewInt(int64(timestampJitterWindow / time.Second))
	offset, err := rand.Int(rand.Reader, maxOffset)
	if err != nil {
		// CSPRNG failure here is a fatal condition upstream (CryptoFault);
		// fall back to no jitter rather than panicking inside a codec call.
		return now.Unix()
	}
	return now.Unix() - offset.Int64()
}
