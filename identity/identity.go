// Package identity holds the local user's secp256k1 keypair and exposes
// the operations every other engine needs from it: BIP-340 Schnorr
// signing, ECDH shared-secret derivation, and Bech32 import/export. Apart
// from the explicit exports ExportBech32 and ExportPrivHex, callers get
// signatures and shared secrets back, never key material.
package identity

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

var (
	ErrInvalidKey    = errors.New("identity: invalid key")
	ErrInvalidBech32 = errors.New("identity: invalid bech32 encoding")
	ErrCryptoFault   = errors.New("identity: crypto fault")
)

const (
	hrpPrivate = "nsec"
	hrpPublic  = "npub"
)

// Identity wraps one secp256k1 keypair, scoped-acquired for the lifetime of
// the process.
type Identity struct {
	priv *btcec.PrivateKey
}

// Generate creates a fresh keypair from the CSPRNG.
func Generate() (*Identity, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFault, err)
	}
	return &Identity{priv: priv}, nil
}

// FromHex loads an identity from a 64-hex-char private key.
func FromHex(privHex string) (*Identity, error) {
	raw, err := hex.DecodeString(privHex)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidKey
	}
	priv, pub := btcec.PrivKeyFromBytes(raw)
	_ = pub
	return &Identity{priv: priv}, nil
}

// ImportBech32 loads an identity from an `nsec1...` encoded private key.
func ImportBech32(nsec string) (*Identity, error) {
	raw, err := decodeBech32(nsec, hrpPrivate)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, ErrInvalidBech32
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return &Identity{priv: priv}, nil
}

// ExportBech32 encodes the private key as `nsec1...`.
func (id *Identity) ExportBech32() (string, error) {
	return encodeBech32(hrpPrivate, id.priv.Serialize())
}

// PubkeyHex returns the 32-byte x-only public key as lowercase hex, the
// canonical Nostr pubkey representation.
func (id *Identity) PubkeyHex() string {
	pub := id.priv.PubKey()
	return hex.EncodeToString(schnorr.SerializePubKey(pub))
}

// PubkeyBech32 encodes the x-only public key as `npub1...`.
func (id *Identity) PubkeyBech32() (string, error) {
	pub := id.priv.PubKey()
	return encodeBech32(hrpPublic, schnorr.SerializePubKey(pub))
}

// ExportPrivHex returns the 64-hex-char private key. Callers outside the
// owning process should never need this; it exists for persistence layers
// that the vault store contract (C9) delegates to.
func (id *Identity) ExportPrivHex() string {
	return hex.EncodeToString(id.priv.Serialize())
}

// Sign produces a 64-byte BIP-340 Schnorr signature over a 32-byte hash
// (typically a Nostr event id).
func (id *Identity) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("%w: sign requires a 32-byte hash, got %d", ErrInvalidKey, len(hash))
	}
	sig, err := schnorr.Sign(id.priv, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFault, err)
	}
	return sig.Serialize(), nil
}

// Verify checks a BIP-340 signature against a hash and an x-only pubkey
// given as hex.
func Verify(pubkeyHex string, hash, sig []byte) (bool, error) {
	pubBytes, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(pubBytes) != 32 {
		return false, ErrInvalidKey
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	parsedSig, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return parsedSig.Verify(hash, pub), nil
}

// ECDH derives the 32-byte X-coordinate shared secret between this
// identity's private key and a peer's x-only public key, as required by
// NIP-44: S = our_privkey * peer_pubkey, x-coordinate only (the even-y
// point implied by the x-only encoding).
func (id *Identity) ECDH(peerPubkeyHex string) ([32]byte, error) {
	var out [32]byte
	peerBytes, err := hex.DecodeString(peerPubkeyHex)
	if err != nil || len(peerBytes) != 32 {
		return out, ErrInvalidKey
	}
	// x-only pubkeys are implicitly even-y per BIP-340; prefix 0x02 to get
	// a valid compressed secp256k1 point.
	compressed := append([]byte{0x02}, peerBytes...)
	peerPub, err := btcec.ParsePubKey(compressed)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	var point, result btcec.JacobianPoint
	peerPub.AsJacobian(&point)
	btcec.ScalarMultNonConst(&id.priv.Key, &point, &result)
	result.ToAffine()
	xBytes := result.X.Bytes()
	copy(out[:], xBytes[:])
	return out, nil
}

// GeneratePubkeyHex returns the x-only hex pubkey for a private key, used
// when constructing ephemeral gift-wrap keys that are
// never retained.
func GeneratePubkeyHex(priv *btcec.PrivateKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
}

// EphemeralKeypair generates a one-shot keypair for gift-wrap authorship;
// the private key is returned only so the caller can sign the gift wrap,
// and must be discarded immediately afterward.
func EphemeralKeypair() (*btcec.PrivateKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFault, err)
	}
	return priv, nil
}

func decodeBech32(s, expectedHRP string) ([]byte, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBech32, err)
	}
	if hrp != expectedHRP {
		return nil, fmt.Errorf("%w: expected hrp %q, got %q", ErrInvalidBech32, expectedHRP, hrp)
	}
	converted, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBech32, err)
	}
	return converted, nil
}

func encodeBech32(hrp string, raw []byte) (string, error) {
	converted, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBech32, err)
	}
	encoded, err := bech32.Encode(hrp, converted)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBech32, err)
	}
	return encoded, nil
}
