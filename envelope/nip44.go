package envelope

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// NIP-44 v2: ChaCha20 + HMAC-SHA256, keys derived from an ECDH shared
// secret via HKDF. See spec.md §4.2 for the exact derivation this
// implements.

const (
	nip44Version    = 0x02
	nip44MinPlain   = 1
	nip44MaxPlain   = 0xffff
	nip44NonceLen   = 32
	nip44MacLen     = 32
	nip44ExpandSize = 76 // 32 (chacha key) + 12 (chacha nonce) + 32 (hmac key)
)

var (
	ErrPlaintextTooLarge = errors.New("envelope: nip44 plaintext exceeds 65535 bytes")
	ErrPlaintextEmpty    = errors.New("envelope: nip44 plaintext must be non-empty")
)

// conversationKey derives the NIP-44 conversation key from an ECDH shared
// secret via HKDF-Extract with the fixed salt "nip44-v2".
func conversationKey(sharedSecret [32]byte) []byte {
	return hkdf.Extract(sha256.New, sharedSecret[:], []byte("nip44-v2"))
}

// messageKeys derives the per-message ChaCha20 key/nonce and HMAC key from
// the conversation key and a random per-message nonce via HKDF-Expand.
func messageKeys(convKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	r := hkdf.Expand(sha256.New, convKey, nonce)
	expanded := make([]byte, nip44ExpandSize)
	if _, err = io.ReadFull(r, expanded); err != nil {
		return nil, nil, nil, err
	}
	return expanded[0:32], expanded[32:44], expanded[44:76], nil
}

// nip44PaddedLen returns the power-of-two-or-32 padded length for a plaintext of
// the given byte length, counting the 2-byte length prefix.
func nip44PaddedLen(totalLen int) int {
	if totalLen <= 32 {
		return 32
	}
	n := 32
	for n < totalLen {
		n *= 2
	}
	return n
}

// Encrypt implements NIP-44 v2 encryption: given the ECDH shared secret
// with the recipient, returns base64(version || nonce || ciphertext || mac).
func Encrypt(sharedSecret [32]byte, plaintext []byte) (string, error) {
	if len(plaintext) < nip44MinPlain {
		return "", ErrPlaintextEmpty
	}
	if len(plaintext) > nip44MaxPlain {
		return "", ErrPlaintextTooLarge
	}

	var nonce [nip44NonceLen]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("envelope: generate nonce: %w", err)
	}

	convKey := conversationKey(sharedSecret)
	chachaKey, chachaNonce, hmacKey, err := messageKeys(convKey, nonce[:])
	if err != nil {
		return "", fmt.Errorf("envelope: derive message keys: %w", err)
	}

	padded := make([]byte, nip44PaddedLen(2+len(plaintext)))
	binary.BigEndian.PutUint16(padded[0:2], uint16(len(plaintext)))
	copy(padded[2:], plaintext)

	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", fmt.Errorf("envelope: init chacha20: %w", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.XORKeyStream(ciphertext, padded)

	mac := computeMAC(hmacKey, nonce[:], ciphertext)

	out := make([]byte, 0, 1+nip44NonceLen+len(ciphertext)+nip44MacLen)
	out = append(out, nip44Version)
	out = append(out, nonce[:]...)
	out = append(out, ciphertext...)
	out = append(out, mac...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt, verifying the HMAC before decrypting.
func Decrypt(sharedSecret [32]byte, payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64: %v", ErrDecryptFail, err)
	}
	if len(raw) < 1+nip44NonceLen+nip44MacLen {
		return nil, fmt.Errorf("%w: payload too short", ErrDecryptFail)
	}
	if raw[0] != nip44Version {
		return nil, fmt.Errorf("%w: unsupported nip-44 version %d", ErrDecryptFail, raw[0])
	}
	nonce := raw[1 : 1+nip44NonceLen]
	ciphertext := raw[1+nip44NonceLen : len(raw)-nip44MacLen]
	mac := raw[len(raw)-nip44MacLen:]

	convKey := conversationKey(sharedSecret)
	chachaKey, chachaNonce, hmacKey, err := messageKeys(convKey, nonce)
	if err != nil {
		return nil, fmt.Errorf("envelope: derive message keys: %w", err)
	}

	expectedMAC := computeMAC(hmacKey, nonce, ciphertext)
	if !hmac.Equal(mac, expectedMAC) {
		return nil, fmt.Errorf("%w: mac mismatch", ErrDecryptFail)
	}

	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return nil, fmt.Errorf("envelope: init chacha20: %w", err)
	}
	padded := make([]byte, len(ciphertext))
	cipher.XORKeyStream(padded, ciphertext)

	if len(padded) < 2 {
		return nil, fmt.Errorf("%w: padded plaintext too short", ErrDecryptFail)
	}
	plainLen := int(binary.BigEndian.Uint16(padded[0:2]))
	if 2+plainLen > len(padded) {
		return nil, fmt.Errorf("%w: declared length exceeds padded buffer", ErrDecryptFail)
	}
	return padded[2 : 2+plainLen], nil
}

func computeMAC(key, nonce, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(nonce)
	h.Write(ciphertext)
	return h.Sum(nil)
}
