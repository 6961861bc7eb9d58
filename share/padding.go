package share

import (
	"errors"
	"fmt"
)

// PadBlockSize is the fixed block size shares are padded to before
// splitting, so a share's length never reveals the secret's length.
const PadBlockSize = 512

var (
	ErrTooLargeToPad = fmt.Errorf("share: secret exceeds %d bytes, the maximum this scheme pads to", PadBlockSize)
	ErrBadPadding    = errors.New("share: invalid padding")
)

// Pad pads data to exactly PadBlockSize bytes using PKCS#7-style padding:
// every added byte holds the pad length. Since shares always pad up to the single fixed PadBlockSize (never a multiple), plaintexts
// must be smaller than PadBlockSize bytes.
func Pad(data []byte) ([]byte, error) {
	if len(data) >= PadBlockSize {
		return nil, ErrTooLargeToPad
	}
	padLen := PadBlockSize - len(data)
	out := make([]byte, PadBlockSize)
	copy(out, data)
	for i := len(data); i < PadBlockSize; i++ {
		out[i] = byte(padLen)
	}
	return out, nil
}

// Unpad reverses Pad, validating the padding bytes.
func Unpad(data []byte) ([]byte, error) {
	if len(data) != PadBlockSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrBadPadding, PadBlockSize, len(data))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > PadBlockSize {
		return nil, ErrBadPadding
	}
	start := PadBlockSize - padLen
	for i := start; i < PadBlockSize; i++ {
		if data[i] != byte(padLen) {
			return nil, ErrBadPadding
		}
	}
	return data[:start], nil
}
