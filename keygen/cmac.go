package keygen

import (
	"crypto/aes"
	"fmt"

	"github.com/chmike/cmac-go"
)

// cmacKey derives the programming-level key: AES-128 CMAC over the seed
// bytes, keyed with the 16-byte per-level secret, truncated to the seed
// length as the ECU expects the key echoed at seed width.
func cmacKey(seed []byte, secret []byte) ([]byte, error) {
	if len(secret) != 16 {
		return nil, fmt.Errorf("level 0x%02X needs a 16-byte secret, got %d bytes", LevelProgramming, len(secret))
	}
	if len(seed) == 0 {
		return nil, fmt.Errorf("level 0x%02X needs a non-empty seed", LevelProgramming)
	}

	h, err := cmac.New(aes.NewCipher, secret)
	if err != nil {
		return nil, fmt.Errorf("cmac init: %w", err)
	}
	if _, err := h.Write(seed); err != nil {
		return nil, fmt.Errorf("cmac write: %w", err)
	}
	mac := h.Sum(nil)

	n := len(seed)
	if n > len(mac) {
		n = len(mac)
	}
	return mac[:n], nil
}
