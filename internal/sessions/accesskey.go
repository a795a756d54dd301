package sessions

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveAccessKey derives the 16-byte unidentified access key from a
// recipient's 32-byte profile key. The server compares this key on the
// unauthenticated send path instead of sender credentials.
func DeriveAccessKey(profileKey []byte) ([]byte, error) {
	if len(profileKey) != 32 {
		return nil, fmt.Errorf("sessions: profile key must be 32 bytes, got %d", len(profileKey))
	}
	r := hkdf.New(sha256.New, profileKey, nil, []byte("unidentified-access-key"))
	key := make([]byte, 16)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("sessions: derive access key: %w", err)
	}
	return key, nil
}
