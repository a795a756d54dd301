// Package attachments prepares attachment payloads for delivery: padding to
// size buckets, client-side encryption, CDN upload, and the pointer records
// that replace raw payloads inside message content.
package attachments

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math"
)

const (
	// KeySize is the combined attachment key: 32 bytes AES + 32 bytes HMAC.
	KeySize = 64

	macSize = 32

	// minPaddedSize is the smallest size bucket; every attachment occupies
	// at least this much before encryption.
	minPaddedSize = 541
)

// PaddedSize returns the bucket size for a payload: the nearest power of 1.05
// at or above n, never below 541. Bucketing hides exact payload sizes from
// the CDN.
func PaddedSize(n int) int {
	if n <= minPaddedSize {
		return minPaddedSize
	}
	exp := math.Ceil(math.Log(float64(n)) / math.Log(1.05))
	return int(math.Max(minPaddedSize, math.Ceil(math.Pow(1.05, exp))))
}

// NewKey generates a fresh 64-byte attachment key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("attachment: generate key: %w", err)
	}
	return key, nil
}

// Encrypt pads the plaintext to its size bucket and encrypts it.
// Output format: IV (16 bytes) || AES-CBC ciphertext || HMAC-SHA256 (32 bytes),
// with the MAC computed over IV + ciphertext. The returned digest is the
// SHA-256 of the full output, carried in the pointer so recipients can verify
// the CDN payload before decrypting.
func Encrypt(plaintext, key []byte) (ciphertext, digest []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("attachment: key must be %d bytes, got %d", KeySize, len(key))
	}
	aesKey := key[:32]
	hmacKey := key[32:]

	padded := make([]byte, PaddedSize(len(plaintext)))
	copy(padded, plaintext)

	// PKCS7 on top of the bucket padding keeps the CBC input block-aligned.
	padLen := aes.BlockSize - len(padded)%aes.BlockSize
	for range padLen {
		padded = append(padded, byte(padLen))
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, nil, fmt.Errorf("attachment: create cipher: %w", err)
	}

	out := make([]byte, aes.BlockSize+len(padded), aes.BlockSize+len(padded)+macSize)
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("attachment: generate iv: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(out)
	out = mac.Sum(out)

	sum := sha256.Sum256(out)
	return out, sum[:], nil
}

// Decrypt reverses Encrypt. origSize is the pre-padding payload length from
// the attachment pointer; pass a negative value to keep the padded payload.
func Decrypt(data, key []byte, origSize int) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("attachment: key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(data) < aes.BlockSize+macSize+aes.BlockSize {
		return nil, fmt.Errorf("attachment: data too short (%d bytes)", len(data))
	}

	aesKey := key[:32]
	hmacKey := key[32:]

	iv := data[:aes.BlockSize]
	ct := data[aes.BlockSize : len(data)-macSize]
	expectedMAC := data[len(data)-macSize:]

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(data[:len(data)-macSize])
	if !hmac.Equal(mac.Sum(nil), expectedMAC) {
		return nil, fmt.Errorf("attachment: HMAC verification failed")
	}

	if len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("attachment: ciphertext not block-aligned")
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("attachment: create cipher: %w", err)
	}
	plaintext := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ct)

	if len(plaintext) == 0 {
		return nil, fmt.Errorf("attachment: empty plaintext")
	}
	padLen := int(plaintext[len(plaintext)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(plaintext) {
		return nil, fmt.Errorf("attachment: invalid PKCS7 padding")
	}
	for _, b := range plaintext[len(plaintext)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("attachment: invalid PKCS7 padding bytes")
		}
	}
	plaintext = plaintext[:len(plaintext)-padLen]

	if origSize >= 0 {
		if origSize > len(plaintext) {
			return nil, fmt.Errorf("attachment: declared size %d exceeds payload %d", origSize, len(plaintext))
		}
		plaintext = plaintext[:origSize]
	}
	return plaintext, nil
}
