// Package vault encrypts credentials at rest with AES-256-GCM.
//
// Ciphertext blobs are stored as one opaque string:
//
//	hex(nonce) ":" hex(tag) ":" hex(ciphertext)
//
// One symmetric key is loaded (or generated) at process start and used
// for the whole process lifetime. Key rotation is out of scope.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrAuthentication is returned when a ciphertext fails tag verification.
// A blob that does not authenticate yields no plaintext at all.
var ErrAuthentication = errors.New("vault: ciphertext authentication failed")

// ErrMalformed is returned when a blob does not have the nonce:tag:data shape.
var ErrMalformed = errors.New("vault: malformed ciphertext blob")

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// Vault holds the process-wide symmetric key.
type Vault struct {
	aead cipher.AEAD
}

// New creates a Vault from a 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// NewFromHex creates a Vault from a 64-character hex key string.
func NewFromHex(keyHex string) (*Vault, error) {
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return nil, fmt.Errorf("vault: decode key: %w", err)
	}
	return New(key)
}

// GenerateKey returns a fresh random key as a 64-character hex string,
// suitable for persisting in the settings store.
func GenerateKey() string {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		panic("vault: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(key)
}

// DeriveKey stretches a passphrase into a 32-byte key with argon2id.
// The salt must be stable across restarts (persist it next to the data).
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, keySize)
}

// GenerateSalt returns a random 16-byte salt as a hex string.
func GenerateSalt() string {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		panic("vault: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(salt)
}

// Encrypt seals plaintext and returns the nonce:tag:ciphertext blob.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	// Seal appends the tag after the ciphertext; the blob stores it in
	// the middle so the layout stays nonce:tag:data.
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens a nonce:tag:ciphertext blob. Tag mismatch returns
// ErrAuthentication and never partial plaintext.
func (v *Vault) Decrypt(blob string) (string, error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return "", ErrMalformed
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", ErrMalformed
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", ErrMalformed
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformed
	}
	plain, err := v.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return "", ErrAuthentication
	}
	return string(plain), nil
}
