package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// Vault handles encryption and decryption of SSH private keys at rest
type Vault struct {
	masterKey []byte // 32 bytes for AES-256
}

// New creates a vault with the given master key.
// The key must be 32 bytes for AES-256-GCM.
func New(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes for AES-256, got %d", len(key))
	}

	return &Vault{
		masterKey: key,
	}, nil
}

// NewFromPassword creates a vault using a password.
// The password is hashed with SHA-256 to derive the master key.
func NewFromPassword(password string) (*Vault, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}

	// Derive 32-byte key from password using SHA-256
	hash := sha256.Sum256([]byte(password))
	return New(hash[:])
}

// Encrypt encrypts plaintext using AES-256-GCM and returns a base64 string
// with the nonce prepended to the ciphertext.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", fmt.Errorf("cannot encrypt empty data")
	}

	// Create AES cipher
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	// Create GCM mode
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	// Generate nonce
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Encrypt and prepend nonce
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts data produced by Encrypt. Callers that only need the
// plaintext transiently should prefer DecryptTo.
func (v *Vault) Decrypt(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	// Create AES cipher
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Create GCM mode
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	// Check minimum length
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	// Extract nonce and ciphertext
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	// Decrypt
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// DecryptTo decrypts the data, passes the plaintext to fn, and zeroes the
// plaintext buffer when fn returns. The plaintext must not escape fn.
func (v *Vault) DecryptTo(encoded string, fn func(plaintext []byte) error) error {
	plaintext, err := v.Decrypt(encoded)
	if err != nil {
		return err
	}
	defer Zero(plaintext)

	return fn(plaintext)
}

// Zero overwrites a byte slice in place
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// DeriveKey derives a 32-byte key from an arbitrary seed string.
// Used when a deployment provides a key phrase instead of raw key material.
func DeriveKey(seed string) []byte {
	hash := sha256.Sum256([]byte(seed))
	return hash[:]
}
