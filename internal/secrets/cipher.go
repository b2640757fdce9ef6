package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	saltSize = 32
	ivSize   = 16
	tagSize  = 16
	keySize  = 32

	// scrypt cost parameters; changing them breaks every stored secret.
	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// ErrMalformedSecret is returned when a stored secret is not in
// salt:iv:tag:ciphertext form.
var ErrMalformedSecret = errors.New("invalid encrypted format")

// ErrNoMasterKey is returned when no encryption key is configured.
var ErrNoMasterKey = errors.New("encryption key is required")

// Cipher encrypts and decrypts credential secrets with AES-256-GCM under a
// per-secret scrypt-derived key. The stored form is hex
// "salt:iv:tag:ciphertext".
type Cipher struct {
	masterKey func() string
}

// NewCipher returns a Cipher for a fixed master key.
func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, ErrNoMasterKey
	}
	return &Cipher{masterKey: func() string { return masterKey }}, nil
}

// NewVaultCipher returns a Cipher that reads the master key from v on every
// operation, so a vault reload rotates it.
func NewVaultCipher(v *Vault) (*Cipher, error) {
	if v.Get(MasterKey) == "" {
		return nil, ErrNoMasterKey
	}
	return &Cipher{masterKey: func() string { return v.Get(MasterKey) }}, nil
}

func (c *Cipher) deriveKey(salt []byte) ([]byte, error) {
	mk := c.masterKey()
	if mk == "" {
		return nil, ErrNoMasterKey
	}
	key, err := scrypt.Key([]byte(mk), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("scrypt: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext under a fresh salt and IV.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("rand salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("rand iv: %w", err)
	}

	key, err := c.deriveKey(salt)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	// Seal appends the tag; it is stored as its own segment.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	}, ":"), nil
}

// Decrypt opens a secret produced by Encrypt.
func (c *Cipher) Decrypt(encrypted string) (string, error) {
	parts := strings.Split(encrypted, ":")
	if len(parts) != 4 {
		return "", ErrMalformedSecret
	}

	raw := make([][]byte, len(parts))
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil {
			return "", ErrMalformedSecret
		}
		raw[i] = b
	}
	salt, iv, tag, ct := raw[0], raw[1], raw[2], raw[3]
	if len(iv) != ivSize || len(tag) != tagSize {
		return "", ErrMalformedSecret
	}

	key, err := c.deriveKey(salt)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("gcm.Open: %w", err)
	}
	return string(plaintext), nil
}
