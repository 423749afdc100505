package store

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// encPrefix marks sealed values in the YAML file, so plaintext configs
// written by hand load without a passphrase.
const encPrefix = "enc:"

// Cipher seals and opens individual secret strings.
type Cipher interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

// Plaintext is the no-op cipher used when no passphrase is configured.
type Plaintext struct{}

func (Plaintext) Seal(plaintext string) (string, error) { return plaintext, nil }

// Open refuses sealed values: they need a passphrase to recover.
func (Plaintext) Open(stored string) (string, error) {
	if strings.HasPrefix(stored, encPrefix) {
		return "", fmt.Errorf("value is encrypted but no passphrase is configured")
	}
	return stored, nil
}

// KeyCipher encrypts secrets with ChaCha20-Poly1305 under a key derived
// from a passphrase via scrypt. Each sealed value carries its own salt and
// nonce, base64-encoded behind the enc: prefix.
type KeyCipher struct {
	passphrase []byte
}

// NewKeyCipher builds a cipher from the given passphrase.
func NewKeyCipher(passphrase string) *KeyCipher {
	return &KeyCipher{passphrase: []byte(passphrase)}
}

const saltSize = 16

func (c *KeyCipher) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(c.passphrase, salt, 1<<15, 8, 1, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return chacha20poly1305.New(key)
}

// Seal encrypts plaintext and returns enc:<base64(salt|nonce|ciphertext)>.
func (c *KeyCipher) Seal(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	aead, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)

	blob := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)

	return encPrefix + base64.StdEncoding.EncodeToString(blob), nil
}

// Open decrypts a sealed value. Values without the enc: prefix pass through
// unchanged, so hand-written plaintext configs keep working.
func (c *KeyCipher) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}

	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("decoding sealed value: %w", err)
	}
	if len(blob) < saltSize+chacha20poly1305.NonceSize {
		return "", fmt.Errorf("sealed value too short")
	}

	salt := blob[:saltSize]
	aead, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := blob[saltSize : saltSize+aead.NonceSize()]
	ciphertext := blob[saltSize+aead.NonceSize():]

	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("opening sealed value: %w", err)
	}
	return string(plain), nil
}
