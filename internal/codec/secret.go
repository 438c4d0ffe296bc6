package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// kdfPBKDF2 marks payloads whose key is derived from a password.
	kdfPBKDF2 = "pbkdf2-sha256"
	// kdfRaw marks payloads encrypted with a pre-derived key, e.g. a
	// hardware-bound secret unwrapped by a platform credential service.
	kdfRaw = "raw"

	keySize           = 32
	saltSize          = 16
	defaultIterations = 210_000
)

// Secret is an encryption credential: either a user password (key derived
// per file via PBKDF2) or a pre-derived 32-byte key.
type Secret struct {
	password []byte
	key      []byte
}

// PasswordSecret wraps a user-supplied password.
func PasswordSecret(password string) *Secret {
	return &Secret{password: []byte(password)}
}

// KeySecret wraps a pre-derived 32-byte key.
func KeySecret(key []byte) *Secret {
	return &Secret{key: append([]byte(nil), key...)}
}

func (s *Secret) kdf() string {
	if s.key != nil {
		return kdfRaw
	}
	return kdfPBKDF2
}

// deriveKey produces the AES key for the given payload KDF parameters.
// A secret of the wrong kind for the payload (a password against a
// raw-key file) is a credential mismatch, not corruption.
func (s *Secret) deriveKey(kdf string, salt []byte, iterations int) ([]byte, error) {
	if s.key != nil {
		if len(s.key) != keySize {
			return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrBadCredential, keySize, len(s.key))
		}
		return s.key, nil
	}
	if kdf == kdfRaw {
		return nil, fmt.Errorf("%w: file is locked with a pre-derived key, not a password", ErrBadCredential)
	}
	if iterations <= 0 {
		return nil, fmt.Errorf("%w: invalid kdf iterations %d", ErrInvalidFormat, iterations)
	}
	return pbkdf2.Key(s.password, salt, iterations, keySize, sha256.New), nil
}

// seal encrypts plaintext with AES-256-GCM under the derived key.
func seal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// open decrypts an AES-256-GCM payload. An authentication failure means
// the key is wrong, which callers must treat as a credential error, not
// corruption.
func open(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrInvalidFormat, len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCredential, err)
	}
	return plaintext, nil
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}
