// Package crypto seals small payloads at rest with AES-256-GCM. It is used to
// keep cached model answers, which can quote a user's finances, unreadable in
// a shared Redis.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

var (
	ErrEmptyKey          = errors.New("encryption key must not be empty")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// Sealer encrypts and authenticates byte payloads.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Encryptor is an AES-GCM Sealer. Output is nonce || ciphertext.
type Encryptor struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewEncryptor derives a 32-byte key from passphrase with SHA-256.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, ErrEmptyKey
	}

	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	return &Encryptor{aead: aead, rand: rand.Reader}, nil
}

func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *Encryptor) Open(sealed []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(sealed) < nonceSize+e.aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := e.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plaintext, nil
}
