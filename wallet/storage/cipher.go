package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	KeySize   = 32
	NonceSize = 12
)

var (
	ErrDecrypt     = errors.New("could not decrypt stored data")
	ErrInvalidKey  = errors.New("encryption key must be 32 bytes")
	ErrShortCipher = errors.New("ciphertext too short")
)

// Cipher is AES-256-GCM. Ciphertexts are laid out as nonce(12) || ciphertext+tag.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt fails with ErrDecrypt if the data was tampered with
// or encrypted under a different key.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < NonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, ErrShortCipher)
	}
	nonce, ciphertext := data[:NonceSize], data[NonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
