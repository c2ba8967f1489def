package storage

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	EncryptionKeyKey  = "encryption_key"
	EncryptionSaltKey = "encryption_salt"
	encryptionCheck   = "encryption_check"

	saltSize = 16
)

var ErrWrongPassphrase = errors.New("wrong passphrase")

// argon2id parameters
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// LoadOrCreateKey returns the random key persisted in store,
// creating it the first time.
func LoadOrCreateKey(store Store) ([]byte, error) {
	key, err := store.Get(EncryptionKeyKey)
	if err == nil {
		if len(key) != KeySize {
			return nil, ErrInvalidKey
		}
		return key, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	key = make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	if err := store.Set(EncryptionKeyKey, key); err != nil {
		return nil, err
	}
	return key, nil
}

func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeySize)
}

// LoadPassphraseKey derives the key from passphrase with the salt persisted
// in store. On first use it creates the salt and a check value so that
// a wrong passphrase is detected instead of producing unreadable data.
func LoadPassphraseKey(store Store, passphrase string) ([]byte, error) {
	salt, err := store.Get(EncryptionSaltKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return createPassphraseKey(store, passphrase)
	}

	key := DeriveKey(passphrase, salt)
	cipher, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	check, err := store.Get(encryptionCheck)
	if err != nil {
		return nil, fmt.Errorf("reading encryption check: %w", err)
	}
	if _, err := cipher.Decrypt(check); err != nil {
		return nil, ErrWrongPassphrase
	}
	return key, nil
}

func createPassphraseKey(store Store, passphrase string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	key := DeriveKey(passphrase, salt)
	cipher, err := NewCipher(key)
	if err != nil {
		return nil, err
	}
	check, err := cipher.Encrypt([]byte(encryptionCheck))
	if err != nil {
		return nil, err
	}

	if err := store.Set(encryptionCheck, check); err != nil {
		return nil, err
	}
	if err := store.Set(EncryptionSaltKey, salt); err != nil {
		return nil, err
	}
	return key, nil
}
