package storage

import "fmt"

// EncryptedStore encrypts values before handing them to the underlying store.
// A value that fails to decrypt is reported as ErrDecrypt, never as ErrNotFound.
type EncryptedStore struct {
	store  Store
	cipher *Cipher
}

func NewEncryptedStore(store Store, cipher *Cipher) *EncryptedStore {
	return &EncryptedStore{store: store, cipher: cipher}
}

func (e *EncryptedStore) Get(key string) ([]byte, error) {
	data, err := e.store.Get(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := e.cipher.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("key '%v': %w", key, err)
	}
	return plaintext, nil
}

func (e *EncryptedStore) Set(key string, value []byte) error {
	ciphertext, err := e.cipher.Encrypt(value)
	if err != nil {
		return err
	}
	return e.store.Set(key, ciphertext)
}

func (e *EncryptedStore) Remove(key string) error {
	return e.store.Remove(key)
}
