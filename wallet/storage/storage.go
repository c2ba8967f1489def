// Package storage provides the key-value stores that hold all wallet state
// and the authenticated encryption applied to it at rest.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("key not found")

// Store is a durable key-value store. Get returns ErrNotFound
// for keys that were never set or have been removed.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Remove(key string) error
}

// GetJSON reads key and unmarshals it into v.
// It returns false if the key is not present.
func GetJSON(store Store, key string, v any) (bool, error) {
	data, err := store.Get(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("invalid data for key '%v': %w", key, err)
	}
	return true, nil
}

func SetJSON(store Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Set(key, data)
}
