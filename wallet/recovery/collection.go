package recovery

import (
	"context"
	"fmt"

	"github.com/elnosh/nutpay/wallet/mutex"
	"github.com/elnosh/nutpay/wallet/storage"
)

// collection is a list of records persisted as a whole under one key.
type collection[T any] struct {
	store storage.Store
	key   string
	mu    *mutex.Mutex
}

func newCollection[T any](store storage.Store, key string) *collection[T] {
	return &collection[T]{store: store, key: key, mu: mutex.New()}
}

func (c *collection[T]) load() ([]T, error) {
	var records []T
	if _, err := storage.GetJSON(c.store, c.key, &records); err != nil {
		return nil, fmt.Errorf("loading %v: %w", c.key, err)
	}
	return records, nil
}

func (c *collection[T]) update(ctx context.Context, fn func([]T) ([]T, error)) error {
	return mutex.Do(ctx, c.mu, func() error {
		records, err := c.load()
		if err != nil {
			return err
		}
		updated, err := fn(records)
		if err != nil {
			return err
		}
		if err := storage.SetJSON(c.store, c.key, updated); err != nil {
			return fmt.Errorf("saving %v: %w", c.key, err)
		}
		return nil
	})
}
