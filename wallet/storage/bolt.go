package storage

import (
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const walletBucket = "wallet"

type BoltStore struct {
	bolt *bolt.DB
}

// InitBolt opens (or creates) wallet.db under path.
func InitBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(filepath.Join(path, "wallet.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	boltStore := &BoltStore{bolt: db}
	if err := boltStore.initWalletBucket(); err != nil {
		db.Close()
		return nil, err
	}
	return boltStore, nil
}

func (db *BoltStore) initWalletBucket() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(walletBucket))
		return err
	})
}

func (db *BoltStore) Close() error {
	return db.bolt.Close()
}

func (db *BoltStore) Get(key string) ([]byte, error) {
	var value []byte
	err := db.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(walletBucket))
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// bolt values are only valid during the transaction
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (db *BoltStore) Set(key string, value []byte) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(walletBucket))
		return b.Put([]byte(key), value)
	})
}

func (db *BoltStore) Remove(key string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(walletBucket))
		return b.Delete([]byte(key))
	})
}
