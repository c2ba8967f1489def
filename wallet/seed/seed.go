// Package seed keeps the wallet's BIP-39 mnemonic and derives the
// master key used for deterministic secrets.
package seed

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/elnosh/nutpay/wallet/storage"
	"github.com/tyler-smith/go-bip39"
)

const mnemonicKey = "seed/mnemonic"

var (
	ErrInvalidMnemonic = errors.New("invalid mnemonic")
	ErrSeedExists      = errors.New("wallet already has a seed")
	ErrNoSeed          = errors.New("wallet has no seed")
)

// Seed holds the mnemonic and the master key derived from it.
type Seed struct {
	mnemonic string
	master   *hdkeychain.ExtendedKey
}

func (s *Seed) Mnemonic() string {
	return s.mnemonic
}

func (s *Seed) MasterKey() *hdkeychain.ExtendedKey {
	return s.master
}

func fromMnemonic(mnemonic string) (*Seed, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("error deriving master key: %v", err)
	}
	return &Seed{mnemonic: mnemonic, master: master}, nil
}

// Generate creates a new 12 word mnemonic and saves it in the store.
func Generate(store storage.Store) (*Seed, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return nil, fmt.Errorf("error generating entropy: %v", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("error generating mnemonic: %v", err)
	}
	return Import(store, mnemonic)
}

// Import saves an existing mnemonic. It will not overwrite a seed
// that is already in the store.
func Import(store storage.Store, mnemonic string) (*Seed, error) {
	seed, err := fromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}

	if _, err := store.Get(mnemonicKey); err == nil {
		return nil, ErrSeedExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if err := store.Set(mnemonicKey, []byte(mnemonic)); err != nil {
		return nil, fmt.Errorf("error saving mnemonic: %w", err)
	}
	return seed, nil
}

// Load returns ErrNoSeed if the wallet was created without one.
// Decryption failures are returned as is.
func Load(store storage.Store) (*Seed, error) {
	data, err := store.Get(mnemonicKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoSeed
		}
		return nil, fmt.Errorf("error loading mnemonic: %w", err)
	}
	return fromMnemonic(string(data))
}
