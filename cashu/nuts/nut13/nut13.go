// Package nut13 derives deterministic secrets and blinding factors
// as defined in [NUT-13]
//
// [NUT-13]: https://github.com/cashubtc/nuts/blob/main/13.md
package nut13

import (
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var ErrInvalidKeysetId = errors.New("keyset id must be 8 bytes of hex")

// KeysetIdInt maps a keyset id to the hardened index used in the path.
func KeysetIdInt(keysetId string) (uint32, error) {
	keysetBytes, err := hex.DecodeString(keysetId)
	if err != nil || len(keysetBytes) != 8 {
		return 0, ErrInvalidKeysetId
	}
	bigEndianBytes := binary.BigEndian.Uint64(keysetBytes)
	return uint32(bigEndianBytes % (1<<31 - 1)), nil
}

func DeriveKeysetPath(master *hdkeychain.ExtendedKey, keysetId string) (*hdkeychain.ExtendedKey, error) {
	keysetIdInt, err := KeysetIdInt(keysetId)
	if err != nil {
		return nil, err
	}

	// m/129372
	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + 129372)
	if err != nil {
		return nil, err
	}

	// m/129372'/0'
	coinType, err := purpose.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}

	// m/129372'/0'/keyset_k_int'
	return coinType.Derive(hdkeychain.HardenedKeyStart + keysetIdInt)
}

func DeriveBlindingFactor(keysetPath *hdkeychain.ExtendedKey, counter uint32) (*secp256k1.PrivateKey, error) {
	// m/129372'/0'/keyset_k_int'/counter'/1
	key, err := deriveCounterChild(keysetPath, counter, 1)
	if err != nil {
		return nil, err
	}
	return key, nil
}

func DeriveSecret(keysetPath *hdkeychain.ExtendedKey, counter uint32) (string, error) {
	// m/129372'/0'/keyset_k_int'/counter'/0
	key, err := deriveCounterChild(keysetPath, counter, 0)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key.Serialize()), nil
}

func deriveCounterChild(keysetPath *hdkeychain.ExtendedKey, counter, child uint32) (*secp256k1.PrivateKey, error) {
	counterPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + counter)
	if err != nil {
		return nil, err
	}
	childPath, err := counterPath.Derive(child)
	if err != nil {
		return nil, err
	}
	return childPath.ECPrivKey()
}
