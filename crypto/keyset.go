package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const maxOrder = 64

var ErrUnknownAmount = errors.New("keyset has no key for amount")

// WalletKeyset is the wallet's view of a mint keyset: public keys only.
type WalletKeyset struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	PublicKeys  map[uint64]*secp256k1.PublicKey
	InputFeePpk uint
}

func (ks WalletKeyset) PublicKey(amount uint64) (*secp256k1.PublicKey, error) {
	pubkey, ok := ks.PublicKeys[amount]
	if !ok {
		return nil, fmt.Errorf("%w %v", ErrUnknownAmount, amount)
	}
	return pubkey, nil
}

// Amounts returns the amounts the keyset can sign, ascending.
func (ks WalletKeyset) Amounts() []uint64 {
	amounts := make([]uint64, 0, len(ks.PublicKeys))
	for amount := range ks.PublicKeys {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)
	return amounts
}

// MintKeyset holds private keys. Only used by the in-process test mint.
type MintKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPathIdx uint32
	Keys              map[uint64]KeyPair
	InputFeePpk       uint
}

type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

// GenerateKeyset derives one key per power of two from
// m/0'/0'/index'/i
func GenerateKeyset(master *hdkeychain.ExtendedKey, index uint32, inputFeePpk uint) (*MintKeyset, error) {
	keys := make(map[uint64]KeyPair, maxOrder)

	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}
	coinType, err := purpose.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}
	keysetPath, err := coinType.Derive(hdkeychain.HardenedKeyStart + index)
	if err != nil {
		return nil, err
	}

	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << i
		amountPath, err := keysetPath.Derive(uint32(i))
		if err != nil {
			return nil, err
		}
		privateKey, err := amountPath.ECPrivKey()
		if err != nil {
			return nil, err
		}
		keys[amount] = KeyPair{PrivateKey: privateKey, PublicKey: privateKey.PubKey()}
	}

	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, key := range keys {
		publicKeys[amount] = key.PublicKey
	}

	return &MintKeyset{
		Id:                DeriveKeysetId(publicKeys),
		Unit:              "sat",
		Active:            true,
		DerivationPathIdx: index,
		Keys:              keys,
		InputFeePpk:       inputFeePpk,
	}, nil
}

func (ks *MintKeyset) PublicKeys() map[uint64]*secp256k1.PublicKey {
	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(ks.Keys))
	for amount, key := range ks.Keys {
		publicKeys[amount] = key.PublicKey
	}
	return publicKeys
}

// DeriveKeysetId returns "00" followed by the first 14 hex characters of
// sha256 over the compressed public keys sorted by amount.
func DeriveKeysetId(keyset map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keyset))
	for amount := range keyset {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	pubkeys := make([]byte, 0, len(amounts)*33)
	for _, amount := range amounts {
		pubkeys = append(pubkeys, keyset[amount].SerializeCompressed()...)
	}
	hash := sha256.Sum256(pubkeys)

	return "00" + hex.EncodeToString(hash[:])[:14]
}

// MapPubKeys parses the hex keys returned by the mint.
func MapPubKeys(keys map[uint64]string) (map[uint64]*secp256k1.PublicKey, error) {
	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, key := range keys {
		pkbytes, err := hex.DecodeString(key)
		if err != nil {
			return nil, err
		}
		pubkey, err := secp256k1.ParsePubKey(pkbytes)
		if err != nil {
			return nil, err
		}
		publicKeys[amount] = pubkey
	}
	return publicKeys, nil
}

// PublicKeysToHex is the inverse of MapPubKeys.
func PublicKeysToHex(keys map[uint64]*secp256k1.PublicKey) map[uint64]string {
	hexKeys := make(map[uint64]string, len(keys))
	for amount, key := range keys {
		hexKeys[amount] = hex.EncodeToString(key.SerializeCompressed())
	}
	return hexKeys
}
