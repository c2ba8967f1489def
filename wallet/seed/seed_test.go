package seed

import (
	"errors"
	"strings"
	"testing"

	"github.com/elnosh/nutpay/wallet/storage"
)

const testMnemonic = "half depart obvious quality work element tank gorilla view sugar picture humble"

func newEncryptedStore(t *testing.T, backing storage.Store) *storage.EncryptedStore {
	key, err := storage.LoadOrCreateKey(backing)
	if err != nil {
		t.Fatal(err)
	}
	cipher, err := storage.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	return storage.NewEncryptedStore(backing, cipher)
}

func TestGenerateAndLoad(t *testing.T) {
	store := newEncryptedStore(t, storage.NewMemoryStore())

	if _, err := Load(store); !errors.Is(err, ErrNoSeed) {
		t.Fatalf("expected error '%v' but got '%v'", ErrNoSeed, err)
	}

	generated, err := Generate(store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if words := strings.Fields(generated.Mnemonic()); len(words) != 12 {
		t.Fatalf("expected 12 words but got '%v'", len(words))
	}

	loaded, err := Load(store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Mnemonic() != generated.Mnemonic() {
		t.Fatalf("expected '%v' but got '%v'", generated.Mnemonic(), loaded.Mnemonic())
	}
	if loaded.MasterKey().String() != generated.MasterKey().String() {
		t.Fatal("master keys differ")
	}

	if _, err := Generate(store); !errors.Is(err, ErrSeedExists) {
		t.Fatalf("expected error '%v' but got '%v'", ErrSeedExists, err)
	}
}

func TestImport(t *testing.T) {
	store := storage.NewMemoryStore()

	if _, err := Import(store, "not a valid mnemonic"); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected error '%v' but got '%v'", ErrInvalidMnemonic, err)
	}

	imported, err := Import(store, testMnemonic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !imported.MasterKey().IsPrivate() {
		t.Fatal("expected private master key")
	}
}

func TestLoadWrongKey(t *testing.T) {
	backing := storage.NewMemoryStore()
	store := newEncryptedStore(t, backing)
	if _, err := Import(store, testMnemonic); err != nil {
		t.Fatal(err)
	}

	otherKey := make([]byte, storage.KeySize)
	otherKey[0] = 1
	cipher, err := storage.NewCipher(otherKey)
	if err != nil {
		t.Fatal(err)
	}
	wrong := storage.NewEncryptedStore(backing, cipher)

	_, err = Load(wrong)
	if !errors.Is(err, storage.ErrDecrypt) {
		t.Fatalf("expected error '%v' but got '%v'", storage.ErrDecrypt, err)
	}
}
