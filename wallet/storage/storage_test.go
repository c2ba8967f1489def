package storage

import (
	"bytes"
	"errors"
	"log"
	"os"
	"testing"
)

var dbpath string

func TestMain(m *testing.M) {
	code, err := testMain(m)
	if err != nil {
		log.Println(err)
	}
	os.Exit(code)
}

func testMain(m *testing.M) (int, error) {
	var err error
	dbpath, err = os.MkdirTemp("", "nutpay-storage")
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(dbpath)

	return m.Run(), nil
}

func testStore(t *testing.T, store Store) {
	t.Helper()

	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", ErrNotFound, err)
	}

	if err := store.Set("key", []byte("value")); err != nil {
		t.Fatalf("error setting key: %v", err)
	}
	value, err := store.Get("key")
	if err != nil {
		t.Fatalf("error getting key: %v", err)
	}
	if !bytes.Equal(value, []byte("value")) {
		t.Fatalf("expected '%s' but got '%s'", "value", value)
	}

	if err := store.Set("key", []byte("updated")); err != nil {
		t.Fatalf("error setting key: %v", err)
	}
	value, _ = store.Get("key")
	if !bytes.Equal(value, []byte("updated")) {
		t.Fatalf("expected '%s' but got '%s'", "updated", value)
	}

	if err := store.Remove("key"); err != nil {
		t.Fatalf("error removing key: %v", err)
	}
	if _, err := store.Get("key"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", ErrNotFound, err)
	}
	// removing again is not an error
	if err := store.Remove("key"); err != nil {
		t.Fatalf("unexpected error removing missing key: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	testStore(t, store)

	// stored values must not alias the caller's slice
	value := []byte("abc")
	store.Set("alias", value)
	value[0] = 'x'
	got, _ := store.Get("alias")
	if string(got) != "abc" {
		t.Fatalf("expected '%v' but got '%s'", "abc", got)
	}
}

func TestBoltStore(t *testing.T) {
	store, err := InitBolt(dbpath)
	if err != nil {
		t.Fatalf("error opening bolt store: %v", err)
	}
	testStore(t, store)

	store.Set("persist", []byte("yes"))
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := InitBolt(dbpath)
	if err != nil {
		t.Fatalf("error reopening bolt store: %v", err)
	}
	defer reopened.Close()
	value, err := reopened.Get("persist")
	if err != nil || string(value) != "yes" {
		t.Fatalf("expected value to persist but got '%s' '%v'", value, err)
	}
}

func TestSQLiteStore(t *testing.T) {
	store, err := InitSQLite(dbpath)
	if err != nil {
		t.Fatalf("error opening sqlite store: %v", err)
	}
	testStore(t, store)

	store.Set("persist", []byte("yes"))
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// migrations must be idempotent
	reopened, err := InitSQLite(dbpath)
	if err != nil {
		t.Fatalf("error reopening sqlite store: %v", err)
	}
	defer reopened.Close()
	value, err := reopened.Get("persist")
	if err != nil || string(value) != "yes" {
		t.Fatalf("expected value to persist but got '%s' '%v'", value, err)
	}
}

func TestEncryptedStore(t *testing.T) {
	backing := NewMemoryStore()
	key, err := LoadOrCreateKey(backing)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	again, _ := LoadOrCreateKey(backing)
	if !bytes.Equal(key, again) {
		t.Fatal("key changed after reload")
	}

	cipher, err := NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	store := NewEncryptedStore(backing, cipher)
	testStore(t, store)

	if err := store.Set("ledger", []byte("proofs")); err != nil {
		t.Fatal(err)
	}
	raw, _ := backing.Get("ledger")
	if bytes.Contains(raw, []byte("proofs")) {
		t.Fatal("value stored in plaintext")
	}
	if len(raw) != NonceSize+len("proofs")+16 {
		t.Fatalf("unexpected ciphertext length '%v'", len(raw))
	}

	// tampered ciphertext
	raw[len(raw)-1] ^= 0xff
	backing.Set("ledger", raw)
	if _, err := store.Get("ledger"); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected error '%v' but got '%v'", ErrDecrypt, err)
	}

	// wrong key
	store.Set("ledger", []byte("proofs"))
	otherKey := bytes.Repeat([]byte{1}, KeySize)
	otherCipher, _ := NewCipher(otherKey)
	other := NewEncryptedStore(backing, otherCipher)
	_, err = other.Get("ledger")
	if !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected error '%v' but got '%v'", ErrDecrypt, err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("decrypt failure reported as not found")
	}

	backing.Set("short", []byte{1, 2, 3})
	if _, err := store.Get("short"); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected error '%v' but got '%v'", ErrDecrypt, err)
	}
}

func TestNewCipherInvalidKey(t *testing.T) {
	if _, err := NewCipher([]byte("short")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected error '%v' but got '%v'", ErrInvalidKey, err)
	}
}

func TestLoadPassphraseKey(t *testing.T) {
	store := NewMemoryStore()

	key, err := LoadPassphraseKey(store, "correct horse")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != KeySize {
		t.Fatalf("expected key of size '%v' but got '%v'", KeySize, len(key))
	}

	again, err := LoadPassphraseKey(store, "correct horse")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(key, again) {
		t.Fatal("same passphrase derived a different key")
	}

	if _, err := LoadPassphraseKey(store, "wrong"); !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("expected error '%v' but got '%v'", ErrWrongPassphrase, err)
	}
}

func TestJSONHelpers(t *testing.T) {
	store := NewMemoryStore()

	var values []int
	found, err := GetJSON(store, "values", &values)
	if err != nil || found {
		t.Fatalf("expected missing key but got '%v' '%v'", found, err)
	}

	if err := SetJSON(store, "values", []int{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	found, err = GetJSON(store, "values", &values)
	if err != nil || !found {
		t.Fatalf("expected key but got '%v' '%v'", found, err)
	}
	if len(values) != 3 {
		t.Fatalf("expected '%v' values but got '%v'", 3, len(values))
	}

	store.Set("bad", []byte("{"))
	if _, err := GetJSON(store, "bad", &values); err == nil {
		t.Fatal("expected error for invalid json")
	}
}
