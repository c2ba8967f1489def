package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/elnosh/nutpay/wallet/storage"
)

func TestRecordAndUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storage.NewMemoryStore(), 10)

	tx, err := store.Record(ctx, Transaction{
		Type:   Payment,
		Amount: 21,
		Unit:   "sat",
		Mint:   "http://localhost:3338",
		Origin: "https://api.example.com",
		Status: Pending,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Id == "" || tx.Timestamp == 0 {
		t.Fatalf("expected id and timestamp to be set: %+v", tx)
	}

	if err := store.SetStatus(ctx, tx.Id, Completed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	amount := uint64(20)
	token := "cashuB..."
	if err := store.Update(ctx, tx.Id, Update{Amount: &amount, Token: &token}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.Get(ctx, tx.Id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != Completed || got.Amount != 20 || got.Token != token {
		t.Fatalf("unexpected transaction: %+v", got)
	}

	if err := store.SetStatus(ctx, "missing", Failed); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", ErrTransactionNotFound, err)
	}
}

func TestRetentionCap(t *testing.T) {
	ctx := context.Background()
	store := NewStore(storage.NewMemoryStore(), 3)

	for i := 1; i <= 5; i++ {
		if _, err := store.Record(ctx, Transaction{Type: Receive, Amount: uint64(i), Status: Completed}); err != nil {
			t.Fatal(err)
		}
	}

	txs, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 3 {
		t.Fatalf("expected '%v' transactions but got '%v'", 3, len(txs))
	}
	// newest first
	for i, expected := range []uint64{5, 4, 3} {
		if txs[i].Amount != expected {
			t.Fatalf("expected amount '%v' but got '%v'", expected, txs[i].Amount)
		}
	}
}

func TestTransactionJSON(t *testing.T) {
	tx := Transaction{Type: Receive, Status: Failed}
	data, err := json.Marshal(tx)
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	json.Unmarshal(data, &fields)
	if fields["type"] != "receive" || fields["status"] != "failed" {
		t.Fatalf("unexpected json '%s'", data)
	}

	var invalid Transaction
	if err := json.Unmarshal([]byte(`{"type":"refund"}`), &invalid); err == nil {
		t.Fatal("expected error for invalid type")
	}
}
