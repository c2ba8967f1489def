// Package history records the wallet's payments and receipts.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elnosh/nutpay/wallet/mutex"
	"github.com/elnosh/nutpay/wallet/storage"
	"github.com/google/uuid"
)

const (
	transactionsKey = "history/transactions"

	DefaultMaxTransactions = 1000
)

var ErrTransactionNotFound = errors.New("transaction not found")

type TxType int

const (
	Payment TxType = iota
	Receive
)

func (t TxType) String() string {
	switch t {
	case Payment:
		return "payment"
	case Receive:
		return "receive"
	default:
		return "unknown"
	}
}

func (t TxType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TxType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "payment":
		*t = Payment
	case "receive":
		*t = Receive
	default:
		return fmt.Errorf("invalid transaction type '%v'", s)
	}
	return nil
}

type TxStatus int

const (
	Pending TxStatus = iota
	Completed
	Failed
)

func (s TxStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s TxStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *TxStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "pending":
		*s = Pending
	case "completed":
		*s = Completed
	case "failed":
		*s = Failed
	default:
		return fmt.Errorf("invalid transaction status '%v'", str)
	}
	return nil
}

type Transaction struct {
	Id        string   `json:"id"`
	Type      TxType   `json:"type"`
	Amount    uint64   `json:"amount"`
	Unit      string   `json:"unit"`
	Mint      string   `json:"mint"`
	Origin    string   `json:"origin,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Status    TxStatus `json:"status"`
	Token     string   `json:"token,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Update holds the fields that may change after a transaction is recorded.
// Nil fields are left as they are.
type Update struct {
	Status *TxStatus
	Amount *uint64
	Token  *string
	Error  *string
}

type Store struct {
	store   storage.Store
	mu      *mutex.Mutex
	maxSize int
	now     func() time.Time
}

// NewStore keeps at most maxSize transactions, dropping the oldest first.
func NewStore(store storage.Store, maxSize int) *Store {
	if maxSize <= 0 {
		maxSize = DefaultMaxTransactions
	}
	return &Store{store: store, mu: mutex.New(), maxSize: maxSize, now: time.Now}
}

func (s *Store) load() ([]Transaction, error) {
	var txs []Transaction
	if _, err := storage.GetJSON(s.store, transactionsKey, &txs); err != nil {
		return nil, fmt.Errorf("loading transactions: %w", err)
	}
	return txs, nil
}

// Record appends tx, assigning its id and timestamp, and returns it.
func (s *Store) Record(ctx context.Context, tx Transaction) (Transaction, error) {
	tx.Id = uuid.NewString()
	tx.Timestamp = s.now().Unix()

	err := mutex.Do(ctx, s.mu, func() error {
		txs, err := s.load()
		if err != nil {
			return err
		}
		txs = append(txs, tx)
		if len(txs) > s.maxSize {
			txs = txs[len(txs)-s.maxSize:]
		}
		return storage.SetJSON(s.store, transactionsKey, txs)
	})
	if err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

func (s *Store) Update(ctx context.Context, id string, update Update) error {
	return mutex.Do(ctx, s.mu, func() error {
		txs, err := s.load()
		if err != nil {
			return err
		}
		for i := range txs {
			if txs[i].Id != id {
				continue
			}
			if update.Status != nil {
				txs[i].Status = *update.Status
			}
			if update.Amount != nil {
				txs[i].Amount = *update.Amount
			}
			if update.Token != nil {
				txs[i].Token = *update.Token
			}
			if update.Error != nil {
				txs[i].Error = *update.Error
			}
			return storage.SetJSON(s.store, transactionsKey, txs)
		}
		return fmt.Errorf("%w: %v", ErrTransactionNotFound, id)
	})
}

func (s *Store) SetStatus(ctx context.Context, id string, status TxStatus) error {
	return s.Update(ctx, id, Update{Status: &status})
}

func (s *Store) Get(ctx context.Context, id string) (Transaction, error) {
	txs, err := s.load()
	if err != nil {
		return Transaction{}, err
	}
	for _, tx := range txs {
		if tx.Id == id {
			return tx, nil
		}
	}
	return Transaction{}, fmt.Errorf("%w: %v", ErrTransactionNotFound, id)
}

// List returns transactions newest first.
func (s *Store) List(ctx context.Context) ([]Transaction, error) {
	txs, err := s.load()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}
	return txs, nil
}
