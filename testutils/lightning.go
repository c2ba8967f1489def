package testutils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const FakePreimage = "0000000000000000"

type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Preimage       string
	Amount         uint64
	Settled        bool
}

// FakeBackend stands in for the mint's Lightning node.
// Outgoing payments always succeed.
type FakeBackend struct {
	mu       sync.Mutex
	invoices []Invoice
}

func (fb *FakeBackend) CreateInvoice(amount uint64) (Invoice, error) {
	req, preimage, paymentHash, err := CreateFakeInvoice(amount)
	if err != nil {
		return Invoice{}, err
	}

	invoice := Invoice{
		PaymentRequest: req,
		PaymentHash:    paymentHash,
		Preimage:       preimage,
		Amount:         amount,
	}
	fb.mu.Lock()
	fb.invoices = append(fb.invoices, invoice)
	fb.mu.Unlock()
	return invoice, nil
}

// SettleInvoice marks an invoice created by the backend as paid.
func (fb *FakeBackend) SettleInvoice(hash string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	idx := slices.IndexFunc(fb.invoices, func(i Invoice) bool {
		return i.PaymentHash == hash
	})
	if idx == -1 {
		return errors.New("invoice does not exist")
	}
	fb.invoices[idx].Settled = true
	return nil
}

func (fb *FakeBackend) SendPayment(request string) (string, error) {
	invoice, err := decodepay.Decodepay(request)
	if err != nil {
		return "", fmt.Errorf("error decoding invoice: %v", err)
	}

	fb.mu.Lock()
	fb.invoices = append(fb.invoices, Invoice{
		PaymentRequest: request,
		PaymentHash:    invoice.PaymentHash,
		Preimage:       FakePreimage,
		Settled:        true,
	})
	fb.mu.Unlock()
	return FakePreimage, nil
}

// InvoiceAmount returns the amount in sats of a bolt11 invoice.
func InvoiceAmount(request string) (uint64, error) {
	invoice, err := decodepay.Decodepay(request)
	if err != nil {
		return 0, fmt.Errorf("error decoding invoice: %v", err)
	}
	if invoice.MSatoshi <= 0 {
		return 0, errors.New("invoice has no amount")
	}
	return uint64(invoice.MSatoshi) / 1000, nil
}

// CreateFakeInvoice returns a signed signet invoice for amount sats
// with its preimage and payment hash.
func CreateFakeInvoice(amount uint64) (string, string, string, error) {
	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		return "", "", "", err
	}
	preimage := hex.EncodeToString(random[:])
	paymentHash := sha256.Sum256(random[:])
	hash := hex.EncodeToString(paymentHash[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description("test"),
	)
	if err != nil {
		return "", "", "", err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return []byte{}, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return "", "", "", err
	}

	return invoiceStr, preimage, hash, nil
}
