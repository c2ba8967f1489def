// Package nut18 encodes and decodes the payment requests defined in [NUT-18]
//
// [NUT-18]: https://github.com/cashubtc/nuts/blob/main/18.md
package nut18

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const (
	PaymentRequestPrefix = "creq"
	PaymentRequestV1     = "A"
)

var ErrInvalidPaymentRequest = errors.New("invalid payment request")

type PaymentRequest struct {
	Id          string      `json:"i,omitempty"`
	Amount      uint64      `json:"a,omitempty"`
	Unit        string      `json:"u,omitempty"`
	SingleUse   bool        `json:"s,omitempty"`
	Mints       []string    `json:"m,omitempty"`
	Description string      `json:"d,omitempty"`
	Transports  []Transport `json:"t,omitempty"`
}

type Transport struct {
	Type   string     `json:"t"`
	Target string     `json:"a"`
	Tags   [][]string `json:"g,omitempty"`
}

func (p PaymentRequest) Encode() (string, error) {
	requestBytes, err := cbor.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("cbor.Marshal: %v", err)
	}
	return PaymentRequestPrefix + PaymentRequestV1 + base64.URLEncoding.EncodeToString(requestBytes), nil
}

func Decode(request string) (PaymentRequest, error) {
	prefix := PaymentRequestPrefix + PaymentRequestV1
	if !strings.HasPrefix(request, prefix) {
		return PaymentRequest{}, fmt.Errorf("%w: missing '%v' prefix", ErrInvalidPaymentRequest, prefix)
	}

	encoded := strings.TrimPrefix(request, prefix)
	requestBytes, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		requestBytes, err = base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return PaymentRequest{}, fmt.Errorf("%w: %v", ErrInvalidPaymentRequest, err)
		}
	}

	var paymentRequest PaymentRequest
	if err := cbor.Unmarshal(requestBytes, &paymentRequest); err != nil {
		return PaymentRequest{}, fmt.Errorf("%w: %v", ErrInvalidPaymentRequest, err)
	}
	return paymentRequest, nil
}
