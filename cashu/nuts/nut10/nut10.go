// Package nut10 parses the well-known secret format defined in [NUT-10]
//
// [NUT-10]: https://github.com/cashubtc/nuts/blob/main/10.md
package nut10

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type SecretKind int

const (
	AnyoneCanSpend SecretKind = iota
	P2PK
	HTLC
	Unknown
)

var ErrMalformedSecret = errors.New("malformed well-known secret")

func (kind SecretKind) String() string {
	switch kind {
	case AnyoneCanSpend:
		return "anyonecanspend"
	case P2PK:
		return "P2PK"
	case HTLC:
		return "HTLC"
	default:
		return "unknown"
	}
}

type WellKnownSecret struct {
	Nonce string     `json:"nonce"`
	Data  string     `json:"data"`
	Tags  [][]string `json:"tags,omitempty"`
}

// SecretType returns the kind of the secret. Plain random secrets are
// AnyoneCanSpend. A secret that looks like a well-known secret but can not
// be parsed returns ErrMalformedSecret.
func SecretType(secret string) (SecretKind, error) {
	if !strings.HasPrefix(strings.TrimSpace(secret), "[") {
		return AnyoneCanSpend, nil
	}

	kind, _, err := DeserializeSecret(secret)
	if err != nil {
		return Unknown, err
	}
	return kind, nil
}

// SerializeSecret returns the json string to be put in the secret field of a proof
func SerializeSecret(kind SecretKind, secretData WellKnownSecret) (string, error) {
	if kind != P2PK && kind != HTLC {
		return "", fmt.Errorf("invalid NUT-10 kind '%s'", kind)
	}

	jsonSecret, err := json.Marshal(secretData)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("[\"%s\", %v]", kind, string(jsonSecret)), nil
}

// DeserializeSecret returns the kind and data of a well-known secret.
func DeserializeSecret(secret string) (SecretKind, WellKnownSecret, error) {
	var rawJsonSecret []json.RawMessage
	if err := json.Unmarshal([]byte(secret), &rawJsonSecret); err != nil {
		return Unknown, WellKnownSecret{}, fmt.Errorf("%w: %v", ErrMalformedSecret, err)
	}

	// Well-known secret should have a length of exactly 2
	if len(rawJsonSecret) != 2 {
		return Unknown, WellKnownSecret{}, fmt.Errorf("%w: length %v", ErrMalformedSecret, len(rawJsonSecret))
	}

	var kindStr string
	if err := json.Unmarshal(rawJsonSecret[0], &kindStr); err != nil {
		return Unknown, WellKnownSecret{}, fmt.Errorf("%w: invalid kind", ErrMalformedSecret)
	}

	var secretData WellKnownSecret
	if err := json.Unmarshal(rawJsonSecret[1], &secretData); err != nil {
		return Unknown, WellKnownSecret{}, fmt.Errorf("%w: %v", ErrMalformedSecret, err)
	}
	if secretData.Nonce == "" || secretData.Data == "" {
		return Unknown, WellKnownSecret{}, fmt.Errorf("%w: missing nonce or data", ErrMalformedSecret)
	}

	switch kindStr {
	case "P2PK":
		return P2PK, secretData, nil
	case "HTLC":
		return HTLC, secretData, nil
	}
	return Unknown, secretData, nil
}

type SpendingCondition struct {
	Kind SecretKind
	Data string
	Tags [][]string
}

func NewSecretFromSpendingCondition(spendingCondition SpendingCondition) (string, error) {
	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", err
	}

	secretData := WellKnownSecret{
		Nonce: hex.EncodeToString(nonceBytes),
		Data:  spendingCondition.Data,
		Tags:  spendingCondition.Tags,
	}
	return SerializeSecret(spendingCondition.Kind, secretData)
}
