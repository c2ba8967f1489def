// Package nut07 contains structs as defined in [NUT-07]
//
// [NUT-07]: https://github.com/cashubtc/nuts/blob/main/07.md
package nut07

import (
	"encoding/hex"
	"fmt"

	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/crypto"
)

type State int

const (
	Unspent State = iota
	Pending
	Spent
)

var stateNames = map[State]string{
	Unspent: "UNSPENT",
	Pending: "PENDING",
	Spent:   "SPENT",
}

func (state State) String() string {
	if name, ok := stateNames[state]; ok {
		return name
	}
	return "unknown"
}

func (state State) MarshalText() ([]byte, error) {
	name, ok := stateNames[state]
	if !ok {
		return nil, fmt.Errorf("invalid proof state %d", int(state))
	}
	return []byte(name), nil
}

func (state *State) UnmarshalText(text []byte) error {
	for s, name := range stateNames {
		if name == string(text) {
			*state = s
			return nil
		}
	}
	return fmt.Errorf("invalid proof state '%s'", text)
}

type PostCheckStateRequest struct {
	Ys []string `json:"Ys"`
}

type PostCheckStateResponse struct {
	States []ProofState `json:"states"`
}

type ProofState struct {
	Y       string `json:"Y"`
	State   State  `json:"state"`
	Witness string `json:"witness,omitempty"`
}

// ProofY returns the hex encoded Y = hash_to_curve(secret) a mint uses
// to identify a proof.
func ProofY(proof cashu.Proof) (string, error) {
	Y, err := crypto.HashToCurve([]byte(proof.Secret))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(Y.SerializeCompressed()), nil
}

// NewCheckStateRequest builds the request for the proofs and returns the
// secret of each Y in it.
func NewCheckStateRequest(proofs cashu.Proofs) (PostCheckStateRequest, map[string]string, error) {
	Ys := make([]string, len(proofs))
	secrets := make(map[string]string, len(proofs))
	for i, proof := range proofs {
		Y, err := ProofY(proof)
		if err != nil {
			return PostCheckStateRequest{}, nil, err
		}
		Ys[i] = Y
		secrets[Y] = proof.Secret
	}
	return PostCheckStateRequest{Ys: Ys}, secrets, nil
}
