// Package nut17 contains the websocket JSON-RPC messages defined in [NUT-17]
//
// [NUT-17]: https://github.com/cashubtc/nuts/blob/main/17.md
package nut17

import (
	"encoding/json"
	"errors"
)

type SubscriptionKind string

const (
	Bolt11MintQuote SubscriptionKind = "bolt11_mint_quote"
	Bolt11MeltQuote SubscriptionKind = "bolt11_melt_quote"
	ProofState      SubscriptionKind = "proof_state"
)

func (kind SubscriptionKind) String() string {
	return string(kind)
}

func (kind SubscriptionKind) Valid() bool {
	switch kind {
	case Bolt11MintQuote, Bolt11MeltQuote, ProofState:
		return true
	}
	return false
}

const (
	JSONRPC_2   = "2.0"
	OK          = "OK"
	SUBSCRIBE   = "subscribe"
	UNSUBSCRIBE = "unsubscribe"

	// error code used by mints for rejected requests
	ErrCodeRequest = 1000
)

var ErrInvalidMessage = errors.New("invalid websocket message")

type Request struct {
	JsonRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  RequestParams `json:"params"`
	Id      int           `json:"id"`
}

type RequestParams struct {
	Kind    SubscriptionKind `json:"kind"`
	SubId   string           `json:"subId"`
	Filters []string         `json:"filters,omitempty"`
}

func NewSubscribeRequest(id int, subId string, kind SubscriptionKind, filters []string) Request {
	return Request{
		JsonRPC: JSONRPC_2,
		Method:  SUBSCRIBE,
		Params:  RequestParams{Kind: kind, SubId: subId, Filters: filters},
		Id:      id,
	}
}

func NewUnsubscribeRequest(id int, subId string) Request {
	return Request{
		JsonRPC: JSONRPC_2,
		Method:  UNSUBSCRIBE,
		Params:  RequestParams{SubId: subId},
		Id:      id,
	}
}

// Message is anything the mint writes to the socket: a response to a
// request, a notification for a subscription or an error. Exactly one of
// Result, Params and Error is set.
type Message struct {
	JsonRPC string         `json:"jsonrpc"`
	Method  string         `json:"method,omitempty"`
	Result  *Result        `json:"result,omitempty"`
	Params  *Notification  `json:"params,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
	Id      *int           `json:"id,omitempty"`
}

type Result struct {
	Status string `json:"status"`
	SubId  string `json:"subId"`
}

type Notification struct {
	SubId   string          `json:"subId"`
	Payload json.RawMessage `json:"payload"`
}

type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e ErrorResponse) Error() string {
	return e.Message
}

func NewResult(id int, subId string) Message {
	return Message{
		JsonRPC: JSONRPC_2,
		Result:  &Result{Status: OK, SubId: subId},
		Id:      &id,
	}
}

func NewNotification(subId string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		JsonRPC: JSONRPC_2,
		Method:  SUBSCRIBE,
		Params:  &Notification{SubId: subId, Payload: data},
	}, nil
}

func NewError(id, code int, message string) Message {
	return Message{
		JsonRPC: JSONRPC_2,
		Error:   &ErrorResponse{Code: code, Message: message},
		Id:      &id,
	}
}

// DecodeMessage parses a message read from a mint's websocket.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}

	set := 0
	if msg.Result != nil {
		set++
	}
	if msg.Params != nil {
		set++
	}
	if msg.Error != nil {
		set++
	}
	if set != 1 {
		return Message{}, ErrInvalidMessage
	}
	return msg, nil
}

type InfoSetting struct {
	Supported []SupportedMethod `json:"supported"`
}

type SupportedMethod struct {
	Method   string   `json:"method"`
	Unit     string   `json:"unit"`
	Commands []string `json:"commands"`
}
