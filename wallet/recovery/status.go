package recovery

import (
	"encoding/json"
	"fmt"
)

type MintQuoteStatus int

const (
	QuotePending MintQuoteStatus = iota
	QuotePaid
	QuoteMinted
)

func (status MintQuoteStatus) String() string {
	switch status {
	case QuotePending:
		return "pending"
	case QuotePaid:
		return "paid"
	case QuoteMinted:
		return "minted"
	default:
		return "unknown"
	}
}

func ParseMintQuoteStatus(status string) (MintQuoteStatus, error) {
	switch status {
	case "pending":
		return QuotePending, nil
	case "paid":
		return QuotePaid, nil
	case "minted":
		return QuoteMinted, nil
	}
	return 0, fmt.Errorf("invalid mint quote status '%v'", status)
}

func (status MintQuoteStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(status.String())
}

func (status *MintQuoteStatus) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMintQuoteStatus(s)
	if err != nil {
		return err
	}
	*status = parsed
	return nil
}

type TokenPurpose int

const (
	ManualSend TokenPurpose = iota
	LightningMelt
)

func (purpose TokenPurpose) String() string {
	switch purpose {
	case ManualSend:
		return "manual_send"
	case LightningMelt:
		return "lightning_melt"
	default:
		return "unknown"
	}
}

func ParseTokenPurpose(purpose string) (TokenPurpose, error) {
	switch purpose {
	case "manual_send":
		return ManualSend, nil
	case "lightning_melt":
		return LightningMelt, nil
	}
	return 0, fmt.Errorf("invalid token purpose '%v'", purpose)
}

func (purpose TokenPurpose) MarshalJSON() ([]byte, error) {
	return json.Marshal(purpose.String())
}

func (purpose *TokenPurpose) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTokenPurpose(s)
	if err != nil {
		return err
	}
	*purpose = parsed
	return nil
}

type TokenStatus int

const (
	TokenPending TokenStatus = iota
	TokenClaimed
	TokenExpired
)

func (status TokenStatus) String() string {
	switch status {
	case TokenPending:
		return "pending"
	case TokenClaimed:
		return "claimed"
	case TokenExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func ParseTokenStatus(status string) (TokenStatus, error) {
	switch status {
	case "pending":
		return TokenPending, nil
	case "claimed":
		return TokenClaimed, nil
	case "expired":
		return TokenExpired, nil
	}
	return 0, fmt.Errorf("invalid token status '%v'", status)
}

func (status TokenStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(status.String())
}

func (status *TokenStatus) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTokenStatus(s)
	if err != nil {
		return err
	}
	*status = parsed
	return nil
}
