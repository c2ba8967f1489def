package ledger

import (
	"encoding/json"
	"fmt"
)

type ProofStatus int

const (
	Live ProofStatus = iota
	PendingSpend
)

func (status ProofStatus) String() string {
	switch status {
	case Live:
		return "LIVE"
	case PendingSpend:
		return "PENDING_SPEND"
	default:
		return "unknown"
	}
}

func ParseProofStatus(status string) (ProofStatus, error) {
	switch status {
	case "LIVE":
		return Live, nil
	case "PENDING_SPEND":
		return PendingSpend, nil
	}
	return 0, fmt.Errorf("invalid proof status '%v'", status)
}

func (status ProofStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(status.String())
}

func (status *ProofStatus) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseProofStatus(s)
	if err != nil {
		return err
	}
	*status = parsed
	return nil
}
