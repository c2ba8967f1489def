package mints

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/elnosh/nutpay/cashu"
	"github.com/elnosh/nutpay/cashu/nuts/nut03"
	"github.com/elnosh/nutpay/cashu/nuts/nut04"
	"github.com/elnosh/nutpay/cashu/nuts/nut05"
	"github.com/elnosh/nutpay/cashu/nuts/nut07"
	"github.com/elnosh/nutpay/cashu/nuts/nut12"
	"github.com/elnosh/nutpay/crypto"
)

// SplitResult holds the proofs returned by a swap.
type SplitResult struct {
	Send   cashu.Proofs
	Change cashu.Proofs
	Fee    uint64
}

// Split swaps proofs at the mint for new proofs worth exactly amount
// plus change for whatever is left after the input fee.
func (f *Facade) Split(ctx context.Context, mint string, proofs cashu.Proofs, amount uint64) (SplitResult, error) {
	fee, err := f.InputFee(ctx, mint, proofs)
	if err != nil {
		return SplitResult{}, err
	}
	total := proofs.Amount()
	if total < amount+fee {
		return SplitResult{}, fmt.Errorf("%w: have %v, need %v", ErrInsufficientInputs, total, amount+fee)
	}

	caps, err := f.Capabilities(ctx, mint)
	if err != nil {
		return SplitResult{}, err
	}
	keyset, err := f.ActiveKeyset(ctx, mint)
	if err != nil {
		return SplitResult{}, err
	}

	sendAmounts := cashu.AmountSplit(amount)
	changeAmounts := cashu.AmountSplit(total - amount - fee)
	out, err := f.newOutputs(ctx, mint, keyset, append(sendAmounts, changeAmounts...))
	if err != nil {
		return SplitResult{}, err
	}

	sendSecrets := make(map[string]bool, len(sendAmounts))
	for _, secret := range out.secrets[:len(sendAmounts)] {
		sendSecrets[secret] = true
	}
	cashu.SortBlindedMessages(out.messages, out.secrets, out.rs)

	api, err := f.API(mint)
	if err != nil {
		return SplitResult{}, err
	}
	swapResponse, err := api.PostSwap(ctx, nut03.PostSwapRequest{Inputs: proofs, Outputs: out.messages})
	if err != nil {
		return SplitResult{}, err
	}
	if len(swapResponse.Signatures) != len(out.messages) {
		return SplitResult{}, ErrSignatureMismatch
	}

	newProofs, err := unblind(swapResponse.Signatures, out, keyset, caps.DLEQ)
	if err != nil {
		return SplitResult{}, err
	}

	result := SplitResult{Fee: fee}
	for _, proof := range newProofs {
		if sendSecrets[proof.Secret] {
			result.Send = append(result.Send, proof)
		} else {
			result.Change = append(result.Change, proof)
		}
	}
	return result, nil
}

// Receive swaps proofs from a token for fresh proofs owned by the wallet.
func (f *Facade) Receive(ctx context.Context, mint string, proofs cashu.Proofs) (cashu.Proofs, uint64, error) {
	fee, err := f.InputFee(ctx, mint, proofs)
	if err != nil {
		return nil, 0, err
	}
	total := proofs.Amount()
	if total <= fee {
		return nil, 0, fmt.Errorf("%w: token amount %v does not cover fee %v", ErrInsufficientInputs, total, fee)
	}
	result, err := f.Split(ctx, mint, proofs, total-fee)
	if err != nil {
		return nil, 0, err
	}
	return result.Send, fee, nil
}

// VerifyProofs checks the DLEQ of incoming proofs. Proofs without a
// DLEQ are accepted since senders are not required to include it.
func (f *Facade) VerifyProofs(ctx context.Context, mint string, proofs cashu.Proofs) error {
	caps, err := f.Capabilities(ctx, mint)
	if err != nil {
		return err
	}
	if !caps.DLEQ {
		return nil
	}

	byKeyset := make(map[string]cashu.Proofs)
	for _, proof := range proofs {
		byKeyset[proof.Id] = append(byKeyset[proof.Id], proof)
	}
	for id, keysetProofs := range byKeyset {
		keyset, err := f.Keyset(ctx, mint, id)
		if err != nil {
			return err
		}
		if err := nut12.VerifyProofsDLEQ(keysetProofs, keyset, false); err != nil {
			return err
		}
	}
	return nil
}

func (f *Facade) RequestMintQuote(ctx context.Context, mint string, amount uint64) (*nut04.PostMintQuoteBolt11Response, error) {
	api, err := f.API(mint)
	if err != nil {
		return nil, err
	}
	return api.PostMintQuoteBolt11(ctx, nut04.PostMintQuoteBolt11Request{Amount: amount, Unit: f.unit.String()})
}

func (f *Facade) MintQuoteState(ctx context.Context, mint, quoteId string) (*nut04.PostMintQuoteBolt11Response, error) {
	api, err := f.API(mint)
	if err != nil {
		return nil, err
	}
	return api.GetMintQuoteState(ctx, quoteId)
}

// MintProofs mints amount for a paid quote.
func (f *Facade) MintProofs(ctx context.Context, mint, quoteId string, amount uint64) (cashu.Proofs, error) {
	caps, err := f.Capabilities(ctx, mint)
	if err != nil {
		return nil, err
	}
	keyset, err := f.ActiveKeyset(ctx, mint)
	if err != nil {
		return nil, err
	}
	out, err := f.newOutputs(ctx, mint, keyset, cashu.AmountSplit(amount))
	if err != nil {
		return nil, err
	}

	api, err := f.API(mint)
	if err != nil {
		return nil, err
	}
	mintResponse, err := api.PostMintBolt11(ctx, nut04.PostMintBolt11Request{Quote: quoteId, Outputs: out.messages})
	if err != nil {
		return nil, err
	}
	if len(mintResponse.Signatures) != len(out.messages) {
		return nil, ErrSignatureMismatch
	}
	return unblind(mintResponse.Signatures, out, keyset, caps.DLEQ)
}

func (f *Facade) RequestMeltQuote(ctx context.Context, mint, invoice string) (*nut05.PostMeltQuoteBolt11Response, error) {
	api, err := f.API(mint)
	if err != nil {
		return nil, err
	}
	return api.PostMeltQuoteBolt11(ctx, nut05.PostMeltQuoteBolt11Request{Request: invoice, Unit: f.unit.String()})
}

func (f *Facade) MeltQuoteState(ctx context.Context, mint, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	api, err := f.API(mint)
	if err != nil {
		return nil, err
	}
	return api.GetMeltQuoteState(ctx, quoteId)
}

type MeltResult struct {
	State    nut05.State
	Preimage string
	Change   cashu.Proofs
	// ChangeErr is set when the payment went through but the change
	// returned by the mint could not be unblinded or verified.
	ChangeErr error
}

// Melt pays the quote with proofs. If the mint supports it, blank
// outputs are sent so the unused fee reserve comes back as change.
func (f *Facade) Melt(ctx context.Context, mint, quoteId string, proofs cashu.Proofs, feeReserve uint64) (MeltResult, error) {
	caps, err := f.Capabilities(ctx, mint)
	if err != nil {
		return MeltResult{}, err
	}

	var (
		keyset crypto.WalletKeyset
		out    outputs
	)
	if caps.BlankOutputs && feeReserve > 0 {
		keyset, err = f.ActiveKeyset(ctx, mint)
		if err != nil {
			return MeltResult{}, err
		}
		out, err = f.newOutputs(ctx, mint, keyset, blankAmounts(feeReserve))
		if err != nil {
			return MeltResult{}, err
		}
	}

	api, err := f.API(mint)
	if err != nil {
		return MeltResult{}, err
	}
	meltResponse, err := api.PostMeltBolt11(ctx, nut05.PostMeltBolt11Request{
		Quote:   quoteId,
		Inputs:  proofs,
		Outputs: out.messages,
	})
	if err != nil {
		return MeltResult{}, err
	}

	result := MeltResult{State: meltResponse.State, Preimage: meltResponse.Preimage}
	if result.State == nut05.Paid && len(meltResponse.Change) > 0 {
		change, err := unblind(meltResponse.Change, out, keyset, caps.DLEQ)
		if err != nil {
			result.ChangeErr = err
		} else {
			result.Change = change
		}
	}
	return result, nil
}

// blankAmounts returns max(ceil(log2(feeReserve)), 1) outputs. The
// amounts are placeholders the mint overwrites when returning change.
func blankAmounts(feeReserve uint64) []uint64 {
	n := bits.Len64(feeReserve - 1)
	if n < 1 {
		n = 1
	}
	amounts := make([]uint64, n)
	for i := range amounts {
		amounts[i] = 1
	}
	return amounts
}

// CheckProofStates returns the mint's view of each proof keyed by secret.
func (f *Facade) CheckProofStates(ctx context.Context, mint string, proofs cashu.Proofs) (map[string]nut07.State, error) {
	if len(proofs) == 0 {
		return map[string]nut07.State{}, nil
	}

	request, secretsByY, err := nut07.NewCheckStateRequest(proofs)
	if err != nil {
		return nil, err
	}

	api, err := f.API(mint)
	if err != nil {
		return nil, err
	}
	stateResponse, err := api.PostCheckProofState(ctx, request)
	if err != nil {
		return nil, err
	}

	states := make(map[string]nut07.State, len(proofs))
	for _, state := range stateResponse.States {
		if secret, ok := secretsByY[state.Y]; ok {
			states[secret] = state.State
		}
	}
	return states, nil
}
