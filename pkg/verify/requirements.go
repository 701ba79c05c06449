package verify

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	x402types "github.com/x402-rs/x402-paywall/pkg/types"
)

// MinSettlementBuffer is the minimum number of seconds that must remain on
// an authorization's validity window at verification time, so settlement
// can be submitted before the authorization expires on-chain.
const MinSettlementBuffer uint64 = 6

// ValidateRequirements checks the decoded authorization against the
// resource's declared requirements at the given time. Pure, no I/O.
//
// Checks short-circuit in order of cost: recipient, amount, then the time
// window. The first failure is returned as a PaymentError with its distinct
// reason code.
func ValidateRequirements(auth *x402types.ExactEvmPayloadAuthorization, requirements *x402types.PaymentRequirements, now uint64) error {
	payer := auth.From.Hex()

	if !strings.EqualFold(auth.To.Hex(), requirements.PayTo) {
		return x402types.NewRecipientMismatchError(requirements.PayTo, auth.To.Hex(), payer)
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return x402types.NewDecodingError(fmt.Sprintf("invalid value: %s", auth.Value))
	}
	required, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return x402types.NewDecodingError(fmt.Sprintf("invalid required amount: %s", requirements.MaxAmountRequired))
	}
	if value.Cmp(required) < 0 {
		return x402types.NewInsufficientValueError(payer)
	}

	validBefore, err := strconv.ParseUint(auth.ValidBefore, 10, 64)
	if err != nil {
		return x402types.NewDecodingError(fmt.Sprintf("invalid validBefore: %v", err))
	}
	if validBefore < now+MinSettlementBuffer {
		return x402types.NewInvalidTimingError(
			x402types.ReasonExpiredOrExpiring,
			fmt.Sprintf("authorization expires too soon (validBefore: %d, now: %d)", validBefore, now),
			payer,
		)
	}

	validAfter, err := strconv.ParseUint(auth.ValidAfter, 10, 64)
	if err != nil {
		return x402types.NewDecodingError(fmt.Sprintf("invalid validAfter: %v", err))
	}
	if validAfter > now {
		return x402types.NewInvalidTimingError(
			x402types.ReasonNotYetValid,
			fmt.Sprintf("authorization not yet valid (validAfter: %d, now: %d)", validAfter, now),
			payer,
		)
	}

	return nil
}
