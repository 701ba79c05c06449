// Package settle executes verified payment authorizations on-chain. The
// execution strategy is chosen once at configuration time by network class:
// testnets settle through an externally hosted relay, production networks
// submit directly with a held credential.
package settle

import (
	"context"

	x402types "github.com/x402-rs/x402-paywall/pkg/types"
)

// Settler drives one settlement strategy. I/O failures are converted into
// a failed SettleResponse, never surfaced as errors: the caller always gets
// a structured outcome to relay to the client.
//
// Settlers are not idempotent by themselves; the replay guard prevents a
// second dispatch for the same nonce.
type Settler interface {
	Settle(ctx context.Context, payload *x402types.PaymentPayload, requirements *x402types.PaymentRequirements) *x402types.SettleResponse
}
