package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// X402Version is the protocol version carried in every challenge and proof.
const X402Version = 1

// Scheme represents the payment scheme
type Scheme string

const (
	SchemeExact Scheme = "exact"
)

// Network represents supported blockchain networks
type Network string

const (
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia"
)

// IsTestnet reports whether settlement for this network goes through the
// hosted relay rather than direct submission.
func (n Network) IsTestnet() bool {
	return n == NetworkBaseSepolia
}

// PaymentRequirements specifies what payment grants access to a resource.
// Every field is fixed once the challenge is issued; the client's
// authorization must match it exactly.
type PaymentRequirements struct {
	Scheme            Scheme          `json:"scheme"`
	Network           Network         `json:"network"`
	MaxAmountRequired string          `json:"maxAmountRequired"`
	Resource          string          `json:"resource"`
	Description       string          `json:"description"`
	MimeType          string          `json:"mimeType"`
	PayTo             string          `json:"payTo"`
	MaxTimeoutSeconds int             `json:"maxTimeoutSeconds"`
	Asset             common.Address  `json:"asset"`
	OutputSchema      json.RawMessage `json:"outputSchema,omitempty"`
	Extra             *AssetDomain    `json:"extra,omitempty"`
}

// AssetDomain carries the EIP-712 domain metadata of the asset contract,
// needed to reconstruct the typed data the payer signed.
type AssetDomain struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ExactEvmPayloadAuthorization is the EIP-3009 transfer authorization the
// payer signed. Value, ValidAfter and ValidBefore are decimal strings;
// Nonce is 0x-prefixed hex of 32 bytes.
type ExactEvmPayloadAuthorization struct {
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Value       string         `json:"value"`
	ValidAfter  string         `json:"validAfter"`
	ValidBefore string         `json:"validBefore"`
	Nonce       string         `json:"nonce"`
}

// ExactEvmPayload pairs the authorization with its signature.
type ExactEvmPayload struct {
	Signature     string                       `json:"signature"`
	Authorization ExactEvmPayloadAuthorization `json:"authorization"`
}

// PaymentPayload is the decoded content of the X-Payment header.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      Scheme          `json:"scheme"`
	Network     Network         `json:"network"`
	Payload     ExactEvmPayload `json:"payload"`
}

// PaymentRequiredResponse is the JSON body of every 402 response. It always
// carries the full requirements so the client can retry with a corrected
// proof without a second discovery round-trip.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// SettleResponse is the outcome of a settlement attempt.
type SettleResponse struct {
	Success     bool    `json:"success"`
	Payer       string  `json:"payer,omitempty"`
	Network     Network `json:"network,omitempty"`
	Transaction string  `json:"transaction,omitempty"`
	ErrorReason string  `json:"errorReason,omitempty"`
}

// SettleRequest is the body posted to a settlement relay.
type SettleRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// Reason codes surfaced to clients. These are the only failure strings that
// cross the HTTP boundary for verification and settlement.
const (
	ReasonMalformedProof         = "malformed_proof"
	ReasonInvalidSignature       = "invalid_signature"
	ReasonRecipientMismatch      = "recipient_mismatch"
	ReasonInsufficientValue      = "insufficient_value"
	ReasonExpiredOrExpiring      = "expired_or_expiring"
	ReasonNotYetValid            = "not_yet_valid"
	ReasonNonceAlreadyUsed       = "nonce_already_used"
	ReasonRelayError             = "relay_error"
	ReasonMissingCredentials     = "missing_credentials"
	ReasonPaymentNotYetConfirmed = "payment_not_yet_confirmed"
)

// PaymentError represents a structured verification or settlement failure.
type PaymentError struct {
	Reason  string
	Message string
	Payer   string
}

func (e *PaymentError) Error() string {
	if e.Payer != "" {
		return fmt.Sprintf("%s: %s (payer: %s)", e.Reason, e.Message, e.Payer)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Error constructors

func NewDecodingError(message string) *PaymentError {
	return &PaymentError{
		Reason:  ReasonMalformedProof,
		Message: message,
	}
}

func NewInvalidSignatureError(payer, message string) *PaymentError {
	return &PaymentError{
		Reason:  ReasonInvalidSignature,
		Message: message,
		Payer:   payer,
	}
}

func NewRecipientMismatchError(expected, actual, payer string) *PaymentError {
	return &PaymentError{
		Reason:  ReasonRecipientMismatch,
		Message: fmt.Sprintf("expected %s, got %s", expected, actual),
		Payer:   payer,
	}
}

func NewInsufficientValueError(payer string) *PaymentError {
	return &PaymentError{
		Reason:  ReasonInsufficientValue,
		Message: "payment amount less than required",
		Payer:   payer,
	}
}

func NewInvalidTimingError(reason, message, payer string) *PaymentError {
	return &PaymentError{
		Reason:  reason,
		Message: message,
		Payer:   payer,
	}
}

func NewNonceUsedError(payer string) *PaymentError {
	return &PaymentError{
		Reason:  ReasonNonceAlreadyUsed,
		Message: "payment nonce already used",
		Payer:   payer,
	}
}

// UnixTimestamp returns the current Unix timestamp in seconds
func UnixTimestamp() uint64 {
	return uint64(time.Now().Unix())
}
