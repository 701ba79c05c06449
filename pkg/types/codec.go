package types

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// DecodePayment decodes the base64(JSON) wire form of a payment proof, as
// carried in the X-Payment request header, into a PaymentPayload.
//
// All failures are DecodingError: the caller cannot distinguish a corrupt
// blob from a well-formed blob of the wrong shape, and does not need to.
func DecodePayment(wire string) (*PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(wire))
	if err != nil {
		return nil, NewDecodingError(fmt.Sprintf("invalid base64: %v", err))
	}

	var payload PaymentPayload
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return nil, NewDecodingError(fmt.Sprintf("invalid payload JSON: %v", err))
	}

	if payload.X402Version != X402Version {
		return nil, NewDecodingError(fmt.Sprintf("unsupported x402 version: %d", payload.X402Version))
	}
	if payload.Scheme != SchemeExact {
		return nil, NewDecodingError(fmt.Sprintf("unsupported scheme: %s", payload.Scheme))
	}
	if payload.Payload.Signature == "" {
		return nil, NewDecodingError("missing signature")
	}

	auth := &payload.Payload.Authorization
	if auth.Value == "" || auth.ValidAfter == "" || auth.ValidBefore == "" {
		return nil, NewDecodingError("incomplete authorization")
	}
	if _, err := ParseNonce(auth.Nonce); err != nil {
		return nil, err
	}

	return &payload, nil
}

// EncodePayment is the inverse of DecodePayment. It is used by the paying
// client and by test fixtures; the gateway never encodes proofs.
func EncodePayment(payload *PaymentPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ParseNonce converts a 0x-prefixed hex nonce to its 32-byte form.
func ParseNonce(nonce string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(nonce, "0x")
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, NewDecodingError(fmt.Sprintf("invalid nonce hex: %v", err))
	}
	if len(b) != 32 {
		return out, NewDecodingError(fmt.Sprintf("nonce must be 32 bytes, got %d", len(b)))
	}
	copy(out[:], b)
	return out, nil
}
