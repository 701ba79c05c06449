package settle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/x402-rs/x402-paywall/pkg/logger"
	x402types "github.com/x402-rs/x402-paywall/pkg/types"
)

// maxRelayResponseBytes bounds how much of a relay error body is carried
// into the diagnostic reason.
const maxRelayResponseBytes = 4096

// RelaySettler forwards the full authorization and requirements to an
// external settlement relay which executes the on-chain transfer.
type RelaySettler struct {
	endpoint string
	client   *http.Client
	log      logger.Logger
}

// NewRelaySettler creates a settler posting to the relay's /settle route.
func NewRelaySettler(endpoint string, log logger.Logger) *RelaySettler {
	return &RelaySettler{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

// relayResult is the subset of the relay's settle response this module
// consumes.
type relayResult struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	ErrorReason string `json:"errorReason"`
}

// Settle implements Settler.
func (s *RelaySettler) Settle(ctx context.Context, payload *x402types.PaymentPayload, requirements *x402types.PaymentRequirements) *x402types.SettleResponse {
	payer := payload.Payload.Authorization.From.Hex()

	body, err := json.Marshal(&x402types.SettleRequest{
		X402Version:         x402types.X402Version,
		PaymentPayload:      *payload,
		PaymentRequirements: *requirements,
	})
	if err != nil {
		return s.relayError(payer, requirements.Network, fmt.Sprintf("failed to marshal settle request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/settle", bytes.NewReader(body))
	if err != nil {
		return s.relayError(payer, requirements.Network, fmt.Sprintf("failed to build settle request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return s.relayError(payer, requirements.Network, fmt.Sprintf("relay request failed: %v", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayResponseBytes))
	if err != nil {
		return s.relayError(payer, requirements.Network, fmt.Sprintf("failed to read relay response: %v", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.log.Warn("relay rejected settlement", map[string]any{
			"status": resp.StatusCode,
			"payer":  payer,
			"body":   string(raw),
		})
		return s.relayError(payer, requirements.Network, fmt.Sprintf("relay returned %d: %s", resp.StatusCode, string(raw)))
	}

	var result relayResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return s.relayError(payer, requirements.Network, fmt.Sprintf("malformed relay response: %v", err))
	}
	if !result.Success && result.Transaction == "" {
		reason := result.ErrorReason
		if reason == "" {
			reason = "relay reported failure without a reason"
		}
		return s.relayError(payer, requirements.Network, reason)
	}

	s.log.Info("settlement relayed", map[string]any{
		"payer":       payer,
		"network":     requirements.Network,
		"transaction": result.Transaction,
	})

	return &x402types.SettleResponse{
		Success:     true,
		Payer:       payer,
		Network:     requirements.Network,
		Transaction: result.Transaction,
	}
}

func (s *RelaySettler) relayError(payer string, network x402types.Network, detail string) *x402types.SettleResponse {
	return &x402types.SettleResponse{
		Success:     false,
		Payer:       payer,
		Network:     network,
		ErrorReason: fmt.Sprintf("%s: %s", x402types.ReasonRelayError, detail),
	}
}
