// Package gateway decides, per inbound request, ADMIT or
// REJECT-WITH-CHALLENGE. It orchestrates proof decoding, replay guarding,
// signature verification, requirement validation and settlement dispatch,
// and forwards admitted requests to the protected resource handler.
package gateway

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/x402-rs/x402-paywall/pkg/logger"
	"github.com/x402-rs/x402-paywall/pkg/metrics"
	"github.com/x402-rs/x402-paywall/pkg/replay"
	"github.com/x402-rs/x402-paywall/pkg/settle"
	x402types "github.com/x402-rs/x402-paywall/pkg/types"
	"github.com/x402-rs/x402-paywall/pkg/verify"
)

const (
	// PaymentHeader carries the base64-encoded payment proof.
	PaymentHeader = "X-Payment"
	// PaymentResponseHeader echoes the settlement outcome on admitted
	// responses, base64(JSON).
	PaymentResponseHeader = "X-Payment-Response"
)

// DefaultCacheTTL is how long a verified proof admits retries of the same
// nonce. It exceeds any plausible client polling window.
const DefaultCacheTTL = 5 * time.Minute

// Config wires a Gateway's collaborators.
type Config struct {
	Verifier *verify.SignatureVerifier
	Guard    *replay.Guard
	Settler  settle.Settler
	CacheTTL time.Duration
	Logger   logger.Logger
	Metrics  metrics.Recorder
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Gateway is the admission decision point in front of protected resources.
type Gateway struct {
	verifier *verify.SignatureVerifier
	guard    *replay.Guard
	settler  settle.Settler
	cacheTTL time.Duration
	log      logger.Logger
	metrics  metrics.Recorder
	now      func() time.Time
}

// New creates a Gateway from cfg, applying defaults for optional fields.
func New(cfg Config) *Gateway {
	g := &Gateway{
		verifier: cfg.Verifier,
		guard:    cfg.Guard,
		settler:  cfg.Settler,
		cacheTTL: cfg.CacheTTL,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Now,
	}
	if g.cacheTTL == 0 {
		g.cacheTTL = DefaultCacheTTL
	}
	if g.log == nil {
		g.log = logger.NoopLogger{}
	}
	if g.metrics == nil {
		g.metrics = metrics.NoopRecorder{}
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// Protect wraps next with the admission state machine for one resource.
func (g *Gateway) Protect(next http.Handler, requirements x402types.PaymentRequirements) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		labels := map[string]string{"network": string(requirements.Network)}

		header := r.Header.Get(PaymentHeader)
		if header == "" {
			g.metrics.IncCounter("challenge", labels)
			g.challenge(w, requirements, "payment required")
			return
		}

		payload, err := x402types.DecodePayment(header)
		if err != nil {
			g.log.Debug("proof decode failed", map[string]any{"request_id": reqID, "error": err.Error()})
			g.metrics.IncCounter("challenge", labels)
			g.challenge(w, requirements, err.Error())
			return
		}

		if payload.Network != requirements.Network {
			g.metrics.IncCounter("challenge", labels)
			g.challenge(w, requirements, x402types.ReasonMalformedProof+": network mismatch")
			return
		}

		auth := &payload.Payload.Authorization
		nonce := auth.Nonce
		payer := auth.From.Hex()
		now := g.now()

		// A consumed nonce never re-enters the pipeline. Within the cache
		// TTL the recorded outcome is replayed to the client; a settlement
		// still in flight reads as not-yet-confirmed; past the TTL the
		// nonce is permanently burned.
		if g.guard.CheckConsumed(nonce) {
			outcome, state := g.guard.CheckCached(nonce, now)
			switch state {
			case replay.CacheHit:
				if outcome.Success {
					g.metrics.IncCounter("admit_cached", labels)
					g.admit(w, r, next, &outcome)
				} else {
					g.metrics.IncCounter("reject_cached", labels)
					g.reject(w, requirements, outcome.ErrorReason)
				}
			case replay.CachePending:
				g.metrics.IncCounter("pending", labels)
				g.reject(w, requirements, x402types.ReasonPaymentNotYetConfirmed)
			default:
				g.metrics.IncCounter("replay", labels)
				g.challenge(w, requirements, x402types.ReasonNonceAlreadyUsed)
			}
			return
		}

		// Pure field checks run before the signature so a cheap failure
		// never costs a chain read.
		if err := verify.ValidateRequirements(auth, &requirements, uint64(now.Unix())); err != nil {
			g.log.Debug("requirement validation failed", map[string]any{
				"request_id": reqID,
				"payer":      payer,
				"error":      err.Error(),
			})
			g.metrics.IncCounter("challenge", labels)
			g.challenge(w, requirements, err.Error())
			return
		}

		verifyStart := g.now()
		if err := g.verifier.Verify(r.Context(), &payload.Payload, &requirements); err != nil {
			g.log.Info("signature verification failed", map[string]any{
				"request_id": reqID,
				"payer":      payer,
				"error":      err.Error(),
			})
			g.metrics.IncCounter("invalid_signature", labels)
			g.challenge(w, requirements, err.Error())
			return
		}
		g.metrics.ObserveLatency("verify", g.now().Sub(verifyStart), labels)

		// Exactly one concurrent carrier of this nonce wins the mark and
		// dispatches settlement; losers observe the pending entry.
		if !g.guard.MarkVerified(nonce, payer, g.cacheTTL) {
			g.metrics.IncCounter("pending", labels)
			g.reject(w, requirements, x402types.ReasonPaymentNotYetConfirmed)
			return
		}

		settleStart := g.now()
		outcome := g.settler.Settle(r.Context(), payload, &requirements)
		g.metrics.ObserveLatency("settle", g.now().Sub(settleStart), labels)
		g.guard.RecordSettlement(nonce, *outcome)

		if !outcome.Success {
			// The nonce stays consumed even though no funds moved. This is
			// the conservative anti-double-spend tradeoff: the client must
			// construct a fresh authorization.
			g.log.Warn("settlement failed", map[string]any{
				"request_id": reqID,
				"payer":      payer,
				"reason":     outcome.ErrorReason,
			})
			g.metrics.IncCounter("reject", labels)
			g.reject(w, requirements, outcome.ErrorReason)
			return
		}

		g.log.Info("payment admitted", map[string]any{
			"request_id":  reqID,
			"payer":       payer,
			"network":     requirements.Network,
			"transaction": outcome.Transaction,
		})
		g.metrics.IncCounter("admit", labels)
		g.admit(w, r, next, outcome)
	})
}

// challenge emits a 402 whose body carries the full requirements.
func (g *Gateway) challenge(w http.ResponseWriter, requirements x402types.PaymentRequirements, reason string) {
	writePaymentRequired(w, requirements, reason)
}

// reject is wire-identical to challenge; the reason code class tells the
// client whether a retry with the same proof can succeed.
func (g *Gateway) reject(w http.ResponseWriter, requirements x402types.PaymentRequirements, reason string) {
	writePaymentRequired(w, requirements, reason)
}

func writePaymentRequired(w http.ResponseWriter, requirements x402types.PaymentRequirements, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(x402types.PaymentRequiredResponse{
		X402Version: x402types.X402Version,
		Error:       reason,
		Accepts:     []x402types.PaymentRequirements{requirements},
	})
}

// admit attaches the settlement outcome header and forwards to the
// protected resource.
func (g *Gateway) admit(w http.ResponseWriter, r *http.Request, next http.Handler, outcome *x402types.SettleResponse) {
	if raw, err := json.Marshal(outcome); err == nil {
		w.Header().Set(PaymentResponseHeader, base64.StdEncoding.EncodeToString(raw))
	}
	next.ServeHTTP(w, r)
}
