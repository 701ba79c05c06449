// Package client is an HTTP client that settles x402 payment challenges
// automatically: on a 402 it constructs and signs a transfer authorization,
// retries with the proof attached, and polls while settlement is pending.
package client

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/x402-rs/x402-paywall/pkg/gateway"
	"github.com/x402-rs/x402-paywall/pkg/network"
	x402types "github.com/x402-rs/x402-paywall/pkg/types"
	"github.com/x402-rs/x402-paywall/pkg/verify"
)

// ErrPaymentPending is returned when settlement stayed unconfirmed through
// every polling attempt. The proof's nonce may still settle server-side.
var ErrPaymentPending = errors.New("payment not confirmed within polling budget")

// authorizationValidity is how long a freshly minted authorization stays
// acceptable. Generous next to the server's settlement buffer.
const authorizationValidity = 10 * time.Minute

// clockSkewGrace backdates validAfter so a slightly fast client clock does
// not produce a not-yet-valid authorization.
const clockSkewGrace = 60 * time.Second

// PayingClient wraps http.Client with automatic payment handling.
type PayingClient struct {
	client     *http.Client
	signer     *ecdsa.PrivateKey
	signerAddr common.Address

	// MaxAttempts bounds how many times one proof is re-presented while
	// settlement is pending.
	MaxAttempts int
	// PollDelay is the fixed wait between pending retries.
	PollDelay time.Duration
}

// NewPayingClient creates a client paying from the given key.
func NewPayingClient(privateKeyHex string) (*PayingClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &PayingClient{
		client:      &http.Client{Timeout: 60 * time.Second},
		signer:      key,
		signerAddr:  crypto.PubkeyToAddress(key.PublicKey),
		MaxAttempts: 10,
		PollDelay:   2 * time.Second,
	}, nil
}

// Address returns the paying account.
func (c *PayingClient) Address() common.Address {
	return c.signerAddr
}

// Get performs a GET request, paying if challenged.
func (c *PayingClient) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Do executes req, transparently answering a 402 challenge. A single proof
// is minted per call; while the server reports the payment as not yet
// confirmed, the same proof is re-presented up to MaxAttempts times.
func (c *PayingClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	requirements, err := parseChallenge(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse payment challenge: %w", err)
	}

	proof, err := c.mintProof(requirements)
	if err != nil {
		return nil, fmt.Errorf("failed to build payment proof: %w", err)
	}

	for attempt := 0; attempt < c.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(c.PollDelay):
			}
		}

		retry := req.Clone(req.Context())
		retry.Header.Set(gateway.PaymentHeader, proof)

		resp, err = c.client.Do(retry)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusPaymentRequired {
			return resp, nil
		}

		reason, perr := challengeReason(resp)
		resp.Body.Close()
		if perr != nil {
			return nil, perr
		}
		if reason != x402types.ReasonPaymentNotYetConfirmed {
			return nil, fmt.Errorf("payment rejected: %s", reason)
		}
	}

	return nil, ErrPaymentPending
}

// Outcome decodes the settlement outcome header from an admitted response.
func Outcome(resp *http.Response) (*x402types.SettleResponse, error) {
	encoded := resp.Header.Get(gateway.PaymentResponseHeader)
	if encoded == "" {
		return nil, errors.New("response carries no settlement outcome")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid settlement outcome header: %w", err)
	}
	var outcome x402types.SettleResponse
	if err := json.Unmarshal(raw, &outcome); err != nil {
		return nil, fmt.Errorf("invalid settlement outcome header: %w", err)
	}
	return &outcome, nil
}

// parseChallenge reads the 402 body and returns its first accepted
// requirements entry.
func parseChallenge(resp *http.Response) (*x402types.PaymentRequirements, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}

	var challenge x402types.PaymentRequiredResponse
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, err
	}
	if len(challenge.Accepts) == 0 {
		return nil, errors.New("challenge lists no payment options")
	}
	return &challenge.Accepts[0], nil
}

// challengeReason extracts the error field of a 402 body.
func challengeReason(resp *http.Response) (string, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", err
	}
	var challenge x402types.PaymentRequiredResponse
	if err := json.Unmarshal(body, &challenge); err != nil {
		return "", err
	}
	return challenge.Error, nil
}

// mintProof constructs, signs and encodes a fresh authorization satisfying
// requirements.
func (c *PayingClient) mintProof(requirements *x402types.PaymentRequirements) (string, error) {
	chainID, err := network.GetChainID(requirements.Network)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := time.Now()
	auth := x402types.ExactEvmPayloadAuthorization{
		From:        c.signerAddr,
		To:          common.HexToAddress(requirements.PayTo),
		Value:       requirements.MaxAmountRequired,
		ValidAfter:  strconv.FormatInt(now.Add(-clockSkewGrace).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(authorizationValidity).Unix(), 10),
		Nonce:       "0x" + hex.EncodeToString(nonce),
	}

	digest, err := verify.BuildDigest(&auth, requirements, chainID)
	if err != nil {
		return "", fmt.Errorf("failed to build digest: %w", err)
	}

	signature, err := crypto.Sign(digest.Bytes(), c.signer)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	if signature[64] < 27 {
		signature[64] += 27
	}

	return x402types.EncodePayment(&x402types.PaymentPayload{
		X402Version: x402types.X402Version,
		Scheme:      x402types.SchemeExact,
		Network:     requirements.Network,
		Payload: x402types.ExactEvmPayload{
			Signature:     "0x" + hex.EncodeToString(signature),
			Authorization: auth,
		},
	})
}
