package settle

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/x402-rs/x402-paywall/pkg/chain/evm"
	"github.com/x402-rs/x402-paywall/pkg/logger"
	x402types "github.com/x402-rs/x402-paywall/pkg/types"
)

// settlementGasLimit covers a transferWithAuthorization call with headroom.
const settlementGasLimit = 120000

// DirectSettler submits the transferWithAuthorization call against the
// asset contract itself, paying gas from a held credential.
type DirectSettler struct {
	backend    evm.TxBackend
	chainID    *big.Int
	signer     *ecdsa.PrivateKey
	signerAddr common.Address
	usdcABI    abi.ABI
	log        logger.Logger
}

// NewDirectSettler creates a direct settler. privateKeyHex may be empty, in
// which case every Settle call fails fast with missing_credentials; this
// lets configuration construct the strategy unconditionally and surface the
// credential problem per request instead of at startup.
func NewDirectSettler(backend evm.TxBackend, chainID *big.Int, privateKeyHex string, log logger.Logger) (*DirectSettler, error) {
	usdcABI, err := evm.USDCABI()
	if err != nil {
		return nil, fmt.Errorf("failed to load USDC ABI: %w", err)
	}

	s := &DirectSettler{
		backend: backend,
		chainID: chainID,
		usdcABI: usdcABI,
		log:     log,
	}

	if privateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		s.signer = key
		s.signerAddr = crypto.PubkeyToAddress(key.PublicKey)
	}

	return s, nil
}

// Settle implements Settler.
func (s *DirectSettler) Settle(ctx context.Context, payload *x402types.PaymentPayload, requirements *x402types.PaymentRequirements) *x402types.SettleResponse {
	auth := &payload.Payload.Authorization
	payer := auth.From.Hex()

	if s.signer == nil {
		return &x402types.SettleResponse{
			Success:     false,
			Payer:       payer,
			Network:     requirements.Network,
			ErrorReason: x402types.ReasonMissingCredentials,
		}
	}

	nonce32, err := x402types.ParseNonce(auth.Nonce)
	if err != nil {
		return s.failure(payer, requirements.Network, fmt.Sprintf("invalid nonce: %v", err))
	}

	sigBytes, err := hex.DecodeString(strings.TrimPrefix(payload.Payload.Signature, "0x"))
	if err != nil {
		return s.failure(payer, requirements.Network, fmt.Sprintf("invalid signature: %v", err))
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return s.failure(payer, requirements.Network, "invalid value")
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return s.failure(payer, requirements.Network, "invalid validAfter")
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return s.failure(payer, requirements.Network, "invalid validBefore")
	}

	tx, err := s.transferWithAuthorization(ctx, requirements.Asset, auth.From, auth.To, value, validAfter, validBefore, nonce32, sigBytes)
	if err != nil {
		return s.failure(payer, requirements.Network, fmt.Sprintf("transaction failed: %v", err))
	}

	receipt, err := bind.WaitMined(ctx, s.backend, tx)
	if err != nil {
		return s.failure(payer, requirements.Network, fmt.Sprintf("waiting for tx failed: %v", err))
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return s.failure(payer, requirements.Network, "transaction reverted")
	}

	s.log.Info("settlement submitted", map[string]any{
		"payer":       payer,
		"network":     requirements.Network,
		"transaction": tx.Hash().Hex(),
	})

	return &x402types.SettleResponse{
		Success:     true,
		Payer:       payer,
		Network:     requirements.Network,
		Transaction: tx.Hash().Hex(),
	}
}

// transferWithAuthorization packs, signs and submits the EIP-3009 call.
func (s *DirectSettler) transferWithAuthorization(
	ctx context.Context,
	token, from, to common.Address,
	value, validAfter, validBefore *big.Int,
	nonce [32]byte,
	signature []byte,
) (*ethtypes.Transaction, error) {
	txNonce, err := s.backend.PendingNonceAt(ctx, s.signerAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	data, err := s.usdcABI.Pack(
		"transferWithAuthorization",
		from,
		to,
		value,
		validAfter,
		validBefore,
		nonce,
		signature,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack transferWithAuthorization: %w", err)
	}

	tx := ethtypes.NewTransaction(
		txNonce,
		token,
		big.NewInt(0),
		settlementGasLimit,
		gasPrice,
		data,
	)

	signedTx, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(s.chainID), s.signer)
	if err != nil {
		return nil, fmt.Errorf("failed to sign tx: %w", err)
	}

	if err := s.backend.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("failed to send tx: %w", err)
	}

	return signedTx, nil
}

func (s *DirectSettler) failure(payer string, network x402types.Network, detail string) *x402types.SettleResponse {
	s.log.Error("direct settlement failed", map[string]any{
		"payer":   payer,
		"network": network,
		"detail":  detail,
	})
	return &x402types.SettleResponse{
		Success:     false,
		Payer:       payer,
		Network:     network,
		ErrorReason: detail,
	}
}
