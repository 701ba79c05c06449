package verify

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/x402-rs/x402-paywall/pkg/chain/evm"
	x402types "github.com/x402-rs/x402-paywall/pkg/types"
)

// erc6492MagicSuffix marks a deferred-validation signature: the 32-byte
// suffix 0x6492...6492 defined by ERC-6492.
var erc6492MagicSuffix = bytes.Repeat([]byte{0x64, 0x92}, 16)

// erc1271MagicValue is the 4-byte sentinel a contract account returns from
// isValidSignature when the signature is valid.
var erc1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

// SignatureKind discriminates the two signature forms the verifier accepts.
type SignatureKind int

const (
	// SignaturePlain is a 65-byte ECDSA signature from a key-holding account.
	SignaturePlain SignatureKind = iota
	// SignatureDeferred is an ERC-6492 wrapped signature from a smart
	// contract wallet, possibly not yet deployed.
	SignatureDeferred
)

// Signature is the parse result of a client-supplied signature blob.
type Signature struct {
	Kind SignatureKind
	// Raw is the full blob as received, including any 6492 wrapping.
	Raw []byte
	// Inner is the unwrapped signature for the deferred form, or Raw itself
	// for the plain form.
	Inner []byte
	// Factory and FactoryData describe how to deploy the wallet before its
	// validation entry point can be invoked. Deferred form only.
	Factory     common.Address
	FactoryData []byte
}

// ParseSignature decodes a hex signature and detects the ERC-6492 wrapping
// convention.
func ParseSignature(sigHex string) (*Signature, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return nil, x402types.NewDecodingError(fmt.Sprintf("invalid signature hex: %v", err))
	}

	if len(raw) < 32 || !bytes.Equal(raw[len(raw)-32:], erc6492MagicSuffix) {
		if len(raw) != 65 {
			return nil, x402types.NewDecodingError(fmt.Sprintf("invalid signature length: %d", len(raw)))
		}
		return &Signature{Kind: SignaturePlain, Raw: raw, Inner: raw}, nil
	}

	// abi.encode(address factory, bytes factoryData, bytes innerSig) ‖ magic
	args := abi.Arguments{
		{Type: mustNewType("address")},
		{Type: mustNewType("bytes")},
		{Type: mustNewType("bytes")},
	}
	unpacked, err := args.Unpack(raw[:len(raw)-32])
	if err != nil {
		return nil, x402types.NewDecodingError(fmt.Sprintf("invalid 6492 envelope: %v", err))
	}

	factory, ok := unpacked[0].(common.Address)
	if !ok {
		return nil, x402types.NewDecodingError("invalid 6492 factory address")
	}
	factoryData, _ := unpacked[1].([]byte)
	inner, _ := unpacked[2].([]byte)
	if len(inner) == 0 {
		return nil, x402types.NewDecodingError("empty inner signature in 6492 envelope")
	}

	return &Signature{
		Kind:        SignatureDeferred,
		Raw:         raw,
		Inner:       inner,
		Factory:     factory,
		FactoryData: factoryData,
	}, nil
}

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// WrapERC6492 builds the deferred envelope around an inner signature. Used
// by test fixtures and the paying client when acting for a contract wallet.
func WrapERC6492(factory common.Address, factoryData, inner []byte) ([]byte, error) {
	args := abi.Arguments{
		{Type: mustNewType("address")},
		{Type: mustNewType("bytes")},
		{Type: mustNewType("bytes")},
	}
	packed, err := args.Pack(factory, factoryData, inner)
	if err != nil {
		return nil, fmt.Errorf("failed to pack 6492 envelope: %w", err)
	}
	return append(packed, erc6492MagicSuffix...), nil
}

// BuildDigest reconstructs the EIP-712 digest the payer must have signed:
// TransferWithAuthorization under the asset contract's domain.
func BuildDigest(auth *x402types.ExactEvmPayloadAuthorization, requirements *x402types.PaymentRequirements, chainID *big.Int) (common.Hash, error) {
	domainName, domainVersion := "USDC", "2"
	if requirements.Extra != nil {
		domainName = requirements.Extra.Name
		domainVersion = requirements.Extra.Version
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: requirements.Asset.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData), nil
}

// SignatureVerifier validates payment authorization signatures. Plain
// signatures are checked offline by ECDSA recovery; contract wallet
// signatures are treated as a capability query against chain state through
// simulated calls, never state-changing transactions.
type SignatureVerifier struct {
	backend      evm.Backend
	chainID      *big.Int
	validator    common.Address
	validatorABI abi.ABI
	erc1271ABI   abi.ABI
}

// NewSignatureVerifier creates a verifier bound to one chain.
func NewSignatureVerifier(backend evm.Backend, chainID *big.Int, validator common.Address) (*SignatureVerifier, error) {
	validatorABI, err := evm.ValidatorABI()
	if err != nil {
		return nil, fmt.Errorf("failed to load validator ABI: %w", err)
	}
	erc1271ABI, err := evm.ERC1271ABI()
	if err != nil {
		return nil, fmt.Errorf("failed to load ERC-1271 ABI: %w", err)
	}
	return &SignatureVerifier{
		backend:      backend,
		chainID:      chainID,
		validator:    validator,
		validatorABI: validatorABI,
		erc1271ABI:   erc1271ABI,
	}, nil
}

// Verify checks that payload's signature binds the authorization to the
// payer address. It returns nil on success and a PaymentError with reason
// invalid_signature (or malformed_proof for undecodable blobs) otherwise.
func (v *SignatureVerifier) Verify(ctx context.Context, payload *x402types.ExactEvmPayload, requirements *x402types.PaymentRequirements) error {
	auth := &payload.Authorization
	payer := auth.From.Hex()

	sig, err := ParseSignature(payload.Signature)
	if err != nil {
		return err
	}

	digest, err := BuildDigest(auth, requirements, v.chainID)
	if err != nil {
		return x402types.NewInvalidSignatureError(payer, fmt.Sprintf("failed to build digest: %v", err))
	}

	if sig.Kind == SignatureDeferred {
		return v.verifyDeferred(ctx, auth.From, digest, sig)
	}

	ok, err := recoverMatches(digest, sig.Inner, auth.From)
	if err != nil {
		return x402types.NewInvalidSignatureError(payer, err.Error())
	}
	if ok {
		return nil
	}

	// A deployed contract wallet has no recoverable key. Fall through to
	// its own validation entry point when the account has code.
	code, err := v.backend.CodeAt(ctx, auth.From, nil)
	if err != nil {
		return x402types.NewInvalidSignatureError(payer, fmt.Sprintf("code lookup failed: %v", err))
	}
	if len(code) == 0 {
		return x402types.NewInvalidSignatureError(payer, "recovered address does not match payer")
	}
	return v.verifyERC1271(ctx, auth.From, digest, sig.Inner)
}

// verifyDeferred validates an ERC-6492 wrapped signature through the
// universal validator contract. The validator deploys the wallet via the
// embedded factory instructions inside the simulated call when needed, then
// invokes the wallet's isValidSignature.
func (v *SignatureVerifier) verifyDeferred(ctx context.Context, signer common.Address, digest common.Hash, sig *Signature) error {
	payer := signer.Hex()

	data, err := v.validatorABI.Pack("isValidSig", signer, [32]byte(digest), sig.Raw)
	if err != nil {
		return x402types.NewInvalidSignatureError(payer, fmt.Sprintf("failed to pack isValidSig: %v", err))
	}

	msg := ethereum.CallMsg{
		To:   &v.validator,
		Data: data,
	}
	result, err := v.backend.CallContract(ctx, msg, nil)
	if err != nil {
		// The validator reverts on tampered factory data.
		return x402types.NewInvalidSignatureError(payer, fmt.Sprintf("deferred validation call failed: %v", err))
	}

	var valid bool
	if err := v.validatorABI.UnpackIntoInterface(&valid, "isValidSig", result); err != nil {
		return x402types.NewInvalidSignatureError(payer, fmt.Sprintf("failed to unpack isValidSig result: %v", err))
	}
	if !valid {
		return x402types.NewInvalidSignatureError(payer, "deferred signature rejected by validator")
	}
	return nil
}

// verifyERC1271 asks a deployed contract account to validate the signature,
// accepting only the exact magic return value.
func (v *SignatureVerifier) verifyERC1271(ctx context.Context, account common.Address, digest common.Hash, inner []byte) error {
	payer := account.Hex()

	data, err := v.erc1271ABI.Pack("isValidSignature", [32]byte(digest), inner)
	if err != nil {
		return x402types.NewInvalidSignatureError(payer, fmt.Sprintf("failed to pack isValidSignature: %v", err))
	}

	msg := ethereum.CallMsg{
		To:   &account,
		Data: data,
	}
	result, err := v.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return x402types.NewInvalidSignatureError(payer, fmt.Sprintf("isValidSignature call failed: %v", err))
	}

	var magic [4]byte
	if err := v.erc1271ABI.UnpackIntoInterface(&magic, "isValidSignature", result); err != nil {
		return x402types.NewInvalidSignatureError(payer, fmt.Sprintf("failed to unpack isValidSignature result: %v", err))
	}
	if magic != erc1271MagicValue {
		return x402types.NewInvalidSignatureError(payer, "contract account rejected signature")
	}
	return nil
}

// recoverMatches recovers the signer of digest from a 65-byte signature and
// compares it to the expected address.
func recoverMatches(digest common.Hash, sig []byte, expected common.Address) (bool, error) {
	if len(sig) != 65 {
		return false, fmt.Errorf("invalid signature length: %d", len(sig))
	}

	// copy to avoid mutating caller slice
	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return false, fmt.Errorf("failed to recover pubkey: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pubKey)
	return strings.EqualFold(recovered.Hex(), expected.Hex()), nil
}
