package verify

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/x402-rs/x402-paywall/pkg/chain/evm"
	x402types "github.com/x402-rs/x402-paywall/pkg/types"
)

var testChainID = big.NewInt(84532)

var testValidator = common.HexToAddress("0xdAcD51A54883eb67D95FAEb2BBfdC4a9a6BD2a3B")

// fakeBackend implements evm.Backend for offline tests. code maps accounts
// to their bytecode; call decides the outcome of every simulated call.
type fakeBackend struct {
	code map[common.Address][]byte
	call func(msg ethereum.CallMsg) ([]byte, error)
}

func (f *fakeBackend) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	return f.code[account], nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return f.call(msg)
}

func signAuthorization(t *testing.T, key *ecdsa.PrivateKey, auth *x402types.ExactEvmPayloadAuthorization, req *x402types.PaymentRequirements) []byte {
	t.Helper()
	digest, err := BuildDigest(auth, req, testChainID)
	if err != nil {
		t.Fatalf("BuildDigest failed: %v", err)
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return sig
}

func newVerifier(t *testing.T, backend evm.Backend) *SignatureVerifier {
	t.Helper()
	v, err := NewSignatureVerifier(backend, testChainID, testValidator)
	if err != nil {
		t.Fatalf("NewSignatureVerifier failed: %v", err)
	}
	return v
}

func TestVerifyPlainSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}

	now := uint64(1700000000)
	req := testRequirements()
	auth := testAuthorization(now)
	auth.From = crypto.PubkeyToAddress(key.PublicKey)

	sig := signAuthorization(t, key, auth, req)
	payload := &x402types.ExactEvmPayload{
		Signature:     "0x" + hex.EncodeToString(sig),
		Authorization: *auth,
	}

	backend := &fakeBackend{call: func(ethereum.CallMsg) ([]byte, error) {
		t.Fatal("plain verification must not touch the chain")
		return nil, nil
	}}

	if err := newVerifier(t, backend).Verify(context.Background(), payload, req); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifyPlainSignatureTamperedAuthorization(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}

	now := uint64(1700000000)
	req := testRequirements()
	auth := testAuthorization(now)
	auth.From = crypto.PubkeyToAddress(key.PublicKey)

	sig := signAuthorization(t, key, auth, req)

	// Bump the value after signing.
	tampered := *auth
	tampered.Value = "999999"
	payload := &x402types.ExactEvmPayload{
		Signature:     "0x" + hex.EncodeToString(sig),
		Authorization: tampered,
	}

	backend := &fakeBackend{} // no code at payer, no calls expected
	backend.call = func(ethereum.CallMsg) ([]byte, error) { return nil, nil }

	err = newVerifier(t, backend).Verify(context.Background(), payload, req)
	if err == nil {
		t.Fatal("expected verification failure")
	}
	if perr, ok := err.(*x402types.PaymentError); !ok || perr.Reason != x402types.ReasonInvalidSignature {
		t.Errorf("expected %s, got %v", x402types.ReasonInvalidSignature, err)
	}
}

func TestVerifyDeferredSignature(t *testing.T) {
	now := uint64(1700000000)
	req := testRequirements()
	auth := testAuthorization(now)
	wallet := common.HexToAddress("0x00000000000000000000000000000000000C0FEE")
	auth.From = wallet

	factory := common.HexToAddress("0x0000000000000000000000000000000000FAC104")
	factoryData := []byte{0xde, 0xad, 0xbe, 0xef}
	inner := bytes.Repeat([]byte{0x42}, 65)

	wrapped, err := WrapERC6492(factory, factoryData, inner)
	if err != nil {
		t.Fatalf("WrapERC6492 failed: %v", err)
	}
	payload := &x402types.ExactEvmPayload{
		Signature:     "0x" + hex.EncodeToString(wrapped),
		Authorization: *auth,
	}

	validatorABI, err := evm.ValidatorABI()
	if err != nil {
		t.Fatalf("ValidatorABI failed: %v", err)
	}

	// The fake validator accepts only signatures whose embedded factory
	// matches the expected one, mimicking the on-chain simulation.
	backend := &fakeBackend{call: func(msg ethereum.CallMsg) ([]byte, error) {
		if msg.To == nil || *msg.To != testValidator {
			t.Fatalf("deferred validation must target the validator, got %v", msg.To)
		}
		args, err := validatorABI.Methods["isValidSig"].Inputs.Unpack(msg.Data[4:])
		if err != nil {
			t.Fatalf("failed to unpack isValidSig call: %v", err)
		}
		wrappedSig := args[2].([]byte)
		parsed, err := ParseSignature("0x" + hex.EncodeToString(wrappedSig))
		if err != nil {
			t.Fatalf("validator received unparseable signature: %v", err)
		}
		ok := parsed.Factory == factory
		return validatorABI.Methods["isValidSig"].Outputs.Pack(ok)
	}}

	if err := newVerifier(t, backend).Verify(context.Background(), payload, req); err != nil {
		t.Fatalf("expected deferred signature to pass, got %v", err)
	}

	// Same envelope with a tampered factory address must fail.
	badWrapped, err := WrapERC6492(common.HexToAddress("0x0000000000000000000000000000000000000BAD"), factoryData, inner)
	if err != nil {
		t.Fatalf("WrapERC6492 failed: %v", err)
	}
	payload.Signature = "0x" + hex.EncodeToString(badWrapped)

	err = newVerifier(t, backend).Verify(context.Background(), payload, req)
	if err == nil {
		t.Fatal("expected tampered factory to fail verification")
	}
	if perr, ok := err.(*x402types.PaymentError); !ok || perr.Reason != x402types.ReasonInvalidSignature {
		t.Errorf("expected %s, got %v", x402types.ReasonInvalidSignature, err)
	}
}

func TestVerifyDeployedContractWallet(t *testing.T) {
	now := uint64(1700000000)
	req := testRequirements()
	auth := testAuthorization(now)
	wallet := common.HexToAddress("0x00000000000000000000000000000000000C0DED")
	auth.From = wallet

	inner := bytes.Repeat([]byte{0x99}, 65)
	payload := &x402types.ExactEvmPayload{
		Signature:     "0x" + hex.EncodeToString(inner),
		Authorization: *auth,
	}

	erc1271ABI, err := evm.ERC1271ABI()
	if err != nil {
		t.Fatalf("ERC1271ABI failed: %v", err)
	}

	backend := &fakeBackend{
		code: map[common.Address][]byte{wallet: {0x60, 0x80}},
		call: func(msg ethereum.CallMsg) ([]byte, error) {
			if msg.To == nil || *msg.To != wallet {
				t.Fatalf("1271 check must target the wallet, got %v", msg.To)
			}
			return erc1271ABI.Methods["isValidSignature"].Outputs.Pack([4]byte{0x16, 0x26, 0xba, 0x7e})
		},
	}

	if err := newVerifier(t, backend).Verify(context.Background(), payload, req); err != nil {
		t.Fatalf("expected 1271 signature to pass, got %v", err)
	}

	// A wallet returning anything but the magic value is rejected.
	backend.call = func(msg ethereum.CallMsg) ([]byte, error) {
		return erc1271ABI.Methods["isValidSignature"].Outputs.Pack([4]byte{0x00, 0x00, 0x00, 0x00})
	}
	if err := newVerifier(t, backend).Verify(context.Background(), payload, req); err == nil {
		t.Fatal("expected non-magic return to fail verification")
	}
}

func TestParseSignatureForms(t *testing.T) {
	plain, err := ParseSignature("0x" + strings.Repeat("ab", 65))
	if err != nil {
		t.Fatalf("plain parse failed: %v", err)
	}
	if plain.Kind != SignaturePlain {
		t.Errorf("expected plain kind")
	}

	wrapped, err := WrapERC6492(
		common.HexToAddress("0x0000000000000000000000000000000000FAC104"),
		[]byte{0x01},
		bytes.Repeat([]byte{0xcd}, 65),
	)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	deferred, err := ParseSignature("0x" + hex.EncodeToString(wrapped))
	if err != nil {
		t.Fatalf("deferred parse failed: %v", err)
	}
	if deferred.Kind != SignatureDeferred {
		t.Errorf("expected deferred kind")
	}
	if deferred.Factory != common.HexToAddress("0x0000000000000000000000000000000000FAC104") {
		t.Errorf("factory mismatch: %s", deferred.Factory.Hex())
	}
	if len(deferred.Inner) != 65 {
		t.Errorf("inner length = %d, want 65", len(deferred.Inner))
	}

	if _, err := ParseSignature("0x1234"); err == nil {
		t.Error("expected error for truncated signature")
	}
}
