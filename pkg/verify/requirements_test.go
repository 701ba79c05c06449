package verify

import (
	"strconv"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	x402types "github.com/x402-rs/x402-paywall/pkg/types"
)

const (
	testPayTo = "0x384Aa214be0B279cbf211e9b2C992d8633F77848"
	testPayer = "0xE4d365a5a8fC0DCEE9E3C5985D7FcBab8B4A0fE1"
)

func testRequirements() *x402types.PaymentRequirements {
	return &x402types.PaymentRequirements{
		Scheme:            x402types.SchemeExact,
		Network:           x402types.NetworkBaseSepolia,
		MaxAmountRequired: "100000",
		PayTo:             testPayTo,
		Asset:             common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		Extra:             &x402types.AssetDomain{Name: "USDC", Version: "2"},
	}
}

func testAuthorization(now uint64) *x402types.ExactEvmPayloadAuthorization {
	return &x402types.ExactEvmPayloadAuthorization{
		From:        common.HexToAddress(testPayer),
		To:          common.HexToAddress(testPayTo),
		Value:       "100000",
		ValidAfter:  itoa(now - 10),
		ValidBefore: itoa(now + 300),
		Nonce:       "0x1111111111111111111111111111111111111111111111111111111111111111",
	}
}

func itoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	if err == nil {
		t.Fatal("expected validation error")
	}
	perr, ok := err.(*x402types.PaymentError)
	if !ok {
		t.Fatalf("expected PaymentError, got %T: %v", err, err)
	}
	return perr.Reason
}

func TestValidateRequirementsAccepts(t *testing.T) {
	now := uint64(1700000000)
	if err := ValidateRequirements(testAuthorization(now), testRequirements(), now); err != nil {
		t.Fatalf("expected valid authorization, got %v", err)
	}
}

func TestValidateRequirementsRecipientMismatch(t *testing.T) {
	now := uint64(1700000000)
	auth := testAuthorization(now)
	auth.To = common.HexToAddress("0x0000000000000000000000000000000000000001")

	if got := reasonOf(t, ValidateRequirements(auth, testRequirements(), now)); got != x402types.ReasonRecipientMismatch {
		t.Errorf("reason = %s, want %s", got, x402types.ReasonRecipientMismatch)
	}
}

func TestValidateRequirementsCaseInsensitiveRecipient(t *testing.T) {
	now := uint64(1700000000)
	req := testRequirements()
	req.PayTo = "0x384aa214be0b279cbf211e9b2c992d8633f77848" // lowercased

	if err := ValidateRequirements(testAuthorization(now), req, now); err != nil {
		t.Fatalf("recipient compare must be case-insensitive, got %v", err)
	}
}

func TestValidateRequirementsInsufficientValue(t *testing.T) {
	now := uint64(1700000000)
	auth := testAuthorization(now)
	auth.Value = "99999"

	if got := reasonOf(t, ValidateRequirements(auth, testRequirements(), now)); got != x402types.ReasonInsufficientValue {
		t.Errorf("reason = %s, want %s", got, x402types.ReasonInsufficientValue)
	}
}

func TestValidateRequirementsOverpaymentAccepted(t *testing.T) {
	now := uint64(1700000000)
	auth := testAuthorization(now)
	auth.Value = "250000"

	if err := ValidateRequirements(auth, testRequirements(), now); err != nil {
		t.Fatalf("value above required must pass, got %v", err)
	}
}

func TestValidateRequirementsExpiryBoundary(t *testing.T) {
	now := uint64(1700000000)

	// Exactly now + buffer passes.
	auth := testAuthorization(now)
	auth.ValidBefore = itoa(now + MinSettlementBuffer)
	if err := ValidateRequirements(auth, testRequirements(), now); err != nil {
		t.Fatalf("validBefore == now+buffer must pass, got %v", err)
	}

	// One second less fails.
	auth.ValidBefore = itoa(now + MinSettlementBuffer - 1)
	if got := reasonOf(t, ValidateRequirements(auth, testRequirements(), now)); got != x402types.ReasonExpiredOrExpiring {
		t.Errorf("reason = %s, want %s", got, x402types.ReasonExpiredOrExpiring)
	}
}

func TestValidateRequirementsNotYetValid(t *testing.T) {
	now := uint64(1700000000)
	auth := testAuthorization(now)
	auth.ValidAfter = itoa(now + 60)

	if got := reasonOf(t, ValidateRequirements(auth, testRequirements(), now)); got != x402types.ReasonNotYetValid {
		t.Errorf("reason = %s, want %s", got, x402types.ReasonNotYetValid)
	}
}

func TestValidateRequirementsOrdering(t *testing.T) {
	// An authorization failing both the value and time checks reports the
	// value failure: cheaper checks run first.
	now := uint64(1700000000)
	auth := testAuthorization(now)
	auth.Value = "1"
	auth.ValidBefore = itoa(now + 1)

	if got := reasonOf(t, ValidateRequirements(auth, testRequirements(), now)); got != x402types.ReasonInsufficientValue {
		t.Errorf("reason = %s, want %s", got, x402types.ReasonInsufficientValue)
	}
}
