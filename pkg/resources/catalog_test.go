package resources

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	x402types "github.com/x402-rs/x402-paywall/pkg/types"
)

const testPayTo = "0x384Aa214be0B279cbf211e9b2C992d8633F77848"

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog("http://localhost:3000", x402types.NetworkBaseSepolia, testPayTo, DefaultResources())
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	return c
}

func TestRequirementsComplete(t *testing.T) {
	c := testCatalog(t)

	r, ok := c.Lookup("/api/message")
	if !ok {
		t.Fatal("missing /api/message")
	}

	reqs := c.Requirements(r)
	if reqs.Scheme != x402types.SchemeExact {
		t.Errorf("scheme = %s", reqs.Scheme)
	}
	if reqs.Network != x402types.NetworkBaseSepolia {
		t.Errorf("network = %s", reqs.Network)
	}
	if reqs.MaxAmountRequired != "100000" {
		t.Errorf("maxAmountRequired = %s, want 100000 (0.10 USDC in smallest units)", reqs.MaxAmountRequired)
	}
	if reqs.Resource != "http://localhost:3000/api/message" {
		t.Errorf("resource = %s", reqs.Resource)
	}
	if reqs.PayTo != testPayTo {
		t.Errorf("payTo = %s", reqs.PayTo)
	}
	if reqs.Asset.Hex() != "0x036CbD53842c5426634e7929541eC2318f3dCF7e" {
		t.Errorf("asset = %s", reqs.Asset.Hex())
	}
	if reqs.Extra == nil || reqs.Extra.Name != "USDC" || reqs.Extra.Version != "2" {
		t.Errorf("signing domain = %+v", reqs.Extra)
	}
	if reqs.MaxTimeoutSeconds == 0 {
		t.Error("maxTimeoutSeconds unset")
	}
}

func TestPerResourcePricing(t *testing.T) {
	c := testCatalog(t)

	want := map[string]string{
		"/api/message":      "100000",
		"/api/ui-ux-book":   "10000000",
		"/api/shadcn-block": "10000",
	}
	for path, units := range want {
		r, ok := c.Lookup(path)
		if !ok {
			t.Errorf("missing %s", path)
			continue
		}
		if got := c.Requirements(r).MaxAmountRequired; got != units {
			t.Errorf("%s: maxAmountRequired = %s, want %s", path, got, units)
		}
	}
}

func TestNewCatalogRejectsBadPrice(t *testing.T) {
	_, err := NewCatalog("http://localhost:3000", x402types.NetworkBaseSepolia, testPayTo, []Resource{
		{Path: "/bad", Price: "0.0000001"}, // below USDC resolution
	})
	if err == nil {
		t.Fatal("expected error for sub-unit price")
	}
}

func TestDiscoveryListsEveryResource(t *testing.T) {
	c := testCatalog(t)

	rec := httptest.NewRecorder()
	c.DiscoveryHandler(rec, httptest.NewRequest(http.MethodGet, "/discovery", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		X402Version int                             `json:"x402Version"`
		Resources   []x402types.PaymentRequirements `json:"resources"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad discovery body: %v", err)
	}
	if resp.X402Version != x402types.X402Version {
		t.Errorf("x402Version = %d", resp.X402Version)
	}
	if len(resp.Resources) != len(DefaultResources()) {
		t.Fatalf("listed %d resources, want %d", len(resp.Resources), len(DefaultResources()))
	}
	for _, r := range resp.Resources {
		if r.MaxAmountRequired == "" || r.PayTo == "" || r.Resource == "" {
			t.Errorf("incomplete discovery entry: %+v", r)
		}
	}
}

func TestDiscoveryRejectsNonGet(t *testing.T) {
	c := testCatalog(t)

	rec := httptest.NewRecorder()
	c.DiscoveryHandler(rec, httptest.NewRequest(http.MethodPost, "/discovery", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHandlerServesProviderPayload(t *testing.T) {
	c := testCatalog(t)
	r, _ := c.Lookup("/api/message")

	rec := httptest.NewRecorder()
	c.Handler(r).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/message", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if body["success"] != true {
		t.Errorf("payload = %v", body)
	}
}
