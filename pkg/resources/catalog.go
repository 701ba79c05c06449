// Package resources declares the priced resources behind the paywall and
// the public discovery surface that lists them. Providers are side-effect
// free: they return a static payload once the gateway has admitted the
// request.
package resources

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/x402-rs/x402-paywall/pkg/network"
	x402types "github.com/x402-rs/x402-paywall/pkg/types"
)

// Provider produces the payload of a protected resource after admission.
type Provider interface {
	Provide(resourceID string) (any, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(resourceID string) (any, error)

func (f ProviderFunc) Provide(resourceID string) (any, error) {
	return f(resourceID)
}

// Resource is one priced entry in the catalog. Price is a human-readable
// USDC amount ("0.10"); the wire requirements carry the smallest-unit
// integer form.
type Resource struct {
	Path         string
	Price        string
	Description  string
	MimeType     string
	OutputSchema json.RawMessage
	Provider     Provider
}

// Catalog binds resources to one payment destination on one network.
type Catalog struct {
	baseURL    string
	net        x402types.Network
	payTo      string
	deployment network.USDCDeployment
	resources  []Resource
	byPath     map[string]*Resource
}

// NewCatalog creates a catalog. All resources share the network, payee and
// asset; per-resource pricing comes from each Resource entry.
func NewCatalog(baseURL string, net x402types.Network, payTo string, resources []Resource) (*Catalog, error) {
	deployment, err := network.GetUSDCDeployment(net)
	if err != nil {
		return nil, err
	}

	c := &Catalog{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		net:        net,
		payTo:      payTo,
		deployment: deployment,
		resources:  resources,
		byPath:     make(map[string]*Resource, len(resources)),
	}
	for i := range c.resources {
		r := &c.resources[i]
		if _, err := network.ParseAmount(r.Price, deployment.Decimals); err != nil {
			return nil, fmt.Errorf("resource %s: %w", r.Path, err)
		}
		c.byPath[r.Path] = r
	}
	return c, nil
}

// Resources returns the catalog entries in declaration order.
func (c *Catalog) Resources() []Resource {
	return c.resources
}

// Lookup finds a resource by its route path.
func (c *Catalog) Lookup(path string) (*Resource, bool) {
	r, ok := c.byPath[path]
	return r, ok
}

// Requirements builds the immutable payment requirements for a resource.
func (c *Catalog) Requirements(r *Resource) x402types.PaymentRequirements {
	units, _ := network.ParseAmount(r.Price, c.deployment.Decimals) // validated in NewCatalog
	return x402types.PaymentRequirements{
		Scheme:            x402types.SchemeExact,
		Network:           c.net,
		MaxAmountRequired: units.String(),
		Resource:          c.baseURL + r.Path,
		Description:       r.Description,
		MimeType:          r.MimeType,
		PayTo:             c.payTo,
		MaxTimeoutSeconds: 300,
		Asset:             c.deployment.TokenAddress,
		OutputSchema:      r.OutputSchema,
		Extra: &x402types.AssetDomain{
			Name:    c.deployment.DomainName,
			Version: c.deployment.DomainVersion,
		},
	}
}

// discoveryResponse lists every protected resource's requirements so agents
// can find priced endpoints without trial-and-error.
type discoveryResponse struct {
	X402Version int                          `json:"x402Version"`
	Resources   []x402types.PaymentRequirements `json:"resources"`
}

// DiscoveryHandler serves the public, unauthenticated resource listing.
func (c *Catalog) DiscoveryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := discoveryResponse{X402Version: x402types.X402Version}
	for i := range c.resources {
		resp.Resources = append(resp.Resources, c.Requirements(&c.resources[i]))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Handler serves a resource's payload. The gateway calls it only after
// admitting the request.
func (c *Catalog) Handler(r *Resource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		payload, err := r.Provider.Provide(r.Path)
		if err != nil {
			http.Error(w, "resource unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", r.MimeType)
		json.NewEncoder(w).Encode(payload)
	})
}

// Default resource set, mirroring the gated content this paywall fronts.

var httpGetSchema = json.RawMessage(`{"input":{"type":"http","method":"GET","discoverable":true}}`)

// DefaultResources returns the built-in catalog entries.
func DefaultResources() []Resource {
	return []Resource{
		{
			Path:         "/api/message",
			Price:        "0.10",
			Description:  "Simple message API - test x402 payments",
			MimeType:     "application/json",
			OutputSchema: httpGetSchema,
			Provider: ProviderFunc(func(string) (any, error) {
				return map[string]any{
					"success":   true,
					"message":   "Hello from the other side! This message is protected by x402 payments.",
					"endpoint":  "/api/message",
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				}, nil
			}),
		},
		{
			Path:         "/api/ui-ux-book",
			Price:        "10.00",
			Description:  "Complete UI/UX design book with templates and resources",
			MimeType:     "application/json",
			OutputSchema: httpGetSchema,
			Provider: ProviderFunc(func(string) (any, error) {
				return map[string]any{
					"success": true,
					"message": "Payment successful! Access granted to UI/UX Design Book.",
					"downloads": []map[string]string{
						{
							"title":       "Complete UI/UX Design Book",
							"description": "Full book with all chapters, templates and bonus materials.",
							"label":       "All Resources",
							"type":        "primary",
						},
						{
							"title":       "Free Preview (Sample Chapters)",
							"description": "Sample chapters and design examples.",
							"label":       "PDF Preview",
							"type":        "preview",
						},
					},
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				}, nil
			}),
		},
		{
			Path:         "/api/shadcn-block",
			Price:        "0.01",
			Description:  "Production-ready UI component block",
			MimeType:     "application/json",
			OutputSchema: httpGetSchema,
			Provider: ProviderFunc(func(string) (any, error) {
				return map[string]any{
					"success":   true,
					"component": "CrudForm",
					"language":  "tsx",
					"code":      crudFormSnippet,
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				}, nil
			}),
		},
	}
}

const crudFormSnippet = `import { Button } from "@/components/ui/button"
import { Card, CardContent, CardHeader, CardTitle } from "@/components/ui/card"
import { Input } from "@/components/ui/input"
import { Label } from "@/components/ui/label"

export function CrudForm() {
  return (
    <Card>
      <CardHeader>
        <CardTitle>Create New Item</CardTitle>
      </CardHeader>
      <CardContent>
        <form className="space-y-4">
          <div className="space-y-2">
            <Label htmlFor="name">Name</Label>
            <Input id="name" placeholder="Enter item name" />
          </div>
          <Button type="submit">Save</Button>
        </form>
      </CardContent>
    </Card>
  )
}`
