package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/guimove/fleetfit/internal/model"
)

const (
	// pricingAPIBase is the public EC2 pricing API (no auth required).
	pricingAPIBase = "https://go.runs-on.com/api/instances"

	// pricingHTTPTimeout is the timeout for each pricing HTTP request.
	pricingHTTPTimeout = 10 * time.Second
)

// instancePricing holds the resolved on-demand and spot prices for one instance type.
type instancePricing struct {
	OnDemandPrice float64
	SpotPrice     float64
}

// pricingAPIResult maps the runs-on API response fields we need.
type pricingAPIResult struct {
	InstanceType  string  `json:"instanceType"`
	OnDemandPrice float64 `json:"onDemandPrice"`
	SpotPrice     float64 `json:"spotPrice"`
}

type pricingAPIResponse struct {
	Results []pricingAPIResult `json:"results"`
}

// EnrichWithPricing adds on-demand and spot prices to types using the public
// pricing API. Types the API does not know keep a zero price. Returns the number
// of types that got an on-demand price.
func (p *EC2Provider) EnrichWithPricing(ctx context.Context, types []model.InstanceType) int {
	priced := 0

	for i := range types {
		pricing, err := p.fetchInstancePrice(ctx, types[i].Name)
		if err != nil {
			p.log.WithError(err).WithField("instance_type", types[i].Name).Debug("no price")
			continue
		}
		if pricing.OnDemandPrice > 0 {
			types[i].OnDemandPricePerHour = pricing.OnDemandPrice
			priced++
		}
		if pricing.SpotPrice > 0 {
			types[i].SpotPricePerHour = pricing.SpotPrice
		}
	}

	return priced
}

// fetchInstancePrice queries the public pricing API for a single instance type.
// Returns both on-demand and lowest spot price across AZs.
func (p *EC2Provider) fetchInstancePrice(ctx context.Context, instanceType string) (*instancePricing, error) {
	query := url.Values{"region": {p.opts.Region}, "platform": {"Linux/UNIX"}}
	u := fmt.Sprintf("%s/%s?%s", p.pricingBase, url.PathEscape(instanceType), query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing API returned %d for %s", resp.StatusCode, instanceType)
	}

	var pr pricingAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, err
	}

	if len(pr.Results) == 0 {
		return nil, fmt.Errorf("no pricing data for %s in %s", instanceType, p.opts.Region)
	}

	// On-demand is the same across AZs; for spot, pick the lowest
	result := &instancePricing{
		OnDemandPrice: pr.Results[0].OnDemandPrice,
		SpotPrice:     pr.Results[0].SpotPrice,
	}
	for _, r := range pr.Results[1:] {
		if r.SpotPrice > 0 && (result.SpotPrice == 0 || r.SpotPrice < result.SpotPrice) {
			result.SpotPrice = r.SpotPrice
		}
	}

	return result, nil
}
