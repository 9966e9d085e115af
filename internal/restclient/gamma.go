package restclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"arb-core/pkg/venue"
)

// gammaMarket is the JSON shape the Gamma metadata API returns for a single
// market. Field set adapted from the teacher's market/scanner.go GammaMarket,
// trimmed to what resolving a venue.MarketDescriptor needs — the scoring
// fields (Spread, Volume24hr, liquidity-derived ranking) that drove the
// teacher's discovery scan have no home here: engine startup takes
// markets.ids as given rather than discovering and ranking its own universe.
type gammaMarket struct {
	ID                    string `json:"id"`
	Question              string `json:"question"`
	Slug                  string `json:"slug"`
	Active                bool   `json:"active"`
	Closed                bool   `json:"closed"`
	AcceptingOrders       bool   `json:"acceptingOrders"`
	EndDate               string `json:"endDate"`
	Outcomes              string `json:"outcomes"`
	ClobTokenIds          string `json:"clobTokenIds"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
	OrderMinSize          float64 `json:"orderMinSize"`
}

// GammaClient fetches market metadata by id, converting it into the
// venue.MarketDescriptor shape MarketRegistry.New consumes.
type GammaClient struct {
	http *resty.Client
}

// NewGammaClient constructs a client pointed at the Gamma metadata API
// (config.APIConfig.GammaBaseURL).
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(15 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second),
	}
}

// DescribeMarkets resolves each configured market id into a
// venue.MarketDescriptor. A market id that fails to fetch or parse is
// reported in the returned error slice rather than aborting the whole
// batch, mirroring market.Registry.New's partial-failure contract one
// layer up: a bad id should not prevent every other configured market from
// starting.
func (g *GammaClient) DescribeMarkets(ctx context.Context, ids []string) ([]venue.MarketDescriptor, []error) {
	descs := make([]venue.MarketDescriptor, 0, len(ids))
	var errs []error
	for _, id := range ids {
		d, err := g.describeOne(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("gamma: market %s: %w", id, err))
			continue
		}
		descs = append(descs, d)
	}
	return descs, errs
}

func (g *GammaClient) describeOne(ctx context.Context, id string) (venue.MarketDescriptor, error) {
	var gm gammaMarket
	resp, err := g.http.R().
		SetContext(ctx).
		SetResult(&gm).
		Get("/markets/" + id)
	if err != nil {
		return venue.MarketDescriptor{}, fmt.Errorf("fetch: %w", err)
	}
	if resp.StatusCode() != 200 {
		return venue.MarketDescriptor{}, fmt.Errorf("fetch: status %d", resp.StatusCode())
	}
	return convertDescriptor(gm)
}

// convertDescriptor mirrors the teacher's convertToMarketInfo parsing (JSON
// array token ids, numeric tick size mapped to the TickSize enum, end date
// parsing) but produces the narrower venue.MarketDescriptor this engine's
// MarketRegistry consumes instead of the teacher's scoring-oriented
// MarketInfo.
func convertDescriptor(gm gammaMarket) (venue.MarketDescriptor, error) {
	var tokenIDs []string
	if gm.ClobTokenIds != "" {
		if err := json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs); err != nil {
			return venue.MarketDescriptor{}, fmt.Errorf("parse clobTokenIds: %w", err)
		}
	}
	var outcomes []string
	if gm.Outcomes != "" {
		if err := json.Unmarshal([]byte(gm.Outcomes), &outcomes); err != nil {
			return venue.MarketDescriptor{}, fmt.Errorf("parse outcomes: %w", err)
		}
	}
	if len(tokenIDs) != 2 || len(outcomes) != 2 {
		return venue.MarketDescriptor{}, fmt.Errorf("expected 2 tokens and 2 outcome labels, got %d/%d", len(tokenIDs), len(outcomes))
	}

	tokens := make([]venue.TokenDescriptor, 2)
	for i := range tokenIDs {
		tokens[i] = venue.TokenDescriptor{TokenID: tokenIDs[i], Label: venue.OutcomeLabel(outcomes[i])}
	}

	var tick venue.TickSize
	switch {
	case gm.OrderPriceMinTickSize == 0.1:
		tick = venue.Tick01
	case gm.OrderPriceMinTickSize == 0.01:
		tick = venue.Tick001
	case gm.OrderPriceMinTickSize == 0.0001:
		tick = venue.Tick00001
	default:
		tick = venue.Tick0001
	}

	var endDate time.Time
	if gm.EndDate != "" {
		endDate, _ = time.Parse(time.RFC3339, gm.EndDate)
	}

	return venue.MarketDescriptor{
		MarketID:        gm.ID,
		Slug:            gm.Slug,
		Question:        gm.Question,
		Tokens:          tokens,
		TickSize:        tick,
		MinOrderSize:    gm.OrderMinSize,
		Active:          gm.Active,
		Closed:          gm.Closed,
		AcceptingOrders: gm.AcceptingOrders,
		EndDate:         endDate,
	}, nil
}
