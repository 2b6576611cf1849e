package price

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/levenlabs/go-lflag"

	"github.com/helios-ems/helios/pkg/common"
	"github.com/helios-ems/helios/pkg/log"
	"github.com/helios-ems/helios/pkg/types"
)

const tibberQuery = `{ viewer { homes { currentSubscription { priceInfo { ` +
	`today { total energy startsAt } tomorrow { total energy startsAt } } } } } }`

// Tibber fetches today's and tomorrow's prices from the Tibber GraphQL API.
type Tibber struct {
	apiURL string
	token  string
	client *resty.Client

	mu            sync.Mutex
	lastFetchTime time.Time
	cachedPrices  []types.RawPrice
}

func configuredTibber() *Tibber {
	t := &Tibber{
		client: resty.NewWithClient(common.HTTPClient(10 * time.Second)),
	}
	apiURL := lflag.String("tibber-api-url", "https://api.tibber.com/v1-beta/gql", "URL for the Tibber GraphQL API")
	token := lflag.String("tibber-token", "", "Tibber personal access token")

	lflag.Do(func() {
		t.apiURL = *apiURL
		t.token = *token
	})
	return t
}

// NewTibber returns a Tibber source talking to apiURL.
func NewTibber(apiURL, token string) *Tibber {
	return &Tibber{
		apiURL: apiURL,
		token:  token,
		client: resty.NewWithClient(common.HTTPClient(10 * time.Second)),
	}
}

// Validate ensures the configuration is valid.
func (t *Tibber) Validate() error {
	if t.apiURL == "" {
		return fmt.Errorf("tibber-api-url is required")
	}
	if _, err := url.Parse(t.apiURL); err != nil {
		return fmt.Errorf("failed to parse tibber url (%s): %w", t.apiURL, err)
	}
	if t.token == "" {
		return fmt.Errorf("tibber-token is required")
	}
	return nil
}

func (t *Tibber) Name() string {
	return "tibber"
}

type tibberPrice struct {
	Total    *float64 `json:"total"`
	Energy   *float64 `json:"energy"`
	StartsAt string   `json:"startsAt"`
}

type tibberResponse struct {
	Data struct {
		Viewer struct {
			Homes []struct {
				CurrentSubscription *struct {
					PriceInfo struct {
						Today    []tibberPrice `json:"today"`
						Tomorrow []tibberPrice `json:"tomorrow"`
					} `json:"priceInfo"`
				} `json:"currentSubscription"`
			} `json:"homes"`
		} `json:"viewer"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Prices returns the cached or freshly fetched points that overlap
// [start, end).
func (t *Tibber) Prices(ctx context.Context, start, end time.Time) ([]types.RawPrice, error) {
	all, err := t.fetch(ctx)
	if err != nil {
		return nil, err
	}
	// points start on the hour or quarter hour so anything starting an hour
	// before start may still cover it
	from := start.Add(-time.Hour)
	var prices []types.RawPrice
	for _, p := range all {
		if p.TSStart.Before(from) || !p.TSStart.Before(end) {
			continue
		}
		prices = append(prices, p)
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("%w: tibber returned no prices for %s to %s", ErrProviderUnavailable, start, end)
	}
	return prices, nil
}

// fetch caches the response for 5 minutes.
func (t *Tibber) fetch(ctx context.Context) ([]types.RawPrice, error) {
	now := time.Now()

	t.mu.Lock()
	if !t.lastFetchTime.IsZero() && !now.Truncate(5*time.Minute).After(t.lastFetchTime) {
		prices := t.cachedPrices
		t.mu.Unlock()
		return prices, nil
	}
	t.mu.Unlock()

	var body tibberResponse
	res, err := t.client.R().
		SetContext(ctx).
		SetAuthToken(t.token).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"query": tibberQuery}).
		SetResult(&body).
		Post(t.apiURL)
	if err != nil {
		return nil, fmt.Errorf("%w: tibber request: %w", ErrProviderUnavailable, err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("%w: tibber returned status %d", ErrProviderUnavailable, res.StatusCode())
	}
	if len(body.Errors) > 0 {
		return nil, fmt.Errorf("%w: tibber error: %s", ErrProviderUnavailable, body.Errors[0].Message)
	}
	homes := body.Data.Viewer.Homes
	if len(homes) == 0 || homes[0].CurrentSubscription == nil {
		return nil, fmt.Errorf("%w: tibber account has no subscribed home", ErrProviderUnavailable)
	}
	info := homes[0].CurrentSubscription.PriceInfo

	entries := append(append([]tibberPrice{}, info.Today...), info.Tomorrow...)
	prices := make([]types.RawPrice, 0, len(entries))
	for _, e := range entries {
		ts, err := time.Parse(time.RFC3339, e.StartsAt)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping tibber price with bad timestamp", slog.String("startsAt", e.StartsAt))
			continue
		}
		var v *float64
		if e.Energy != nil {
			v = e.Energy
		} else {
			v = e.Total
		}
		if v == nil {
			continue
		}
		prices = append(prices, types.RawPrice{
			Provider:  "tibber",
			TSStart:   ts,
			EURPerKWH: *v,
		})
	}
	sort.Slice(prices, func(i, j int) bool {
		return prices[i].TSStart.Before(prices[j].TSStart)
	})

	log.Ctx(ctx).DebugContext(ctx, "fetched tibber prices", slog.Int("count", len(prices)))

	t.mu.Lock()
	t.cachedPrices = prices
	t.lastFetchTime = now
	t.mu.Unlock()

	return prices, nil
}
