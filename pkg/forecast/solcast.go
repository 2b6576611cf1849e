package forecast

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/levenlabs/go-lflag"

	"github.com/helios-ems/helios/pkg/common"
	"github.com/helios-ems/helios/pkg/log"
	"github.com/helios-ems/helios/pkg/types"
)

// Solcast takes PV from the Solcast rooftop site forecast and load from
// another source.
type Solcast struct {
	apiURL     string
	apiKey     string
	resourceID string
	cacheTTL   time.Duration
	client     *resty.Client
	load       Source

	mu            sync.Mutex
	lastFetchTime time.Time
	cached        []solcastPeriod
}

func configuredSolcast() *Solcast {
	s := &Solcast{
		client: resty.NewWithClient(common.HTTPClient(15 * time.Second)),
	}
	apiURL := lflag.String("solcast-api-url", "https://api.solcast.com.au", "Base URL for the Solcast API")
	apiKey := lflag.String("solcast-api-key", "", "Solcast API key")
	resourceID := lflag.String("solcast-resource-id", "", "Solcast rooftop site resource id")
	ttl := lflag.Duration("solcast-cache-ttl", time.Hour, "How long a Solcast forecast is reused before refetching")

	lflag.Do(func() {
		s.apiURL = *apiURL
		s.apiKey = *apiKey
		s.resourceID = *resourceID
		s.cacheTTL = *ttl
	})
	return s
}

// NewSolcast returns a Solcast source. load supplies the LoadW of every
// sample.
func NewSolcast(apiURL, apiKey, resourceID string, load Source) *Solcast {
	return &Solcast{
		apiURL:     apiURL,
		apiKey:     apiKey,
		resourceID: resourceID,
		cacheTTL:   time.Hour,
		client:     resty.NewWithClient(common.HTTPClient(15 * time.Second)),
		load:       load,
	}
}

// Validate ensures the configuration is valid.
func (s *Solcast) Validate() error {
	if s.apiURL == "" {
		return fmt.Errorf("solcast-api-url is required")
	}
	if _, err := url.Parse(s.apiURL); err != nil {
		return fmt.Errorf("failed to parse solcast url (%s): %w", s.apiURL, err)
	}
	if s.apiKey == "" {
		return fmt.Errorf("solcast-api-key is required")
	}
	if s.resourceID == "" {
		return fmt.Errorf("solcast-resource-id is required")
	}
	return nil
}

func (s *Solcast) Name() string {
	return "solcast"
}

type solcastPeriod struct {
	start time.Time
	end   time.Time
	kw    float64
}

type solcastResponse struct {
	Forecasts []struct {
		PVEstimate float64 `json:"pv_estimate"`
		PeriodEnd  string  `json:"period_end"`
		Period     string  `json:"period"`
	} `json:"forecasts"`
}

// Forecast returns samples for the windows that Solcast covers. Windows
// outside the Solcast range are omitted.
func (s *Solcast) Forecast(ctx context.Context, start, end time.Time, window time.Duration) ([]types.ForecastSample, error) {
	periods, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	loads, err := s.load.Forecast(ctx, start, end, window)
	if err != nil {
		return nil, err
	}

	var samples []types.ForecastSample
	for _, l := range loads {
		// overlap weighted average of the periods touching the window
		var energy float64
		var covered time.Duration
		for _, p := range periods {
			from := maxTime(p.start, l.TSStart)
			to := minTime(p.end, l.TSEnd)
			if !from.Before(to) {
				continue
			}
			d := to.Sub(from)
			energy += p.kw * 1000 * d.Hours()
			covered += d
		}
		if covered <= 0 {
			continue
		}
		samples = append(samples, types.ForecastSample{
			TSStart: l.TSStart,
			TSEnd:   l.TSEnd,
			SolarW:  energy / covered.Hours(),
			LoadW:   l.LoadW,
		})
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: solcast has no data for %s to %s", ErrProviderUnavailable, start, end)
	}
	return samples, nil
}

func (s *Solcast) fetch(ctx context.Context) ([]solcastPeriod, error) {
	now := time.Now()

	s.mu.Lock()
	if !s.lastFetchTime.IsZero() && now.Sub(s.lastFetchTime) < s.cacheTTL {
		periods := s.cached
		s.mu.Unlock()
		return periods, nil
	}
	s.mu.Unlock()

	var body solcastResponse
	res, err := s.client.R().
		SetContext(ctx).
		SetAuthToken(s.apiKey).
		SetQueryParams(map[string]string{
			"format": "json",
			"hours":  "48",
		}).
		SetPathParam("resourceID", s.resourceID).
		SetResult(&body).
		Get(s.apiURL + "/rooftop_sites/{resourceID}/forecasts")
	if err != nil {
		return nil, fmt.Errorf("%w: solcast request: %w", ErrProviderUnavailable, err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("%w: solcast returned status %d", ErrProviderUnavailable, res.StatusCode())
	}

	periods := make([]solcastPeriod, 0, len(body.Forecasts))
	for _, f := range body.Forecasts {
		end, err := time.Parse(time.RFC3339Nano, f.PeriodEnd)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping solcast period with bad end", slog.String("periodEnd", f.PeriodEnd))
			continue
		}
		d, err := parseISODuration(f.Period)
		if err != nil || d <= 0 {
			log.Ctx(ctx).WarnContext(ctx, "skipping solcast period with bad duration", slog.String("period", f.Period))
			continue
		}
		kw := f.PVEstimate
		if kw < 0 {
			kw = 0
		}
		periods = append(periods, solcastPeriod{start: end.Add(-d), end: end, kw: kw})
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched solcast forecast", slog.Int("periods", len(periods)))

	s.mu.Lock()
	s.cached = periods
	s.lastFetchTime = now
	s.mu.Unlock()
	return periods, nil
}

var isoDurationRE = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)

// parseISODuration handles the time-only durations Solcast uses (PT30M).
func parseISODuration(s string) (time.Duration, error) {
	m := isoDurationRE.FindStringSubmatch(s)
	if m == nil || s == "PT" {
		return 0, fmt.Errorf("unsupported duration: %q", s)
	}
	var d time.Duration
	for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, err
		}
		d += time.Duration(n) * unit
	}
	return d, nil
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
