// Package forecast fetches hourly weather for a coordinate pair.
//
// The Open-Meteo client returns samples in ascending time order. Each call
// hits the upstream; nothing is cached between runs.
package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"agroplan/internal/domain"
	logx "agroplan/pkg/logx"
)

// Provider is the forecast contract the orchestrator depends on.
type Provider interface {
	HourlyForecast(ctx context.Context, lat, lon float64, horizonHours int) ([]domain.ForecastEntry, error)
}

var ErrUpstream = errors.New("forecast upstream error")

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec int
	// PastHours is how much history to request so rain before the first
	// candidate start can be checked.
	PastHours int
	// PadHours extends the request past the horizon to cover the after-window.
	PadHours int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = "https://api.open-meteo.com"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.PastHours <= 0 {
		c.PastHours = 6
	}
	if c.PadHours <= 0 {
		c.PadHours = 12
	}
	return c
}

// OpenMeteo is a Provider backed by the Open-Meteo hourly API.
type OpenMeteo struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewOpenMeteo(cfg Config, log logx.Logger) *OpenMeteo {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 4
	tr.IdleConnTimeout = 90 * time.Second
	return &OpenMeteo{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: tr},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log.With(logx.String("comp", "forecast")),
	}
}

type hourlyResponse struct {
	Hourly struct {
		Time   []int64    `json:"time"`
		Temp   []*float64 `json:"temperature_2m"`
		Precip []*float64 `json:"precipitation"`
		Wind   []*float64 `json:"wind_speed_10m"`
	} `json:"hourly"`
	Reason string `json:"reason"`
}

func (c *OpenMeteo) HourlyForecast(ctx context.Context, lat, lon float64, horizonHours int) ([]domain.ForecastEntry, error) {
	if horizonHours <= 0 {
		return nil, fmt.Errorf("horizon must be > 0, got %d", horizonHours)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
	q.Set("hourly", "temperature_2m,precipitation,wind_speed_10m")
	q.Set("wind_speed_unit", "ms")
	q.Set("timeformat", "unixtime")
	q.Set("timezone", "UTC")
	q.Set("past_hours", strconv.Itoa(c.cfg.PastHours))
	q.Set("forecast_hours", strconv.Itoa(horizonHours+c.cfg.PadHours))
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/forecast?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}

	var out hourlyResponse
	if res.StatusCode != http.StatusOK {
		_ = json.Unmarshal(body, &out)
		msg := strings.TrimSpace(out.Reason)
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, res.StatusCode, msg)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}

	entries := toEntries(out)
	c.log.Debug("forecast fetched",
		logx.Float64("lat", lat), logx.Float64("lon", lon),
		logx.Int("samples", len(entries)), logx.Duration("dur", time.Since(start)))
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: empty hourly series", ErrUpstream)
	}
	return entries, nil
}

// toEntries zips the column arrays. Samples with a missing value are dropped.
func toEntries(r hourlyResponse) []domain.ForecastEntry {
	h := r.Hourly
	n := min(len(h.Time), len(h.Temp), len(h.Precip), len(h.Wind))
	out := make([]domain.ForecastEntry, 0, n)
	for i := range n {
		if h.Temp[i] == nil || h.Precip[i] == nil || h.Wind[i] == nil {
			continue
		}
		out = append(out, domain.ForecastEntry{
			Time:     time.Unix(h.Time[i], 0).UTC(),
			TempC:    *h.Temp[i],
			PrecipMM: *h.Precip[i],
			WindMS:   *h.Wind[i],
		})
	}
	return out
}
