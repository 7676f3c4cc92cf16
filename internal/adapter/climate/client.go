// Package climate fetches hourly reanalysis weather from the Open-Meteo
// archive API (ERA5-Land) for weather covariate attachment.
package climate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/couchcryptid/mmts-etl/internal/domain"
	"github.com/couchcryptid/mmts-etl/internal/geo"
	"github.com/couchcryptid/mmts-etl/internal/observability"
	"github.com/couchcryptid/mmts-etl/internal/weather"
	"golang.org/x/time/rate"
)

const (
	dateLayout = "2006-01-02"
	hourLayout = "2006-01-02T15:04"
)

// Client implements weather.ClimateSource. Areas must be in geographic
// coordinates; the series is sampled at the area centroid.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates an archive client issuing at most ratePerSecond requests.
func NewClient(baseURL string, timeout time.Duration, ratePerSecond float64, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		metrics:    metrics,
		logger:     logger,
	}
}

// Hourly returns the samples with from < Time <= to at the area centroid.
func (c *Client) Hourly(ctx context.Context, area geo.Polygon, from, to time.Time) ([]weather.Sample, error) {
	centre := area.Centroid()
	params := url.Values{
		"latitude":   {strconv.FormatFloat(centre.Y(), 'f', 4, 64)},
		"longitude":  {strconv.FormatFloat(centre.X(), 'f', 4, 64)},
		"start_date": {from.UTC().Format(dateLayout)},
		"end_date":   {to.UTC().Format(dateLayout)},
		"hourly":     {"precipitation,temperature_2m"},
		"models":     {"era5_land"},
		"timezone":   {"GMT"},
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	start := time.Now()
	series, err := c.doRequest(ctx, c.baseURL+"/v1/archive?"+params.Encode())
	c.metrics.ClimateAPIDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.ClimateRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	samples, err := series.samples(from, to)
	if err != nil {
		c.metrics.ClimateRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(samples) == 0 {
		c.metrics.ClimateRequests.WithLabelValues("empty").Inc()
		c.logger.Debug("climate archive returned no samples", "from", from, "to", to)
		return nil, nil
	}
	c.metrics.ClimateRequests.WithLabelValues("success").Inc()
	return samples, nil
}

func (c *Client) doRequest(ctx context.Context, fullURL string) (hourly, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return hourly{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return hourly{}, fmt.Errorf("climate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return hourly{}, fmt.Errorf("climate API error: status %d: %s", resp.StatusCode, body)
	}

	var archiveResp response
	if err := json.NewDecoder(resp.Body).Decode(&archiveResp); err != nil {
		return hourly{}, fmt.Errorf("decode response: %w", err)
	}
	return archiveResp.Hourly, nil
}

// Open-Meteo API response types. Values are null where the archive has no data.

type response struct {
	Hourly hourly `json:"hourly"`
}

type hourly struct {
	Time          []string   `json:"time"`
	Precipitation []*float64 `json:"precipitation"`   // mm
	Temperature   []*float64 `json:"temperature_2m"` // °C
}

func (h hourly) samples(from, to time.Time) ([]weather.Sample, error) {
	if len(h.Precipitation) != len(h.Time) || len(h.Temperature) != len(h.Time) {
		return nil, fmt.Errorf("climate response: %d times, %d precipitation, %d temperature values",
			len(h.Time), len(h.Precipitation), len(h.Temperature))
	}
	var out []weather.Sample
	for i, ts := range h.Time {
		t, err := time.Parse(hourLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("climate response time %q: %w", ts, err)
		}
		if !t.After(from) || t.After(to) {
			continue
		}
		out = append(out, weather.Sample{
			Time:            t,
			PrecipitationMM: valueOrNull(h.Precipitation[i]),
			TemperatureC:    valueOrNull(h.Temperature[i]),
		})
	}
	return out, nil
}

func valueOrNull(v *float64) float64 {
	if v == nil {
		return domain.Null()
	}
	return *v
}
