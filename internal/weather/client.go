package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/lox/agrilink/internal/httputil"
	"github.com/lox/agrilink/internal/logging"
	"github.com/lox/agrilink/internal/metrics"
)

const (
	DefaultBaseURL = "https://api.openweathermap.org"
	currentPath    = "/data/2.5/weather"
	source         = "openweathermap"
)

// Conditions is the current weather at a point.
type Conditions struct {
	Temperature float64 // °C
	Rainfall    float64 // mm, normalised per RainfallMode
	Humidity    float64 // %
	ObservedAt  time.Time
}

// RainfallMode selects how the provider's last-hour rainfall is reported.
type RainfallMode string

const (
	// RainfallHourly reports the last-hour figure unchanged.
	RainfallHourly RainfallMode = "hourly"
	// RainfallDaily extrapolates the last-hour figure to 24 hours.
	RainfallDaily RainfallMode = "daily"
)

func ParseRainfallMode(s string) (RainfallMode, error) {
	switch RainfallMode(s) {
	case RainfallHourly, RainfallDaily:
		return RainfallMode(s), nil
	case "":
		return RainfallDaily, nil
	}
	return "", fmt.Errorf("unknown rainfall mode %q (want hourly or daily)", s)
}

func (m RainfallMode) normalise(lastHour float64) float64 {
	if m == RainfallHourly {
		return lastHour
	}
	return lastHour * 24
}

// ErrFormat is returned when the provider answers 200 with a body that
// lacks required fields or is not JSON.
var ErrFormat = errors.New("malformed weather response")

// FetchError covers transport failures, timeouts, non-2xx answers and an
// open circuit. StatusCode is 0 when no HTTP response was received.
type FetchError struct {
	StatusCode int
	Err        error

	// abandoned is set when the caller's context ended the call.
	abandoned bool
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("weather fetch: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("weather fetch: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// PayloadRecorder receives raw response bodies for audit.
type PayloadRecorder interface {
	RecordWeatherPayload(ctx context.Context, source, endpoint, locationID string, status int, body []byte) error
}

type Config struct {
	APIKey  string
	BaseURL string
	// Timeout bounds a whole Current call, rate-limit retries included.
	Timeout      time.Duration
	RainfallMode RainfallMode
	Recorder     PayloadRecorder
	// BreakerFailures consecutive fetch failures open the circuit for BreakerOpenFor.
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
}

type Client struct {
	apiKey   string
	baseURL  string
	timeout  time.Duration
	mode     RainfallMode
	recorder PayloadRecorder
	client   *http.Client
	cb       *gobreaker.CircuitBreaker
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = httputil.DefaultTimeout
	}
	if cfg.RainfallMode == "" {
		cfg.RainfallMode = RainfallDaily
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = 30 * time.Second
	}

	failures := cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "weather",
		Timeout: cfg.BreakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// A malformed body means the provider is up. Calls the caller gave
		// up on say nothing about the provider.
		IsSuccessful: func(err error) bool {
			var fe *FetchError
			return err == nil || errors.Is(err, ErrFormat) || (errors.As(err, &fe) && fe.abandoned)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return &Client{
		apiKey:   cfg.APIKey,
		baseURL:  cfg.BaseURL,
		timeout:  cfg.Timeout,
		mode:     cfg.RainfallMode,
		recorder: cfg.Recorder,
		client:   httputil.NewClient(cfg.Timeout),
		cb:       cb,
	}
}

type currentResponse struct {
	Dt   int64 `json:"dt"`
	Main *struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
	} `json:"main"`
	Rain *struct {
		OneHour *float64 `json:"1h"`
	} `json:"rain"`
}

// Current fetches current conditions for lat/lon.
func (c *Client) Current(ctx context.Context, lat, lon float64) (*Conditions, error) {
	start := time.Now()
	defer func() {
		metrics.WeatherAPILatency.Observe(time.Since(start).Seconds())
	}()

	res, err := c.cb.Execute(func() (interface{}, error) {
		return c.fetch(ctx, lat, lon)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.WeatherAPICallsTotal.WithLabelValues("circuit_open").Inc()
			return nil, &FetchError{Err: err}
		}
		return nil, err
	}
	return res.(*Conditions), nil
}

func (c *Client) fetch(parent context.Context, lat, lon float64) (*Conditions, error) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', 4, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 4, 64))
	q.Set("units", "metric")
	q.Set("appid", c.apiKey)
	reqURL := c.baseURL + currentPath + "?" + q.Encode()
	locationID := fmt.Sprintf("%.4f,%.4f", lat, lon)

	var body []byte
	var status int
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", "AgriLink/1.0")

		resp, err := c.client.Do(req)
		if err != nil {
			metrics.WeatherAPICallsTotal.WithLabelValues("error").Inc()
			return backoff.Permanent(&FetchError{Err: err})
		}
		defer resp.Body.Close()
		status = resp.StatusCode

		if resp.StatusCode == http.StatusTooManyRequests {
			metrics.WeatherAPICallsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
			return &FetchError{StatusCode: resp.StatusCode, Err: errors.New("rate limited")}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			metrics.WeatherAPICallsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(&FetchError{StatusCode: resp.StatusCode, Err: errors.New(string(b))})
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			metrics.WeatherAPICallsTotal.WithLabelValues("error").Inc()
			return backoff.Permanent(&FetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)})
		}
		metrics.WeatherAPICallsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = c.timeout
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		if parent.Err() != nil {
			return nil, &FetchError{StatusCode: status, Err: fmt.Errorf("caller gave up: %w", parent.Err()), abandoned: true}
		}
		var fe *FetchError
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, &FetchError{StatusCode: status, Err: err}
	}

	c.record(ctx, locationID, status, body)

	cond, err := c.decode(body)
	if err != nil {
		return nil, err
	}
	return cond, nil
}

func (c *Client) decode(body []byte) (*Conditions, error) {
	var data currentResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if data.Main == nil {
		return nil, fmt.Errorf("%w: missing main", ErrFormat)
	}
	if data.Main.Temp == nil {
		return nil, fmt.Errorf("%w: missing main.temp", ErrFormat)
	}
	if data.Main.Humidity == nil {
		return nil, fmt.Errorf("%w: missing main.humidity", ErrFormat)
	}

	cond := &Conditions{
		Temperature: *data.Main.Temp,
		Humidity:    *data.Main.Humidity,
	}
	// OpenWeatherMap omits rain entirely when none fell.
	if data.Rain != nil && data.Rain.OneHour != nil {
		cond.Rainfall = c.mode.normalise(*data.Rain.OneHour)
	}
	if data.Dt > 0 {
		cond.ObservedAt = time.Unix(data.Dt, 0).UTC()
	} else {
		cond.ObservedAt = time.Now().UTC()
	}
	if flags := Validate(cond); len(flags) > 0 {
		return nil, fmt.Errorf("%w: implausible values: %s", ErrFormat, flagList(flags))
	}
	return cond, nil
}

func (c *Client) record(ctx context.Context, locationID string, status int, body []byte) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordWeatherPayload(context.WithoutCancel(ctx), source, currentPath, locationID, status, body); err != nil {
		logging.Warn().Err(err).Str("location", locationID).Msg("record weather payload")
	}
}
