package api_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/agrilink/internal/api"
	"github.com/lox/agrilink/internal/catalog"
	"github.com/lox/agrilink/internal/classifier"
	"github.com/lox/agrilink/internal/recommend"
	"github.com/lox/agrilink/internal/store"
	"github.com/lox/agrilink/internal/weather"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := store.New(db)
	if err := s.Migrate(); err != nil {
		t.Fatal(err)
	}
	crops, err := catalog.Default()
	if err != nil {
		t.Fatal(err)
	}
	for i := range crops {
		if err := s.UpsertCrop(context.Background(), &crops[i]); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

type identity struct{}

func (identity) Transform(x []float64) ([]float64, error) { return x, nil }

// nitrogenModel predicts the not-catalogued class 3 when nitrogen is 999,
// otherwise rice with probability 0.92.
type nitrogenModel struct{}

func (nitrogenModel) Predict(x []float64) (int, []float64, error) {
	if x[0] == 999 {
		return 3, []float64{0, 0, 0.1, 0.9}, nil
	}
	return 0, []float64{0.92, 0.05, 0.03, 0}, nil
}

var testArtifact = classifier.New(identity{}, nitrogenModel{}, classifier.Labels{"rice", "maize", "chickpea", "dragonfruit"})

func weatherServer(t *testing.T, status int, body string) *weather.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return weather.NewClient(weather.Config{
		APIKey:       "test",
		BaseURL:      srv.URL,
		Timeout:      time.Second,
		RainfallMode: weather.RainfallHourly,
	})
}

func newServer(t *testing.T, ws recommend.WeatherSource, opts api.Options) (*api.Server, *store.Store) {
	t.Helper()
	s := setupTestStore(t)
	engine := recommend.NewEngine(testArtifact, ws, s)
	return api.NewServer(s, engine, "8080", opts), s
}

func do(t *testing.T, h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

type errorResponse struct {
	Error struct {
		Code         string `json:"code"`
		Category     string `json:"category"`
		Message      string `json:"message"`
		SoilSampleID int64  `json:"soil_sample_id"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var er errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return er
}

const suppliedWeather = `{"nitrogen":90,"phosphorus":40,"potassium":40,"ph_level":6.5,"temperature":25,"rainfall":83.3}`

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, nil, api.Options{})

	w := do(t, srv.Handler(), "GET", "/health", "", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var health api.HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || !health.ArtifactLoaded {
		t.Errorf("health = %+v", health)
	}
	if health.Crops != 22 {
		t.Errorf("crops = %d, want 22", health.Crops)
	}
}

func TestHealthEndpoint_ArtifactMissing(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	loadErr := &classifier.LoadError{File: classifier.ScalerFile, Err: errors.New("file does not exist")}
	srv := api.NewServer(s, recommend.NewUnavailable(loadErr), "8080", api.Options{})

	w := do(t, srv.Handler(), "GET", "/health", "", "")
	var health api.HealthStatus
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "degraded" || health.ArtifactLoaded {
		t.Errorf("health = %+v", health)
	}
	if !strings.Contains(health.ArtifactError, "scaler.json") {
		t.Errorf("artifact_error = %q", health.ArtifactError)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, nil, api.Options{})

	w := do(t, srv.Handler(), "GET", "/metrics", "", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "agrilink_artifact_loaded") {
		t.Error("expected agrilink_artifact_loaded metric")
	}
}

func TestCrops(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, nil, api.Options{})
	h := srv.Handler()

	w := do(t, h, "GET", "/api/crops", "", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var crops []struct {
		ID       int64  `json:"id"`
		Name     string `json:"name"`
		Nitrogen struct {
			Min *float64 `json:"min"`
		} `json:"nitrogen"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &crops); err != nil {
		t.Fatal(err)
	}
	if len(crops) != 22 {
		t.Fatalf("len(crops) = %d, want 22", len(crops))
	}

	w = do(t, h, "GET", fmt.Sprintf("/api/crops/%d", crops[0].ID), "", "")
	if w.Code != 200 {
		t.Fatalf("get crop: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"name":"`+crops[0].Name+`"`) {
		t.Errorf("unexpected crop body %s", w.Body.String())
	}

	if w := do(t, h, "GET", "/api/crops/9999", "", ""); w.Code != 404 {
		t.Errorf("missing crop: expected 404, got %d", w.Code)
	}
	if w := do(t, h, "GET", "/api/crops/abc", "", ""); w.Code != 400 {
		t.Errorf("bad id: expected 400, got %d", w.Code)
	}
}

func TestUserRoutes_RequireIdentity(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, nil, api.Options{})
	h := srv.Handler()

	for _, tc := range []struct{ method, path, body string }{
		{"GET", "/api/soil-samples", ""},
		{"GET", "/api/soil-samples/1", ""},
		{"GET", "/api/recommendations", ""},
		{"POST", "/api/recommendations/recommend", suppliedWeather},
	} {
		w := do(t, h, tc.method, tc.path, "", tc.body)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", tc.method, tc.path, w.Code)
		}
	}
}

func TestRecommend_Created(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, nil, api.Options{})
	h := srv.Handler()

	w := do(t, h, "POST", "/api/recommendations/recommend", "farmer-1", suppliedWeather)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Recommendation struct {
			ID           int64   `json:"id"`
			SoilSampleID int64   `json:"soil_sample_id"`
			Crop         string  `json:"crop"`
			Confidence   float64 `json:"confidence_score"`
			Notes        string  `json:"notes"`
		} `json:"recommendation"`
		SoilSample struct {
			ID       int64    `json:"id"`
			PH       float64  `json:"ph_level"`
			Humidity *float64 `json:"humidity"`
		} `json:"soil_sample"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Recommendation.Crop != "Rice" || resp.Recommendation.Confidence != 0.92 {
		t.Errorf("recommendation = %+v", resp.Recommendation)
	}
	if resp.Recommendation.SoilSampleID != resp.SoilSample.ID {
		t.Errorf("soil sample ids differ: %d vs %d", resp.Recommendation.SoilSampleID, resp.SoilSample.ID)
	}
	if resp.SoilSample.Humidity != nil {
		t.Errorf("humidity = %v, want null", *resp.SoilSample.Humidity)
	}

	w = do(t, h, "GET", "/api/recommendations", "farmer-1", "")
	if !strings.Contains(w.Body.String(), `"crop":"Rice"`) {
		t.Errorf("list recommendations = %s", w.Body.String())
	}
	w = do(t, h, "GET", "/api/recommendations", "farmer-2", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("other user's recommendations = %s", w.Body.String())
	}

	path := fmt.Sprintf("/api/soil-samples/%d", resp.SoilSample.ID)
	w = do(t, h, "GET", path, "farmer-1", "")
	if w.Code != 200 {
		t.Fatalf("own sample: expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"recommendation":{`) {
		t.Errorf("sample without recommendation: %s", w.Body.String())
	}
	if w := do(t, h, "GET", path, "farmer-2", ""); w.Code != 404 {
		t.Errorf("other user's sample: expected 404, got %d", w.Code)
	}
}

func TestRecommend_FetchesWeather(t *testing.T) {
	t.Parallel()
	ws := weatherServer(t, 200, `{"dt":1760000000,"main":{"temp":24.5,"humidity":71},"rain":{"1h":2.5}}`)
	srv, _ := newServer(t, ws, api.Options{})

	body := `{"nitrogen":90,"phosphorus":40,"potassium":40,"ph_level":6.5,"latitude":1.2921,"longitude":36.8219,"location_name":"Nairobi"}`
	w := do(t, srv.Handler(), "POST", "/api/recommendations/recommend", "farmer-1", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	for _, want := range []string{`"temperature":24.5`, `"rainfall":2.5`, `"humidity":71`, `"location_name":"Nairobi"`} {
		if !strings.Contains(w.Body.String(), want) {
			t.Errorf("response missing %s: %s", want, w.Body.String())
		}
	}
}

func TestRecommend_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		weather  recommend.WeatherSource
		body     string
		status   int
		code     string
		category string
	}{
		{
			name:   "malformed json",
			body:   `{"nitrogen":`,
			status: 400, code: "invalid_json", category: "input",
		},
		{
			name:   "unknown field",
			body:   `{"nitrogen":1,"phosphorus":1,"potassium":1,"ph_level":6,"soil_type":"loam"}`,
			status: 400, code: "invalid_json", category: "input",
		},
		{
			name:   "ph out of range",
			body:   `{"nitrogen":1,"phosphorus":1,"potassium":1,"ph_level":15,"temperature":20,"rainfall":10}`,
			status: 400, code: "invalid_input", category: "input",
		},
		{
			name:   "missing location",
			body:   `{"nitrogen":1,"phosphorus":1,"potassium":1,"ph_level":6,"temperature":20}`,
			status: 400, code: "missing_location", category: "input",
		},
		{
			name:    "weather down",
			weather: nil,
			body:    `{"nitrogen":1,"phosphorus":1,"potassium":1,"ph_level":6,"latitude":1,"longitude":2}`,
			status:  503, code: "weather_fetch", category: "transient",
		},
		{
			name:   "unknown crop",
			body:   `{"nitrogen":999,"phosphorus":1,"potassium":1,"ph_level":6,"temperature":20,"rainfall":10}`,
			status: 422, code: "unknown_crop", category: "data",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ws := tt.weather
			if ws == nil {
				ws = weatherServer(t, 500, `{"cod":500}`)
			}
			srv, _ := newServer(t, ws, api.Options{})
			w := do(t, srv.Handler(), "POST", "/api/recommendations/recommend", "farmer-1", tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			er := decodeError(t, w)
			if er.Error.Code != tt.code || er.Error.Category != tt.category {
				t.Errorf("error = %+v, want %s/%s", er.Error, tt.code, tt.category)
			}
		})
	}
}

func TestRecommend_ValidationMessage(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, nil, api.Options{})
	body := `{"nitrogen":-1,"phosphorus":1,"potassium":1,"ph_level":15,"temperature":20,"rainfall":10}`
	w := do(t, srv.Handler(), "POST", "/api/recommendations/recommend", "farmer-1", body)
	msg := decodeError(t, w).Error.Message
	if !strings.Contains(msg, "nitrogen must satisfy gte=0") || !strings.Contains(msg, "ph_level must satisfy lte=14") {
		t.Errorf("message = %q", msg)
	}
}

func TestRecommend_WeatherDownSetsRetryAfter(t *testing.T) {
	t.Parallel()
	srv, s := newServer(t, weatherServer(t, 500, `{}`), api.Options{})
	body := `{"nitrogen":1,"phosphorus":1,"potassium":1,"ph_level":6,"latitude":1,"longitude":2}`
	w := do(t, srv.Handler(), "POST", "/api/recommendations/recommend", "farmer-1", body)
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	counts, err := s.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.SoilSamples != 0 {
		t.Errorf("soil samples = %d after weather failure, want 0", counts.SoilSamples)
	}
}

func TestRecommend_UnknownCropKeepsSample(t *testing.T) {
	t.Parallel()
	srv, s := newServer(t, nil, api.Options{})
	body := `{"nitrogen":999,"phosphorus":1,"potassium":1,"ph_level":6,"temperature":20,"rainfall":10}`
	w := do(t, srv.Handler(), "POST", "/api/recommendations/recommend", "farmer-1", body)
	er := decodeError(t, w)
	if er.Error.SoilSampleID == 0 {
		t.Fatalf("expected soil_sample_id in %s", w.Body.String())
	}

	counts, err := s.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts.SoilSamples != 1 || counts.Recommendations != 0 {
		t.Errorf("counts = %+v", counts)
	}
}

func TestRecommend_Unavailable(t *testing.T) {
	t.Parallel()
	s := setupTestStore(t)
	engine := recommend.NewUnavailable(&classifier.LoadError{File: classifier.ModelFile, Err: errors.New("bad json")})
	srv := api.NewServer(s, engine, "8080", api.Options{})

	w := do(t, srv.Handler(), "POST", "/api/recommendations/recommend", "farmer-1", suppliedWeather)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	er := decodeError(t, w)
	if er.Error.Code != "unavailable" {
		t.Errorf("code = %q", er.Error.Code)
	}
	if strings.Contains(er.Error.Message, "bad json") {
		t.Errorf("load error leaked to client: %q", er.Error.Message)
	}
}

func TestRecommend_RateLimited(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, nil, api.Options{RecommendLimit: 2, RecommendWindow: time.Minute})
	h := srv.Handler()

	for i := 0; i < 2; i++ {
		if w := do(t, h, "POST", "/api/recommendations/recommend", "farmer-1", suppliedWeather); w.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i, w.Code)
		}
	}
	if w := do(t, h, "POST", "/api/recommendations/recommend", "farmer-1", suppliedWeather); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
}

func TestRecommend_RateLimitIgnoresForwardedFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		trustProxy bool
		want       int
	}{
		{"untrusted", false, http.StatusTooManyRequests},
		{"trusted proxy", true, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(t, nil, api.Options{RecommendLimit: 1, RecommendWindow: time.Minute, TrustProxy: tt.trustProxy})
			h := srv.Handler()

			var last int
			for _, xff := range []string{"203.0.113.1", "203.0.113.2"} {
				req := httptest.NewRequest("POST", "/api/recommendations/recommend", strings.NewReader(suppliedWeather))
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("X-User-ID", "farmer-1")
				req.Header.Set("X-Forwarded-For", xff)
				w := httptest.NewRecorder()
				h.ServeHTTP(w, req)
				last = w.Code
			}
			if last != tt.want {
				t.Errorf("second request: got %d, want %d", last, tt.want)
			}
		})
	}
}

func TestListLimit(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, nil, api.Options{})
	h := srv.Handler()
	for i := 0; i < 3; i++ {
		do(t, h, "POST", "/api/recommendations/recommend", "farmer-1", suppliedWeather)
	}

	w := do(t, h, "GET", "/api/soil-samples?limit=2", "farmer-1", "")
	var samples []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &samples); err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 {
		t.Errorf("len(samples) = %d, want 2", len(samples))
	}
	if w := do(t, h, "GET", "/api/soil-samples?limit=zero", "farmer-1", ""); w.Code != 400 {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
}
