package notes

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openai/openai-go/v3/option"

	"github.com/lox/agrilink/internal/models"
)

func nf(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func rice() models.CropReference {
	return models.CropReference{
		Name:        "Rice",
		Nitrogen:    models.Range{Min: nf(60), Max: nf(100)},
		PH:          models.Range{Min: nf(5), Max: nf(7.9)},
		Temperature: models.Range{Min: nf(20)},
		Rainfall:    models.Range{Max: nf(300)},
	}
}

func TestTemplate_WithinRange(t *testing.T) {
	got := Template(Input{
		Crop:       rice(),
		Features:   models.Features{Nitrogen: 90, Phosphorus: 40, Potassium: 40, Temperature: 25, Rainfall: 83.3, PH: 6.5},
		Confidence: 0.92,
	})
	want := "Based on your soil parameters, Rice is recommended with 0.92 confidence."
	if got != want {
		t.Errorf("Template = %q, want %q", got, want)
	}
}

func TestRangeRemarks(t *testing.T) {
	remarks := RangeRemarks(rice(), models.Features{Nitrogen: 120, Temperature: 12, Rainfall: 400, PH: 6})
	want := []string{
		"Nitrogen 120.0 is above the optimal range 60.0 to 100.0.",
		"Temperature 12.0 is below the optimal minimum 20.0.",
		"Rainfall 400.0 is above the optimal maximum 300.0.",
	}
	if len(remarks) != len(want) {
		t.Fatalf("remarks = %q, want %q", remarks, want)
	}
	for i := range want {
		if remarks[i] != want[i] {
			t.Errorf("remarks[%d] = %q, want %q", i, remarks[i], want[i])
		}
	}
}

func TestOpenAIWriter(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		gotModel, _ = req["model"].(string)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":" Transplant seedlings after the first rains. "}}]}`))
	}))
	defer srv.Close()

	w, err := NewOpenAIWriter("sk-test", "", time.Second, option.WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := w.Write(context.Background(), Input{Crop: rice(), Confidence: 0.5, Features: models.Features{Nitrogen: 80, Temperature: 25, PH: 6}})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.HasPrefix(got, "Based on your soil parameters, Rice") {
		t.Errorf("notes missing template prefix: %q", got)
	}
	if !strings.HasSuffix(got, "\n\nTransplant seedlings after the first rains.") {
		t.Errorf("notes missing advice: %q", got)
	}
	if gotModel != DefaultModel {
		t.Errorf("model = %q, want %q", gotModel, DefaultModel)
	}
}

func TestOpenAIWriter_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	w, err := NewOpenAIWriter("sk-test", "", time.Second, option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(context.Background(), Input{Crop: rice()}); err == nil {
		t.Error("expected error")
	}
}

func TestNewOpenAIWriter_RequiresKey(t *testing.T) {
	if _, err := NewOpenAIWriter("", "", 0); err == nil {
		t.Error("expected error for empty key")
	}
}
