package weather

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		c    Conditions
		want []string
	}{
		{"plausible", Conditions{Temperature: 25, Humidity: 60, Rainfall: 3}, nil},
		{"hot", Conditions{Temperature: 75, Humidity: 60}, []string{FlagTempOutOfRange}},
		{"kelvin by mistake", Conditions{Temperature: 298.15, Humidity: 60}, []string{FlagTempOutOfRange}},
		{"humidity over 100", Conditions{Temperature: 25, Humidity: 140}, []string{FlagHumidityInvalid}},
		{"negative rain", Conditions{Temperature: 25, Humidity: 60, Rainfall: -1}, []string{FlagPrecipNegative}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Validate(&tt.c)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Validate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCurrent_ImplausibleValues(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"main":{"temp":298.15,"humidity":60}}`))
	}, nil)

	_, err := c.Current(context.Background(), 1, 2)
	if !errors.Is(err, ErrFormat) {
		t.Fatalf("err = %v, want ErrFormat", err)
	}
	if !strings.Contains(err.Error(), FlagTempOutOfRange) {
		t.Errorf("err = %v, want %s flag", err, FlagTempOutOfRange)
	}
}
