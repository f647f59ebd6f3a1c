package recommend

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Every error returned by Engine.Recommend is an *Error
// whose Kind is one of these, so errors.Is works on the returned value.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingLocation = errors.New("latitude and longitude are required when temperature or rainfall is not supplied")
	ErrWeatherFetch    = errors.New("weather lookup failed")
	ErrWeatherFormat   = errors.New("weather response malformed")
	ErrScaling         = errors.New("feature scaling failed")
	ErrInference       = errors.New("crop inference failed")
	ErrUnknownCrop     = errors.New("predicted crop is not in the catalog")
	ErrStorage         = errors.New("storage failure")
	ErrUnavailable     = errors.New("crop recommendation is unavailable")
)

// Category tells a caller how to react to a failure.
type Category string

const (
	// CategoryInput: the request must be changed.
	CategoryInput Category = "input"
	// CategoryTransient: the same request may succeed later.
	CategoryTransient Category = "transient"
	// CategoryData: upstream or reference data is inconsistent.
	CategoryData Category = "data"
	// CategoryUnavailable: the feature is disabled for this process.
	CategoryUnavailable Category = "unavailable"
	CategoryInternal    Category = "internal"
)

var kinds = []struct {
	err      error
	code     string
	category Category
}{
	{ErrInvalidInput, "invalid_input", CategoryInput},
	{ErrMissingLocation, "missing_location", CategoryInput},
	{ErrWeatherFetch, "weather_fetch", CategoryTransient},
	{ErrWeatherFormat, "weather_format", CategoryData},
	{ErrScaling, "scaling", CategoryInternal},
	{ErrInference, "inference", CategoryInternal},
	{ErrUnknownCrop, "unknown_crop", CategoryData},
	{ErrStorage, "storage", CategoryInternal},
	{ErrUnavailable, "unavailable", CategoryUnavailable},
}

type Error struct {
	Kind error
	Err  error

	// Crop is the decoded label, set for ErrUnknownCrop.
	Crop string
	// SoilSampleID is set when the sample was stored before the failure.
	SoilSampleID int64
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Crop != "" {
		msg = fmt.Sprintf("%s: %q", msg, e.Crop)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Code is a stable snake_case identifier for the kind.
func (e *Error) Code() string {
	for _, k := range kinds {
		if k.err == e.Kind {
			return k.code
		}
	}
	return "internal"
}

func (e *Error) Category() Category {
	for _, k := range kinds {
		if k.err == e.Kind {
			return k.category
		}
	}
	return CategoryInternal
}

// CategoryOf classifies any error; errors that are not *Error are internal.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category()
	}
	return CategoryInternal
}
