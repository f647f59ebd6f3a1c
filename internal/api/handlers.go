package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lox/agrilink/internal/recommend"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxBodyBytes     = 64 << 10
	retryAfter       = "30"
)

type HealthStatus struct {
	Status          string `json:"status"`
	ArtifactLoaded  bool   `json:"artifact_loaded"`
	ArtifactError   string `json:"artifact_error,omitempty"`
	Crops           int    `json:"crops"`
	SoilSamples     int    `json:"soil_samples"`
	Recommendations int    `json:"recommendations"`
	Error           string `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{Status: "ok"}

	loaded, loadErr := s.engine.Available()
	health.ArtifactLoaded = loaded
	if !loaded {
		health.Status = "degraded"
		if loadErr != nil {
			health.ArtifactError = loadErr.Error()
		}
	}

	counts, err := s.store.Counts(r.Context())
	if err != nil {
		health.Status = "error"
		health.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, health)
		return
	}
	health.Crops = counts.Crops
	health.SoilSamples = counts.SoilSamples
	health.Recommendations = counts.Recommendations
	if counts.Crops == 0 && health.Status == "ok" {
		health.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleListCrops(w http.ResponseWriter, r *http.Request) {
	crops, err := s.store.ListCrops(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	out := make([]cropJSON, 0, len(crops))
	for _, c := range crops {
		out = append(out, toCrop(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetCrop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	crop, err := s.store.GetCrop(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if crop == nil {
		notFound(w, "crop")
		return
	}
	writeJSON(w, http.StatusOK, toCrop(*crop))
}

func (s *Server) handleListSoilSamples(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}
	samples, err := s.store.ListSoilSamples(r.Context(), userFrom(r.Context()), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	out := make([]soilSampleJSON, 0, len(samples))
	for _, ss := range samples {
		out = append(out, toSoilSample(ss))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetSoilSample answers 404 for samples owned by someone else.
func (s *Server) handleGetSoilSample(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	ss, err := s.store.GetSoilSample(ctx, userFrom(ctx), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if ss == nil {
		notFound(w, "soil sample")
		return
	}

	resp := struct {
		soilSampleJSON
		Recommendation *recommendationJSON `json:"recommendation"`
	}{soilSampleJSON: toSoilSample(*ss)}

	rec, err := s.store.RecommendationForSample(ctx, ss.ID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if rec != nil {
		rj := toRecommendation(*rec)
		resp.Recommendation = &rj
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRecommendations(w http.ResponseWriter, r *http.Request) {
	limit, ok := listLimit(w, r)
	if !ok {
		return
	}
	recs, err := s.store.ListRecommendations(r.Context(), userFrom(r.Context()), limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	out := make([]recommendationJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toRecommendation(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var in recommend.Input
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{
			Code:     "invalid_json",
			Category: string(recommend.CategoryInput),
			Message:  err.Error(),
		})
		return
	}
	in.UserID = userFrom(r.Context())

	if err := s.validate.Struct(in); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{
			Code:     "invalid_input",
			Category: string(recommend.CategoryInput),
			Message:  validationMessage(err),
		})
		return
	}

	res, err := s.engine.Recommend(r.Context(), in)
	if err != nil {
		s.recommendError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, recommendJSON{
		Recommendation: toRecommendation(res.Recommendation),
		SoilSample:     toSoilSample(res.Sample),
		Crop:           toCrop(res.Crop),
	})
}

// recommendError maps the engine's error categories onto status codes.
// Internal details are logged, not returned.
func (s *Server) recommendError(w http.ResponseWriter, r *http.Request, err error) {
	var re *recommend.Error
	if !errors.As(err, &re) {
		s.internalError(w, r, err)
		return
	}

	body := errorBody{
		Code:         re.Code(),
		Category:     string(re.Category()),
		Message:      err.Error(),
		SoilSampleID: re.SoilSampleID,
	}

	var status int
	switch re.Category() {
	case recommend.CategoryInput:
		status = http.StatusBadRequest
		if errors.Is(err, recommend.ErrInvalidInput) {
			body.Message = validationMessage(err)
		}
	case recommend.CategoryData:
		status = http.StatusUnprocessableEntity
	case recommend.CategoryTransient:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", retryAfter)
		body.Message = re.Kind.Error()
	case recommend.CategoryUnavailable:
		status = http.StatusServiceUnavailable
		body.Message = re.Kind.Error()
	default:
		status = http.StatusInternalServerError
		body.Message = re.Kind.Error()
	}
	if status >= 500 {
		s.log.Warn().Err(err).Str("request_id", requestID(r)).Str("code", body.Code).Msg("recommend failed")
	}
	writeError(w, status, body)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error().Err(err).Str("request_id", requestID(r)).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, errorBody{
		Code:     "internal",
		Category: string(recommend.CategoryInternal),
		Message:  "internal error",
	})
}

func notFound(w http.ResponseWriter, what string) {
	writeError(w, http.StatusNotFound, errorBody{Code: "not_found", Message: what + " not found"})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errorBody{Code: "invalid_id", Message: "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func listLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, errorBody{Code: "invalid_limit", Message: "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxListLimit), true
}

// validationMessage renders validator failures using JSON field names.
func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fmt.Sprintf("%s must satisfy %s", fe.Field(), rule))
	}
	return strings.Join(parts, "; ")
}
