package api

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lox/agrilink/internal/logging"
	"github.com/lox/agrilink/internal/recommend"
	"github.com/lox/agrilink/internal/store"
)

// Recommender is satisfied by *recommend.Engine.
type Recommender interface {
	Recommend(ctx context.Context, in recommend.Input) (*recommend.Result, error)
	Available() (bool, error)
}

type Options struct {
	// RecommendLimit is the number of recommend calls allowed per client IP
	// in RecommendWindow. Zero disables the limit.
	RecommendLimit  int
	RecommendWindow time.Duration
	// TrustProxy takes the client IP from X-Forwarded-For and X-Real-IP.
	// Only set it behind a proxy that overwrites those headers.
	TrustProxy bool
}

type Server struct {
	store    *store.Store
	engine   Recommender
	port     string
	opts     Options
	validate *validator.Validate
	log      zerolog.Logger
}

func NewServer(st *store.Store, engine Recommender, port string, opts Options) *Server {
	if opts.RecommendWindow <= 0 {
		opts.RecommendWindow = time.Minute
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &Server{
		store:    st,
		engine:   engine,
		port:     port,
		opts:     opts,
		validate: v,
		log:      logging.With("api"),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	if s.opts.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/crops", s.handleListCrops)
		r.Get("/crops/{id}", s.handleGetCrop)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Get("/soil-samples", s.handleListSoilSamples)
			r.Get("/soil-samples/{id}", s.handleGetSoilSample)
			r.Get("/recommendations", s.handleListRecommendations)

			post := r.With()
			if s.opts.RecommendLimit > 0 {
				post = r.With(httprate.LimitByIP(s.opts.RecommendLimit, s.opts.RecommendWindow))
			}
			post.Post("/recommendations/recommend", s.handleRecommend)
		})
	})
	return r
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", server.Addr).Msg("listening")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		ev := s.log.Debug()
		if ww.Status() >= 500 {
			ev = s.log.Warn()
		}
		ev.Str("request_id", requestID(r)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

const userHeader = "X-User-ID"

type ctxKey struct{}

// requireUser rejects requests without a caller identity.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(userHeader))
		if user == "" {
			writeError(w, http.StatusUnauthorized, errorBody{
				Code:    "unauthenticated",
				Message: userHeader + " header required",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(ctxKey{}).(string)
	return u
}

func requestID(r *http.Request) string {
	return chimiddleware.GetReqID(r.Context())
}
