package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WeatherAPICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrilink_weather_api_calls_total",
			Help: "Total weather provider API calls",
		},
		[]string{"status"},
	)

	WeatherAPILatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agrilink_weather_api_latency_seconds",
			Help:    "Weather provider API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecommendationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrilink_recommendations_total",
			Help: "Recommendation requests by outcome",
		},
		[]string{"outcome"},
	)

	RecommendationConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agrilink_recommendation_confidence",
			Help:    "Confidence of successful recommendations",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)

	InferenceLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agrilink_inference_latency_seconds",
			Help:    "Scaling plus classifier latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
		},
	)

	ArtifactLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agrilink_artifact_loaded",
			Help: "1 if the classification artifact loaded at startup, else 0",
		},
	)
)
