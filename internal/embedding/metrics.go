package embedding

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/MythologIQ/hearthlink/internal/embedding")

var (
	generatedTotal metric.Int64Counter
	cacheHitsTotal metric.Int64Counter
	cacheMissTotal metric.Int64Counter
	cacheSizeGauge metric.Int64Gauge
)

func init() {
	var err error
	generatedTotal, err = meter.Int64Counter("embedding.generated.total",
		metric.WithDescription("Total embeddings generated by the backend"))
	if err != nil {
		generatedTotal, _ = meter.Int64Counter("embedding.generated.total.fallback")
	}

	cacheHitsTotal, err = meter.Int64Counter("embedding.cache.hits",
		metric.WithDescription("Embedding cache hits"))
	if err != nil {
		cacheHitsTotal, _ = meter.Int64Counter("embedding.cache.hits.fallback")
	}

	cacheMissTotal, err = meter.Int64Counter("embedding.cache.misses",
		metric.WithDescription("Embedding cache misses"))
	if err != nil {
		cacheMissTotal, _ = meter.Int64Counter("embedding.cache.misses.fallback")
	}

	cacheSizeGauge, err = meter.Int64Gauge("embedding.cache.size",
		metric.WithDescription("Current number of cached embeddings"))
	if err != nil {
		cacheSizeGauge, _ = meter.Int64Gauge("embedding.cache.size.fallback")
	}
}
