package memory

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/MythologIQ/hearthlink/internal/memory")

var (
	slicesStoredTotal    metric.Int64Counter
	retrievalsTotal      metric.Int64Counter
	retrievalErrorsTotal metric.Int64Counter
	prunedTotal          metric.Int64Counter
	archivedTotal        metric.Int64Counter
)

func init() {
	var err error
	slicesStoredTotal, err = meter.Int64Counter("memory.slices.stored",
		metric.WithDescription("Memory slices written (inserts and updates)"))
	if err != nil {
		slicesStoredTotal, _ = meter.Int64Counter("memory.slices.stored.fallback")
	}

	retrievalsTotal, err = meter.Int64Counter("memory.retrievals",
		metric.WithDescription("Retrieval queries served"))
	if err != nil {
		retrievalsTotal, _ = meter.Int64Counter("memory.retrievals.fallback")
	}

	retrievalErrorsTotal, err = meter.Int64Counter("memory.retrieval.errors",
		metric.WithDescription("Retrieval queries degraded to empty results"))
	if err != nil {
		retrievalErrorsTotal, _ = meter.Int64Counter("memory.retrieval.errors.fallback")
	}

	prunedTotal, err = meter.Int64Counter("memory.pruning.deleted",
		metric.WithDescription("Conversations deleted by pruning runs"))
	if err != nil {
		prunedTotal, _ = meter.Int64Counter("memory.pruning.deleted.fallback")
	}

	archivedTotal, err = meter.Int64Counter("memory.pruning.archived",
		metric.WithDescription("Conversations archived by pruning runs"))
	if err != nil {
		archivedTotal, _ = meter.Int64Counter("memory.pruning.archived.fallback")
	}
}
