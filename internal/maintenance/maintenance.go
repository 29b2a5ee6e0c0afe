// Package maintenance bounds store growth: age-based eviction of base
// memories, full reset, and a periodic worker.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcliao/tiered-memory/internal/metrics"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/store"
	"github.com/rcliao/tiered-memory/internal/telemetry"
)

// maxRetentionDays keeps the cutoff inside four-digit years, where stored
// timestamps still compare as strings.
const maxRetentionDays = 300_000

// Service runs cleanup against a store.
type Service struct {
	store  store.Store
	now    func() time.Time
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithNow replaces the wall clock.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Service.
func New(s store.Store, opts ...Option) *Service {
	svc := &Service{
		store:  s,
		now:    time.Now,
		logger: slog.Default().With("component", "maintenance"),
		tracer: telemetry.Tracer(),
	}
	for _, o := range opts {
		o(svc)
	}
	return svc
}

// CleanupOldMemories deletes every BaseMemory older than retentionDays and
// returns the removed ids. Snapshots referencing them are kept; their refs
// dangle.
func (s *Service) CleanupOldMemories(ctx context.Context, retentionDays int) (removed []string, err error) {
	ctx, span := s.tracer.Start(ctx, "maintenance.cleanup", trace.WithAttributes(attribute.Int("retention_days", retentionDays)))
	defer func() {
		span.SetAttributes(attribute.Int("removed", len(removed)))
		telemetry.RecordError(span, err)
		span.End()
	}()

	if retentionDays <= 0 {
		return nil, &model.ValidationError{Field: "retention_days", Reason: fmt.Sprintf("must be positive, got %d", retentionDays)}
	}
	// beyond this the cutoff predates every stored timestamp anyway
	if retentionDays > maxRetentionDays {
		retentionDays = maxRetentionDays
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays)

	ids, err := s.store.ListIDs(ctx, model.KindMemory, store.ListOptions{OlderThan: cutoff})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []string{}, nil
	}

	n, err := s.store.Delete(ctx, model.KindMemory, ids...)
	if err != nil {
		return nil, err
	}
	metrics.MemoriesEvicted.Add(float64(n))
	s.logger.Info("old memories removed", "count", n, "retention_days", retentionDays, "cutoff", model.NewTimestamp(cutoff).String())
	return ids, nil
}

// ClearAll wipes every record of every kind and the index.
func (s *Service) ClearAll(ctx context.Context) error {
	if err := s.store.ClearAll(ctx); err != nil {
		return err
	}
	s.logger.Info("all memories cleared")
	return nil
}
