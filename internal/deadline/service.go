package deadline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/acadflow/internal/observability"
	"github.com/pitabwire/acadflow/model"
)

const defaultCacheTTL = 2 * time.Minute

// Service loads deadlines and computes their status, memoizing results per
// minute through an optional StatusCache.
type Service struct {
	store    Store
	cache    StatusCache
	cacheTTL time.Duration
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCache enables result caching with the given TTL.
func WithCache(c StatusCache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithMetrics records status and cache metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a deadline service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		cacheTTL: defaultCacheTTL,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a deadline by ID.
func (s *Service) Get(ctx context.Context, id string) (model.Deadline, error) {
	return s.store.Get(ctx, id)
}

// Put validates and stores a deadline.
func (s *Service) Put(ctx context.Context, d model.Deadline) (model.Deadline, error) {
	return s.store.Put(ctx, d)
}

// List returns all deadlines.
func (s *Service) List(ctx context.Context) ([]model.Deadline, error) {
	return s.store.List(ctx)
}

// ComputeDeadlineStatus loads the deadline and evaluates it at now.
func (s *Service) ComputeDeadlineStatus(ctx context.Context, deadlineID string, fact model.SubmissionFact, now time.Time) (model.StatusResult, error) {
	d, err := s.store.Get(ctx, deadlineID)
	if err != nil {
		return model.StatusResult{}, err
	}
	return s.Status(ctx, d, fact, now), nil
}

// Status evaluates an already loaded deadline at the exact instant now. A
// result is cached under now's minute only when it holds for every instant
// of that minute, so a hit always equals the exact computation. Cache
// failures are logged and never fail the computation.
func (s *Service) Status(ctx context.Context, d model.Deadline, fact model.SubmissionFact, now time.Time) model.StatusResult {
	now = now.UTC()
	if s.cache == nil {
		res := Evaluate(d, fact, now)
		s.metrics.RecordDeadlineStatus(string(res.Status))
		return res
	}

	minute := now.Truncate(time.Minute)
	key := FormatStatusKey(d, fact, minute)
	cached, found, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("deadline status cache read failed", zap.String("key", key), zap.Error(err))
	}
	if found {
		s.metrics.RecordStatusCacheHit()
		s.metrics.RecordDeadlineStatus(string(cached.Status))
		return *cached
	}
	s.metrics.RecordStatusCacheMiss()

	res := Evaluate(d, fact, now)
	s.metrics.RecordDeadlineStatus(string(res.Status))

	if !stableOver(d, fact, minute, res) {
		return res
	}
	if err := s.cache.Set(ctx, key, res, s.cacheTTL); err != nil {
		s.logger.Warn("deadline status cache write failed", zap.String("key", key), zap.Error(err))
	}
	return res
}

// stableOver reports whether res is the result for every instant in the
// minute starting at minute. Status and days left only move forward in time,
// so agreeing at both ends of the minute is enough.
func stableOver(d model.Deadline, fact model.SubmissionFact, minute time.Time, res model.StatusResult) bool {
	first := Evaluate(d, fact, minute)
	last := Evaluate(d, fact, minute.Add(time.Minute-time.Nanosecond))
	return sameResult(first, res) && sameResult(last, res)
}

func sameResult(a, b model.StatusResult) bool {
	return a.Status == b.Status && a.Locked == b.Locked &&
		a.DaysLeft == b.DaysLeft && a.Variant == b.Variant
}
