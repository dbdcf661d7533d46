package deadline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/acadflow/internal/observability"
	"github.com/pitabwire/acadflow/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func seedStore(t *testing.T) (*MemoryStore, model.Deadline) {
	t.Helper()
	store := NewMemoryStore()
	d, err := store.Put(context.Background(), hardDeadline())
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	return store, d
}

// --- MemoryStore ---

func TestMemoryStore_PutAssignsVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	d := hardDeadline()
	d.ID = ""
	created, err := store.Put(ctx, d)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if created.ID == "" {
		t.Error("Put() did not assign an ID")
	}
	if created.Version != 1 {
		t.Errorf("Version = %d, want 1", created.Version)
	}

	created.Title = "Topic proposal"
	updated, err := store.Put(ctx, created)
	if err != nil {
		t.Fatalf("Put(update) error = %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}

	_, err = store.Put(ctx, created)
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("stale Put() error = %v, want CONFLICT", err)
	}
}

func TestMemoryStore_PutValidates(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Put(context.Background(), model.Deadline{Type: model.DeadlineSubmission})
	if !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("Put() error = %v, want VALIDATION_ERROR", err)
	}
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), "missing")
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("Get() error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_ListOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, d := range []model.Deadline{
		{ID: "late", Type: model.DeadlineSubmission, DeadlineAt: ptrTime(at(500))},
		{ID: "info", Type: model.DeadlineAnnouncement},
		{ID: "early", Type: model.DeadlineSubmission, DeadlineAt: ptrTime(at(5))},
		{ID: "window", Type: model.DeadlineSubmission, WindowStartAt: ptrTime(at(0)), WindowEndAt: ptrTime(at(50))},
	} {
		if _, err := store.Put(ctx, d); err != nil {
			t.Fatalf("Put(%s) error = %v", d.ID, err)
		}
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"early", "window", "late", "info"}
	if len(list) != len(want) {
		t.Fatalf("List() len = %d, want %d", len(list), len(want))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("List()[%d] = %q, want %q", i, list[i].ID, id)
		}
	}
}

// --- MemoryStatusCache ---

func TestMemoryStatusCache_SetAndGet(t *testing.T) {
	c := NewMemoryStatusCache()
	ctx := context.Background()

	res, found, err := c.Get(ctx, "k")
	if err != nil || found || res != nil {
		t.Fatalf("Get(empty) = %v, %v, %v", res, found, err)
	}

	want := model.StatusResult{DeadlineID: "d", Status: model.StatusOverdue, Variant: model.VariantLate}
	if err := c.Set(ctx, "k", want, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, found, err := c.Get(ctx, "k")
	if err != nil || !found {
		t.Fatalf("Get() found = %v, err = %v", found, err)
	}
	if got.Status != want.Status || got.Variant != want.Variant {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
}

func TestMemoryStatusCache_TTLExpiry(t *testing.T) {
	c := NewMemoryStatusCache()
	clock := base
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	_ = c.Set(ctx, "k", model.StatusResult{Status: model.StatusPending}, time.Second)
	clock = clock.Add(2 * time.Second)

	if _, found, _ := c.Get(ctx, "k"); found {
		t.Error("expired entry was returned")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after expired read", c.Len())
	}
}

func TestMemoryStatusCache_boundedOverTime(t *testing.T) {
	store, d := seedStore(t)
	cache := NewMemoryStatusCache()
	clock := base
	cache.now = func() time.Time { return clock }
	svc := NewService(store, WithCache(cache, 2*time.Minute))
	ctx := context.Background()

	// One lookup per minute for a simulated day, each in a fresh bucket.
	for i := 0; i < 24*60; i++ {
		clock = base.Add(time.Duration(i) * time.Minute)
		svc.Status(ctx, d, model.SubmissionFact{}, clock)
	}
	if n := cache.Len(); n > 4 {
		t.Errorf("Len() = %d after one day with a 2m TTL, want at most 4", n)
	}
}

// --- RedisStatusCache ---

func TestRedisStatusCache_SetAndGet(t *testing.T) {
	_, client := newTestRedis(t)
	c := NewRedisStatusCache(client)
	ctx := context.Background()

	eff := at(60)
	want := model.StatusResult{DeadlineID: "d", Status: model.StatusLocked, Locked: true, EffectiveAt: &eff, Variant: model.VariantOverdue}
	if err := c.Set(ctx, "dlstatus:d", want, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, found, err := c.Get(ctx, "dlstatus:d")
	if err != nil || !found {
		t.Fatalf("Get() found = %v, err = %v", found, err)
	}
	if got.Status != model.StatusLocked || !got.Locked || got.Variant != model.VariantOverdue {
		t.Errorf("Get() = %+v", got)
	}
	if got.EffectiveAt == nil || !got.EffectiveAt.Equal(eff) {
		t.Errorf("EffectiveAt = %v, want %v", got.EffectiveAt, eff)
	}
}

func TestRedisStatusCache_TTLExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewRedisStatusCache(client)
	ctx := context.Background()

	_ = c.Set(ctx, "k", model.StatusResult{Status: model.StatusPending}, time.Second)
	mr.FastForward(2 * time.Second)

	if _, found, err := c.Get(ctx, "k"); found || err != nil {
		t.Errorf("Get() after TTL found = %v, err = %v", found, err)
	}
}

func TestRedisStatusCache_CorruptEntry(t *testing.T) {
	mr, client := newTestRedis(t)
	c := NewRedisStatusCache(client)
	_ = mr.Set("k", "{not json")

	if _, _, err := c.Get(context.Background(), "k"); err == nil {
		t.Error("expected unmarshal error")
	}
}

func TestFormatStatusKey(t *testing.T) {
	d := model.Deadline{ID: "dl-1", Version: 3}
	k1 := FormatStatusKey(d, model.SubmissionFact{}, at(0))
	k2 := FormatStatusKey(d, model.SubmissionFact{}, at(0).Add(59*time.Second))
	if k1 != k2 {
		t.Errorf("same minute keys differ: %q vs %q", k1, k2)
	}
	if k3 := FormatStatusKey(d, model.SubmissionFact{}, at(1)); k3 == k1 {
		t.Error("different minutes produced the same key")
	}
	d.Version = 4
	if k4 := FormatStatusKey(d, model.SubmissionFact{}, at(0)); k4 == k1 {
		t.Error("version bump did not change the key")
	}
	if k5 := FormatStatusKey(model.Deadline{ID: "dl-1", Version: 3}, model.SubmissionFact{Submitted: true}, at(0)); k5 == k1 {
		t.Error("submission state did not change the key")
	}
}

// --- Service ---

func TestService_ComputeDeadlineStatus(t *testing.T) {
	store, d := seedStore(t)
	svc := NewService(store)

	res, err := svc.ComputeDeadlineStatus(context.Background(), d.ID, model.SubmissionFact{}, at(70))
	if err != nil {
		t.Fatalf("ComputeDeadlineStatus() error = %v", err)
	}
	if res.Status != model.StatusOverdue || res.Locked {
		t.Errorf("status = %q locked = %v, want overdue/false", res.Status, res.Locked)
	}
	if res.Variant != model.VariantLate {
		t.Errorf("variant = %q, want late", res.Variant)
	}
}

func TestService_ComputeDeadlineStatus_notFound(t *testing.T) {
	svc := NewService(NewMemoryStore())
	_, err := svc.ComputeDeadlineStatus(context.Background(), "nope", model.SubmissionFact{}, base)
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestService_cachesPerMinute(t *testing.T) {
	store, d := seedStore(t)
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	cache := NewMemoryStatusCache()
	svc := NewService(store, WithCache(cache, time.Minute), WithMetrics(metrics))
	ctx := context.Background()

	first, _ := svc.ComputeDeadlineStatus(ctx, d.ID, model.SubmissionFact{}, at(95))
	second, _ := svc.ComputeDeadlineStatus(ctx, d.ID, model.SubmissionFact{}, at(95).Add(30*time.Second))
	if first.Status != second.Status {
		t.Errorf("same-minute results differ: %q vs %q", first.Status, second.Status)
	}
	if cache.Len() != 1 {
		t.Errorf("cache Len() = %d, want 1", cache.Len())
	}
	if got := testutil.ToFloat64(metrics.StatusCacheHitsTotal); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.StatusCacheMissesTotal); got != 1 {
		t.Errorf("cache misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.DeadlineStatusTotal.WithLabelValues("locked")); got != 2 {
		t.Errorf("locked computations = %v, want 2", got)
	}
}

func TestService_exactAtGraceEdge(t *testing.T) {
	store, d := seedStore(t)
	ctx := context.Background()
	afterGrace := at(90).Add(40 * time.Second)

	uncached := NewService(store)
	res, _ := uncached.ComputeDeadlineStatus(ctx, d.ID, model.SubmissionFact{}, afterGrace)
	if res.Status != model.StatusLocked || !res.Locked {
		t.Errorf("uncached status = %q locked = %v, want locked/true", res.Status, res.Locked)
	}

	cache := NewMemoryStatusCache()
	svc := NewService(store, WithCache(cache, time.Minute))

	res, _ = svc.ComputeDeadlineStatus(ctx, d.ID, model.SubmissionFact{}, at(90))
	if res.Status != model.StatusOverdue {
		t.Errorf("status at end of grace = %q, want overdue", res.Status)
	}
	if cache.Len() != 0 {
		t.Errorf("a minute that changes status must not be cached, Len() = %d", cache.Len())
	}

	res, _ = svc.ComputeDeadlineStatus(ctx, d.ID, model.SubmissionFact{}, afterGrace)
	if res.Status != model.StatusLocked || !res.Locked {
		t.Errorf("cached status = %q locked = %v, want locked/true", res.Status, res.Locked)
	}
	if want := Evaluate(d, model.SubmissionFact{}, afterGrace); res.Status != want.Status || res.DaysLeft != want.DaysLeft {
		t.Errorf("service = %+v, calculator = %+v", res, want)
	}
}

func TestService_redisCache(t *testing.T) {
	store, d := seedStore(t)
	_, client := newTestRedis(t)
	svc := NewService(store, WithCache(NewRedisStatusCache(client), time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := svc.ComputeDeadlineStatus(ctx, d.ID, model.SubmissionFact{Submitted: true, Late: true}, at(200))
		if err != nil {
			t.Fatalf("ComputeDeadlineStatus() error = %v", err)
		}
		if res.Status != model.StatusSubmittedLate {
			t.Errorf("run %d: status = %q, want submitted_late", i, res.Status)
		}
	}
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) (*model.StatusResult, bool, error) {
	return nil, false, errors.New("cache down")
}

func (failingCache) Set(context.Context, string, model.StatusResult, time.Duration) error {
	return errors.New("cache down")
}

func TestService_cacheFailureIsNotFatal(t *testing.T) {
	store, d := seedStore(t)
	svc := NewService(store, WithCache(failingCache{}, time.Minute))

	res, err := svc.ComputeDeadlineStatus(context.Background(), d.ID, model.SubmissionFact{}, at(30))
	if err != nil {
		t.Fatalf("ComputeDeadlineStatus() error = %v", err)
	}
	if res.Status != model.StatusPending {
		t.Errorf("status = %q, want pending", res.Status)
	}
	if res.DaysLeft != 1 {
		t.Errorf("days left = %d, want 1", res.DaysLeft)
	}
}
