// Package capability resolves and caches actor capabilities from a static
// role policy and enforces them for activity operations.
package capability

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/acadflow/model"
)

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory cache.
type Resolver struct {
	evaluator model.PolicyEvaluator
	ttl       time.Duration
	now       func() time.Time
	mu        sync.RWMutex
	cache     map[string]cacheEntry
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
}

// cacheKey includes the asserted roles so a token carrying new roles is
// never answered from a stale entry.
func cacheKey(rctx *model.RequestContext) string {
	roles := append([]string(nil), rctx.Roles...)
	sort.Strings(roles)
	return rctx.SubjectID + "|" + strings.Join(roles, ",")
}

// Resolve returns the full capability set for the given context. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && r.now().Before(entry.expires) {
		r.mu.RUnlock()
		return entry.caps, nil
	}
	r.mu.RUnlock()

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{caps: caps, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Invalidate clears cached capabilities for the given subject.
func (r *Resolver) Invalidate(subjectID string) {
	prefix := subjectID + "|"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

// Authorize checks that rctx holds capability cap. When ownerID is non-empty
// and differs from the actor, model.CapActivityOthers is required as well.
// A nil resolver authorizes everything.
func Authorize(resolver model.CapabilityResolver, rctx *model.RequestContext, cap, ownerID string) error {
	if resolver == nil {
		return nil
	}
	if rctx == nil {
		return model.NewUnauthorizedError("no actor asserted")
	}

	caps, err := resolver.Resolve(rctx)
	if err != nil {
		return model.NewDependencyError("resolve capabilities", err)
	}
	if !caps.Has(cap) {
		return model.NewForbiddenError(fmt.Sprintf("missing capability %q", cap))
	}
	if ownerID != "" && ownerID != rctx.SubjectID && !caps.Has(model.CapActivityOthers) {
		return model.NewForbiddenError("actor may only act on its own activities")
	}
	return nil
}
