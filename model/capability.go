package model

import "strings"

// Capabilities checked by the activity engine, the deadline service and the
// approval service.
const (
	CapActivityCreate  = "activity:create"
	CapActivityRead    = "activity:read"
	CapActivityAdvance = "activity:advance"
	CapActivityOverall = "activity:overall"
	CapActivityReopen  = "activity:reopen"
	CapActivityList    = "activity:list"

	// CapActivityOthers lets an actor operate on activities owned by a
	// different student. Without it an actor may only touch its own rows.
	CapActivityOthers = "activity:others"

	CapDeadlineEvaluate = "deadline:evaluate"
	CapDeadlineWrite    = "deadline:write"
	CapMappingWrite     = "mapping:write"
	CapApprovalIssue    = "approval:issue"
	CapCatalogRead      = "catalog:read"
)

// CapabilitySet is a set of capabilities granted to an actor. Each key is a
// capability string (e.g. "activity:advance") and may include wildcards
// (e.g. "activity:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// HasAny returns true if the set matches at least one of the given
// capabilities.
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"          matches anything
//	"activity:*" matches "activity:advance"
//	"activity"   does NOT match "activity:advance"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given subject.
	Invalidate(subjectID string)
}

// PolicyEvaluator maps an actor's asserted roles to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync reloads policy data from its source.
	Sync() error
}
