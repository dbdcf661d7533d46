package model

import (
	"fmt"
	"time"
)

// TokenKind is what a delegated approval token approves.
type TokenKind string

// Token kinds.
const (
	TokenSingle               TokenKind = "single"
	TokenWeekly               TokenKind = "weekly"
	TokenMonthly              TokenKind = "monthly"
	TokenFull                 TokenKind = "full"
	TokenSupervisorEvaluation TokenKind = "supervisor_evaluation"
)

// Valid reports whether k is a known token kind.
func (k TokenKind) Valid() bool {
	switch k {
	case TokenSingle, TokenWeekly, TokenMonthly, TokenFull, TokenSupervisorEvaluation:
		return true
	}
	return false
}

// ParseTokenKind converts a raw string into a TokenKind.
func ParseTokenKind(s string) (TokenKind, error) {
	k := TokenKind(s)
	if !k.Valid() {
		return "", NewFieldValidationError("kind", "INVALID_ENUM", fmt.Sprintf("unknown token kind %q", s))
	}
	return k, nil
}

// TokenStatus is the lifecycle state of an approval token.
type TokenStatus string

// Token statuses. Everything but pending is terminal.
const (
	TokenPending  TokenStatus = "pending"
	TokenApproved TokenStatus = "approved"
	TokenRejected TokenStatus = "rejected"
	TokenUsed     TokenStatus = "used"
)

// Terminal reports whether no further state change is permitted.
func (s TokenStatus) Terminal() bool {
	return s != TokenPending
}

// ApprovalToken lets an external actor without an account approve or reject
// one artifact once. Only the hash of the bearer token is persisted.
type ApprovalToken struct {
	ID          string      `json:"id"`
	TokenHash   string      `json:"-"`
	SubjectRef  string      `json:"subject_ref"`
	ApproverRef string      `json:"approver_ref"`
	Kind        TokenKind   `json:"kind"`
	Status      TokenStatus `json:"status"`
	ExpiresAt   time.Time   `json:"expires_at"`
	CreatedAt   time.Time   `json:"created_at"`
	DecidedAt   *time.Time  `json:"decided_at,omitempty"`
	DecidedBy   string      `json:"decided_by,omitempty"`
	Comment     string      `json:"comment,omitempty"`
}

// Expired reports whether the token has passed its expiry at now.
func (t ApprovalToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Decision is the outcome an external approver submits with a token.
type Decision struct {
	Outcome   TokenStatus `json:"outcome"`
	Comment   string      `json:"comment,omitempty"`
	DecidedBy string      `json:"decided_by,omitempty"`
}

// Validate checks that the outcome is approved or rejected.
func (d Decision) Validate() error {
	if d.Outcome != TokenApproved && d.Outcome != TokenRejected {
		return NewFieldValidationError("outcome", "INVALID_ENUM", "outcome must be approved or rejected")
	}
	return nil
}

// IssuedToken is returned once at issue time; Token is never stored.
type IssuedToken struct {
	Token  string        `json:"token"`
	Record ApprovalToken `json:"record"`
}

// TokenView is the public, non-redeeming view of a token.
type TokenView struct {
	SubjectRef string      `json:"subject_ref"`
	Kind       TokenKind   `json:"kind"`
	Status     TokenStatus `json:"status"`
	ExpiresAt  time.Time   `json:"expires_at"`
	Expired    bool        `json:"expired"`
}
