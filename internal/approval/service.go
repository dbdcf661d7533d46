package approval

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/acadflow/internal/capability"
	"github.com/pitabwire/acadflow/internal/notify"
	"github.com/pitabwire/acadflow/internal/observability"
	"github.com/pitabwire/acadflow/model"
)

// DefaultTokenBytes is the amount of randomness in an issued token.
const DefaultTokenBytes = 32

// DefaultTTLs are applied when Issue is called without a positive ttl.
var DefaultTTLs = map[model.TokenKind]time.Duration{
	model.TokenSingle:               72 * time.Hour,
	model.TokenWeekly:               7 * 24 * time.Hour,
	model.TokenMonthly:              14 * 24 * time.Hour,
	model.TokenFull:                 14 * 24 * time.Hour,
	model.TokenSupervisorEvaluation: 30 * 24 * time.Hour,
}

// Service issues, inspects and redeems approval tokens.
type Service struct {
	store       Store
	ttls        map[model.TokenKind]time.Duration
	fallbackTTL time.Duration
	tokenBytes  int
	random      io.Reader
	capResolver model.CapabilityResolver
	publisher   notify.Publisher
	metrics     *observability.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTTL overrides the default ttl of one token kind.
func WithTTL(kind model.TokenKind, ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttls[kind] = ttl
		}
	}
}

// WithFallbackTTL sets the ttl for kinds without a configured default.
func WithFallbackTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.fallbackTTL = ttl
		}
	}
}

// WithTokenBytes sets the number of random bytes per token. Values below 16
// are ignored.
func WithTokenBytes(n int) Option {
	return func(s *Service) {
		if n >= 16 {
			s.tokenBytes = n
		}
	}
}

// WithRandom replaces the randomness source.
func WithRandom(r io.Reader) Option {
	return func(s *Service) { s.random = r }
}

// WithCapabilities enables the approval:issue check on Issue.
func WithCapabilities(r model.CapabilityResolver) Option {
	return func(s *Service) { s.capResolver = r }
}

// WithPublisher sets the event sink for issued and decided tokens.
func WithPublisher(p notify.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a token service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:       store,
		ttls:        make(map[model.TokenKind]time.Duration, len(DefaultTTLs)),
		fallbackTTL: 72 * time.Hour,
		tokenBytes:  DefaultTokenBytes,
		random:      rand.Reader,
		publisher:   notify.Noop{},
		logger:      zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for k, v := range DefaultTTLs {
		s.ttls[k] = v
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HashToken returns the stored form of a bearer token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TTL returns the ttl applied to kind when the caller gives none.
func (s *Service) TTL(kind model.TokenKind) time.Duration {
	if ttl, ok := s.ttls[kind]; ok {
		return ttl
	}
	return s.fallbackTTL
}

// Issue creates a pending token for subjectRef, to be decided by
// approverRef. A ttl <= 0 applies the kind's default. The bearer value is
// returned once and never stored.
func (s *Service) Issue(
	ctx context.Context,
	rctx *model.RequestContext,
	subjectRef, approverRef string,
	kind model.TokenKind,
	ttl time.Duration,
) (model.IssuedToken, error) {
	if err := capability.Authorize(s.capResolver, rctx, model.CapApprovalIssue, ""); err != nil {
		return model.IssuedToken{}, err
	}

	var details []model.FieldError
	if subjectRef == "" {
		details = append(details, model.FieldError{Field: "subject_ref", Code: "REQUIRED", Message: "subject_ref is required"})
	}
	if approverRef == "" {
		details = append(details, model.FieldError{Field: "approver_ref", Code: "REQUIRED", Message: "approver_ref is required"})
	}
	if !kind.Valid() {
		details = append(details, model.FieldError{Field: "kind", Code: "INVALID_ENUM",
			Message: fmt.Sprintf("unknown token kind %q", kind)})
	}
	if len(details) > 0 {
		return model.IssuedToken{}, model.NewValidationError(details)
	}
	if ttl <= 0 {
		ttl = s.TTL(kind)
	}

	buf := make([]byte, s.tokenBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return model.IssuedToken{}, model.NewDependencyError("generate approval token", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	now := s.now()
	rec := model.ApprovalToken{
		ID:          uuid.New().String(),
		TokenHash:   HashToken(token),
		SubjectRef:  subjectRef,
		ApproverRef: approverRef,
		Kind:        kind,
		Status:      model.TokenPending,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return model.IssuedToken{}, err
	}

	s.metrics.RecordApprovalTokenIssued(string(kind))
	s.publish(ctx, notify.ApprovalIssued, rec, "", string(rec.Status), actorOf(rctx), now)
	observability.RequestLogger(ctx, s.logger).Info("approval token issued",
		zap.String("token_id", rec.ID),
		zap.String("subject_ref", subjectRef),
		zap.String("kind", string(kind)),
		zap.Time("expires_at", rec.ExpiresAt),
	)
	return model.IssuedToken{Token: token, Record: rec}, nil
}

// Inspect returns the public view of a token without redeeming it.
func (s *Service) Inspect(ctx context.Context, token string) (model.TokenView, error) {
	t, err := s.lookup(ctx, token)
	if err != nil {
		return model.TokenView{}, err
	}
	return model.TokenView{
		SubjectRef: t.SubjectRef,
		Kind:       t.Kind,
		Status:     t.Status,
		ExpiresAt:  t.ExpiresAt,
		Expired:    t.Expired(s.now()),
	}, nil
}

// Redeem applies an approve or reject decision. Expiry is checked before
// use, and the pending -> decided change is a single compare-and-set so
// concurrent redemptions cannot both succeed.
func (s *Service) Redeem(ctx context.Context, token string, d model.Decision) (rec model.ApprovalToken, err error) {
	ctx, span := observability.StartSpan(ctx, "approval.redeem",
		observability.AttrDecision.String(string(d.Outcome)))
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := d.Validate(); err != nil {
		return model.ApprovalToken{}, err
	}
	return s.transition(ctx, token, Transition{To: d.Outcome, DecidedBy: d.DecidedBy, Comment: d.Comment}, notify.ApprovalDecided)
}

// MarkUsed settles a pending token whose artifact was decided through
// another path, so the link can no longer be redeemed.
func (s *Service) MarkUsed(ctx context.Context, token, decidedBy string) (model.ApprovalToken, error) {
	return s.transition(ctx, token, Transition{To: model.TokenUsed, DecidedBy: decidedBy}, notify.ApprovalUsed)
}

func (s *Service) transition(ctx context.Context, token string, tr Transition, eventType string) (model.ApprovalToken, error) {
	t, err := s.lookup(ctx, token)
	if err != nil {
		return model.ApprovalToken{}, err
	}

	tr.At = s.now()
	if t.Expired(tr.At) {
		s.metrics.RecordApprovalTokenRedeemed("expired")
		return model.ApprovalToken{}, model.NewTokenExpiredError()
	}
	if t.Status.Terminal() {
		s.metrics.RecordApprovalTokenRedeemed("already_used")
		return model.ApprovalToken{}, model.NewTokenAlreadyUsedError()
	}

	updated, err := s.store.Transition(ctx, t.ID, tr)
	if err != nil {
		switch model.CodeOf(err) {
		case model.ErrTokenAlreadyUsed:
			s.metrics.RecordApprovalTokenRedeemed("already_used")
			s.logger.Warn("approval token redeemed concurrently", zap.String("token_id", t.ID))
		case model.ErrTokenExpired:
			s.metrics.RecordApprovalTokenRedeemed("expired")
		}
		return model.ApprovalToken{}, err
	}

	s.metrics.RecordApprovalTokenRedeemed(string(updated.Status))
	s.publish(ctx, eventType, updated, string(model.TokenPending), string(updated.Status), updated.DecidedBy, tr.At)
	s.logger.Info("approval token decided",
		zap.String("token_id", updated.ID),
		zap.String("subject_ref", updated.SubjectRef),
		zap.String("status", string(updated.Status)),
	)
	return updated, nil
}

func (s *Service) lookup(ctx context.Context, token string) (model.ApprovalToken, error) {
	if token == "" {
		return model.ApprovalToken{}, model.NewNotFoundError("approval token not found")
	}
	return s.store.GetByHash(ctx, HashToken(token))
}

func (s *Service) publish(ctx context.Context, typ string, t model.ApprovalToken, from, to, actor string, now time.Time) {
	s.publisher.Publish(ctx, notify.Event{
		Type:         typ,
		ResourceType: "approval_token",
		ResourceID:   t.ID,
		From:         from,
		To:           to,
		ActorID:      actor,
		Payload: map[string]any{
			"subject_ref":  t.SubjectRef,
			"approver_ref": t.ApproverRef,
			"kind":         string(t.Kind),
		},
		OccurredAt: now,
	})
}

func actorOf(rctx *model.RequestContext) string {
	if rctx == nil {
		return ""
	}
	return rctx.SubjectID
}
