package workflow

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/acadflow/internal/capability"
	"github.com/pitabwire/acadflow/internal/catalog"
	"github.com/pitabwire/acadflow/internal/deadline"
	"github.com/pitabwire/acadflow/internal/mapping"
	"github.com/pitabwire/acadflow/internal/notify"
	"github.com/pitabwire/acadflow/internal/observability"
	"github.com/pitabwire/acadflow/model"
)

// systemActor is recorded when a change has no asserted actor.
const systemActor = "system"

// Engine manages the lifecycle of workflow activities: one row per student
// and workflow type, moved through the step catalog under optimistic locking.
type Engine struct {
	registry    *catalog.Registry
	store       ActivityStore
	resolver    *mapping.Resolver
	deadlines   *deadline.Service
	capResolver model.CapabilityResolver
	publisher   notify.Publisher
	metrics     *observability.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithDeadlines enables deadline-aware submissions and display variants.
// deadlines may be nil, in which case statuses are computed uncached.
func WithDeadlines(resolver *mapping.Resolver, deadlines *deadline.Service) Option {
	return func(e *Engine) {
		e.resolver = resolver
		e.deadlines = deadlines
	}
}

// WithCapabilities enables capability checks on every operation.
func WithCapabilities(r model.CapabilityResolver) Option {
	return func(e *Engine) { e.capResolver = r }
}

// WithPublisher sets the sink for accepted changes.
func WithPublisher(p notify.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new activity engine.
func NewEngine(registry *catalog.Registry, store ActivityStore, opts ...Option) *Engine {
	e := &Engine{
		registry:  registry,
		store:     store,
		publisher: notify.Noop{},
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AdvanceOption adjusts a single AdvanceStep call.
type AdvanceOption func(*advanceParams)

type advanceParams struct {
	subtype string
	payload map[string]any
}

// WithDocumentSubtype selects the deadline mapping for a specific document
// subtype when the transition is a submission.
func WithDocumentSubtype(subtype string) AdvanceOption {
	return func(p *advanceParams) { p.subtype = subtype }
}

// WithPayload merges workflow-specific data into the activity payload.
func WithPayload(payload map[string]any) AdvanceOption {
	return func(p *advanceParams) { p.payload = payload }
}

// CreateActivity creates the single activity for (studentID, wt), positioned
// on the first catalog step. A second activity for the same pair returns
// CONFLICT.
func (e *Engine) CreateActivity(
	ctx context.Context,
	rctx *model.RequestContext,
	studentID string,
	wt model.WorkflowType,
	payload map[string]any,
) (view model.ActivityView, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.create", spanAttrs(studentID, wt)...)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := capability.Authorize(e.capResolver, rctx, model.CapActivityCreate, studentID); err != nil {
		return model.ActivityView{}, err
	}
	if studentID == "" {
		return model.ActivityView{}, model.NewFieldValidationError("student_id", "REQUIRED", "student_id is required")
	}
	if _, err := model.ParseWorkflowType(string(wt)); err != nil {
		return model.ActivityView{}, err
	}

	first, err := e.registry.FirstStep(wt)
	if err != nil {
		return model.ActivityView{}, err
	}

	now := e.now()
	a := model.WorkflowActivity{
		ID:                uuid.New().String(),
		StudentID:         studentID,
		WorkflowType:      wt,
		CurrentStepKey:    first.Key,
		CurrentStepStatus: model.StepPending,
		OverallStatus:     model.OverallEligible,
		Payload:           mergePayload(nil, payload),
		Cycle:             1,
		StartedAt:         now,
		CreatedAt:         now,
		UpdatedAt:         now,
		Version:           1,
	}

	start := time.Now()
	err = e.store.Create(ctx, a)
	e.metrics.RecordStoreOperation("create", time.Since(start))
	if err != nil {
		if model.IsCode(err, model.ErrConflict) {
			e.metrics.RecordActivityConflict(string(wt))
		}
		return model.ActivityView{}, err
	}

	actor := actorID(rctx)
	created := e.newEvent(a, model.EventActivityCreated, "", string(model.OverallEligible), actor, "", now)
	if e.resolver != nil {
		gov, gerr := e.resolver.ResolveForTrigger(ctx, wt, first.Key, "", model.TriggerOnCreate)
		if gerr != nil {
			e.logger.Warn("on_create deadline lookup failed", zap.String("activity_id", a.ID), zap.Error(gerr))
		} else if gov != nil {
			created.Data = map[string]any{"deadline_id": gov.Deadline.ID}
		}
	}
	e.appendEvents(ctx, created,
		e.newEvent(a, model.EventStepEntered, "", first.Key, actor, "", now),
	)

	e.metrics.RecordActivityCreate(string(wt))
	e.publish(ctx, notify.ActivityCreated, a, "", string(a.OverallStatus), actor, now)
	observability.RequestLogger(ctx, e.logger).Info("activity created",
		zap.String("activity_id", a.ID),
		zap.String("student_id", studentID),
		zap.String("workflow_type", string(wt)),
		zap.String("step_key", first.Key),
	)

	return e.viewAfterCommit(ctx, a, now), nil
}

// GetActivity returns the activity for (studentID, wt) with its display
// state computed now.
func (e *Engine) GetActivity(
	ctx context.Context,
	rctx *model.RequestContext,
	studentID string,
	wt model.WorkflowType,
) (model.ActivityView, error) {
	if err := capability.Authorize(e.capResolver, rctx, model.CapActivityRead, studentID); err != nil {
		return model.ActivityView{}, err
	}
	a, err := e.store.Get(ctx, studentID, wt)
	if err != nil {
		return model.ActivityView{}, err
	}
	return e.view(ctx, a, e.now())
}

// AdvanceStep moves the current step to newStatus. Completing or skipping a
// step enters the next catalog step; completing the last one completes the
// workflow. Entering awaiting_admin_action from a student-side status is a
// submission and is checked against the governing deadline.
func (e *Engine) AdvanceStep(
	ctx context.Context,
	rctx *model.RequestContext,
	studentID string,
	wt model.WorkflowType,
	newStatus model.StepStatus,
	note string,
	opts ...AdvanceOption,
) (view model.ActivityView, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.advance",
		append(spanAttrs(studentID, wt), observability.AttrStepStatus.String(string(newStatus)))...)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := capability.Authorize(e.capResolver, rctx, model.CapActivityAdvance, studentID); err != nil {
		return model.ActivityView{}, err
	}
	if _, err := model.ParseStepStatus(string(newStatus)); err != nil {
		return model.ActivityView{}, err
	}

	var params advanceParams
	for _, opt := range opts {
		opt(&params)
	}

	a, err := e.store.Get(ctx, studentID, wt)
	if err != nil {
		return model.ActivityView{}, err
	}

	if a.OverallStatus.Terminal() || a.OverallStatus == model.OverallBlocked {
		return model.ActivityView{}, e.illegal(a, fmt.Sprintf(
			"activity is %s; step advancement requires reopening or unblocking first", a.OverallStatus))
	}
	from := a.CurrentStepStatus
	if !CanTransitionStep(from, newStatus) {
		return model.ActivityView{}, e.illegal(a, fmt.Sprintf(
			"step %q cannot move from %s to %s", a.CurrentStepKey, from, newStatus))
	}

	now := e.now()
	actor := actorID(rctx)
	next := cloneActivity(a)
	next.Payload = mergePayload(next.Payload, params.payload)

	var events []model.ActivityEvent
	if isSubmission(from, newStatus) {
		evt, err := e.recordSubmission(ctx, &next, params.subtype, actor, now)
		if err != nil {
			return model.ActivityView{}, err
		}
		if evt != nil {
			events = append(events, *evt)
		}
	}

	next.CurrentStepStatus = newStatus
	events = append(events, e.newEvent(next, model.EventStepStatus, string(from), string(newStatus), actor, note, now))

	if lifted(next.OverallStatus) {
		events = append(events, e.newEvent(next, model.EventOverallStatus,
			string(next.OverallStatus), string(model.OverallInProgress), actor, "", now))
		next.OverallStatus = model.OverallInProgress
	}

	completed := false
	switch newStatus {
	case model.StepCompleted, model.StepSkipped:
		step, ok, err := e.registry.NextStep(wt, a.CurrentStepKey)
		if err != nil {
			return model.ActivityView{}, err
		}
		if ok {
			next.CurrentStepKey = step.Key
			next.CurrentStepStatus = model.StepPending
			events = append(events, e.newEvent(next, model.EventStepEntered, a.CurrentStepKey, step.Key, actor, "", now))
		} else {
			completedAt := now
			next.CompletedAt = &completedAt
			events = append(events, e.newEvent(next, model.EventWorkflowComplete,
				string(next.OverallStatus), string(model.OverallCompleted), actor, "", now))
			next.OverallStatus = model.OverallCompleted
			completed = true
		}
	case model.StepCancelled:
		events = append(events, e.newEvent(next, model.EventOverallStatus,
			string(next.OverallStatus), string(model.OverallCancelled), actor, note, now))
		next.OverallStatus = model.OverallCancelled
	}

	updated, err := e.update(ctx, next)
	if err != nil {
		return model.ActivityView{}, err
	}
	e.appendEvents(ctx, events...)

	e.metrics.RecordActivityTransition(string(wt), "step", string(newStatus))
	e.publish(ctx, notify.ActivityStepChanged, updated, string(from), string(newStatus), actor, now)
	if completed {
		e.metrics.RecordActivityCompletion(string(wt))
		e.publish(ctx, notify.ActivityCompleted, updated, string(model.OverallInProgress), string(model.OverallCompleted), actor, now)
	}
	observability.RequestLogger(ctx, e.logger).Info("activity step transitioned",
		zap.String("activity_id", updated.ID),
		zap.String("step_key", a.CurrentStepKey),
		zap.String("from", string(from)),
		zap.String("to", string(newStatus)),
		zap.String("current_step_key", updated.CurrentStepKey),
		zap.String("overall_status", string(updated.OverallStatus)),
		zap.Int("version", updated.Version),
	)

	return e.viewAfterCommit(ctx, updated, now), nil
}

// SetOverallStatus applies an explicit overall status change. completed is
// only reachable by finishing the catalog, and failed, cancelled and
// archived activities leave those states only through Reopen.
func (e *Engine) SetOverallStatus(
	ctx context.Context,
	rctx *model.RequestContext,
	studentID string,
	wt model.WorkflowType,
	status model.OverallStatus,
	note string,
) (view model.ActivityView, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.set_overall",
		append(spanAttrs(studentID, wt), observability.AttrOverallStatus.String(string(status)))...)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := capability.Authorize(e.capResolver, rctx, model.CapActivityOverall, studentID); err != nil {
		return model.ActivityView{}, err
	}
	if _, err := model.ParseOverallStatus(string(status)); err != nil {
		return model.ActivityView{}, err
	}

	a, err := e.store.Get(ctx, studentID, wt)
	if err != nil {
		return model.ActivityView{}, err
	}

	from := a.OverallStatus
	if !CanTransitionOverall(from, status) {
		reason := fmt.Sprintf("overall status cannot move from %s to %s", from, status)
		switch {
		case status == model.OverallCompleted:
			reason = "completed is reached by completing the last catalog step"
		case reopenable(from):
			reason = fmt.Sprintf("activity is %s; use reopen to start a new cycle", from)
		}
		return model.ActivityView{}, e.illegal(a, reason)
	}

	now := e.now()
	actor := actorID(rctx)
	next := cloneActivity(a)
	next.OverallStatus = status
	if status.RequiresCompletedAt() {
		if next.CompletedAt == nil {
			completedAt := now
			next.CompletedAt = &completedAt
		}
	} else {
		next.CompletedAt = nil
	}

	updated, err := e.update(ctx, next)
	if err != nil {
		return model.ActivityView{}, err
	}
	e.appendEvents(ctx, e.newEvent(updated, model.EventOverallStatus, string(from), string(status), actor, note, now))

	e.metrics.RecordActivityTransition(string(wt), "overall", string(status))
	e.publish(ctx, notify.ActivityOverallChanged, updated, string(from), string(status), actor, now)
	observability.RequestLogger(ctx, e.logger).Info("activity overall status changed",
		zap.String("activity_id", updated.ID),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
	)

	return e.viewAfterCommit(ctx, updated, now), nil
}

// Reopen starts a new cycle for a failed or cancelled activity. The activity
// regresses to stepKey (or the first catalog step when empty) in pending,
// the overall status becomes in_progress and per-step submission facts are
// cleared. The row itself is never deleted.
func (e *Engine) Reopen(
	ctx context.Context,
	rctx *model.RequestContext,
	studentID string,
	wt model.WorkflowType,
	stepKey string,
	note string,
) (view model.ActivityView, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.reopen", spanAttrs(studentID, wt)...)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := capability.Authorize(e.capResolver, rctx, model.CapActivityReopen, studentID); err != nil {
		return model.ActivityView{}, err
	}

	a, err := e.store.Get(ctx, studentID, wt)
	if err != nil {
		return model.ActivityView{}, err
	}
	if !reopenable(a.OverallStatus) {
		return model.ActivityView{}, e.illegal(a, fmt.Sprintf(
			"only failed or cancelled activities can be reopened; activity is %s", a.OverallStatus))
	}

	var target model.StepDefinition
	if stepKey == "" {
		target, err = e.registry.FirstStep(wt)
	} else {
		target, err = e.registry.GetStep(wt, stepKey)
	}
	if err != nil {
		return model.ActivityView{}, err
	}
	if !target.Canonical() {
		return model.ActivityView{}, model.NewFieldValidationError("step_key", "INVALID",
			fmt.Sprintf("step %q is a %s copy override, not a catalog step", target.Key, target.PhaseVariant))
	}

	now := e.now()
	actor := actorID(rctx)
	next := cloneActivity(a)
	next.Cycle++
	next.CurrentStepKey = target.Key
	next.CurrentStepStatus = model.StepPending
	next.OverallStatus = model.OverallInProgress
	next.CompletedAt = nil
	delete(next.Payload, submissionsKey)

	updated, err := e.update(ctx, next)
	if err != nil {
		return model.ActivityView{}, err
	}

	reopened := e.newEvent(updated, model.EventReopened, string(a.OverallStatus), string(model.OverallInProgress), actor, note, now)
	reopened.Data = map[string]any{
		"previous_cycle":       a.Cycle,
		"previous_step_key":    a.CurrentStepKey,
		"previous_step_status": string(a.CurrentStepStatus),
	}
	e.appendEvents(ctx, reopened,
		e.newEvent(updated, model.EventStepEntered, a.CurrentStepKey, target.Key, actor, "", now),
	)

	e.metrics.RecordActivityTransition(string(wt), "reopen", string(model.OverallInProgress))
	e.publish(ctx, notify.ActivityReopened, updated, string(a.OverallStatus), string(model.OverallInProgress), actor, now)
	observability.RequestLogger(ctx, e.logger).Info("activity reopened",
		zap.String("activity_id", updated.ID),
		zap.Int("cycle", updated.Cycle),
		zap.String("step_key", target.Key),
	)

	return e.viewAfterCommit(ctx, updated, now), nil
}

// History returns the audit trail of an activity in time order.
func (e *Engine) History(
	ctx context.Context,
	rctx *model.RequestContext,
	studentID string,
	wt model.WorkflowType,
) ([]model.ActivityEvent, error) {
	if err := capability.Authorize(e.capResolver, rctx, model.CapActivityRead, studentID); err != nil {
		return nil, err
	}
	a, err := e.store.Get(ctx, studentID, wt)
	if err != nil {
		return nil, err
	}
	return e.store.GetEvents(ctx, a.ID)
}

// ListActivities returns activities across students for staff views.
func (e *Engine) ListActivities(
	ctx context.Context,
	rctx *model.RequestContext,
	filters ActivityFilters,
) ([]model.WorkflowActivity, error) {
	if err := capability.Authorize(e.capResolver, rctx, model.CapActivityList, ""); err != nil {
		return nil, err
	}
	if filters.WorkflowType != "" {
		if _, err := model.ParseWorkflowType(string(filters.WorkflowType)); err != nil {
			return nil, err
		}
	}
	if filters.Limit <= 0 {
		filters.Limit = 50
	}
	if filters.Offset < 0 {
		filters.Offset = 0
	}
	return e.store.List(ctx, filters)
}

// Describe returns every catalog step of the activity's workflow marked
// done, current or upcoming, with the current step's variant computed at now.
func (e *Engine) Describe(
	ctx context.Context,
	rctx *model.RequestContext,
	studentID string,
	wt model.WorkflowType,
	now time.Time,
) ([]model.ProgressEntry, error) {
	if err := capability.Authorize(e.capResolver, rctx, model.CapActivityRead, studentID); err != nil {
		return nil, err
	}
	a, err := e.store.Get(ctx, studentID, wt)
	if err != nil {
		return nil, err
	}

	steps := e.registry.ListSteps(wt)
	current := -1
	for i, s := range steps {
		if s.Key == a.CurrentStepKey {
			current = i
			break
		}
	}
	finished := a.OverallStatus.RequiresCompletedAt()

	out := make([]model.ProgressEntry, 0, len(steps))
	for i, s := range steps {
		entry := model.ProgressEntry{
			StepKey:  s.Key,
			Order:    s.Order,
			Title:    s.Title,
			Progress: model.ProgressUpcoming,
		}
		switch {
		case finished || (current >= 0 && i < current):
			entry.Progress = model.ProgressDone
			if fact, ok := submissionFact(a.Payload, s.Key); ok && fact.Late {
				entry.Variant = model.VariantLate
			}
		case i == current:
			entry.Progress = model.ProgressCurrent
			entry.Status = a.CurrentStepStatus
			v, err := e.view(ctx, a, now)
			if err != nil {
				return nil, err
			}
			entry.Title = v.Display.Title
			entry.Variant = v.Display.Variant
		}
		out = append(out, entry)
	}
	return out, nil
}

// ResolveStepDisplay returns the variant-appropriate copy for a step as an
// unsubmitted student would see it at now.
func (e *Engine) ResolveStepDisplay(
	ctx context.Context,
	rctx *model.RequestContext,
	wt model.WorkflowType,
	stepKey string,
	now time.Time,
) (model.StepDisplay, error) {
	if err := capability.Authorize(e.capResolver, rctx, model.CapCatalogRead, ""); err != nil {
		return model.StepDisplay{}, err
	}
	if _, err := model.ParseWorkflowType(string(wt)); err != nil {
		return model.StepDisplay{}, err
	}
	return e.resolveDisplay(ctx, wt, stepKey, model.SubmissionFact{}, now)
}

// --- internals ---

// recordSubmission evaluates the governing deadline at now and records the
// submission fact for the current step. The first fact of a cycle is
// authoritative: resubmissions after a rejection keep the original lateness.
func (e *Engine) recordSubmission(
	ctx context.Context,
	a *model.WorkflowActivity,
	subtype string,
	actor string,
	now time.Time,
) (*model.ActivityEvent, error) {
	if _, ok := submissionFact(a.Payload, a.CurrentStepKey); ok {
		return nil, nil
	}

	gov, err := e.governing(ctx, a.WorkflowType, a.CurrentStepKey, subtype, model.TriggerOnSubmit)
	if err != nil {
		return nil, err
	}

	var fact model.SubmissionFact
	var deadlineID string
	if gov == nil {
		at := now.UTC()
		fact = model.SubmissionFact{Submitted: true, SubmittedAt: &at}
	} else {
		res := e.status(ctx, gov.Deadline, model.SubmissionFact{}, now)
		if res.Locked {
			return nil, e.illegal(*a, fmt.Sprintf("submissions for step %q are locked since deadline %q passed",
				a.CurrentStepKey, gov.Deadline.ID))
		}
		fact = deadline.RecordSubmission(gov.Deadline, now)
		deadlineID = gov.Deadline.ID
	}
	a.Payload = putSubmission(a.Payload, a.CurrentStepKey, fact, deadlineID)

	evt := e.newEvent(*a, model.EventSubmission, "", "", actor, "", now)
	evt.Data = map[string]any{"late": fact.Late}
	if deadlineID != "" {
		evt.Data["deadline_id"] = deadlineID
	}
	return &evt, nil
}

// governing resolves the deadline for a step. With a trigger, mappings for
// that trigger are preferred and any active mapping is the fallback.
func (e *Engine) governing(
	ctx context.Context,
	wt model.WorkflowType,
	stepKey, subtype string,
	trigger model.AutoAssignTrigger,
) (*mapping.Governing, error) {
	if e.resolver == nil {
		return nil, nil
	}
	if trigger != "" {
		gov, err := e.resolver.ResolveForTrigger(ctx, wt, stepKey, subtype, trigger)
		if err != nil || gov != nil {
			return gov, err
		}
	}
	return e.resolver.ResolveGoverningDeadline(ctx, wt, stepKey, subtype)
}

func (e *Engine) status(ctx context.Context, d model.Deadline, fact model.SubmissionFact, now time.Time) model.StatusResult {
	if e.deadlines != nil {
		return e.deadlines.Status(ctx, d, fact, now)
	}
	return deadline.Evaluate(d, fact, now)
}

// resolveDisplay computes the step copy for the given submission fact.
func (e *Engine) resolveDisplay(
	ctx context.Context,
	wt model.WorkflowType,
	stepKey string,
	fact model.SubmissionFact,
	now time.Time,
) (model.StepDisplay, error) {
	step, err := e.registry.GetStep(wt, stepKey)
	if err != nil {
		return model.StepDisplay{}, err
	}

	display := model.StepDisplay{
		WorkflowType: wt,
		StepKey:      stepKey,
		Variant:      model.VariantDefault,
	}
	vars := map[string]string{"step_title": step.Title}

	gov, err := e.governing(ctx, wt, stepKey, "", "")
	if err != nil {
		return model.StepDisplay{}, err
	}
	if gov != nil {
		res := e.status(ctx, gov.Deadline, fact, now)
		display.Deadline = &res
		display.Variant = res.Variant
		deadlineVars(vars, gov.Deadline, res)
	}

	copyDef, err := e.registry.ResolveVariant(wt, stepKey, display.Variant)
	if err != nil {
		return model.StepDisplay{}, err
	}
	display.Title = copyDef.Title
	display.Description = catalog.Render(copyDef.DescriptionTemplate, vars)
	display.Vars = vars
	return display, nil
}

// deadlineVars adds the template placeholders derived from a deadline.
// deadline_at is shown in the deadline's display timezone.
func deadlineVars(vars map[string]string, d model.Deadline, res model.StatusResult) {
	vars["days_left"] = strconv.Itoa(res.DaysLeft)
	vars["deadline_status"] = string(res.Status)
	if d.Title != "" {
		vars["deadline_title"] = d.Title
	}
	if res.EffectiveAt != nil {
		at := *res.EffectiveAt
		if d.Timezone != "" {
			if loc, err := time.LoadLocation(d.Timezone); err == nil {
				at = at.In(loc)
			}
		}
		vars["deadline_at"] = at.Format("2006-01-02 15:04")
	}
}

// view attaches read-time display state. A step missing from the current
// catalog revision degrades to its bare key; dependency failures surface.
func (e *Engine) view(ctx context.Context, a model.WorkflowActivity, now time.Time) (model.ActivityView, error) {
	fact, _ := submissionFact(a.Payload, a.CurrentStepKey)
	display, err := e.resolveDisplay(ctx, a.WorkflowType, a.CurrentStepKey, fact, now)
	if err != nil {
		if !model.IsCode(err, model.ErrNotFound) {
			return model.ActivityView{}, err
		}
		e.logger.Debug("activity step not in catalog", zap.String("activity_id", a.ID), zap.String("step_key", a.CurrentStepKey))
		display = bareDisplay(a)
	}
	return model.ActivityView{Activity: a, Display: display}, nil
}

// viewAfterCommit is view for an already persisted change: a failing
// display lookup must not turn an accepted transition into an error.
func (e *Engine) viewAfterCommit(ctx context.Context, a model.WorkflowActivity, now time.Time) model.ActivityView {
	v, err := e.view(ctx, a, now)
	if err != nil {
		e.logger.Warn("step display unavailable", zap.String("activity_id", a.ID), zap.Error(err))
		return model.ActivityView{Activity: a, Display: bareDisplay(a)}
	}
	return v
}

func bareDisplay(a model.WorkflowActivity) model.StepDisplay {
	return model.StepDisplay{
		WorkflowType: a.WorkflowType,
		StepKey:      a.CurrentStepKey,
		Title:        a.CurrentStepKey,
		Variant:      model.VariantDefault,
	}
}

func (e *Engine) update(ctx context.Context, a model.WorkflowActivity) (model.WorkflowActivity, error) {
	start := time.Now()
	updated, err := e.store.Update(ctx, a)
	e.metrics.RecordStoreOperation("update", time.Since(start))
	if model.IsCode(err, model.ErrConflict) {
		e.metrics.RecordActivityConflict(string(a.WorkflowType))
		e.logger.Warn("activity changed concurrently",
			zap.String("activity_id", a.ID),
			zap.Int("version", a.Version),
		)
	}
	return updated, err
}

// illegal records and returns an ILLEGAL_TRANSITION error for operator review.
func (e *Engine) illegal(a model.WorkflowActivity, reason string) error {
	e.metrics.RecordIllegalTransition(string(a.WorkflowType))
	e.logger.Warn("illegal transition rejected",
		zap.String("activity_id", a.ID),
		zap.String("student_id", a.StudentID),
		zap.String("workflow_type", string(a.WorkflowType)),
		zap.String("step_key", a.CurrentStepKey),
		zap.String("reason", reason),
	)
	return model.NewIllegalTransitionError(reason)
}

func (e *Engine) newEvent(a model.WorkflowActivity, name, from, to, actor, note string, ts time.Time) model.ActivityEvent {
	return model.ActivityEvent{
		ID:         uuid.New().String(),
		ActivityID: a.ID,
		StepKey:    a.CurrentStepKey,
		Event:      name,
		From:       from,
		To:         to,
		ActorID:    actor,
		Note:       note,
		Cycle:      a.Cycle,
		Timestamp:  ts,
	}
}

// appendEvents writes audit rows after the state change committed. A failed
// append is logged; the transition itself stands.
func (e *Engine) appendEvents(ctx context.Context, events ...model.ActivityEvent) {
	for _, evt := range events {
		if err := e.store.AppendEvent(ctx, evt); err != nil {
			e.logger.Error("append activity event failed",
				zap.String("activity_id", evt.ActivityID),
				zap.String("event", evt.Event),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) publish(ctx context.Context, typ string, a model.WorkflowActivity, from, to, actor string, now time.Time) {
	e.publisher.Publish(ctx, notify.Event{
		Type:         typ,
		ResourceType: "activity",
		ResourceID:   a.ID,
		StudentID:    a.StudentID,
		WorkflowType: string(a.WorkflowType),
		StepKey:      a.CurrentStepKey,
		From:         from,
		To:           to,
		ActorID:      actor,
		Cycle:        a.Cycle,
		OccurredAt:   now,
	})
}

func actorID(rctx *model.RequestContext) string {
	if rctx == nil || rctx.SubjectID == "" {
		return systemActor
	}
	return rctx.SubjectID
}

func spanAttrs(studentID string, wt model.WorkflowType) []attribute.KeyValue {
	return []attribute.KeyValue{
		observability.AttrStudentID.String(studentID),
		observability.AttrWorkflowType.String(string(wt)),
	}
}
