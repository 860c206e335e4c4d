package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/directory"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// StatusSink receives the display status of a subject after every committed
// transition, e.g. to write it back to the indent or consignor record.
type StatusSink interface {
	SyncStatus(ctx context.Context, subjectRef, displayStatus string) error
}

// StatusSinkFunc is a function adapter for StatusSink.
type StatusSinkFunc func(ctx context.Context, subjectRef, displayStatus string) error

// SyncStatus implements the StatusSink interface.
func (f StatusSinkFunc) SyncStatus(ctx context.Context, subjectRef, displayStatus string) error {
	return f(ctx, subjectRef, displayStatus)
}

// Engine tracks approval flow instances. It is the only path that mutates them.
type Engine struct {
	registry  *Registry
	storage   storage.Storage
	directory directory.Directory
	evaluator rules.Evaluator
	eventBus  *events.EventBus
	ownBus    bool
	sink      StatusSink
	generate  generator.Generator
	log       *zap.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvaluator sets the evaluator for level conditions.
func WithEvaluator(evaluator rules.Evaluator) Option {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithStatusSink sets where display statuses are written back.
func WithStatusSink(sink StatusSink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithEventBus publishes flow events on bus. The engine does not stop a bus
// it did not create.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.eventBus = bus
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a new Engine with the given generator, storage and role directory.
func NewEngine(generate generator.Generator, store storage.Storage, dir directory.Directory, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if dir == nil {
		return nil, errors.New("directory is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		storage:   store,
		directory: dir,
		evaluator: rules.NewExprEvaluator(),
		generate:  generate,
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.log))
		e.ownBus = true
	}
	e.registry = NewRegistry(e.storage, e.directory, e.evaluator)
	return e, nil
}

// Registry returns the approval configuration registry backing the engine.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// RegisterType registers an approval type definition.
func (e *Engine) RegisterType(ctx context.Context, def types.ApprovalType) error {
	if err := e.registry.RegisterType(ctx, def); err != nil {
		return err
	}
	e.log.Info("approval type registered", zap.String("type", def.ID), zap.Int("levels", len(def.Levels)))
	return nil
}

// StartFlow creates the level-1 instance of an approval cycle for subject.
func (e *Engine) StartFlow(ctx context.Context, typeID string, subject types.Subject, cycle int) (*types.FlowInstance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if strings.TrimSpace(subject.Ref) == "" {
		return nil, fmt.Errorf("%w: subject ref cannot be empty", ErrValidation)
	}
	if cycle < 1 {
		return nil, fmt.Errorf("%w: cycle must be at least 1, got %d", ErrValidation, cycle)
	}

	def, err := e.registry.GetType(ctx, typeID)
	if err != nil {
		return nil, err
	}

	latest, err := e.storage.GetLatestBySubject(ctx, subject.Ref)
	switch {
	case err == nil:
		if latest.Status.IsActive() {
			return nil, fmt.Errorf("%w: %s has instance %d at %s", ErrDuplicateActiveFlow, subject.Ref, latest.ID, latest.Status)
		}
		if cycle <= latest.Cycle {
			return nil, fmt.Errorf("%w: cycle %d of %s must be greater than %d", ErrValidation, cycle, subject.Ref, latest.Cycle)
		}
	case !errors.Is(err, storage.ErrInstanceNotFound):
		return nil, fmt.Errorf("failed to get latest flow: %w", err)
	}

	first := def.Levels[0]
	approvers, err := e.registry.ResolveApprover(ctx, first, subject, subject.RequestedBy)
	if err != nil {
		return nil, err
	}

	id, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	now := e.now().UnixMilli()
	inst := types.FlowInstance{
		ID:               id,
		ApprovalTypeID:   def.ID,
		Subject:          subject,
		Cycle:            cycle,
		Status:           types.PendingAtLevel(1),
		PendingRole:      first.Role,
		PendingApprovers: approvers,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := e.storage.CreateInstance(ctx, inst); err != nil {
		if errors.Is(err, storage.ErrActiveFlowExists) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateActiveFlow, subject.Ref)
		}
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	e.log.Info("approval flow started",
		zap.Uint64("instance_id", inst.ID),
		zap.String("type", def.ID),
		zap.String("subject_ref", subject.Ref),
		zap.Int("cycle", cycle),
		zap.Strings("pending_approvers", approvers),
	)
	e.notify(ctx, events.EventFlowStarted, inst)

	return &inst, nil
}

// Resubmit starts the next cycle for a subject whose latest flow was sent
// back or rejected. requestedBy replaces the original requester when set.
func (e *Engine) Resubmit(ctx context.Context, subjectRef, requestedBy string) (*types.FlowInstance, error) {
	latest, err := e.GetLatestFlow(ctx, subjectRef)
	if err != nil {
		return nil, err
	}
	switch {
	case latest.Status.IsActive():
		return nil, fmt.Errorf("%w: %s has instance %d at %s", ErrDuplicateActiveFlow, subjectRef, latest.ID, latest.Status)
	case latest.Status.Kind == types.KindApproved:
		return nil, fmt.Errorf("%w: %s is already approved", ErrInvalidStateTransition, subjectRef)
	}

	subject := latest.Subject
	if requestedBy != "" {
		subject.RequestedBy = requestedBy
	}
	return e.StartFlow(ctx, latest.ApprovalTypeID, subject, latest.Cycle+1)
}

// GetActiveFlow returns the subject's pending instance, or nil when there is none.
func (e *Engine) GetActiveFlow(ctx context.Context, subjectRef string) (*types.FlowInstance, error) {
	inst, err := e.storage.GetLatestBySubject(ctx, subjectRef)
	if err != nil {
		if errors.Is(err, storage.ErrInstanceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest flow: %w", err)
	}
	if !inst.Status.IsActive() {
		return nil, nil
	}
	return &inst, nil
}

// GetLatestFlow returns the subject's most recent instance in any status.
func (e *Engine) GetLatestFlow(ctx context.Context, subjectRef string) (*types.FlowInstance, error) {
	inst, err := e.storage.GetLatestBySubject(ctx, subjectRef)
	if err != nil {
		if errors.Is(err, storage.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: no flow for subject %s", ErrNotFound, subjectRef)
		}
		return nil, fmt.Errorf("failed to get latest flow: %w", err)
	}
	return &inst, nil
}

// GetInstance returns an instance by ID.
func (e *Engine) GetInstance(ctx context.Context, id uint64) (*types.FlowInstance, error) {
	inst, err := e.storage.GetInstance(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrInstanceNotFound) {
			return nil, fmt.Errorf("%w: instance %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return &inst, nil
}

// RecordTransition applies an approver decision. The write is conditional on
// the version read, so of two racing approvers only one commits and the
// other gets ErrStaleTransition. Nothing is written on any failure.
func (e *Engine) RecordTransition(ctx context.Context, act Action) (*types.FlowInstance, error) {
	current, err := e.GetInstance(ctx, act.InstanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.registry.GetType(ctx, current.ApprovalTypeID)
	if err != nil {
		return nil, err
	}

	next, err := Evaluate(ctx, *current, def, act, e.registry.ResolveApprover)
	if err != nil {
		e.log.Debug("transition refused",
			zap.Uint64("instance_id", act.InstanceID),
			zap.String("actor", act.ActorID),
			zap.String("decision", string(act.Decision)),
			zap.Error(err),
		)
		return nil, err
	}
	// pending approvers are captured when a level starts; role changes since then count
	level, _ := def.Level(current.Status.Level)
	if err := e.registry.CheckActor(ctx, level, current.Subject, act.ActorID); err != nil {
		e.log.Debug("transition refused",
			zap.Uint64("instance_id", act.InstanceID),
			zap.String("actor", act.ActorID),
			zap.Error(err),
		)
		return nil, err
	}

	now := e.now()
	next.Record.ID = uuid.NewString()
	next.Record.At = now.UnixMilli()

	updated := current.Clone()
	updated.Status = next.Status
	updated.PendingRole = next.PendingRole
	updated.PendingApprovers = next.PendingApprovers
	updated.ApprovedBy = next.ApprovedBy
	updated.ActionedBy = act.ActorID
	updated.ActionedAt = next.Record.At
	updated.Remark = act.Remark
	updated.History = append(updated.History, next.Record)
	updated.Version = current.Version + 1
	updated.UpdatedAt = next.Record.At

	if err := e.storage.UpdateInstance(ctx, updated, current.Version); err != nil {
		switch {
		case errors.Is(err, storage.ErrVersionConflict):
			return nil, fmt.Errorf("%w: instance %d changed since it was read", ErrStaleTransition, current.ID)
		case errors.Is(err, storage.ErrInstanceNotFound):
			return nil, fmt.Errorf("%w: instance %d", ErrNotFound, current.ID)
		}
		return nil, fmt.Errorf("failed to update instance: %w", err)
	}

	e.log.Info("transition recorded",
		zap.Uint64("instance_id", updated.ID),
		zap.String("subject_ref", updated.Subject.Ref),
		zap.String("actor", act.ActorID),
		zap.String("decision", string(act.Decision)),
		zap.Stringer("from", next.Record.From),
		zap.Stringer("to", next.Record.To),
	)
	e.notify(ctx, eventFor(updated.Status), updated)

	return &updated, nil
}

// notify publishes the flow event and writes the display status back to the
// subject. Both happen after commit; failures are logged, never returned.
func (e *Engine) notify(ctx context.Context, eventType string, inst types.FlowInstance) {
	display := types.DisplayStatus(inst.Status)

	err := e.eventBus.Publish(ctx, events.Event{
		Type:          eventType,
		InstanceID:    inst.ID,
		SubjectRef:    inst.Subject.Ref,
		DisplayStatus: display,
		Data: map[string]interface{}{
			"type":              inst.ApprovalTypeID,
			"cycle":             inst.Cycle,
			"status":            inst.Status.String(),
			"pending_approvers": inst.PendingApprovers,
			"actioned_by":       inst.ActionedBy,
		},
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.log.Warn("failed to publish flow event",
			zap.String("type", eventType),
			zap.Uint64("instance_id", inst.ID),
			zap.Error(err),
		)
	}

	if e.sink == nil {
		return
	}
	if err := e.sink.SyncStatus(ctx, inst.Subject.Ref, display); err != nil {
		e.log.Warn("failed to sync subject status",
			zap.String("subject_ref", inst.Subject.Ref),
			zap.String("status", display),
			zap.Error(err),
		)
	}
}

func eventFor(s types.Status) string {
	switch s.Kind {
	case types.KindApproved:
		return events.EventFlowApproved
	case types.KindRejected:
		return events.EventFlowRejected
	case types.KindSentBack:
		return events.EventFlowSentBack
	}
	return events.EventFlowAdvanced
}

// Stop gracefully stops the engine.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		if e.ownBus {
			e.eventBus.Stop()
		}
		return nil
	}
}
