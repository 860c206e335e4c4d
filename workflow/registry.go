package workflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/songzhibin97/approval-engine/directory"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// Registry holds approval type definitions and resolves the approvers of a
// level against the role directory.
type Registry struct {
	store     storage.Storage
	directory directory.Directory
	evaluator rules.Evaluator

	mu    sync.RWMutex
	cache map[string]types.ApprovalType
}

// NewRegistry creates a registry. evaluator may be nil when no level uses a
// condition.
func NewRegistry(store storage.Storage, dir directory.Directory, evaluator rules.Evaluator) *Registry {
	return &Registry{
		store:     store,
		directory: dir,
		evaluator: evaluator,
		cache:     make(map[string]types.ApprovalType),
	}
}

// RegisterType validates and persists an approval type. Registering the same
// definition twice is a no-op; changing the levels of a known type is
// refused, register a new type ID instead.
func (r *Registry) RegisterType(ctx context.Context, def types.ApprovalType) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for _, l := range def.Levels {
		if l.Condition != "" && r.evaluator == nil {
			return fmt.Errorf("%w: level %d of %s has a condition but no evaluator is configured", ErrInvalidCondition, l.Sequence, def.ID)
		}
	}

	existing, err := r.GetType(ctx, def.ID)
	switch {
	case err == nil:
		if !reflect.DeepEqual(existing.Levels, def.Levels) {
			return fmt.Errorf("%w: approval type %s is already registered with different levels", ErrValidation, def.ID)
		}
		if existing.Name == def.Name {
			return nil
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.SaveApprovalType(ctx, def); err != nil {
		return fmt.Errorf("failed to save approval type: %w", err)
	}
	r.cache[def.ID] = def
	return nil
}

// GetType retrieves an approval type, checking the cache first then storage.
func (r *Registry) GetType(ctx context.Context, id string) (types.ApprovalType, error) {
	r.mu.RLock()
	def, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := r.store.GetApprovalType(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrApprovalTypeNotFound) {
			return types.ApprovalType{}, fmt.Errorf("%w: approval type %s", ErrNotFound, id)
		}
		return types.ApprovalType{}, fmt.Errorf("failed to get approval type: %w", err)
	}

	r.mu.Lock()
	r.cache[def.ID] = def
	r.mu.Unlock()
	return def, nil
}

// GetLevels returns the ordered levels of an approval type.
func (r *Registry) GetLevels(ctx context.Context, typeID string) ([]types.Level, error) {
	def, err := r.GetType(ctx, typeID)
	if err != nil {
		return nil, err
	}
	return append([]types.Level(nil), def.Levels...), nil
}

// ResolveApprover returns the users eligible to act on level for subject.
// previousActor is the requester for level 1 and the approver of the prior
// level afterwards. The directory is queried on every call.
func (r *Registry) ResolveApprover(ctx context.Context, level types.Level, subject types.Subject, previousActor string) ([]string, error) {
	var candidates []string

	switch level.SelectionPolicy() {
	case types.SelectSpecificUser:
		if level.Role != "" {
			holders, err := r.holders(ctx, level, subject)
			if err != nil {
				return nil, err
			}
			if !contains(holders, level.UserID) {
				return nil, fmt.Errorf("%w: level %d names %s who does not hold role %s in scope %q",
					ErrNoEligibleApprover, level.Sequence, level.UserID, level.Role, subject.Scope)
			}
		}
		candidates = []string{level.UserID}

	case types.SelectAnyHolder:
		holders, err := r.holders(ctx, level, subject)
		if err != nil {
			return nil, err
		}
		candidates = holders

	case types.SelectCrossApproval:
		holders, err := r.holders(ctx, level, subject)
		if err != nil {
			return nil, err
		}
		for _, h := range holders {
			if h != previousActor {
				candidates = append(candidates, h)
			}
		}

	default:
		return nil, fmt.Errorf("%w: level %d has unknown selection %q", ErrValidation, level.Sequence, level.Selection)
	}

	if level.Condition != "" {
		filtered, err := r.filter(level, subject, previousActor, candidates)
		if err != nil {
			return nil, err
		}
		candidates = filtered
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: level %d role %s in scope %q", ErrNoEligibleApprover, level.Sequence, level.Role, subject.Scope)
	}
	return candidates, nil
}

// CheckActor confirms that actor still holds the level's role in the
// subject's scope. Levels naming only a user are not checked.
func (r *Registry) CheckActor(ctx context.Context, level types.Level, subject types.Subject, actor string) error {
	if level.Role == "" {
		return nil
	}
	holders, err := r.holders(ctx, level, subject)
	if err != nil {
		return err
	}
	if !contains(holders, actor) {
		return fmt.Errorf("%w: %s no longer holds role %s in scope %q", ErrUnauthorizedActor, actor, level.Role, subject.Scope)
	}
	return nil
}

func (r *Registry) holders(ctx context.Context, level types.Level, subject types.Subject) ([]string, error) {
	holders, err := r.directory.ListActiveUsersWithRole(ctx, level.Role, subject.Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list holders of role %s: %w", level.Role, err)
	}
	return holders, nil
}

// filter drops candidates for which the level condition is false.
func (r *Registry) filter(level types.Level, subject types.Subject, previousActor string, candidates []string) ([]string, error) {
	if r.evaluator == nil {
		return nil, fmt.Errorf("%w: level %d has a condition but no evaluator is configured", ErrInvalidCondition, level.Sequence)
	}
	attrs := subject.Attributes
	if attrs == nil {
		attrs = map[string]interface{}{}
	}

	var kept []string
	for _, c := range candidates {
		ok, err := r.evaluator.Evaluate(level.Condition, map[string]interface{}{
			"approver":       c,
			"requester":      subject.RequestedBy,
			"previous_actor": previousActor,
			"scope":          subject.Scope,
			"kind":           subject.Kind,
			"level":          level.Sequence,
			"subject":        attrs,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: level %d: %v", ErrInvalidCondition, level.Sequence, err)
		}
		if ok {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
