package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/songzhibin97/approval-engine/types"
)

// Action is one approver decision on a flow instance.
//
// Level and ExpectedVersion describe what the caller saw when it rendered
// the action. Either may be zero, in which case it is not checked.
type Action struct {
	InstanceID      uint64
	ActorID         string
	Decision        types.Decision
	Remark          string
	Level           int
	ExpectedVersion uint64
}

// ResolveFunc resolves the approvers of a level. Registry.ResolveApprover
// satisfies it.
type ResolveFunc func(ctx context.Context, level types.Level, subject types.Subject, previousActor string) ([]string, error)

// Next is the state an instance moves to after an action.
type Next struct {
	Status           types.Status
	PendingRole      string
	PendingApprovers []string
	ApprovedBy       []string
	Record           types.TransitionRecord
}

// Evaluate computes the state that follows act on inst. It reads nothing
// but its arguments and resolve, and never mutates inst.
//
// Record.ID and Record.At are left for the caller to stamp.
func Evaluate(ctx context.Context, inst types.FlowInstance, def types.ApprovalType, act Action, resolve ResolveFunc) (Next, error) {
	if !act.Decision.Valid() {
		return Next{}, fmt.Errorf("%w: unknown decision %q", ErrValidation, act.Decision)
	}
	if act.ExpectedVersion != 0 && act.ExpectedVersion != inst.Version {
		return Next{}, fmt.Errorf("%w: instance %d is at version %d, action was built on %d",
			ErrStaleTransition, inst.ID, inst.Version, act.ExpectedVersion)
	}
	if act.Level != 0 && (!inst.Status.IsActive() || inst.Status.Level != act.Level) {
		return Next{}, fmt.Errorf("%w: instance %d is %s, action targets level %d",
			ErrStaleTransition, inst.ID, inst.Status, act.Level)
	}
	if !inst.Status.IsActive() {
		return Next{}, fmt.Errorf("%w: instance %d is %s", ErrInvalidStateTransition, inst.ID, inst.Status)
	}

	n := inst.Status.Level
	level, ok := def.Level(n)
	if !ok {
		return Next{}, fmt.Errorf("%w: approval type %s has no level %d", ErrNotFound, def.ID, n)
	}
	if !inst.IsPendingWith(act.ActorID) {
		if overtaken(inst.History, act.ActorID) {
			return Next{}, fmt.Errorf("%w: instance %d moved to %s before %s acted",
				ErrStaleTransition, inst.ID, inst.Status, act.ActorID)
		}
		return Next{}, fmt.Errorf("%w: %s on instance %d level %d", ErrUnauthorizedActor, act.ActorID, inst.ID, n)
	}

	next := Next{
		Record: types.TransitionRecord{
			Level:    n,
			Decision: act.Decision,
			Actor:    act.ActorID,
			Remark:   act.Remark,
			From:     inst.Status,
			Eligible: append([]string(nil), inst.PendingApprovers...),
		},
	}

	switch act.Decision {
	case types.DecisionReject:
		if strings.TrimSpace(act.Remark) == "" {
			return Next{}, fmt.Errorf("%w: a remark is required to reject", ErrValidation)
		}
		next.Status = types.Rejected()

	case types.DecisionSendBack:
		next.Status = types.SentBack()

	case types.DecisionApprove:
		approvedBy := append(append([]string(nil), inst.ApprovedBy...), act.ActorID)
		remaining := without(inst.PendingApprovers, act.ActorID)

		switch {
		case level.ControlPolicy() == types.ControlAll && len(remaining) > 0:
			next.Status = inst.Status
			next.PendingRole = inst.PendingRole
			next.PendingApprovers = remaining
			next.ApprovedBy = approvedBy
		case n == def.LastLevel():
			next.Status = types.Approved()
		default:
			following, _ := def.Level(n + 1)
			approvers, err := resolve(ctx, following, inst.Subject, act.ActorID)
			if err != nil {
				return Next{}, err
			}
			next.Status = types.PendingAtLevel(n + 1)
			next.PendingRole = following.Role
			next.PendingApprovers = approvers
		}
	}

	next.Record.To = next.Status
	return next, nil
}

// overtaken reports whether actor could act at an earlier point of this
// instance but someone else moved it on first.
func overtaken(history []types.TransitionRecord, actor string) bool {
	eligible := false
	for _, rec := range history {
		if rec.Actor == actor {
			return false
		}
		if contains(rec.Eligible, actor) {
			eligible = true
		}
	}
	return eligible
}

func without(list []string, s string) []string {
	var out []string
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
