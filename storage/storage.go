package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/approval-engine/types"
)

var (
	ErrApprovalTypeNotFound = errors.New("approval type not found")
	ErrInstanceNotFound     = errors.New("instance not found")
	// ErrVersionConflict is returned by UpdateInstance when the stored version
	// no longer matches the version the caller read.
	ErrVersionConflict = errors.New("instance version conflict")
	// ErrActiveFlowExists is returned by CreateInstance when the subject's
	// latest instance is still pending.
	ErrActiveFlowExists = errors.New("subject already has an active flow")
)

// Storage persists approval type definitions and flow instances.
type Storage interface {
	// SaveApprovalType saves an approval type definition.
	SaveApprovalType(ctx context.Context, def types.ApprovalType) error

	// GetApprovalType retrieves an approval type by ID.
	GetApprovalType(ctx context.Context, id string) (types.ApprovalType, error)

	// CreateInstance inserts a new flow instance, atomically refusing it when
	// the subject's latest instance is still active.
	CreateInstance(ctx context.Context, inst types.FlowInstance) error

	// GetInstance retrieves a flow instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.FlowInstance, error)

	// GetLatestBySubject retrieves the most recent instance for a subject.
	GetLatestBySubject(ctx context.Context, subjectRef string) (types.FlowInstance, error)

	// UpdateInstance replaces the stored instance only if its version still
	// equals expectedVersion. inst.Version carries the new version.
	UpdateInstance(ctx context.Context, inst types.FlowInstance, expectedVersion uint64) error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
