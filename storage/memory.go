package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/approval-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	approvalTypes map[string]types.ApprovalType
	instances     map[uint64]types.FlowInstance
	latest        map[string]uint64 // subject ref -> latest instance id
	mu            sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		approvalTypes: make(map[string]types.ApprovalType),
		instances:     make(map[uint64]types.FlowInstance),
		latest:        make(map[string]uint64),
	}
}

// SaveApprovalType saves an approval type to memory.
func (s *MemoryStorage) SaveApprovalType(ctx context.Context, def types.ApprovalType) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		def.Levels = append([]types.Level(nil), def.Levels...)
		s.approvalTypes[def.ID] = def
		return nil
	})
}

// GetApprovalType retrieves an approval type from memory.
func (s *MemoryStorage) GetApprovalType(ctx context.Context, id string) (types.ApprovalType, error) {
	return withContext(ctx, func() (types.ApprovalType, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		def, ok := s.approvalTypes[id]
		if !ok {
			return types.ApprovalType{}, fmt.Errorf("%w: id=%s", ErrApprovalTypeNotFound, id)
		}
		def.Levels = append([]types.Level(nil), def.Levels...)
		return def, nil
	})
}

// CreateInstance stores a new instance unless the subject has an active one.
func (s *MemoryStorage) CreateInstance(ctx context.Context, inst types.FlowInstance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, exists := s.instances[inst.ID]; exists {
			return fmt.Errorf("instance %d already exists", inst.ID)
		}
		if id, ok := s.latest[inst.Subject.Ref]; ok {
			if prev := s.instances[id]; prev.Status.IsActive() {
				return fmt.Errorf("%w: subject=%s instance=%d", ErrActiveFlowExists, inst.Subject.Ref, id)
			}
		}
		s.instances[inst.ID] = inst.Clone()
		s.latest[inst.Subject.Ref] = inst.ID
		return nil
	})
}

// GetInstance retrieves a flow instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.FlowInstance, error) {
	return withContext(ctx, func() (types.FlowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		inst, ok := s.instances[id]
		if !ok {
			return types.FlowInstance{}, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
		}
		return inst.Clone(), nil
	})
}

// GetLatestBySubject retrieves the most recent instance created for a subject.
func (s *MemoryStorage) GetLatestBySubject(ctx context.Context, subjectRef string) (types.FlowInstance, error) {
	return withContext(ctx, func() (types.FlowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		id, ok := s.latest[subjectRef]
		if !ok {
			return types.FlowInstance{}, fmt.Errorf("%w: subject=%s", ErrInstanceNotFound, subjectRef)
		}
		return s.instances[id].Clone(), nil
	})
}

// UpdateInstance performs a compare-and-swap on the instance version.
func (s *MemoryStorage) UpdateInstance(ctx context.Context, inst types.FlowInstance, expectedVersion uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.instances[inst.ID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
		}
		if cur.Version != expectedVersion {
			return fmt.Errorf("%w: id=%d stored=%d expected=%d", ErrVersionConflict, inst.ID, cur.Version, expectedVersion)
		}
		s.instances[inst.ID] = inst.Clone()
		return nil
	})
}
