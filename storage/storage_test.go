package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/approval-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper function to create a sample approval type
func newApprovalType(id string) types.ApprovalType {
	return types.ApprovalType{
		ID:   id,
		Name: "Indent Creation",
		Levels: []types.Level{
			{Sequence: 1, Role: "PLANT_HEAD"},
			{Sequence: 2, Role: "LOGISTICS_MANAGER", Control: types.ControlAll},
		},
	}
}

// Helper function to create a sample instance
func newInstance(id uint64, subject string, cycle int, status types.Status) types.FlowInstance {
	now := time.Now().UnixMilli()
	return types.FlowInstance{
		ID:               id,
		ApprovalTypeID:   "INDENT_CREATION",
		Subject:          types.Subject{Ref: subject, Kind: "indent", Scope: "CNR-01", RequestedBy: "planner"},
		Cycle:            cycle,
		Status:           status,
		PendingRole:      "PLANT_HEAD",
		PendingApprovers: []string{"ph1", "ph2"},
		Version:          1,
		CreatedAt:        now + int64(id),
		UpdatedAt:        now + int64(id),
	}
}

// runStorageSuite exercises the Storage contract against one implementation.
func runStorageSuite(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Run("SaveAndGetApprovalType", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		def := newApprovalType("INDENT_CREATION")
		require.NoError(t, store.SaveApprovalType(ctx, def))

		got, err := store.GetApprovalType(ctx, "INDENT_CREATION")
		require.NoError(t, err)
		assert.Equal(t, def, got)

		_, err = store.GetApprovalType(ctx, "UNKNOWN")
		assert.ErrorIs(t, err, ErrApprovalTypeNotFound)
	})

	t.Run("CreateAndGetInstance", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		inst := newInstance(1, "IND-1", 1, types.PendingAtLevel(1))
		require.NoError(t, store.CreateInstance(ctx, inst))

		got, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, inst, got)

		latest, err := store.GetLatestBySubject(ctx, "IND-1")
		require.NoError(t, err)
		assert.Equal(t, inst.ID, latest.ID)

		_, err = store.GetInstance(ctx, 999)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
		_, err = store.GetLatestBySubject(ctx, "IND-404")
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("CreateRefusesSecondActiveFlow", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.CreateInstance(ctx, newInstance(1, "IND-1", 1, types.PendingAtLevel(1))))
		err := store.CreateInstance(ctx, newInstance(2, "IND-1", 2, types.PendingAtLevel(1)))
		assert.ErrorIs(t, err, ErrActiveFlowExists)

		// Another subject is unaffected.
		assert.NoError(t, store.CreateInstance(ctx, newInstance(3, "IND-2", 1, types.PendingAtLevel(1))))
	})

	t.Run("ConcurrentCreateSameSubject", func(t *testing.T) {
		runConcurrentCreate(t, newStore(t))
	})

	t.Run("NewCycleAfterSendBack", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		first := newInstance(1, "IND-1", 1, types.PendingAtLevel(1))
		require.NoError(t, store.CreateInstance(ctx, first))

		closed := first.Clone()
		closed.Status = types.SentBack()
		closed.PendingApprovers = nil
		closed.Version = 2
		require.NoError(t, store.UpdateInstance(ctx, closed, 1))

		second := newInstance(2, "IND-1", 2, types.PendingAtLevel(1))
		require.NoError(t, store.CreateInstance(ctx, second))

		latest, err := store.GetLatestBySubject(ctx, "IND-1")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), latest.ID)
		assert.Equal(t, 2, latest.Cycle)
	})

	t.Run("UpdateInstanceVersionCheck", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		inst := newInstance(1, "IND-1", 1, types.PendingAtLevel(1))
		require.NoError(t, store.CreateInstance(ctx, inst))

		next := inst.Clone()
		next.Status = types.PendingAtLevel(2)
		next.Version = 2
		require.NoError(t, store.UpdateInstance(ctx, next, 1))

		stale := inst.Clone()
		stale.Status = types.Rejected()
		stale.Version = 2
		err := store.UpdateInstance(ctx, stale, 1)
		assert.ErrorIs(t, err, ErrVersionConflict)

		got, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, types.PendingAtLevel(2), got.Status)
		assert.Equal(t, uint64(2), got.Version)

		missing := newInstance(42, "IND-42", 1, types.PendingAtLevel(1))
		assert.ErrorIs(t, store.UpdateInstance(ctx, missing, 1), ErrInstanceNotFound)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, store.SaveApprovalType(ctx, newApprovalType("T1")), context.Canceled)
		_, err := store.GetApprovalType(ctx, "T1")
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, store.CreateInstance(ctx, newInstance(1, "IND-1", 1, types.PendingAtLevel(1))), context.Canceled)
		_, err = store.GetInstance(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.GetLatestBySubject(ctx, "IND-1")
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, store.UpdateInstance(ctx, newInstance(1, "IND-1", 1, types.Approved()), 1), context.Canceled)
	})
}

// runConcurrentUpdate checks that exactly one of many racing writers wins.
func runConcurrentUpdate(t *testing.T, store Storage) {
	ctx := context.Background()
	inst := newInstance(7, "IND-7", 1, types.PendingAtLevel(1))
	require.NoError(t, store.CreateInstance(ctx, inst))

	const writers = 10
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := inst.Clone()
			next.Status = types.PendingAtLevel(2)
			next.Version = 2
			results <- store.UpdateInstance(ctx, next, 1)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrVersionConflict)
	}
	assert.Equal(t, 1, wins)
}

// runConcurrentCreate checks that of many racing starts for one subject only
// one leaves a pending instance behind.
func runConcurrentCreate(t *testing.T, store Storage) {
	ctx := context.Background()

	const starters = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make(chan error, starters)
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			<-start
			results <- store.CreateInstance(ctx, newInstance(id, "IND-RACE", 1, types.PendingAtLevel(1)))
		}(uint64(100 + i))
	}
	close(start)
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrActiveFlowExists)
	}
	require.Equal(t, 1, wins)

	latest, err := store.GetLatestBySubject(ctx, "IND-RACE")
	require.NoError(t, err)
	assert.True(t, latest.Status.IsActive())
}
