package workflow

import (
	"context"
	"testing"

	"github.com/songzhibin97/approval-engine/directory"
	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDirectory() *directory.MemoryDirectory {
	return directory.NewMemoryDirectory(
		directory.User{ID: "ops1", Scope: "C1", Roles: []string{"OPS_MANAGER"}, Active: true},
		directory.User{ID: "ops2", Scope: "C1", Roles: []string{"OPS_MANAGER"}, Active: true},
		directory.User{ID: "ops3", Scope: "C2", Roles: []string{"OPS_MANAGER"}, Active: true},
		directory.User{ID: "fin1", Scope: "C1", Roles: []string{"FINANCE"}, Active: true},
		directory.User{ID: "retired", Scope: "C1", Roles: []string{"FINANCE"}, Active: false},
		directory.User{ID: "admin", Roles: []string{"TRANSPORTER_ADMIN"}, Active: true},
	)
}

func newTestRegistry() *Registry {
	return NewRegistry(storage.NewMemoryStorage(), testDirectory(), rules.NewExprEvaluator())
}

func TestRegistry_RegisterType(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	def := twoLevelType()
	require.NoError(t, r.RegisterType(ctx, def))
	require.NoError(t, r.RegisterType(ctx, def), "same definition is idempotent")

	renamed := def
	renamed.Name = "Renamed"
	require.NoError(t, r.RegisterType(ctx, renamed))
	got, err := r.GetType(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)

	changed := twoLevelType()
	changed.Levels = changed.Levels[:1]
	assert.ErrorIs(t, r.RegisterType(ctx, changed), ErrValidation)

	invalid := types.ApprovalType{ID: "EMPTY"}
	assert.ErrorIs(t, r.RegisterType(ctx, invalid), ErrValidation)

	noEval := NewRegistry(storage.NewMemoryStorage(), testDirectory(), nil)
	conditional := types.ApprovalType{ID: "C", Levels: []types.Level{{Sequence: 1, Role: "R", Condition: "true"}}}
	assert.ErrorIs(t, noEval.RegisterType(ctx, conditional), ErrInvalidCondition)
}

func TestRegistry_GetLevels(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.SaveApprovalType(ctx, twoLevelType()))
	r := NewRegistry(store, testDirectory(), nil)

	levels, err := r.GetLevels(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, "R2", levels[1].Role)

	// callers cannot edit the cached definition
	levels[0].Role = "HACKED"
	again, err := r.GetLevels(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "R1", again[0].Role)

	_, err = r.GetLevels(ctx, "MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ResolveApprover(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()
	subject := types.Subject{Ref: "IND-1", Kind: "indent", Scope: "C1", RequestedBy: "ops1",
		Attributes: map[string]interface{}{"freight": 75000}}

	tests := []struct {
		name     string
		level    types.Level
		previous string
		want     []string
		wantErr  error
	}{
		{
			name:  "any holder in scope",
			level: types.Level{Sequence: 1, Role: "OPS_MANAGER"},
			want:  []string{"ops1", "ops2"},
		},
		{
			name:  "inactive holders are skipped",
			level: types.Level{Sequence: 1, Role: "FINANCE"},
			want:  []string{"fin1"},
		},
		{
			name:  "global users match every scope",
			level: types.Level{Sequence: 1, Role: "TRANSPORTER_ADMIN"},
			want:  []string{"admin"},
		},
		{
			name:     "cross approval excludes previous actor",
			level:    types.Level{Sequence: 1, Role: "OPS_MANAGER", Selection: types.SelectCrossApproval},
			previous: "ops1",
			want:     []string{"ops2"},
		},
		{
			name:     "cross approval with only the previous actor",
			level:    types.Level{Sequence: 2, Role: "FINANCE", Selection: types.SelectCrossApproval},
			previous: "fin1",
			wantErr:  ErrNoEligibleApprover,
		},
		{
			name:  "specific user",
			level: types.Level{Sequence: 1, UserID: "someone"},
			want:  []string{"someone"},
		},
		{
			name:  "specific user holding the role",
			level: types.Level{Sequence: 1, UserID: "ops2", Role: "OPS_MANAGER"},
			want:  []string{"ops2"},
		},
		{
			name:    "specific user without the role in scope",
			level:   types.Level{Sequence: 1, UserID: "ops3", Role: "OPS_MANAGER"},
			wantErr: ErrNoEligibleApprover,
		},
		{
			name:    "nobody holds the role",
			level:   types.Level{Sequence: 1, Role: "AUDITOR"},
			wantErr: ErrNoEligibleApprover,
		},
		{
			name:  "condition filters candidates",
			level: types.Level{Sequence: 1, Role: "OPS_MANAGER", Condition: "approver != requester"},
			want:  []string{"ops2"},
		},
		{
			name:  "condition on subject attributes",
			level: types.Level{Sequence: 1, Role: "FINANCE", Condition: "subject.freight > 50000"},
			want:  []string{"fin1"},
		},
		{
			name:    "condition excluding everyone",
			level:   types.Level{Sequence: 1, Role: "FINANCE", Condition: "subject.freight > 100000"},
			wantErr: ErrNoEligibleApprover,
		},
		{
			name:    "broken condition",
			level:   types.Level{Sequence: 1, Role: "FINANCE", Condition: "level +"},
			wantErr: ErrInvalidCondition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ResolveApprover(ctx, tt.level, subject, tt.previous)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegistry_ResolveReadsDirectoryFresh(t *testing.T) {
	ctx := context.Background()
	dir := testDirectory()
	r := NewRegistry(storage.NewMemoryStorage(), dir, nil)
	level := types.Level{Sequence: 1, Role: "FINANCE"}
	subject := types.Subject{Ref: "IND-1", Scope: "C1"}

	got, err := r.ResolveApprover(ctx, level, subject, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"fin1"}, got)

	require.NoError(t, dir.Deactivate("fin1"))
	_, err = r.ResolveApprover(ctx, level, subject, "")
	assert.ErrorIs(t, err, ErrNoEligibleApprover)
}
