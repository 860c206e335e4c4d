package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/songzhibin97/approval-engine/types"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// approvalTypeRecord is the GORM model for an approval type definition.
type approvalTypeRecord struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(64)"`
	Name      string    `gorm:"column:name"`
	Levels    string    `gorm:"column:levels;type:text;not null"` // JSON array of types.Level
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (approvalTypeRecord) TableName() string { return "approval_types" }

// flowInstanceRecord is the GORM model for a flow instance. Queried fields are
// columns; the full instance is kept as a JSON payload.
type flowInstanceRecord struct {
	ID             uint64 `gorm:"primaryKey;column:id;autoIncrement:false"`
	ApprovalTypeID string `gorm:"column:approval_type_id;type:varchar(64);index:idx_flow_type;not null"`
	SubjectRef     string `gorm:"column:subject_ref;type:varchar(128);index:idx_flow_subject;not null"`
	Cycle          int    `gorm:"column:cycle;not null"`
	StatusKind     string `gorm:"column:status_kind;type:varchar(16);index:idx_flow_status;not null"`
	StatusLevel    int    `gorm:"column:status_level;not null;default:0"`
	Version        uint64 `gorm:"column:version;not null"`
	Payload        string `gorm:"column:payload;type:text;not null"`
	CreatedAt      int64  `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt      int64  `gorm:"column:updated_at;autoUpdateTime:false"`

	// ActiveSubject is the subject ref while the instance is pending and NULL
	// afterwards. The unique index allows one pending instance per subject.
	ActiveSubject *string `gorm:"column:active_subject;type:varchar(128);uniqueIndex:uniq_flow_active_subject"`
}

func (flowInstanceRecord) TableName() string { return "approval_flow_instances" }

// SQLStorage is a GORM-backed implementation of the Storage interface.
// Conditional writes are UPDATE ... WHERE id = ? AND version = ?.
type SQLStorage struct {
	db *gorm.DB
}

// NewSQLStorage creates a new SQLStorage on an open database.
func NewSQLStorage(db *gorm.DB) *SQLStorage {
	return &SQLStorage{db: db}
}

// OpenSQL opens a gorm database for driver "mysql" or "sqlite".
func OpenSQL(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	return db, nil
}

// AutoMigrate creates or updates the approval tables.
func (s *SQLStorage) AutoMigrate() error {
	if err := s.db.AutoMigrate(&approvalTypeRecord{}); err != nil {
		return fmt.Errorf("auto-migrate approval_types: %w", err)
	}
	if err := s.db.AutoMigrate(&flowInstanceRecord{}); err != nil {
		return fmt.Errorf("auto-migrate approval_flow_instances: %w", err)
	}
	// rows written before active_subject existed
	err := s.db.Model(&flowInstanceRecord{}).
		Where("status_kind = ? AND active_subject IS NULL", string(types.KindPending)).
		Update("active_subject", gorm.Expr("subject_ref")).Error
	if err != nil {
		return fmt.Errorf("backfill active_subject: %w", err)
	}
	return nil
}

func toRecord(inst types.FlowInstance) (flowInstanceRecord, error) {
	payload, err := json.Marshal(inst)
	if err != nil {
		return flowInstanceRecord{}, fmt.Errorf("failed to marshal instance %d: %v", inst.ID, err)
	}
	return flowInstanceRecord{
		ID:             inst.ID,
		ApprovalTypeID: inst.ApprovalTypeID,
		SubjectRef:     inst.Subject.Ref,
		Cycle:          inst.Cycle,
		StatusKind:     string(inst.Status.Kind),
		StatusLevel:    inst.Status.Level,
		Version:        inst.Version,
		Payload:        string(payload),
		CreatedAt:      inst.CreatedAt,
		UpdatedAt:      inst.UpdatedAt,
		ActiveSubject:  activeSubject(inst),
	}, nil
}

func activeSubject(inst types.FlowInstance) *string {
	if !inst.Status.IsActive() {
		return nil
	}
	ref := inst.Subject.Ref
	return &ref
}

func fromRecord(rec flowInstanceRecord) (types.FlowInstance, error) {
	var inst types.FlowInstance
	if err := json.Unmarshal([]byte(rec.Payload), &inst); err != nil {
		return types.FlowInstance{}, fmt.Errorf("failed to unmarshal instance %d: %v", rec.ID, err)
	}
	return inst, nil
}

// SaveApprovalType upserts an approval type definition.
func (s *SQLStorage) SaveApprovalType(ctx context.Context, def types.ApprovalType) error {
	return withContextError(ctx, func() error {
		levels, err := json.Marshal(def.Levels)
		if err != nil {
			return fmt.Errorf("failed to marshal levels of %s: %v", def.ID, err)
		}
		rec := approvalTypeRecord{ID: def.ID, Name: def.Name, Levels: string(levels)}
		if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
			return fmt.Errorf("save approval type: %w", err)
		}
		return nil
	})
}

// GetApprovalType retrieves an approval type by ID.
func (s *SQLStorage) GetApprovalType(ctx context.Context, id string) (types.ApprovalType, error) {
	return withContext(ctx, func() (types.ApprovalType, error) {
		var rec approvalTypeRecord
		if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.ApprovalType{}, fmt.Errorf("%w: id=%s", ErrApprovalTypeNotFound, id)
			}
			return types.ApprovalType{}, fmt.Errorf("get approval type: %w", err)
		}
		def := types.ApprovalType{ID: rec.ID, Name: rec.Name}
		if err := json.Unmarshal([]byte(rec.Levels), &def.Levels); err != nil {
			return types.ApprovalType{}, fmt.Errorf("failed to unmarshal levels of %s: %v", id, err)
		}
		return def, nil
	})
}

// latest returns the most recent instance row for a subject.
func latest(tx *gorm.DB, subjectRef string) (flowInstanceRecord, error) {
	var rec flowInstanceRecord
	err := tx.Where("subject_ref = ?", subjectRef).
		Order("cycle DESC").Order("created_at DESC").Order("id DESC").
		First(&rec).Error
	return rec, err
}

// CreateInstance inserts the instance inside a transaction that first checks
// the subject's latest row. The check is a plain read, so two racing inserts
// can both pass it; the unique index on active_subject then rejects the loser.
func (s *SQLStorage) CreateInstance(ctx context.Context, inst types.FlowInstance) error {
	return withContextError(ctx, func() error {
		rec, err := toRecord(inst)
		if err != nil {
			return err
		}
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			prev, err := latest(tx, inst.Subject.Ref)
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
			case err != nil:
				return fmt.Errorf("get latest instance: %w", err)
			case prev.StatusKind == string(types.KindPending):
				return fmt.Errorf("%w: subject=%s instance=%d", ErrActiveFlowExists, inst.Subject.Ref, prev.ID)
			}
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("create instance: %w", err)
			}
			return nil
		})
		if err == nil || errors.Is(err, ErrActiveFlowExists) || rec.ActiveSubject == nil {
			return err
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) || s.hasOtherActive(ctx, inst) {
			return fmt.Errorf("%w: subject=%s started concurrently", ErrActiveFlowExists, inst.Subject.Ref)
		}
		return err
	})
}

// hasOtherActive reports whether another pending instance holds the subject.
// Not every dialect translates duplicate-key errors, so a failed insert is
// classified by looking at what was committed.
func (s *SQLStorage) hasOtherActive(ctx context.Context, inst types.FlowInstance) bool {
	var count int64
	err := s.db.WithContext(ctx).Model(&flowInstanceRecord{}).
		Where("active_subject = ? AND id <> ?", inst.Subject.Ref, inst.ID).
		Count(&count).Error
	return err == nil && count > 0
}

// GetInstance retrieves a flow instance by ID.
func (s *SQLStorage) GetInstance(ctx context.Context, id uint64) (types.FlowInstance, error) {
	return withContext(ctx, func() (types.FlowInstance, error) {
		var rec flowInstanceRecord
		if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.FlowInstance{}, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
			}
			return types.FlowInstance{}, fmt.Errorf("get instance: %w", err)
		}
		return fromRecord(rec)
	})
}

// GetLatestBySubject retrieves the most recent instance for a subject.
func (s *SQLStorage) GetLatestBySubject(ctx context.Context, subjectRef string) (types.FlowInstance, error) {
	return withContext(ctx, func() (types.FlowInstance, error) {
		rec, err := latest(s.db.WithContext(ctx), subjectRef)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.FlowInstance{}, fmt.Errorf("%w: subject=%s", ErrInstanceNotFound, subjectRef)
			}
			return types.FlowInstance{}, fmt.Errorf("get latest instance: %w", err)
		}
		return fromRecord(rec)
	})
}

// UpdateInstance writes the instance conditioned on the stored version.
func (s *SQLStorage) UpdateInstance(ctx context.Context, inst types.FlowInstance, expectedVersion uint64) error {
	return withContextError(ctx, func() error {
		rec, err := toRecord(inst)
		if err != nil {
			return err
		}
		var active interface{}
		if rec.ActiveSubject != nil {
			active = *rec.ActiveSubject
		}
		result := s.db.WithContext(ctx).Model(&flowInstanceRecord{}).
			Where("id = ? AND version = ?", inst.ID, expectedVersion).
			Updates(map[string]interface{}{
				"status_kind":    rec.StatusKind,
				"status_level":   rec.StatusLevel,
				"version":        rec.Version,
				"payload":        rec.Payload,
				"updated_at":     rec.UpdatedAt,
				"active_subject": active,
			})
		if result.Error != nil {
			return fmt.Errorf("update instance: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := s.db.WithContext(ctx).Model(&flowInstanceRecord{}).Where("id = ?", inst.ID).Count(&count).Error; err != nil {
				return fmt.Errorf("count instance: %w", err)
			}
			if count == 0 {
				return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
			}
			return fmt.Errorf("%w: id=%d expected=%d", ErrVersionConflict, inst.ID, expectedVersion)
		}
		return nil
	})
}
