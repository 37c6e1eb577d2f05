package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Action enumerates the change types the trail records. Rows are never
// deleted, so there is no delete action in v1.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

var (
	errMissingDatabase   = errors.New("audit: database handle is required")
	errMissingIDProvider = errors.New("audit: id provider is required")
	// ErrInvalidChange indicates a change with missing actor, target, or action.
	ErrInvalidChange = errors.New("audit: invalid change")
)

// Record is one immutable audit row. Exactly one row exists per successful
// create or edit of an audited entity.
type Record struct {
	ID                string `gorm:"column:id;primaryKey;size:190;not null"`
	OrgID             string `gorm:"column:org_id;size:190;not null;index:idx_audit_org_target,priority:1"`
	ActorID           string `gorm:"column:actor_id;size:190;not null"`
	Action            Action `gorm:"column:action;size:20;not null"`
	TargetType        string `gorm:"column:target_type;size:50;not null;index:idx_audit_org_target,priority:2"`
	TargetID          string `gorm:"column:target_id;size:190;not null;index:idx_audit_org_target,priority:3"`
	OldValueJSON      string `gorm:"column:old_value_json;type:text;not null;default:''"`
	NewValueJSON      string `gorm:"column:new_value_json;type:text;not null;default:''"`
	RecordedAtSeconds int64  `gorm:"column:recorded_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "audit_records"
}

// Change describes one entity mutation for the trail. OldValue is nil for
// creates; both maps hold only the fields that differ.
type Change struct {
	ActorID    string
	OrgID      string
	Action     Action
	TargetType string
	TargetID   string
	OldValue   map[string]any
	NewValue   map[string]any
}

// IDProvider issues identifiers for audit rows.
type IDProvider interface {
	NewID() (string, error)
}

// EngineConfig describes the dependencies for the audit engine.
type EngineConfig struct {
	Clock      func() time.Time
	IDProvider IDProvider
}

// Engine appends immutable audit records on the caller's transaction. A
// failed append aborts the whole write: the system rejects changes it
// cannot log.
type Engine struct {
	clock      func() time.Time
	idProvider IDProvider
}

// NewEngine constructs the audit engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{clock: clock, idProvider: cfg.IDProvider}, nil
}

// RecordChange appends one audit row on tx for the given change.
func (e *Engine) RecordChange(tx *gorm.DB, change Change) error {
	if tx == nil {
		return errMissingDatabase
	}
	if err := validateChange(change); err != nil {
		return err
	}

	oldJSON, err := encodeValues(change.OldValue)
	if err != nil {
		return fmt.Errorf("audit: encode old value: %w", err)
	}
	newJSON, err := encodeValues(change.NewValue)
	if err != nil {
		return fmt.Errorf("audit: encode new value: %w", err)
	}

	recordID, err := e.idProvider.NewID()
	if err != nil {
		return fmt.Errorf("audit: id generation: %w", err)
	}

	record := Record{
		ID:                recordID,
		OrgID:             change.OrgID,
		ActorID:           change.ActorID,
		Action:            change.Action,
		TargetType:        change.TargetType,
		TargetID:          change.TargetID,
		OldValueJSON:      oldJSON,
		NewValueJSON:      newJSON,
		RecordedAtSeconds: e.clock().UTC().Unix(),
	}
	return tx.Create(&record).Error
}

// ListByTarget returns the trail for one entity, oldest first.
func (e *Engine) ListByTarget(ctx context.Context, db *gorm.DB, orgID, targetType, targetID string) ([]Record, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	var records []Record
	err := db.WithContext(ctx).
		Where("org_id = ? AND target_type = ? AND target_id = ?", orgID, targetType, targetID).
		Order("recorded_at_s ASC, id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Diff returns the before/after maps restricted to fields whose values
// changed. Both results are nil when nothing differs.
func Diff(before, after map[string]any) (map[string]any, map[string]any) {
	changedOld := map[string]any{}
	changedNew := map[string]any{}
	for field, newValue := range after {
		oldValue, ok := before[field]
		if !ok || fmt.Sprint(oldValue) != fmt.Sprint(newValue) {
			if ok {
				changedOld[field] = oldValue
			}
			changedNew[field] = newValue
		}
	}
	if len(changedOld) == 0 && len(changedNew) == 0 {
		return nil, nil
	}
	return changedOld, changedNew
}

func validateChange(change Change) error {
	if strings.TrimSpace(change.ActorID) == "" {
		return fmt.Errorf("%w: actor required", ErrInvalidChange)
	}
	if strings.TrimSpace(change.OrgID) == "" {
		return fmt.Errorf("%w: org required", ErrInvalidChange)
	}
	if strings.TrimSpace(change.TargetType) == "" || strings.TrimSpace(change.TargetID) == "" {
		return fmt.Errorf("%w: target required", ErrInvalidChange)
	}
	switch change.Action {
	case ActionCreate, ActionUpdate:
		return nil
	default:
		return fmt.Errorf("%w: action %q", ErrInvalidChange, change.Action)
	}
}

func encodeValues(values map[string]any) (string, error) {
	if len(values) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
