package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"porter/internal/auth"
	"porter/internal/db"
	"porter/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps execution contexts in a relational table. Consume and
// mutations lock the row, so several processes may share one database.
type GormStore struct {
	base
	gdb *gorm.DB
}

// NewGormStore creates a store on an open database handle
func NewGormStore(gdb *gorm.DB, signer *auth.CallbackSigner, opts ...Option) *GormStore {
	return &GormStore{
		base: newBase(signer, "execution-store", opts),
		gdb:  gdb,
	}
}

// Open migrates the executions table
func (s *GormStore) Open(ctx context.Context) error {
	return db.Migrate(s.gdb.WithContext(ctx))
}

// Close implements Store. The handle is owned by the caller.
func (s *GormStore) Close() error {
	return nil
}

// Create implements Store
func (s *GormStore) Create(ctx context.Context, in CreateInput) (*model.ExecutionContext, error) {
	c, err := s.newContext(in)
	if err != nil {
		return nil, err
	}
	record, err := toRecord(c)
	if err != nil {
		return nil, err
	}
	if err := s.gdb.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to store execution: %w", err)
	}
	return c, nil
}

// Get implements Store
func (s *GormStore) Get(ctx context.Context, executionID string) (*model.ExecutionContext, error) {
	var record model.ExecutionRecord
	err := s.gdb.WithContext(ctx).Where("execution_id = ?", executionID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return fromRecord(record)
}

// Consume implements Store
func (s *GormStore) Consume(ctx context.Context, executionID string) (*model.ExecutionContext, error) {
	var consumed *model.ExecutionContext
	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record model.ExecutionRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("execution_id = ?", executionID).
			First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		c, err := fromRecord(record)
		if err != nil {
			return err
		}
		if err := checkConsumable(c); err != nil {
			return err
		}

		result := tx.Delete(&model.ExecutionRecord{}, record.ID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 1 {
			consumed = c
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume execution: %w", err)
	}
	return consumed, nil
}

// Remove implements Store
func (s *GormStore) Remove(ctx context.Context, executionID string) (*model.ExecutionContext, error) {
	return s.Consume(ctx, executionID)
}

// ListOlderThan implements Store
func (s *GormStore) ListOlderThan(ctx context.Context, maxAge time.Duration) ([]*model.ExecutionContext, error) {
	return s.list(ctx, s.gdb.WithContext(ctx).
		Where("state = ? AND machine_id <> '' AND created_at < ?", string(model.StateLaunched), s.cutoff(maxAge)))
}

// ListPendingOlderThan implements Store
func (s *GormStore) ListPendingOlderThan(ctx context.Context, maxAge time.Duration) ([]*model.ExecutionContext, error) {
	return s.list(ctx, s.gdb.WithContext(ctx).
		Where("state = ? AND created_at < ?", string(model.StatePending), s.cutoff(maxAge)))
}

func (s *GormStore) list(ctx context.Context, query *gorm.DB) ([]*model.ExecutionContext, error) {
	var records []model.ExecutionRecord
	if err := query.Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	out := make([]*model.ExecutionContext, 0, len(records))
	for _, record := range records {
		c, err := fromRecord(record)
		if err != nil {
			s.log.WithError(err).WithField("execution_id", record.ExecutionID).Warn("Skipping undecodable execution")
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// MarkTerminal implements Store
func (s *GormStore) MarkTerminal(ctx context.Context, executionID string, status model.TaskStatus) error {
	return s.mutate(ctx, executionID, func(c *model.ExecutionContext) error {
		return markTerminal(c, status)
	})
}

// AttachJobID implements Store
func (s *GormStore) AttachJobID(ctx context.Context, executionID, jobID string) error {
	return s.mutate(ctx, executionID, func(c *model.ExecutionContext) error {
		return attach(c, jobID)
	})
}

func (s *GormStore) mutate(ctx context.Context, executionID string, apply func(*model.ExecutionContext) error) error {
	return s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record model.ExecutionRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("execution_id = ?", executionID).
			First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		c, err := fromRecord(record)
		if err != nil {
			return err
		}
		if err := apply(c); err != nil {
			return err
		}
		updated, err := toRecord(c)
		if err != nil {
			return err
		}

		return tx.Model(&model.ExecutionRecord{}).
			Where("id = ?", record.ID).
			Updates(map[string]interface{}{
				"state":           updated.State,
				"machine_id":      updated.MachineID,
				"terminal_status": updated.TerminalStatus,
				"payload":         updated.Payload,
			}).Error
	})
}

func toRecord(c *model.ExecutionContext) (model.ExecutionRecord, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return model.ExecutionRecord{}, fmt.Errorf("failed to marshal execution: %w", err)
	}
	return model.ExecutionRecord{
		ExecutionID:    c.ExecutionID,
		State:          string(c.State),
		MachineID:      c.MachineID,
		TerminalStatus: string(c.TerminalStatus),
		Payload:        datatypes.JSON(payload),
		CreatedAt:      c.CreatedAt,
	}, nil
}

func fromRecord(record model.ExecutionRecord) (*model.ExecutionContext, error) {
	var c model.ExecutionContext
	if err := json.Unmarshal(record.Payload, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution %s: %w", record.ExecutionID, err)
	}
	return &c, nil
}
