package model

import (
	"time"

	"gorm.io/datatypes"
)

// ExecutionRecord is the relational row backing an execution context.
// Indexed columns serve the watchdog scans; Payload carries the full context.
type ExecutionRecord struct {
	ID             int            `gorm:"primaryKey;autoIncrement" json:"id"`
	ExecutionID    string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"executionId"`
	State          string         `gorm:"type:varchar(16);index:idx_state_created;not null" json:"state"`
	MachineID      string         `gorm:"type:varchar(64)" json:"machineId"`
	TerminalStatus string         `gorm:"type:varchar(16)" json:"terminalStatus,omitempty"`
	Payload        datatypes.JSON `gorm:"type:json;not null" json:"-"`
	CreatedAt      time.Time      `gorm:"index:idx_state_created" json:"createdAt"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName specifies the table name for ExecutionRecord
func (ExecutionRecord) TableName() string {
	return "porter_executions"
}
