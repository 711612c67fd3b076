package domain

import "time"

// DeadLetter is a queued item that exceeded its retry budget, set aside for
// manual inspection rather than blocking the pipeline
type DeadLetter struct {
	ID        int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	TenantID  string     `gorm:"column:tenant_id;size:64;index" json:"tenant_id"`
	QueueKey  string     `gorm:"column:queue_key;size:255" json:"queue_key"`
	Payload   string     `gorm:"column:payload;type:mediumtext" json:"payload"`
	Attempts  int        `gorm:"column:attempts" json:"attempts"`
	LastError string     `gorm:"column:last_error;type:text" json:"last_error"`
	RetriedAt *time.Time `gorm:"column:retried_at" json:"retried_at,omitempty"`
	CreatedAt time.Time  `gorm:"column:created_at;index" json:"created_at"`
}

// TableName returns the table name
func (DeadLetter) TableName() string {
	return "dead_letters"
}
