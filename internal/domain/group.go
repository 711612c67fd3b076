package domain

import "time"

// Group status values. Transitions: new → ongoing → resolved → regressed → ongoing.
const (
	GroupStatusNew       = "new"
	GroupStatusOngoing   = "ongoing"
	GroupStatusResolved  = "resolved"
	GroupStatusRegressed = "regressed"
)

// ErrorGroup aggregates all occurrences sharing a fingerprint within a tenant
type ErrorGroup struct {
	ID          string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	TenantID    string    `gorm:"column:tenant_id;size:64;uniqueIndex:uniq_tenant_fp;index" json:"tenant_id"`
	Fingerprint string    `gorm:"column:fingerprint;size:64;uniqueIndex:uniq_tenant_fp" json:"fingerprint"`
	Type        string    `gorm:"column:error_type;size:255;index" json:"type"`
	Message     string    `gorm:"column:message;type:text" json:"message"`
	Severity    string    `gorm:"column:severity;size:16" json:"severity"`
	Status      string    `gorm:"column:status;size:16;index" json:"status"`
	Count       int64     `gorm:"column:count" json:"count"`
	FirstSeen   time.Time `gorm:"column:first_seen" json:"first_seen"`
	LastSeen    time.Time `gorm:"column:last_seen;index" json:"last_seen"`
	AssigneeID  string    `gorm:"column:assignee_id;size:64" json:"assignee_id,omitempty"`
	// Samples holds the last K representative reports as a JSON array
	Samples    string     `gorm:"column:samples;type:mediumtext" json:"-"`
	ResolvedAt *time.Time `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// TableName returns the table name
func (ErrorGroup) TableName() string {
	return "error_groups"
}

// GroupFilter narrows group listing
type GroupFilter struct {
	Status string
	Type   string
	Since  *time.Time
}

// GroupListItem is the list-view projection of a group
type GroupListItem struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	Severity    string    `json:"severity"`
	Status      string    `json:"status"`
	Count       int64     `json:"count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	AssigneeID  string    `json:"assignee_id,omitempty"`
}

// GroupDetailResponse is the detail view including sample reports
type GroupDetailResponse struct {
	GroupListItem
	Samples []ErrorReport `json:"samples"`
}
