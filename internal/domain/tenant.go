package domain

import "time"

// Tenant tiers determine rate limit bucket shapes
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Tenant is a project/customer that submits error reports
type Tenant struct {
	ID        string    `gorm:"column:id;primaryKey;size:64" json:"id"`
	Name      string    `gorm:"column:name;size:255" json:"name"`
	Tier      string    `gorm:"column:tier;size:16" json:"tier"`
	Active    bool      `gorm:"column:active;default:true" json:"active"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName returns the table name
func (Tenant) TableName() string {
	return "tenants"
}

// APIKey authenticates ingestion requests for a tenant
type APIKey struct {
	ID         int        `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Key        string     `gorm:"column:api_key;size:64;uniqueIndex" json:"-"`
	TenantID   string     `gorm:"column:tenant_id;size:64;index" json:"tenant_id"`
	Label      string     `gorm:"column:label;size:255" json:"label"`
	Revoked    bool       `gorm:"column:revoked;default:false" json:"revoked"`
	LastUsedAt *time.Time `gorm:"column:last_used_at" json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `gorm:"column:created_at" json:"created_at"`
}

// TableName returns the table name
func (APIKey) TableName() string {
	return "api_keys"
}
