package domain

import "time"

// AlertState is the per (rule, group) evaluation state: fire history,
// cooldown, escalation progress and acknowledgement.
type AlertState struct {
	ID                int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RuleID            string     `gorm:"column:rule_id;size:36;uniqueIndex:uniq_rule_group" json:"rule_id"`
	GroupID           string     `gorm:"column:group_id;size:36;uniqueIndex:uniq_rule_group" json:"group_id"`
	TenantID          string     `gorm:"column:tenant_id;size:64;index" json:"tenant_id"`
	LastFiredAt       *time.Time `gorm:"column:last_fired_at" json:"last_fired_at,omitempty"`
	CooldownExpiresAt *time.Time `gorm:"column:cooldown_expires_at" json:"cooldown_expires_at,omitempty"`
	// EscalationStage: 0 = none fired, 1 = first notice sent, 2 = escalated
	EscalationStage int  `gorm:"column:escalation_stage;default:0" json:"escalation_stage"`
	Acknowledged    bool `gorm:"column:acknowledged;default:false" json:"acknowledged"`
	// ThresholdCrossed latches critical_threshold rules so a crossing fires once
	ThresholdCrossed bool       `gorm:"column:threshold_crossed;default:false" json:"-"`
	EscalationTimer  string     `gorm:"column:escalation_timer;size:36" json:"-"`
	AcknowledgedAt   *time.Time `gorm:"column:acknowledged_at" json:"acknowledged_at,omitempty"`
	CreatedAt        time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// TableName returns the table name
func (AlertState) TableName() string {
	return "alert_states"
}

// InCooldown reports whether a fire at t must be suppressed
func (s *AlertState) InCooldown(t time.Time) bool {
	return s.CooldownExpiresAt != nil && t.Before(*s.CooldownExpiresAt)
}

// NotificationIntent is the structured output handed to the dispatcher
type NotificationIntent struct {
	IntentID   string    `json:"intent_id"`
	RuleID     string    `json:"rule_id"`
	GroupID    string    `json:"group_id"`
	TenantID   string    `json:"tenant_id"`
	Severity   string    `json:"severity"`
	Stage      int       `json:"stage"`
	Recipients []string  `json:"recipients"`
	Summary    string    `json:"summary"`
	CreatedAt  time.Time `json:"created_at"`
}
