package domain

import (
	"path"
	"strings"
	"time"
)

// Alert rule trigger kinds
const (
	TriggerNewError          = "new_error"
	TriggerCriticalThreshold = "critical_threshold"
	TriggerFrequencySpike    = "frequency_spike"
	TriggerAssignedDeveloper = "assigned_developer"
)

// AlertRule is tenant-scoped alerting configuration.
// The engine only reads the current rule set; mutation happens through the
// management API, never inside evaluation.
type AlertRule struct {
	ID       string `gorm:"column:id;primaryKey;size:36" json:"id"`
	TenantID string `gorm:"column:tenant_id;size:64;index" json:"tenant_id"`
	Name     string `gorm:"column:name;size:255" json:"name"`
	Trigger  string `gorm:"column:trigger_kind;size:32" json:"trigger"`

	// Matching predicate
	TypePattern string `gorm:"column:type_pattern;size:255" json:"type_pattern,omitempty"` // glob, empty matches all
	MinSeverity string `gorm:"column:min_severity;size:16" json:"min_severity,omitempty"`
	Environment string `gorm:"column:environment;size:64" json:"environment,omitempty"`

	// Trigger parameters
	Threshold       int64   `gorm:"column:threshold" json:"threshold,omitempty"`               // critical_threshold
	SpikeMultiplier float64 `gorm:"column:spike_multiplier" json:"spike_multiplier,omitempty"` // frequency_spike

	// Delivery
	Recipients           string        `gorm:"column:recipients;size:1024" json:"recipients"` // comma-separated
	Cooldown             time.Duration `gorm:"column:cooldown_ns" json:"cooldown"`
	EscalationDelay      time.Duration `gorm:"column:escalation_delay_ns" json:"escalation_delay,omitempty"`
	EscalationRecipients string        `gorm:"column:escalation_recipients;size:1024" json:"escalation_recipients,omitempty"`

	// Active hours window (UTC hours, [From, Until)); zero values mean always active.
	// QuietExempt rules fire regardless of the window.
	ActiveFromHour  int  `gorm:"column:active_from_hour" json:"active_from_hour,omitempty"`
	ActiveUntilHour int  `gorm:"column:active_until_hour" json:"active_until_hour,omitempty"`
	QuietExempt     bool `gorm:"column:quiet_exempt;default:false" json:"quiet_exempt,omitempty"`

	Enabled   bool      `gorm:"column:enabled;default:true" json:"enabled"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName returns the table name
func (AlertRule) TableName() string {
	return "alert_rules"
}

// Matches reports whether the rule predicate matches a group/report pair
func (r *AlertRule) Matches(group *ErrorGroup, report *ErrorReport) bool {
	if !r.Enabled {
		return false
	}
	if r.TypePattern != "" {
		if ok, err := path.Match(r.TypePattern, group.Type); err != nil || !ok {
			return false
		}
	}
	if r.MinSeverity != "" && SeverityLevel(group.Severity) < SeverityLevel(r.MinSeverity) {
		return false
	}
	if r.Environment != "" && report != nil && report.Environment != "" &&
		!strings.EqualFold(r.Environment, report.Environment) {
		return false
	}
	return true
}

// ActiveAt reports whether the rule's active-hours window covers t.
// Windows wrap midnight when until < from.
func (r *AlertRule) ActiveAt(t time.Time) bool {
	if r.QuietExempt {
		return true
	}
	if r.ActiveFromHour == 0 && r.ActiveUntilHour == 0 {
		return true
	}
	hour := t.UTC().Hour()
	from, until := r.ActiveFromHour, r.ActiveUntilHour
	if from <= until {
		return hour >= from && hour < until
	}
	return hour >= from || hour < until
}

// NextActive returns the next instant at or after t inside the active window
func (r *AlertRule) NextActive(t time.Time) time.Time {
	if r.ActiveAt(t) {
		return t
	}
	u := t.UTC().Truncate(time.Hour)
	for i := 1; i <= 24; i++ {
		candidate := u.Add(time.Duration(i) * time.Hour)
		if r.ActiveAt(candidate) {
			return candidate
		}
	}
	return t
}

// RecipientList splits the comma-separated recipients field
func (r *AlertRule) RecipientList() []string {
	return splitRecipients(r.Recipients)
}

// EscalationRecipientList splits the escalation recipients, falling back to
// the primary recipients when none are configured
func (r *AlertRule) EscalationRecipientList() []string {
	if r.EscalationRecipients == "" {
		return r.RecipientList()
	}
	return splitRecipients(r.EscalationRecipients)
}

func splitRecipients(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// RuleRequest is the management API body for creating/updating rules
type RuleRequest struct {
	Name                 string  `json:"name" binding:"required"`
	Trigger              string  `json:"trigger" binding:"required"`
	TypePattern          string  `json:"type_pattern"`
	MinSeverity          string  `json:"min_severity"`
	Environment          string  `json:"environment"`
	Threshold            int64   `json:"threshold"`
	SpikeMultiplier      float64 `json:"spike_multiplier"`
	Recipients           string  `json:"recipients" binding:"required"`
	CooldownSeconds      int64   `json:"cooldown_seconds"`
	EscalationDelaySecs  int64   `json:"escalation_delay_seconds"`
	EscalationRecipients string  `json:"escalation_recipients"`
	ActiveFromHour       int     `json:"active_from_hour"`
	ActiveUntilHour      int     `json:"active_until_hour"`
	QuietExempt          bool    `json:"quiet_exempt"`
	Enabled              *bool   `json:"enabled"`
}
