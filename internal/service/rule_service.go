package service

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/errwatch/errwatch-backend/internal/common"
	"github.com/errwatch/errwatch-backend/internal/domain"
	"github.com/errwatch/errwatch-backend/internal/repository"
)

// RuleService is the management CRUD surface over alert rules
type RuleService struct {
	rules *repository.RuleRepository
}

// NewRuleService creates a new RuleService
func NewRuleService(rules *repository.RuleRepository) *RuleService {
	return &RuleService{rules: rules}
}

// List returns all rules for a tenant, including disabled ones
func (s *RuleService) List(ctx context.Context, tenantID string) ([]domain.AlertRule, error) {
	return s.rules.ListAll(ctx, tenantID)
}

// Get returns one rule by id
func (s *RuleService) Get(ctx context.Context, tenantID, id string) (*domain.AlertRule, error) {
	return s.rules.FindByID(ctx, tenantID, id)
}

// Create validates and persists a new rule
func (s *RuleService) Create(ctx context.Context, tenantID string, req *domain.RuleRequest) (*domain.AlertRule, error) {
	if err := validateRule(req); err != nil {
		return nil, err
	}

	rule := ruleFromRequest(req)
	rule.ID = uuid.New().String()
	rule.TenantID = tenantID

	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// Update validates and replaces the mutable fields of an existing rule
func (s *RuleService) Update(ctx context.Context, tenantID, id string, req *domain.RuleRequest) (*domain.AlertRule, error) {
	if err := validateRule(req); err != nil {
		return nil, err
	}

	existing, err := s.rules.FindByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	rule := ruleFromRequest(req)
	rule.ID = existing.ID
	rule.TenantID = existing.TenantID
	rule.CreatedAt = existing.CreatedAt

	if err := s.rules.Update(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// Delete removes a rule
func (s *RuleService) Delete(ctx context.Context, tenantID, id string) error {
	return s.rules.Delete(ctx, tenantID, id)
}

func ruleFromRequest(req *domain.RuleRequest) *domain.AlertRule {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &domain.AlertRule{
		Name:                 req.Name,
		Trigger:              req.Trigger,
		TypePattern:          req.TypePattern,
		MinSeverity:          req.MinSeverity,
		Environment:          req.Environment,
		Threshold:            req.Threshold,
		SpikeMultiplier:      req.SpikeMultiplier,
		Recipients:           req.Recipients,
		Cooldown:             time.Duration(req.CooldownSeconds) * time.Second,
		EscalationDelay:      time.Duration(req.EscalationDelaySecs) * time.Second,
		EscalationRecipients: req.EscalationRecipients,
		ActiveFromHour:       req.ActiveFromHour,
		ActiveUntilHour:      req.ActiveUntilHour,
		QuietExempt:          req.QuietExempt,
		Enabled:              enabled,
	}
}

func validateRule(req *domain.RuleRequest) error {
	switch req.Trigger {
	case domain.TriggerNewError, domain.TriggerAssignedDeveloper:
	case domain.TriggerCriticalThreshold:
		if req.Threshold <= 0 {
			return fmt.Errorf("%w: critical_threshold requires a positive threshold", common.ErrValidation)
		}
	case domain.TriggerFrequencySpike:
		if req.SpikeMultiplier <= 1 {
			return fmt.Errorf("%w: frequency_spike requires a multiplier above 1", common.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown trigger %q", common.ErrValidation, req.Trigger)
	}

	if req.TypePattern != "" {
		if _, err := path.Match(req.TypePattern, "probe"); err != nil {
			return fmt.Errorf("%w: invalid type pattern %q", common.ErrValidation, req.TypePattern)
		}
	}
	switch req.MinSeverity {
	case "", "debug", "info", "warning", "error", "fatal":
	default:
		return fmt.Errorf("%w: unknown severity %q", common.ErrValidation, req.MinSeverity)
	}
	if req.CooldownSeconds < 0 || req.EscalationDelaySecs < 0 {
		return fmt.Errorf("%w: negative durations are not allowed", common.ErrValidation)
	}
	if req.ActiveFromHour < 0 || req.ActiveFromHour > 23 ||
		req.ActiveUntilHour < 0 || req.ActiveUntilHour > 23 {
		return fmt.Errorf("%w: active hours must be within 0..23", common.ErrValidation)
	}
	return nil
}
