package service

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/errwatch/errwatch-backend/internal/config"
	"github.com/errwatch/errwatch-backend/internal/domain"
	"github.com/errwatch/errwatch-backend/internal/scheduler"
	"github.com/errwatch/errwatch-backend/pkg/logger"
)

const lockStripes = 128

// RuleSource provides the current rule set for a tenant
type RuleSource interface {
	ListByTenant(ctx context.Context, tenantID string) ([]domain.AlertRule, error)
}

// AlertStateStore persists per (rule, group) evaluation state
type AlertStateStore interface {
	GetOrCreate(ctx context.Context, ruleID, groupID, tenantID string) (*domain.AlertState, error)
	Save(ctx context.Context, state *domain.AlertState) error
	Find(ctx context.Context, ruleID, groupID string) (*domain.AlertState, error)
	Acknowledge(ctx context.Context, ruleID, groupID string) (string, error)
	ResetThresholds(ctx context.Context, groupID string) error
}

// Dispatcher accepts notification intents for asynchronous delivery
type Dispatcher interface {
	Dispatch(intent domain.NotificationIntent)
}

// GroupReader re-reads group state for escalation fires
type GroupReader interface {
	FindByID(ctx context.Context, tenantID, id string) (*domain.ErrorGroup, error)
}

// escalationPayload is the durable timer body for pending escalations
type escalationPayload struct {
	RuleID   string `json:"rule_id"`
	GroupID  string `json:"group_id"`
	TenantID string `json:"tenant_id"`
}

// deferredPayload carries an intent queued for the next active-hours window
type deferredPayload struct {
	Intent domain.NotificationIntent `json:"intent"`
}

// cachedRules is one tenant's rule set with its load time
type cachedRules struct {
	rules    []domain.AlertRule
	loadedAt time.Time
}

// AlertService evaluates alert rules against group updates, gates fires on
// cooldown and active hours, and manages escalation timers. Evaluation for
// a given (rule, group) pair is serialized through striped locks so two
// concurrent evaluations can never both pass the cooldown gate.
type AlertService struct {
	rules      RuleSource
	states     AlertStateStore
	sched      scheduler.Scheduler
	dispatcher Dispatcher
	spikes     SpikeTracker
	groups     GroupReader
	cfg        config.AlertingConfig

	locks [lockStripes]sync.Mutex

	cacheMu sync.Mutex
	cache   map[string]cachedRules

	now func() time.Time
}

// NewAlertService creates a new AlertService
func NewAlertService(rules RuleSource, states AlertStateStore, sched scheduler.Scheduler, dispatcher Dispatcher, spikes SpikeTracker, cfg config.AlertingConfig) *AlertService {
	return &AlertService{
		rules:      rules,
		states:     states,
		sched:      sched,
		dispatcher: dispatcher,
		spikes:     spikes,
		cfg:        cfg,
		cache:      make(map[string]cachedRules),
		now:        time.Now,
	}
}

// SetGroupReader wires the group lookup used when an escalation timer fires
func (s *AlertService) SetGroupReader(groups GroupReader) {
	s.groups = groups
}

// Evaluate is invoked once per grouping upsert result
func (s *AlertService) Evaluate(ctx context.Context, group *domain.ErrorGroup, report *domain.ErrorReport, isNew bool) {
	rules, err := s.tenantRules(ctx, group.TenantID)
	if err != nil {
		logger.WithComponent("alert-engine").Error().Err(err).
			Str("tenant_id", group.TenantID).Msg("failed to load rules")
		return
	}

	for i := range rules {
		rule := &rules[i]
		if !rule.Matches(group, report) {
			continue
		}
		if err := s.evaluateRule(ctx, rule, group, isNew); err != nil {
			logger.WithComponent("alert-engine").Error().Err(err).
				Str("rule_id", rule.ID).Str("group_id", group.ID).
				Msg("rule evaluation failed")
		}
	}
}

// evaluateRule holds the (rule, group) stripe lock across the whole
// load → gate → store sequence
func (s *AlertService) evaluateRule(ctx context.Context, rule *domain.AlertRule, group *domain.ErrorGroup, isNew bool) error {
	lock := s.lockFor(rule.ID, group.ID)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.states.GetOrCreate(ctx, rule.ID, group.ID, group.TenantID)
	if err != nil {
		return err
	}

	triggered, err := s.triggered(ctx, rule, group, state, isNew)
	if err != nil {
		return err
	}
	if !triggered {
		if state.ThresholdCrossed {
			// Latch updates persist even when nothing fires
			return s.states.Save(ctx, state)
		}
		return nil
	}

	now := s.now().UTC()
	if state.InCooldown(now) {
		alertsSuppressed.WithLabelValues("cooldown").Inc()
		return s.states.Save(ctx, state)
	}

	recipients := rule.RecipientList()
	if rule.Trigger == domain.TriggerAssignedDeveloper && group.AssigneeID != "" {
		recipients = []string{group.AssigneeID}
	}

	intent := s.buildIntent(rule, group, 1, recipients)

	// The fire moment fixes cooldown and escalation even when delivery is
	// deferred to the next active-hours window
	state.LastFiredAt = &now
	expiry := now.Add(rule.Cooldown)
	state.CooldownExpiresAt = &expiry
	state.EscalationStage = 1
	state.Acknowledged = false
	state.AcknowledgedAt = nil

	if rule.EscalationDelay > 0 {
		timerID, err := s.scheduleEscalation(ctx, rule, group, now.Add(rule.EscalationDelay))
		if err != nil {
			return err
		}
		state.EscalationTimer = timerID
	}

	if err := s.states.Save(ctx, state); err != nil {
		return err
	}

	if !rule.ActiveAt(now) {
		alertsSuppressed.WithLabelValues("quiet_hours").Inc()
		return s.deferIntent(ctx, intent, rule.NextActive(now))
	}

	alertsFired.WithLabelValues(rule.Trigger).Inc()
	s.dispatcher.Dispatch(intent)
	return nil
}

func (s *AlertService) triggered(ctx context.Context, rule *domain.AlertRule, group *domain.ErrorGroup, state *domain.AlertState, isNew bool) (bool, error) {
	switch rule.Trigger {
	case domain.TriggerNewError:
		return isNew, nil

	case domain.TriggerCriticalThreshold:
		if rule.Threshold <= 0 || group.Count < rule.Threshold {
			return false, nil
		}
		if state.ThresholdCrossed {
			return false, nil
		}
		// First crossing since the last reset
		state.ThresholdCrossed = true
		return true, nil

	case domain.TriggerFrequencySpike:
		if s.spikes == nil || rule.SpikeMultiplier <= 0 {
			return false, nil
		}
		current, baseline, err := s.spikes.Record(ctx, rule.ID, group.ID, s.now())
		if err != nil {
			return false, err
		}
		if baseline < 1 {
			// Not enough history to call anything a spike
			return false, nil
		}
		return current > rule.SpikeMultiplier*baseline, nil

	case domain.TriggerAssignedDeveloper:
		return group.Status == domain.GroupStatusRegressed && group.AssigneeID != "", nil

	default:
		return false, nil
	}
}

func (s *AlertService) buildIntent(rule *domain.AlertRule, group *domain.ErrorGroup, stage int, recipients []string) domain.NotificationIntent {
	return domain.NotificationIntent{
		IntentID:   uuid.New().String(),
		RuleID:     rule.ID,
		GroupID:    group.ID,
		TenantID:   group.TenantID,
		Severity:   group.Severity,
		Stage:      stage,
		Recipients: recipients,
		Summary: fmt.Sprintf("[%s] %s: %s (%d occurrences, %s)",
			rule.Name, group.Type, group.Message, group.Count, group.Status),
		CreatedAt: s.now().UTC(),
	}
}

func (s *AlertService) scheduleEscalation(ctx context.Context, rule *domain.AlertRule, group *domain.ErrorGroup, due time.Time) (string, error) {
	payload, err := json.Marshal(escalationPayload{
		RuleID:   rule.ID,
		GroupID:  group.ID,
		TenantID: group.TenantID,
	})
	if err != nil {
		return "", err
	}
	task := scheduler.Task{
		ID:      uuid.New().String(),
		Kind:    scheduler.KindEscalation,
		Payload: payload,
	}
	if err := s.sched.Schedule(ctx, task, due); err != nil {
		return "", fmt.Errorf("failed to schedule escalation: %w", err)
	}
	return task.ID, nil
}

func (s *AlertService) deferIntent(ctx context.Context, intent domain.NotificationIntent, due time.Time) error {
	payload, err := json.Marshal(deferredPayload{Intent: intent})
	if err != nil {
		return err
	}
	task := scheduler.Task{
		ID:      uuid.New().String(),
		Kind:    scheduler.KindDeferredDelivery,
		Payload: payload,
	}
	if err := s.sched.Schedule(ctx, task, due); err != nil {
		return fmt.Errorf("failed to defer delivery: %w", err)
	}
	return nil
}

// HandleEscalation is the durable timer handler: an unacknowledged fired
// alert re-fires to the escalation recipients with a bumped stage
func (s *AlertService) HandleEscalation(ctx context.Context, task scheduler.Task) error {
	var p escalationPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return err
	}

	lock := s.lockFor(p.RuleID, p.GroupID)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.states.Find(ctx, p.RuleID, p.GroupID)
	if err != nil {
		return err
	}
	if state == nil || state.Acknowledged || state.EscalationTimer != task.ID {
		// Acknowledged or superseded: the escalation was cancelled
		return nil
	}

	rule, group, err := s.ruleAndGroup(ctx, p)
	if err != nil {
		return err
	}
	if rule == nil {
		// Rule deleted since the timer was set
		state.EscalationTimer = ""
		return s.states.Save(ctx, state)
	}

	state.EscalationStage++
	state.EscalationTimer = ""
	now := s.now().UTC()
	state.LastFiredAt = &now
	// An escalation is a fire: the cooldown restarts from it
	expiry := now.Add(rule.Cooldown)
	state.CooldownExpiresAt = &expiry

	if state.EscalationStage < s.cfg.MaxStage && rule.EscalationDelay > 0 {
		// Another unacknowledged interval escalates again
		timerID, err := s.scheduleEscalation(ctx, rule, group, now.Add(rule.EscalationDelay))
		if err != nil {
			return err
		}
		state.EscalationTimer = timerID
	}

	if err := s.states.Save(ctx, state); err != nil {
		return err
	}

	intent := s.buildIntent(rule, group, state.EscalationStage, rule.EscalationRecipientList())
	alertsFired.WithLabelValues("escalation").Inc()
	s.dispatcher.Dispatch(intent)
	return nil
}

// HandleDeferredDelivery delivers an intent that was queued during quiet hours
func (s *AlertService) HandleDeferredDelivery(_ context.Context, task scheduler.Task) error {
	var p deferredPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return err
	}
	alertsFired.WithLabelValues("deferred").Inc()
	s.dispatcher.Dispatch(p.Intent)
	return nil
}

// Acknowledge cancels any pending escalation for (rule, group)
func (s *AlertService) Acknowledge(ctx context.Context, ruleID, groupID string) error {
	lock := s.lockFor(ruleID, groupID)
	lock.Lock()
	defer lock.Unlock()

	timerID, err := s.states.Acknowledge(ctx, ruleID, groupID)
	if err != nil {
		return err
	}
	if timerID != "" {
		if err := s.sched.Cancel(ctx, timerID); err != nil {
			logger.WithComponent("alert-engine").Warn().Err(err).
				Str("timer_id", timerID).Msg("failed to cancel escalation timer")
		}
	}
	return nil
}

// ResetForGroup clears threshold latches when a group is resolved
func (s *AlertService) ResetForGroup(ctx context.Context, groupID string) error {
	return s.states.ResetThresholds(ctx, groupID)
}

// ruleAndGroup re-reads rule and group for an escalation fire. The group
// lookup goes through the rule source's tenant scope, so a stale group id
// yields nil and the escalation is dropped.
func (s *AlertService) ruleAndGroup(ctx context.Context, p escalationPayload) (*domain.AlertRule, *domain.ErrorGroup, error) {
	rules, err := s.tenantRules(ctx, p.TenantID)
	if err != nil {
		return nil, nil, err
	}
	var rule *domain.AlertRule
	for i := range rules {
		if rules[i].ID == p.RuleID {
			rule = &rules[i]
			break
		}
	}
	if rule == nil {
		return nil, nil, nil
	}

	group := &domain.ErrorGroup{
		ID:       p.GroupID,
		TenantID: p.TenantID,
	}
	if s.groups != nil {
		if g, err := s.groups.FindByID(ctx, p.TenantID, p.GroupID); err == nil {
			group = g
		}
	}
	return rule, group, nil
}

// tenantRules serves the read-mostly rule set from a short-TTL cache
func (s *AlertService) tenantRules(ctx context.Context, tenantID string) ([]domain.AlertRule, error) {
	s.cacheMu.Lock()
	entry, ok := s.cache[tenantID]
	if ok && s.now().Sub(entry.loadedAt) < s.cfg.RuleCacheTTL.Std() {
		s.cacheMu.Unlock()
		return entry.rules, nil
	}
	s.cacheMu.Unlock()

	rules, err := s.rules.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	s.cache[tenantID] = cachedRules{rules: rules, loadedAt: s.now()}
	s.cacheMu.Unlock()
	return rules, nil
}

func (s *AlertService) lockFor(ruleID, groupID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(ruleID))
	h.Write([]byte{0})
	h.Write([]byte(groupID))
	return &s.locks[h.Sum32()%lockStripes]
}
