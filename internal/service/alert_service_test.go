package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/errwatch/errwatch-backend/internal/config"
	"github.com/errwatch/errwatch-backend/internal/domain"
	"github.com/errwatch/errwatch-backend/internal/scheduler"
)

type stubRules struct {
	rules []domain.AlertRule
}

func (s *stubRules) ListByTenant(_ context.Context, _ string) ([]domain.AlertRule, error) {
	return s.rules, nil
}

type memStateStore struct {
	mu     sync.Mutex
	states map[string]domain.AlertState
	nextID int64
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]domain.AlertState)}
}

func stateKey(ruleID, groupID string) string { return ruleID + "|" + groupID }

func (m *memStateStore) GetOrCreate(_ context.Context, ruleID, groupID, tenantID string) (*domain.AlertState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stateKey(ruleID, groupID)
	if state, ok := m.states[key]; ok {
		copied := state
		return &copied, nil
	}
	m.nextID++
	state := domain.AlertState{ID: m.nextID, RuleID: ruleID, GroupID: groupID, TenantID: tenantID}
	m.states[key] = state
	copied := state
	return &copied, nil
}

func (m *memStateStore) Save(_ context.Context, state *domain.AlertState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[stateKey(state.RuleID, state.GroupID)] = *state
	return nil
}

func (m *memStateStore) Find(_ context.Context, ruleID, groupID string) (*domain.AlertState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[stateKey(ruleID, groupID)]; ok {
		copied := state
		return &copied, nil
	}
	return nil, nil
}

func (m *memStateStore) Acknowledge(_ context.Context, ruleID, groupID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stateKey(ruleID, groupID)
	state := m.states[key]
	timerID := state.EscalationTimer
	state.Acknowledged = true
	state.EscalationTimer = ""
	m.states[key] = state
	return timerID, nil
}

func (m *memStateStore) ResetThresholds(_ context.Context, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, state := range m.states {
		if state.GroupID == groupID {
			state.ThresholdCrossed = false
			m.states[key] = state
		}
	}
	return nil
}

type scheduledTask struct {
	task scheduler.Task
	due  time.Time
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []scheduledTask
	cancelled []string
}

func (f *fakeScheduler) Schedule(_ context.Context, task scheduler.Task, due time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, scheduledTask{task: task, due: due})
	return nil
}

func (f *fakeScheduler) Cancel(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

type captureDispatcher struct {
	mu      sync.Mutex
	intents []domain.NotificationIntent
}

func (d *captureDispatcher) Dispatch(intent domain.NotificationIntent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.intents = append(d.intents, intent)
}

func (d *captureDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.intents)
}

func (d *captureDispatcher) last() domain.NotificationIntent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.intents[len(d.intents)-1]
}

func alertTestFixture(rules ...domain.AlertRule) (*AlertService, *fakeScheduler, *captureDispatcher, *memStateStore) {
	sched := &fakeScheduler{}
	dispatcher := &captureDispatcher{}
	states := newMemStateStore()
	cfg := config.AlertingConfig{
		RuleCacheTTL:   config.Duration(time.Minute),
		SpikeWindow:    config.Duration(5 * time.Minute),
		BaselineWindow: config.Duration(time.Hour),
		MaxStage:       2,
	}
	spikes := NewLocalSpikeTracker(cfg.SpikeWindow.Std(), cfg.BaselineWindow.Std())
	svc := NewAlertService(&stubRules{rules: rules}, states, sched, dispatcher, spikes, cfg)
	return svc, sched, dispatcher, states
}

func testGroup(count int64, status string) *domain.ErrorGroup {
	return &domain.ErrorGroup{
		ID:       "g1",
		TenantID: "t1",
		Type:     "NullPointerException",
		Message:  "boom",
		Severity: "error",
		Status:   status,
		Count:    count,
	}
}

func TestNewErrorFiresOnFirstOccurrenceOnly(t *testing.T) {
	rule := domain.AlertRule{
		ID: "r1", TenantID: "t1", Name: "new errors",
		Trigger:    domain.TriggerNewError,
		Recipients: "dev@example.com",
		Cooldown:   10 * time.Minute,
		Enabled:    true,
	}
	svc, _, dispatcher, _ := alertTestFixture(rule)
	ctx := context.Background()

	svc.Evaluate(ctx, testGroup(1, domain.GroupStatusNew), nil, true)
	require.Equal(t, 1, dispatcher.count())
	assert.Equal(t, 1, dispatcher.last().Stage)
	assert.Equal(t, []string{"dev@example.com"}, dispatcher.last().Recipients)

	svc.Evaluate(ctx, testGroup(2, domain.GroupStatusNew), nil, false)
	assert.Equal(t, 1, dispatcher.count())
}

func TestCooldownSuppressesRefire(t *testing.T) {
	rule := domain.AlertRule{
		ID: "r1", TenantID: "t1", Name: "new errors",
		Trigger:    domain.TriggerNewError,
		Recipients: "dev@example.com",
		Cooldown:   10 * time.Minute,
		Enabled:    true,
	}
	svc, _, dispatcher, _ := alertTestFixture(rule)
	ctx := context.Background()

	clock := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	svc.Evaluate(ctx, testGroup(1, domain.GroupStatusNew), nil, true)
	require.Equal(t, 1, dispatcher.count())

	// A second qualifying fire one minute later is swallowed
	clock = clock.Add(time.Minute)
	svc.Evaluate(ctx, testGroup(2, domain.GroupStatusNew), nil, true)
	assert.Equal(t, 1, dispatcher.count())

	// Past the cooldown it fires again
	clock = clock.Add(10 * time.Minute)
	svc.Evaluate(ctx, testGroup(3, domain.GroupStatusNew), nil, true)
	assert.Equal(t, 2, dispatcher.count())
}

func TestThresholdCrossingFiresOnceUntilReset(t *testing.T) {
	rule := domain.AlertRule{
		ID: "r1", TenantID: "t1", Name: "hot group",
		Trigger:    domain.TriggerCriticalThreshold,
		Threshold:  5,
		Recipients: "dev@example.com",
		Enabled:    true,
	}
	svc, _, dispatcher, _ := alertTestFixture(rule)
	ctx := context.Background()

	svc.Evaluate(ctx, testGroup(4, domain.GroupStatusOngoing), nil, false)
	assert.Equal(t, 0, dispatcher.count())

	svc.Evaluate(ctx, testGroup(5, domain.GroupStatusOngoing), nil, false)
	require.Equal(t, 1, dispatcher.count())

	// The latch holds while the count keeps climbing
	svc.Evaluate(ctx, testGroup(6, domain.GroupStatusOngoing), nil, false)
	assert.Equal(t, 1, dispatcher.count())

	// Resolving the group clears the latch; the next crossing fires again
	require.NoError(t, svc.ResetForGroup(ctx, "g1"))
	svc.Evaluate(ctx, testGroup(7, domain.GroupStatusRegressed), nil, false)
	assert.Equal(t, 2, dispatcher.count())
}

func TestEscalationFiresUntilMaxStage(t *testing.T) {
	rule := domain.AlertRule{
		ID: "r1", TenantID: "t1", Name: "page someone",
		Trigger:              domain.TriggerNewError,
		Recipients:           "dev@example.com",
		EscalationRecipients: "lead@example.com",
		Cooldown:             time.Hour,
		EscalationDelay:      30 * time.Minute,
		Enabled:              true,
	}
	svc, sched, dispatcher, _ := alertTestFixture(rule)
	ctx := context.Background()

	svc.Evaluate(ctx, testGroup(1, domain.GroupStatusNew), nil, true)
	require.Equal(t, 1, dispatcher.count())
	require.Len(t, sched.scheduled, 1)
	assert.Equal(t, scheduler.KindEscalation, sched.scheduled[0].task.Kind)

	require.NoError(t, svc.HandleEscalation(ctx, sched.scheduled[0].task))
	require.Equal(t, 2, dispatcher.count())
	assert.Equal(t, 2, dispatcher.last().Stage)
	assert.Equal(t, []string{"lead@example.com"}, dispatcher.last().Recipients)

	// Stage 2 is the configured ceiling, no further timer is set
	assert.Len(t, sched.scheduled, 1)
}

func TestEscalationRestartsCooldown(t *testing.T) {
	rule := domain.AlertRule{
		ID: "r1", TenantID: "t1", Name: "page someone",
		Trigger:              domain.TriggerNewError,
		Recipients:           "dev@example.com",
		EscalationRecipients: "lead@example.com",
		Cooldown:             time.Hour,
		EscalationDelay:      30 * time.Minute,
		Enabled:              true,
	}
	svc, sched, dispatcher, states := alertTestFixture(rule)
	ctx := context.Background()

	clock := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	svc.Evaluate(ctx, testGroup(1, domain.GroupStatusNew), nil, true)
	require.Equal(t, 1, dispatcher.count())

	clock = clock.Add(30 * time.Minute)
	require.NoError(t, svc.HandleEscalation(ctx, sched.scheduled[0].task))
	require.Equal(t, 2, dispatcher.count())

	state, err := states.Find(ctx, "r1", "g1")
	require.NoError(t, err)
	require.NotNil(t, state.CooldownExpiresAt)
	assert.Equal(t, clock.Add(rule.Cooldown), *state.CooldownExpiresAt)
	assert.Equal(t, clock, *state.LastFiredAt)
}

func TestAcknowledgeCancelsEscalation(t *testing.T) {
	rule := domain.AlertRule{
		ID: "r1", TenantID: "t1", Name: "page someone",
		Trigger:         domain.TriggerNewError,
		Recipients:      "dev@example.com",
		Cooldown:        time.Hour,
		EscalationDelay: 30 * time.Minute,
		Enabled:         true,
	}
	svc, sched, dispatcher, _ := alertTestFixture(rule)
	ctx := context.Background()

	svc.Evaluate(ctx, testGroup(1, domain.GroupStatusNew), nil, true)
	require.Len(t, sched.scheduled, 1)
	task := sched.scheduled[0].task

	require.NoError(t, svc.Acknowledge(ctx, "r1", "g1"))
	assert.Equal(t, []string{task.ID}, sched.cancelled)

	// A timer that still fires after the ack is a no-op
	require.NoError(t, svc.HandleEscalation(ctx, task))
	assert.Equal(t, 1, dispatcher.count())
}

func TestQuietHoursDeferDelivery(t *testing.T) {
	rule := domain.AlertRule{
		ID: "r1", TenantID: "t1", Name: "business hours only",
		Trigger:         domain.TriggerNewError,
		Recipients:      "dev@example.com",
		Cooldown:        time.Hour,
		ActiveFromHour:  9,
		ActiveUntilHour: 17,
		Enabled:         true,
	}
	svc, sched, dispatcher, _ := alertTestFixture(rule)
	ctx := context.Background()

	clock := time.Date(2026, 1, 10, 3, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	svc.Evaluate(ctx, testGroup(1, domain.GroupStatusNew), nil, true)
	assert.Equal(t, 0, dispatcher.count())
	require.Len(t, sched.scheduled, 1)
	deferred := sched.scheduled[0]
	assert.Equal(t, scheduler.KindDeferredDelivery, deferred.task.Kind)
	assert.Equal(t, 9, deferred.due.UTC().Hour())

	require.NoError(t, svc.HandleDeferredDelivery(ctx, deferred.task))
	require.Equal(t, 1, dispatcher.count())
	assert.Equal(t, []string{"dev@example.com"}, dispatcher.last().Recipients)
}

func TestQuietExemptRuleFiresAtNight(t *testing.T) {
	rule := domain.AlertRule{
		ID: "r1", TenantID: "t1", Name: "always page",
		Trigger:         domain.TriggerNewError,
		Recipients:      "oncall@example.com",
		Cooldown:        time.Hour,
		ActiveFromHour:  9,
		ActiveUntilHour: 17,
		QuietExempt:     true,
		Enabled:         true,
	}
	svc, sched, dispatcher, _ := alertTestFixture(rule)

	clock := time.Date(2026, 1, 10, 3, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	svc.Evaluate(context.Background(), testGroup(1, domain.GroupStatusNew), nil, true)
	assert.Equal(t, 1, dispatcher.count())
	assert.Empty(t, sched.scheduled)
}

func TestAssignedDeveloperNotifiedOnRegression(t *testing.T) {
	rule := domain.AlertRule{
		ID: "r1", TenantID: "t1", Name: "regressions to owner",
		Trigger:    domain.TriggerAssignedDeveloper,
		Recipients: "fallback@example.com",
		Cooldown:   time.Hour,
		Enabled:    true,
	}
	svc, _, dispatcher, _ := alertTestFixture(rule)
	ctx := context.Background()

	group := testGroup(10, domain.GroupStatusRegressed)
	group.AssigneeID = "dev-42"
	svc.Evaluate(ctx, group, nil, false)
	require.Equal(t, 1, dispatcher.count())
	assert.Equal(t, []string{"dev-42"}, dispatcher.last().Recipients)

	// Regressed but unassigned groups stay silent
	svc.Evaluate(ctx, testGroup(11, domain.GroupStatusRegressed), nil, false)
	assert.Equal(t, 1, dispatcher.count())
}

func TestDisabledRuleNeverFires(t *testing.T) {
	rule := domain.AlertRule{
		ID: "r1", TenantID: "t1", Name: "off",
		Trigger:    domain.TriggerNewError,
		Recipients: "dev@example.com",
		Enabled:    false,
	}
	svc, _, dispatcher, _ := alertTestFixture(rule)

	svc.Evaluate(context.Background(), testGroup(1, domain.GroupStatusNew), nil, true)
	assert.Equal(t, 0, dispatcher.count())
}
