package service

import (
	"context"
	"encoding/json"

	"github.com/errwatch/errwatch-backend/internal/domain"
	"github.com/errwatch/errwatch-backend/internal/repository"
	"github.com/errwatch/errwatch-backend/pkg/logger"
)

// GroupService is the management view over error groups: listing, detail,
// triage transitions and assignment
type GroupService struct {
	groups *repository.GroupRepository
	alerts *AlertService
}

// NewGroupService creates a new GroupService
func NewGroupService(groups *repository.GroupRepository, alerts *AlertService) *GroupService {
	return &GroupService{groups: groups, alerts: alerts}
}

// List returns paginated groups for a tenant, newest activity first
func (s *GroupService) List(ctx context.Context, tenantID string, filter domain.GroupFilter, page, pageSize int) ([]domain.GroupListItem, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	groups, total, err := s.groups.List(ctx, tenantID, filter, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}

	items := make([]domain.GroupListItem, len(groups))
	for i := range groups {
		items[i] = toListItem(&groups[i])
	}
	return items, total, nil
}

// Get returns the detail view including sample reports
func (s *GroupService) Get(ctx context.Context, tenantID, id string) (*domain.GroupDetailResponse, error) {
	group, err := s.groups.FindByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}

	detail := &domain.GroupDetailResponse{GroupListItem: toListItem(group)}
	if group.Samples != "" {
		if err := json.Unmarshal([]byte(group.Samples), &detail.Samples); err != nil {
			logger.WithTenantID(tenantID).Warn().Err(err).
				Str("group_id", id).Msg("failed to decode group samples")
		}
	}
	return detail, nil
}

// Resolve closes a group and clears its threshold latches so the next
// crossing after a regression alerts again
func (s *GroupService) Resolve(ctx context.Context, tenantID, id string) error {
	if err := s.groups.MarkResolved(ctx, tenantID, id); err != nil {
		return err
	}
	if s.alerts != nil {
		if err := s.alerts.ResetForGroup(ctx, id); err != nil {
			logger.WithTenantID(tenantID).Warn().Err(err).
				Str("group_id", id).Msg("failed to reset alert thresholds")
		}
	}
	return nil
}

// Acknowledge moves a new or regressed group to ongoing
func (s *GroupService) Acknowledge(ctx context.Context, tenantID, id string) error {
	if _, err := s.groups.FindByID(ctx, tenantID, id); err != nil {
		return err
	}
	return s.groups.MarkOngoing(ctx, tenantID, id)
}

// Assign sets the developer responsible for a group
func (s *GroupService) Assign(ctx context.Context, tenantID, id, assigneeID string) error {
	return s.groups.Assign(ctx, tenantID, id, assigneeID)
}

func toListItem(g *domain.ErrorGroup) domain.GroupListItem {
	return domain.GroupListItem{
		ID:          g.ID,
		Fingerprint: g.Fingerprint,
		Type:        g.Type,
		Message:     g.Message,
		Severity:    g.Severity,
		Status:      g.Status,
		Count:       g.Count,
		FirstSeen:   g.FirstSeen,
		LastSeen:    g.LastSeen,
		AssigneeID:  g.AssigneeID,
	}
}
