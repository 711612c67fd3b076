package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/errwatch/errwatch-backend/internal/common"
	"github.com/errwatch/errwatch-backend/internal/domain"
)

// GroupRepository is the authoritative table of error groups
type GroupRepository struct {
	db           *gorm.DB
	sampleSize   int
	ongoingAfter time.Duration
}

// NewGroupRepository creates a new GroupRepository
func NewGroupRepository(db *gorm.DB, sampleSize int, ongoingAfter time.Duration) *GroupRepository {
	if sampleSize <= 0 {
		sampleSize = 5
	}
	return &GroupRepository{db: db, sampleSize: sampleSize, ongoingAfter: ongoingAfter}
}

// Upsert performs the atomic increment-or-create keyed by (tenant, fingerprint).
// Concurrent consumers may race on the very first occurrence; the unique index
// on (tenant_id, fingerprint) makes exactly one creation win and the loser
// retries as an increment inside the same transaction.
func (r *GroupRepository) Upsert(ctx context.Context, tenantID, fp string, report *domain.ErrorReport) (*domain.ErrorGroup, bool, error) {
	var group domain.ErrorGroup
	isNew := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := lockForUpdate(tx).
			Where("tenant_id = ? AND fingerprint = ?", tenantID, fp).
			First(&group).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			group = r.newGroup(tenantID, fp, report)
			createErr := tx.Create(&group).Error
			if createErr == nil {
				isNew = true
				return nil
			}
			if !errors.Is(createErr, gorm.ErrDuplicatedKey) {
				return createErr
			}
			// Lost the creation race: re-read the winner's row and increment
			if err := lockForUpdate(tx).
				Where("tenant_id = ? AND fingerprint = ?", tenantID, fp).
				First(&group).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		return r.increment(tx, &group, report)
	})
	if err != nil {
		return nil, false, err
	}
	return &group, isNew, nil
}

// lockForUpdate applies SELECT ... FOR UPDATE where the dialect supports it.
// SQLite is single-writer; its transactions already serialize the upsert.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (r *GroupRepository) newGroup(tenantID, fp string, report *domain.ErrorReport) domain.ErrorGroup {
	ts := report.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	samples, _ := json.Marshal([]domain.ErrorReport{*report})
	return domain.ErrorGroup{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Fingerprint: fp,
		Type:        report.Type,
		Message:     report.Message,
		Severity:    report.Severity,
		Status:      domain.GroupStatusNew,
		Count:       1,
		FirstSeen:   ts,
		LastSeen:    ts,
		Samples:     string(samples),
	}
}

// increment applies count+1, last-seen advance, status transition and the
// sample ring update to a locked row
func (r *GroupRepository) increment(tx *gorm.DB, group *domain.ErrorGroup, report *domain.ErrorReport) error {
	ts := report.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	status := group.Status
	switch {
	case status == domain.GroupStatusResolved:
		// New occurrence after manual resolution
		status = domain.GroupStatusRegressed
	case status == domain.GroupStatusNew && ts.Sub(group.FirstSeen) > r.ongoingAfter:
		status = domain.GroupStatusOngoing
	}

	lastSeen := group.LastSeen
	if ts.After(lastSeen) {
		lastSeen = ts
	}

	samples := r.appendSample(group.Samples, report)

	updates := map[string]interface{}{
		"count":     gorm.Expr("count + 1"),
		"last_seen": lastSeen,
		"status":    status,
		"samples":   samples,
		"severity":  maxSeverity(group.Severity, report.Severity),
	}
	if err := tx.Model(group).Updates(updates).Error; err != nil {
		return err
	}

	group.Count++
	group.LastSeen = lastSeen
	group.Status = status
	group.Samples = samples
	return nil
}

// appendSample keeps the last K representative reports
func (r *GroupRepository) appendSample(current string, report *domain.ErrorReport) string {
	var samples []domain.ErrorReport
	if current != "" {
		_ = json.Unmarshal([]byte(current), &samples)
	}
	samples = append(samples, *report)
	if len(samples) > r.sampleSize {
		samples = samples[len(samples)-r.sampleSize:]
	}
	data, err := json.Marshal(samples)
	if err != nil {
		return current
	}
	return string(data)
}

func maxSeverity(a, b string) string {
	if b == "" {
		return a
	}
	if a == "" || domain.SeverityLevel(b) > domain.SeverityLevel(a) {
		return b
	}
	return a
}

// Get returns a group by (tenant, fingerprint)
func (r *GroupRepository) Get(ctx context.Context, tenantID, fp string) (*domain.ErrorGroup, error) {
	var group domain.ErrorGroup
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND fingerprint = ?", tenantID, fp).
		First(&group).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrGroupNotFound
		}
		return nil, err
	}
	return &group, nil
}

// FindByID returns a group by its id within a tenant
func (r *GroupRepository) FindByID(ctx context.Context, tenantID, id string) (*domain.ErrorGroup, error) {
	var group domain.ErrorGroup
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&group).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrGroupNotFound
		}
		return nil, err
	}
	return &group, nil
}

// List returns paginated groups for a tenant, newest activity first
func (r *GroupRepository) List(ctx context.Context, tenantID string, filter domain.GroupFilter, offset, limit int) ([]domain.ErrorGroup, int64, error) {
	query := r.db.WithContext(ctx).Model(&domain.ErrorGroup{}).Where("tenant_id = ?", tenantID)

	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		query = query.Where("error_type = ?", filter.Type)
	}
	if filter.Since != nil {
		query = query.Where("last_seen >= ?", *filter.Since)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var groups []domain.ErrorGroup
	if err := query.Order("last_seen DESC").Offset(offset).Limit(limit).Find(&groups).Error; err != nil {
		return nil, 0, err
	}
	return groups, total, nil
}

// MarkResolved is the explicit developer action closing a group
func (r *GroupRepository) MarkResolved(ctx context.Context, tenantID, id string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&domain.ErrorGroup{}).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Updates(map[string]interface{}{
			"status":      domain.GroupStatusResolved,
			"resolved_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return common.ErrGroupNotFound
	}
	return nil
}

// MarkOngoing moves an acknowledged new/regressed group to ongoing
func (r *GroupRepository) MarkOngoing(ctx context.Context, tenantID, id string) error {
	return r.db.WithContext(ctx).Model(&domain.ErrorGroup{}).
		Where("tenant_id = ? AND id = ? AND status IN ?", tenantID, id,
			[]string{domain.GroupStatusNew, domain.GroupStatusRegressed}).
		Update("status", domain.GroupStatusOngoing).Error
}

// Assign sets the developer responsible for a group
func (r *GroupRepository) Assign(ctx context.Context, tenantID, id, assigneeID string) error {
	result := r.db.WithContext(ctx).Model(&domain.ErrorGroup{}).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Update("assignee_id", assigneeID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return common.ErrGroupNotFound
	}
	return nil
}
