package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/errwatch/errwatch-backend/internal/common"
	"github.com/errwatch/errwatch-backend/internal/domain"
)

// TenantRepository handles tenant and API key lookups
type TenantRepository struct {
	db *gorm.DB
}

// NewTenantRepository creates a new TenantRepository
func NewTenantRepository(db *gorm.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// FindByAPIKey resolves an API key to its tenant. Revoked keys and
// disabled tenants fail authentication.
func (r *TenantRepository) FindByAPIKey(ctx context.Context, key string) (*domain.Tenant, error) {
	var apiKey domain.APIKey
	err := r.db.WithContext(ctx).
		Where("api_key = ? AND revoked = ?", key, false).
		First(&apiKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrAuth
		}
		return nil, err
	}

	var tenant domain.Tenant
	err = r.db.WithContext(ctx).
		Where("id = ? AND active = ?", apiKey.TenantID, true).
		First(&tenant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrAuth
		}
		return nil, err
	}

	// Best-effort usage stamp, never on the hot path's critical section
	now := time.Now().UTC()
	r.db.WithContext(ctx).Model(&apiKey).Update("last_used_at", now)

	return &tenant, nil
}

// FindByID returns a tenant by id
func (r *TenantRepository) FindByID(ctx context.Context, id string) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&tenant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return &tenant, nil
}

// Create stores a tenant
func (r *TenantRepository) Create(ctx context.Context, tenant *domain.Tenant) error {
	return r.db.WithContext(ctx).Create(tenant).Error
}

// CreateAPIKey stores an API key for a tenant
func (r *TenantRepository) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	return r.db.WithContext(ctx).Create(key).Error
}
