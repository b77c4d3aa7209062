package resolver

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/relaygate/relaygate/internal/models"
)

// GormEndpointRepository loads provider endpoints from the database.
type GormEndpointRepository struct {
	db *gorm.DB
}

// NewGormEndpointRepository constructs a GormEndpointRepository.
func NewGormEndpointRepository(db *gorm.DB) *GormEndpointRepository {
	return &GormEndpointRepository{db: db}
}

// ListEndpoints returns every endpoint for the vendor and provider type,
// enabled or not; filtering is the resolver's concern.
func (r *GormEndpointRepository) ListEndpoints(ctx context.Context, vendorID uint64, providerType models.ProviderType) ([]models.ProviderEndpoint, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("endpoint repository: not initialized")
	}
	var rows []models.ProviderEndpoint
	if errFind := r.db.WithContext(ctx).
		Where("vendor_id = ? AND provider_type = ?", vendorID, providerType).
		Order("priority ASC, id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// Ensure GormEndpointRepository implements EndpointRepository.
var _ EndpointRepository = (*GormEndpointRepository)(nil)
