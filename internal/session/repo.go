package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/relaygate/relaygate/internal/cache"
	"github.com/relaygate/relaygate/internal/models"
)

// Cache tuning for session reads. Detail lookups are fine-grained and hot;
// the aggregate active view is a single heavy query.
const (
	detailCacheTTL      = time.Second
	detailCacheCapacity = 10000
	activeCacheTTL      = 2 * time.Second
	activeCacheCapacity = 100
	activeWindow        = 5 * time.Minute
)

// activeCacheKey is the single key under which the aggregate view is cached.
const activeCacheKey = "all"

// Repository serves session aggregates through bounded caches layered above
// the database.
type Repository struct {
	db          *gorm.DB
	detailCache *cache.Cache[string, models.Session]
	activeCache *cache.Cache[string, []models.Session]
}

// NewRepository constructs a Repository with production cache tuning.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{
		db:          db,
		detailCache: cache.New[string, models.Session](detailCacheTTL, detailCacheCapacity),
		activeCache: cache.New[string, []models.Session](activeCacheTTL, activeCacheCapacity),
	}
}

// Detail returns one session by its opaque id, served from cache within the
// detail TTL.
func (r *Repository) Detail(ctx context.Context, sessionID string) (models.Session, error) {
	if r == nil || r.db == nil {
		return models.Session{}, fmt.Errorf("session repository: not initialized")
	}
	if cached, ok := r.detailCache.Get(sessionID); ok {
		return cached, nil
	}
	var row models.Session
	if errFind := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Take(&row).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return models.Session{}, gorm.ErrRecordNotFound
		}
		return models.Session{}, errFind
	}
	r.detailCache.Set(sessionID, row)
	return row, nil
}

// ActiveSessions returns sessions with recent activity, served from the
// aggregate cache within its TTL.
func (r *Repository) ActiveSessions(ctx context.Context) ([]models.Session, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("session repository: not initialized")
	}
	if cached, ok := r.activeCache.Get(activeCacheKey); ok {
		return cached, nil
	}
	cutoff := time.Now().UTC().Add(-activeWindow)
	var rows []models.Session
	if errFind := r.db.WithContext(ctx).
		Where("terminated = ? AND last_activity_at >= ?", false, cutoff).
		Order("last_activity_at DESC").
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	r.activeCache.Set(activeCacheKey, rows)
	return rows, nil
}

// Upsert records a session's latest aggregates and invalidates its cache
// entries.
func (r *Repository) Upsert(ctx context.Context, row *models.Session) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("session repository: not initialized")
	}
	if row == nil {
		return fmt.Errorf("session repository: nil session")
	}
	if errSave := r.db.WithContext(ctx).Save(row).Error; errSave != nil {
		return errSave
	}
	r.detailCache.Delete(row.SessionID)
	r.activeCache.Delete(activeCacheKey)
	return nil
}

// MarkTerminated flags a session terminated, optionally recording the
// replacement id, and drops its cache entries.
func (r *Repository) MarkTerminated(ctx context.Context, sessionID, replacementID string) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("session repository: not initialized")
	}
	updates := map[string]any{"terminated": true, "updated_at": time.Now().UTC()}
	if replacementID != "" {
		updates["replacement_id"] = replacementID
	}
	if errUpdate := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("session_id = ?", sessionID).
		Updates(updates).Error; errUpdate != nil {
		return errUpdate
	}
	r.detailCache.Delete(sessionID)
	r.activeCache.Delete(activeCacheKey)
	return nil
}

// InvalidateSession drops one session's cached detail plus the aggregate
// view.
func (r *Repository) InvalidateSession(sessionID string) {
	if r == nil {
		return
	}
	r.detailCache.Delete(sessionID)
	r.activeCache.Delete(activeCacheKey)
}

// InvalidateAll clears both caches; used on pub/sub invalidation events.
func (r *Repository) InvalidateAll() {
	if r == nil {
		return
	}
	r.detailCache.Clear()
	r.activeCache.Clear()
}

// Shutdown stops cache janitors.
func (r *Repository) Shutdown() {
	if r == nil {
		return
	}
	r.detailCache.Stop()
	r.activeCache.Stop()
}
