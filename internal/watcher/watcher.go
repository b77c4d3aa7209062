// Package watcher polls the database for configuration changes so caches
// converge faster than TTL expiry even when redis pub/sub is unavailable.
// Each watched table keeps an (updated_at, id) watermark; a row newer than
// the watermark fires the table's change callback.
package watcher

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/relaygate/relaygate/internal/models"
)

// defaultPollInterval bounds staleness of DB-driven configuration.
const defaultPollInterval = 10 * time.Second

// watermark identifies the newest row seen for one table.
type watermark struct {
	updatedAt time.Time
	id        uint64
}

// advanced reports whether the latest row is newer than the watermark. Ties
// on updated_at break on id, so multiple writes within one clock tick still
// register.
func (m watermark) advanced(latest watermark) bool {
	if latest.updatedAt.After(m.updatedAt) {
		return true
	}
	return latest.updatedAt.Equal(m.updatedAt) && latest.id > m.id
}

// target is one watched table with its change callback.
type target struct {
	name     string
	model    any
	onChange func()
	mark     watermark
	primed   bool
}

// Watcher polls watched tables and fires callbacks on change.
type Watcher struct {
	db           *gorm.DB
	pollInterval time.Duration

	mu      sync.Mutex
	targets []*target
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a Watcher. A non-positive interval uses the default.
func New(db *gorm.DB, pollInterval time.Duration) *Watcher {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Watcher{db: db, pollInterval: pollInterval}
}

// WatchEndpoints fires onChange when providers or endpoints change.
func (w *Watcher) WatchEndpoints(onChange func()) {
	w.watch("providers", &models.Provider{}, onChange)
	w.watch("provider_endpoints", &models.ProviderEndpoint{}, onChange)
}

// WatchSettings fires onChange when the settings table changes.
func (w *Watcher) WatchSettings(onChange func()) {
	w.watch("settings", &models.Setting{}, onChange)
}

func (w *Watcher) watch(name string, model any, onChange func()) {
	if w == nil || onChange == nil {
		return
	}
	w.mu.Lock()
	w.targets = append(w.targets, &target{name: name, model: model, onChange: onChange})
	w.mu.Unlock()
}

// Start launches the poll loop. Must be called after all Watch calls.
func (w *Watcher) Start(ctx context.Context) {
	if w == nil || w.db == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		w.poll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.poll(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for the loop to exit. Idempotent.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watcher) poll(ctx context.Context) {
	w.mu.Lock()
	targets := make([]*target, len(w.targets))
	copy(targets, w.targets)
	w.mu.Unlock()

	for _, tgt := range targets {
		w.pollTarget(ctx, tgt)
	}
}

// pollTarget reads one table's newest (updated_at, id) pair and fires the
// callback when it moved. The first poll only primes the watermark.
func (w *Watcher) pollTarget(ctx context.Context, tgt *target) {
	type latestRow struct {
		ID        uint64     `gorm:"column:id"`
		UpdatedAt *time.Time `gorm:"column:updated_at"`
	}
	var latest latestRow
	errFind := w.db.WithContext(ctx).
		Model(tgt.model).
		Select("id", "updated_at").
		Order("updated_at DESC, id DESC").
		Limit(1).
		Take(&latest).Error
	if errFind != nil {
		if errFind != gorm.ErrRecordNotFound {
			log.WithError(errFind).Warnf("watcher: poll %s failed", tgt.name)
		}
		return
	}

	next := watermark{id: latest.ID}
	if latest.UpdatedAt != nil {
		next.updatedAt = latest.UpdatedAt.UTC()
	}

	w.mu.Lock()
	fire := tgt.primed && tgt.mark.advanced(next)
	if !tgt.primed || tgt.mark.advanced(next) {
		tgt.mark = next
		tgt.primed = true
	}
	w.mu.Unlock()

	if fire {
		log.Debugf("watcher: %s changed", tgt.name)
		tgt.onChange()
	}
}
