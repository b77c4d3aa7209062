// Package usage records completed requests: the raw request log row, its
// derived ledger entry, and the owning session's running aggregates.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/relaygate/relaygate/internal/ledger"
	"github.com/relaygate/relaygate/internal/models"
	"github.com/relaygate/relaygate/internal/session"
)

// Recorder persists the outcome of one upstream request.
type Recorder struct {
	db       *gorm.DB
	ledger   *ledger.Writer
	sessions *session.Repository
}

// NewRecorder constructs a Recorder.
func NewRecorder(db *gorm.DB, writer *ledger.Writer, sessions *session.Repository) *Recorder {
	return &Recorder{db: db, ledger: writer, sessions: sessions}
}

// Record writes the request record (with its ledger entry) and folds the
// request into the session's aggregates. A replay of an already-recorded
// request id updates the log row without double-counting the session.
func (r *Recorder) Record(ctx context.Context, record *models.RequestRecord) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("usage recorder: not initialized")
	}
	if record == nil {
		return fmt.Errorf("usage recorder: nil record")
	}
	if strings.TrimSpace(record.RequestID) == "" {
		return fmt.Errorf("usage recorder: missing request id")
	}

	inserted, errWrite := r.ledger.Write(ctx, record)
	if errWrite != nil {
		return errWrite
	}

	// The insert outcome comes from the write transaction itself, so two
	// concurrent replays of one request id cannot both bump the session.
	if !inserted || strings.TrimSpace(record.SessionID) == "" {
		return nil
	}
	if errBump := r.bumpSession(ctx, record); errBump != nil {
		log.WithError(errBump).WithField("session_id", record.SessionID).
			Warn("usage: session aggregate update failed")
	}
	return nil
}

// bumpSession folds one new request into the session row, creating the row
// when this is the session's first recorded request.
func (r *Recorder) bumpSession(ctx context.Context, record *models.RequestRecord) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"request_count":    gorm.Expr("request_count + 1"),
		"total_tokens":     gorm.Expr("total_tokens + ?", record.TotalTokens),
		"cost_micros":      gorm.Expr("cost_micros + ?", record.CostMicros),
		"last_activity_at": now,
	}
	if record.EndpointID != nil {
		updates["endpoint_id"] = record.EndpointID
	}
	res := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("session_id = ?", record.SessionID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		r.invalidate(record.SessionID)
		return nil
	}

	row := models.Session{
		SessionID:      record.SessionID,
		UserID:         record.UserID,
		APIKeyID:       record.APIKeyID,
		RequestCount:   1,
		TotalTokens:    record.TotalTokens,
		CostMicros:     record.CostMicros,
		EndpointID:     record.EndpointID,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if errCreate := r.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		// Lost a create race with a concurrent request for the same session.
		if isDuplicate(errCreate) {
			return r.bumpSession(ctx, record)
		}
		return errCreate
	}
	r.invalidate(record.SessionID)
	return nil
}

func (r *Recorder) invalidate(sessionID string) {
	if r.sessions == nil {
		return
	}
	r.sessions.InvalidateSession(sessionID)
}

// isDuplicate reports whether err is a unique-constraint violation.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
