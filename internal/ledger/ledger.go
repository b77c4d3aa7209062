// Package ledger derives exactly one accounting row per billable request
// and verifies that the ledger stays reconciled with the raw request log.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/models"
)

// Writer persists request records and derives their ledger entries.
type Writer struct {
	db *gorm.DB
}

// NewWriter constructs a Writer backed by GORM.
func NewWriter(db *gorm.DB) *Writer {
	return &Writer{db: db}
}

// Write persists a request record and derives its ledger entry in one
// transaction. It reports whether the record row was newly inserted, so
// callers can tell a first write from a replay of the same request id.
// Ledger derivation failures are logged and counted, never propagated: the
// request record write must not be blocked by accounting.
func (w *Writer) Write(ctx context.Context, record *models.RequestRecord) (bool, error) {
	if w == nil || w.db == nil {
		return false, fmt.Errorf("ledger writer: not initialized")
	}
	if record == nil {
		return false, fmt.Errorf("ledger writer: nil record")
	}
	inserted := false
	errWrite := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Insert-or-nothing first: RowsAffected distinguishes a fresh row
		// from a replayed request id, which an upsert cannot.
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			DoNothing: true,
		}).Create(record)
		if res.Error != nil {
			return res.Error
		}
		inserted = res.RowsAffected > 0
		if !inserted {
			if errUpdate := tx.Model(&models.RequestRecord{}).
				Where("request_id = ?", record.RequestID).
				Updates(map[string]any{
					"input_tokens":   record.InputTokens,
					"output_tokens":  record.OutputTokens,
					"total_tokens":   record.TotalTokens,
					"cost_micros":    record.CostMicros,
					"error_message":  record.ErrorMessage,
					"blocked_by":     record.BlockedBy,
					"provider_chain": record.ProviderChain,
				}).Error; errUpdate != nil {
				return errUpdate
			}
		}
		if errDerive := Derive(tx, *record); errDerive != nil {
			metrics.LedgerDeriveFailures.Inc()
			log.WithError(errDerive).WithField("request_id", record.RequestID).
				Warn("ledger: derivation failed, request record kept")
		}
		return nil
	})
	if errWrite != nil {
		return false, errWrite
	}
	return inserted, nil
}

// Derive upserts the ledger entry for one request record inside tx.
// Warmup-flagged records never produce a row; reprocessing the same request
// id updates the existing row instead of duplicating it.
func Derive(tx *gorm.DB, record models.RequestRecord) error {
	if tx == nil {
		return fmt.Errorf("ledger: nil tx")
	}
	if strings.TrimSpace(record.RequestID) == "" {
		return fmt.Errorf("ledger: missing request id")
	}
	if !record.Billable() {
		return nil
	}

	entry := models.LedgerEntry{
		RequestID:     record.RequestID,
		UserID:        record.UserID,
		APIKeyID:      record.APIKeyID,
		ProviderID:    record.ProviderID,
		FinalProvider: finalProviderFromChain(record.ProviderChain),
		Model:         record.Model,
		InputTokens:   record.InputTokens,
		OutputTokens:  record.OutputTokens,
		TotalTokens:   record.TotalTokens,
		CostMicros:    record.CostMicros,
		Succeeded:     strings.TrimSpace(record.ErrorMessage) == "",
		RequestedAt:   record.RequestedAt,
	}

	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "request_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "api_key_id", "provider_id", "final_provider", "model",
			"input_tokens", "output_tokens", "total_tokens", "cost_micros",
			"succeeded", "requested_at", "updated_at",
		}),
	}).Create(&entry).Error
}

// chainEntry is one attempt in the embedded provider-chain payload.
type chainEntry struct {
	Provider string `json:"provider"`
	Endpoint string `json:"endpoint"`
	Status   string `json:"status"`
}

// finalProviderFromChain extracts the last provider name from the chain
// payload. Malformed payloads fail closed to "no chain data" rather than
// erroring into the caller's transaction.
func finalProviderFromChain(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var chain []chainEntry
	if errUnmarshal := json.Unmarshal(raw, &chain); errUnmarshal != nil {
		return ""
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if name := strings.TrimSpace(chain[i].Provider); name != "" {
			return name
		}
	}
	return ""
}
