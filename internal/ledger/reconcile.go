package ledger

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/relaygate/relaygate/internal/models"
)

// Check is one reconciliation verification with its outcome.
type Check struct {
	Name     string
	Passed   bool
	Critical bool
	Detail   string
}

// Report aggregates reconciliation checks.
type Report struct {
	Checks []Check
}

// Failed reports whether any critical check failed.
func (r Report) Failed() bool {
	for _, check := range r.Checks {
		if check.Critical && !check.Passed {
			return true
		}
	}
	return false
}

// Reconcile verifies ledger parity against the raw request log: row-count
// parity, cost parity, zero warmup leakage, and orphan rows. Orphans are
// expected after request-log pruning and reported without failing the run.
func Reconcile(ctx context.Context, db *gorm.DB) (Report, error) {
	if db == nil {
		return Report{}, fmt.Errorf("reconcile: nil db")
	}
	var report Report

	var billableCount int64
	if errCount := db.WithContext(ctx).
		Model(&models.RequestRecord{}).
		Where("blocked_by <> ?", models.BlockedByWarmup).
		Count(&billableCount).Error; errCount != nil {
		return report, fmt.Errorf("reconcile: count billable requests: %w", errCount)
	}
	var ledgerCount int64
	if errCount := db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Count(&ledgerCount).Error; errCount != nil {
		return report, fmt.Errorf("reconcile: count ledger rows: %w", errCount)
	}

	// Orphan ledger rows have no matching request record; they only appear
	// once the request log has been pruned, so they are excluded from the
	// parity comparison and reported separately.
	var orphanCount int64
	if errCount := db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("request_id NOT IN (?)", db.Model(&models.RequestRecord{}).Select("request_id")).
		Count(&orphanCount).Error; errCount != nil {
		return report, fmt.Errorf("reconcile: count orphan rows: %w", errCount)
	}

	matchedLedger := ledgerCount - orphanCount
	report.Checks = append(report.Checks, Check{
		Name:     "row_count_parity",
		Passed:   matchedLedger == billableCount,
		Critical: true,
		Detail:   fmt.Sprintf("billable_requests=%d ledger_rows=%d (orphans excluded)", billableCount, matchedLedger),
	})

	var billableCost int64
	if errSum := db.WithContext(ctx).
		Model(&models.RequestRecord{}).
		Where("blocked_by <> ?", models.BlockedByWarmup).
		Select("COALESCE(SUM(cost_micros), 0)").
		Scan(&billableCost).Error; errSum != nil {
		return report, fmt.Errorf("reconcile: sum billable cost: %w", errSum)
	}
	var ledgerCost int64
	if errSum := db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("request_id IN (?)", db.Model(&models.RequestRecord{}).Select("request_id")).
		Select("COALESCE(SUM(cost_micros), 0)").
		Scan(&ledgerCost).Error; errSum != nil {
		return report, fmt.Errorf("reconcile: sum ledger cost: %w", errSum)
	}
	report.Checks = append(report.Checks, Check{
		Name:     "cost_parity",
		Passed:   billableCost == ledgerCost,
		Critical: true,
		Detail:   fmt.Sprintf("billable_cost_micros=%d ledger_cost_micros=%d", billableCost, ledgerCost),
	})

	var warmupLeaks int64
	if errCount := db.WithContext(ctx).
		Model(&models.LedgerEntry{}).
		Where("request_id IN (?)", db.Model(&models.RequestRecord{}).
			Select("request_id").
			Where("blocked_by = ?", models.BlockedByWarmup)).
		Count(&warmupLeaks).Error; errCount != nil {
		return report, fmt.Errorf("reconcile: count warmup leaks: %w", errCount)
	}
	report.Checks = append(report.Checks, Check{
		Name:     "warmup_exclusion",
		Passed:   warmupLeaks == 0,
		Critical: true,
		Detail:   fmt.Sprintf("warmup_rows_in_ledger=%d", warmupLeaks),
	})

	report.Checks = append(report.Checks, Check{
		Name:     "orphan_ledger_rows",
		Passed:   orphanCount == 0,
		Critical: false,
		Detail:   fmt.Sprintf("orphan_rows=%d (expected after request-log pruning)", orphanCount),
	})

	return report, nil
}
