package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/relaygate/relaygate/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.AutoMigrate(&models.RequestRecord{}, &models.LedgerEntry{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return db
}

func billableRecord(requestID string, costMicros int64) *models.RequestRecord {
	return &models.RequestRecord{
		RequestID:   requestID,
		SessionID:   "sess-1",
		Model:       "some-model",
		TotalTokens: 100,
		CostMicros:  costMicros,
		RequestedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestWriteDerivesLedgerRow(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db)

	record := billableRecord("req-1", 2500)
	record.ProviderChain = datatypes.JSON([]byte(`[{"provider":"first","status":"failed"},{"provider":"final","status":"ok"}]`))
	if _, errWrite := w.Write(context.Background(), record); errWrite != nil {
		t.Fatalf("write: %v", errWrite)
	}

	var entry models.LedgerEntry
	if errFind := db.Where("request_id = ?", "req-1").Take(&entry).Error; errFind != nil {
		t.Fatalf("find ledger row: %v", errFind)
	}
	if entry.CostMicros != 2500 || !entry.Succeeded {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.FinalProvider != "final" {
		t.Fatalf("expected final provider from chain, got %q", entry.FinalProvider)
	}
}

func TestWriteSkipsWarmup(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db)

	record := billableRecord("req-warm", 100)
	record.BlockedBy = models.BlockedByWarmup
	if _, errWrite := w.Write(context.Background(), record); errWrite != nil {
		t.Fatalf("write: %v", errWrite)
	}

	var count int64
	if errCount := db.Model(&models.LedgerEntry{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 0 {
		t.Fatalf("expected no ledger row for warmup traffic, got %d", count)
	}
}

func TestWriteRetryUpdatesNotDuplicates(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db)

	if _, errWrite := w.Write(context.Background(), billableRecord("req-1", 1000)); errWrite != nil {
		t.Fatalf("write: %v", errWrite)
	}
	retried := billableRecord("req-1", 1800)
	if _, errWrite := w.Write(context.Background(), retried); errWrite != nil {
		t.Fatalf("retry write: %v", errWrite)
	}

	var count int64
	if errCount := db.Model(&models.LedgerEntry{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("expected single ledger row after retry, got %d", count)
	}
	var entry models.LedgerEntry
	if errFind := db.Where("request_id = ?", "req-1").Take(&entry).Error; errFind != nil {
		t.Fatalf("find: %v", errFind)
	}
	if entry.CostMicros != 1800 {
		t.Fatalf("expected retried cost applied, got %d", entry.CostMicros)
	}
}

func TestWriteReportsInsertVersusReplay(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db)

	inserted, errWrite := w.Write(context.Background(), billableRecord("req-1", 700))
	if errWrite != nil {
		t.Fatalf("write: %v", errWrite)
	}
	if !inserted {
		t.Fatalf("expected first write to report an insert")
	}

	replay := billableRecord("req-1", 950)
	inserted, errWrite = w.Write(context.Background(), replay)
	if errWrite != nil {
		t.Fatalf("replay write: %v", errWrite)
	}
	if inserted {
		t.Fatalf("expected replayed request id to report an update")
	}
	var record models.RequestRecord
	if errFind := db.Where("request_id = ?", "req-1").Take(&record).Error; errFind != nil {
		t.Fatalf("find: %v", errFind)
	}
	if record.CostMicros != 950 {
		t.Fatalf("expected replay to refresh the row, got cost %d", record.CostMicros)
	}
}

func TestDeriveFailureFromErrorMessage(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db)

	record := billableRecord("req-err", 0)
	record.ErrorMessage = "upstream timeout"
	if _, errWrite := w.Write(context.Background(), record); errWrite != nil {
		t.Fatalf("write: %v", errWrite)
	}
	var entry models.LedgerEntry
	if errFind := db.Where("request_id = ?", "req-err").Take(&entry).Error; errFind != nil {
		t.Fatalf("find: %v", errFind)
	}
	if entry.Succeeded {
		t.Fatalf("expected succeeded=false when error message present")
	}

	retried := billableRecord("req-err", 900)
	if _, errWrite := w.Write(context.Background(), retried); errWrite != nil {
		t.Fatalf("retry write: %v", errWrite)
	}
	if errFind := db.Where("request_id = ?", "req-err").Take(&entry).Error; errFind != nil {
		t.Fatalf("find after retry: %v", errFind)
	}
	if !entry.Succeeded {
		t.Fatalf("expected succeeded=true after clean retry of %q", entry.RequestID)
	}
}

func TestFinalProviderMalformedChain(t *testing.T) {
	cases := map[string]string{
		`not json`:                     "",
		`{"provider":"obj-not-array"}`: "",
		`[]`:                           "",
		`[{"provider":""}]`:            "",
		`[{"provider":"a"},{"x":"y"}]`: "a",
	}
	for raw, want := range cases {
		if got := finalProviderFromChain([]byte(raw)); got != want {
			t.Fatalf("finalProviderFromChain(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestReconcileParity(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db)

	for i, cost := range []int64{100, 250, 3000} {
		record := billableRecord(requestID(i), cost)
		if _, errWrite := w.Write(context.Background(), record); errWrite != nil {
			t.Fatalf("write: %v", errWrite)
		}
	}
	warm := billableRecord("req-warm", 999)
	warm.BlockedBy = models.BlockedByWarmup
	if _, errWrite := w.Write(context.Background(), warm); errWrite != nil {
		t.Fatalf("write warmup: %v", errWrite)
	}

	report, errReconcile := Reconcile(context.Background(), db)
	if errReconcile != nil {
		t.Fatalf("reconcile: %v", errReconcile)
	}
	if report.Failed() {
		t.Fatalf("expected clean report, got %+v", report)
	}
}

func TestReconcileDetectsMissingRow(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db)

	if _, errWrite := w.Write(context.Background(), billableRecord("req-1", 500)); errWrite != nil {
		t.Fatalf("write: %v", errWrite)
	}
	if errDelete := db.Where("request_id = ?", "req-1").Delete(&models.LedgerEntry{}).Error; errDelete != nil {
		t.Fatalf("delete: %v", errDelete)
	}

	report, errReconcile := Reconcile(context.Background(), db)
	if errReconcile != nil {
		t.Fatalf("reconcile: %v", errReconcile)
	}
	if !report.Failed() {
		t.Fatalf("expected count mismatch to fail, got %+v", report)
	}
}

func TestReconcileOrphansNotCritical(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db)

	if _, errWrite := w.Write(context.Background(), billableRecord("req-1", 500)); errWrite != nil {
		t.Fatalf("write: %v", errWrite)
	}
	// Simulate request-log pruning: the record goes, the ledger row stays.
	if errDelete := db.Where("request_id = ?", "req-1").Delete(&models.RequestRecord{}).Error; errDelete != nil {
		t.Fatalf("delete: %v", errDelete)
	}

	report, errReconcile := Reconcile(context.Background(), db)
	if errReconcile != nil {
		t.Fatalf("reconcile: %v", errReconcile)
	}
	if report.Failed() {
		t.Fatalf("expected orphans reported but not critical, got %+v", report)
	}
	found := false
	for _, check := range report.Checks {
		if check.Name == "orphan_ledger_rows" && !check.Passed {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected orphan check to report failure, got %+v", report.Checks)
	}
}

func requestID(i int) string {
	return "req-" + string(rune('a'+i))
}
