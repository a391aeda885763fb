package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/BadgerOps/sitesync/internal/status"
)

// newTestStore creates an in-memory SQLite store for testing
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:", slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testItem() status.Item {
	return status.Item{
		ID: "rep-1",
		Files: []status.File{
			{ID: "f1", Path: "{root[work]}/proj/a.exr", Size: 100, Hash: "aa"},
			{ID: "f2", Path: "{root[work]}/proj/b.exr", Size: 200, Hash: "bb"},
		},
	}
}

func fileState(id string, st status.Status) status.FileState {
	return status.FileState{ID: id, Status: st, Timestamp: time.Now().Unix()}
}

func intPtr(v int) *int { return &v }

// ============================================================================
// Store Lifecycle Tests
// ============================================================================

func TestNewSQLite(t *testing.T) {
	s, err := NewSQLite(":memory:", slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("NewSQLite() failed: %v", err)
	}
	defer s.Close()

	if s.db == nil {
		t.Error("Expected db to be initialized")
	}

	var version int
	if err := s.db.QueryRow("SELECT MAX(version) FROM migrations").Scan(&version); err != nil {
		t.Fatalf("failed to read schema version: %v", err)
	}
	if version != 2 {
		t.Errorf("Expected schema version 2, got %d", version)
	}
}

func TestClose(t *testing.T) {
	s, err := NewSQLite(":memory:", slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("NewSQLite() failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	if _, err := s.ListCycles(context.Background(), 1); err == nil {
		t.Error("Expected error when using closed store, but got nil")
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate() failed: %v", err)
	}
}

// ============================================================================
// Item Tests
// ============================================================================

func TestRegisterAndGetItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RegisterItem(ctx, "proj", testItem()); err != nil {
		t.Fatalf("RegisterItem() failed: %v", err)
	}

	item, err := s.GetItem(ctx, "proj", "rep-1")
	if err != nil {
		t.Fatalf("GetItem() failed: %v", err)
	}
	if len(item.Files) != 2 || item.Files[1].Path != "{root[work]}/proj/b.exr" {
		t.Errorf("unexpected item files: %+v", item.Files)
	}

	if _, err := s.GetItem(ctx, "other", "rep-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for other project, got %v", err)
	}

	if err := s.RegisterItem(ctx, "proj", status.Item{}); err == nil {
		t.Error("Expected error for item without id")
	}
}

// ============================================================================
// Record Tests
// ============================================================================

func TestUpsertCreatesRecordFromItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RegisterItem(ctx, "proj", testItem()); err != nil {
		t.Fatalf("RegisterItem() failed: %v", err)
	}
	if err := s.Upsert(ctx, "proj", "rep-1", "studio", []status.FileState{fileState("f1", status.OK)}, nil); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	rec, err := s.Get(ctx, "proj", "rep-1", "studio")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.Priority != status.DefaultPriority {
		t.Errorf("Expected default priority, got %d", rec.Priority)
	}
	if len(rec.Files) != 2 {
		t.Fatalf("Expected 2 files, got %d", len(rec.Files))
	}
	f2, _ := rec.File("f2")
	if f2.Status != status.NotAvailable || f2.Size != 200 {
		t.Errorf("Expected seeded f2 as not available, got %+v", f2)
	}
	if rec.Status != status.Queued {
		t.Errorf("Expected aggregate queued for OK+NA, got %s", rec.Status)
	}
}

func TestUpsertMergesAndClearsFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	failing := fileState("f1", status.Queued)
	failing.Retries = 2
	failing.Message = "connection reset"
	if err := s.Upsert(ctx, "proj", "rep-1", "sftp", []status.FileState{failing, fileState("f2", status.Queued)}, intPtr(80)); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	if err := s.Upsert(ctx, "proj", "rep-1", "sftp", []status.FileState{fileState("f1", status.OK)}, nil); err != nil {
		t.Fatalf("second Upsert() failed: %v", err)
	}

	rec, err := s.Get(ctx, "proj", "rep-1", "sftp")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	f1, _ := rec.File("f1")
	if f1.Status != status.OK || f1.Retries != 0 || f1.Message != "" {
		t.Errorf("Expected f1 replaced wholesale, got %+v", f1)
	}
	if rec.Priority != 80 {
		t.Errorf("Expected priority to be kept at 80, got %d", rec.Priority)
	}
	if rec.Status != status.Queued {
		t.Errorf("Expected aggregate queued, got %s", rec.Status)
	}
}

func TestUpsertRejectsBadPriority(t *testing.T) {
	s := newTestStore(t)
	err := s.Upsert(context.Background(), "proj", "rep-1", "studio", nil, intPtr(1001))
	if err == nil {
		t.Fatal("Expected error for priority out of range")
	}
	if _, err := s.Get(context.Background(), "proj", "rep-1", "studio"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected no record after rejected upsert, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, "proj", "rep-1", "studio", []status.FileState{fileState("f1", status.OK)}, nil); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if err := s.Delete(ctx, "proj", "rep-1", "studio"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := s.Delete(ctx, "proj", "rep-1", "studio"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestGetBulk(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, item := range []string{"rep-1", "rep-2"} {
		for _, site := range []string{"studio", "sftp", "s3"} {
			if err := s.Upsert(ctx, "proj", item, site, []status.FileState{fileState("f1", status.OK)}, nil); err != nil {
				t.Fatalf("Upsert() failed: %v", err)
			}
		}
	}

	recs, err := s.GetBulk(ctx, "proj", []string{"rep-2"}, []string{"studio", "s3"})
	if err != nil {
		t.Fatalf("GetBulk() failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recs))
	}
	if recs[0].Site != "s3" || recs[1].Site != "studio" {
		t.Errorf("Expected records ordered by site, got %s, %s", recs[0].Site, recs[1].Site)
	}

	all, err := s.GetBulk(ctx, "proj", nil, nil)
	if err != nil {
		t.Fatalf("GetBulk(all) failed: %v", err)
	}
	if len(all) != 6 {
		t.Errorf("Expected 6 records, got %d", len(all))
	}
}

// ============================================================================
// Candidate Tests
// ============================================================================

func TestListCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RegisterItem(ctx, "proj", testItem()); err != nil {
		t.Fatalf("RegisterItem() failed: %v", err)
	}
	ok := []status.FileState{fileState("f1", status.OK), fileState("f2", status.OK)}
	queued := []status.FileState{fileState("f1", status.Queued), fileState("f2", status.OK)}

	// rep-1: local OK, remote queued -> upload candidate
	if err := s.Upsert(ctx, "proj", "rep-1", "studio", ok, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, "proj", "rep-1", "sftp", queued, intPtr(10)); err != nil {
		t.Fatal(err)
	}
	// rep-2: both OK -> nothing to do
	if err := s.Upsert(ctx, "proj", "rep-2", "studio", ok, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, "proj", "rep-2", "sftp", ok, nil); err != nil {
		t.Fatal(err)
	}
	// rep-3: higher priority upload candidate
	if err := s.Upsert(ctx, "proj", "rep-3", "studio", ok, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, "proj", "rep-3", "sftp", queued, intPtr(900)); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListCandidates(ctx, CandidateQuery{
		Project:      "proj",
		LocalSite:    "studio",
		RemoteSite:   "sftp",
		LocalStatus:  []status.Status{status.OK},
		RemoteStatus: []status.Status{status.Queued, status.InProgress, status.Failed},
		Limit:        10,
	})
	if err != nil {
		t.Fatalf("ListCandidates() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(got))
	}
	if got[0].ItemID != "rep-3" || got[0].Priority != 900 {
		t.Errorf("Expected rep-3 first by priority, got %s (%d)", got[0].ItemID, got[0].Priority)
	}

	c := got[1]
	if c.ItemID != "rep-1" || c.LocalStatus != status.OK || c.RemoteStatus != status.Queued {
		t.Errorf("unexpected candidate: %+v", c)
	}
	if len(c.Files) != 2 || c.Files[0].Path != "{root[work]}/proj/a.exr" {
		t.Fatalf("Expected files joined with item paths, got %+v", c.Files)
	}
	if c.Files[0].Remote.Status != status.Queued || c.Files[0].Local.Status != status.OK {
		t.Errorf("unexpected file states: %+v", c.Files[0])
	}

	limited, err := s.ListCandidates(ctx, CandidateQuery{
		Project:      "proj",
		LocalSite:    "studio",
		RemoteSite:   "sftp",
		LocalStatus:  []status.Status{status.OK},
		RemoteStatus: []status.Status{status.Queued},
		Limit:        1,
	})
	if err != nil {
		t.Fatalf("ListCandidates(limit) failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected limit to apply, got %d", len(limited))
	}
}

func TestMergeCandidateFilesWithoutItem(t *testing.T) {
	local := []status.FileState{{ID: "f1", Status: status.OK, Size: 5}}
	remote := []status.FileState{{ID: "f2", Status: status.Queued}}

	files := mergeCandidateFiles(nil, local, remote)
	if len(files) != 2 {
		t.Fatalf("Expected 2 files, got %d", len(files))
	}
	if files[0].ID != "f1" || files[0].Remote.Status != status.NotAvailable || files[0].Size != 5 {
		t.Errorf("unexpected first file: %+v", files[0])
	}
	if files[1].ID != "f2" || files[1].Local.Status != status.NotAvailable || files[1].Path != "" {
		t.Errorf("unexpected second file: %+v", files[1])
	}
}

// ============================================================================
// Cycle History Tests
// ============================================================================

func TestRecordAndListCycles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, st := range []string{"success", "partial", "failed"} {
		run := &CycleRun{
			CycleID:   st,
			StartTime: base.Add(time.Duration(i) * time.Minute),
			EndTime:   base.Add(time.Duration(i)*time.Minute + time.Second),
			Projects:  1,
			Uploads:   i,
			Status:    st,
		}
		if st == "failed" {
			run.ErrorMessage = "store unavailable"
		}
		if err := s.RecordCycle(ctx, run); err != nil {
			t.Fatalf("RecordCycle() failed: %v", err)
		}
		if run.ID == 0 {
			t.Error("Expected ID to be set after RecordCycle")
		}
	}

	runs, err := s.ListCycles(ctx, 2)
	if err != nil {
		t.Fatalf("ListCycles() failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].CycleID != "failed" || runs[0].ErrorMessage != "store unavailable" {
		t.Errorf("Expected newest run first, got %+v", runs[0])
	}
	if runs[1].Uploads != 1 {
		t.Errorf("Expected uploads 1, got %d", runs[1].Uploads)
	}
}
