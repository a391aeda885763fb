package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/BadgerOps/sitesync/internal/status"
)

// SQLiteStore is a Store kept in a local SQLite database. It backs single-host
// deployments and tests.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ Store         = (*SQLiteStore)(nil)
	_ ItemRegistrar = (*SQLiteStore)(nil)
	_ CycleRecorder = (*SQLiteStore)(nil)
)

// NewSQLite opens the SQLite database at dbPath and runs migrations
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("status store initialized", "backend", "sqlite", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Item Operations
// ============================================================================

// RegisterItem stores or replaces the file list of an item.
func (s *SQLiteStore) RegisterItem(ctx context.Context, project string, item status.Item) error {
	if item.ID == "" {
		return fmt.Errorf("item id is required")
	}
	files, err := json.Marshal(item.Files)
	if err != nil {
		return fmt.Errorf("failed to encode item files: %w", err)
	}

	const query = `
		INSERT INTO items (project, item_id, files) VALUES (?, ?, ?)
		ON CONFLICT(project, item_id) DO UPDATE SET files = excluded.files
	`
	if _, err := s.db.ExecContext(ctx, query, project, item.ID, string(files)); err != nil {
		return fmt.Errorf("failed to register item %s: %w", item.ID, err)
	}
	return nil
}

// GetItem returns a registered item or ErrNotFound.
func (s *SQLiteStore) GetItem(ctx context.Context, project, itemID string) (*status.Item, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT files FROM items WHERE project = ? AND item_id = ?", project, itemID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s: %w", itemID, err)
	}

	item := &status.Item{ID: itemID}
	if err := json.Unmarshal([]byte(raw), &item.Files); err != nil {
		return nil, fmt.Errorf("failed to decode item %s files: %w", itemID, err)
	}
	return item, nil
}

// ============================================================================
// Site State Operations
// ============================================================================

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryer, project, itemID, site string) (*status.Record, error) {
	rec := &status.Record{ItemID: itemID, Site: site}
	var raw string
	err := q.QueryRowContext(ctx, `
		SELECT status, priority, files FROM site_states
		WHERE project = ? AND item_id = ? AND site = ?
	`, project, itemID, site).Scan(&rec.Status, &rec.Priority, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s on %s: %w", itemID, site, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s on %s: %w", itemID, site, err)
	}
	if err := json.Unmarshal([]byte(raw), &rec.Files); err != nil {
		return nil, fmt.Errorf("failed to decode record %s on %s: %w", itemID, site, err)
	}
	return rec, nil
}

// Get returns the record of an item on a site
func (s *SQLiteStore) Get(ctx context.Context, project, itemID, site string) (*status.Record, error) {
	return getRecord(ctx, s.db, project, itemID, site)
}

// Upsert merges files into the (item, site) record. A missing record is
// seeded with every registered file of the item as NOT_AVAILABLE.
func (s *SQLiteStore) Upsert(ctx context.Context, project, itemID, site string, files []status.FileState, priority *int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := getRecord(ctx, tx, project, itemID, site)
	if errors.Is(err, ErrNotFound) {
		rec = &status.Record{ItemID: itemID, Site: site, Priority: status.DefaultPriority}
		var raw string
		err = tx.QueryRowContext(ctx,
			"SELECT files FROM items WHERE project = ? AND item_id = ?", project, itemID,
		).Scan(&raw)
		switch {
		case err == nil:
			var itemFiles []status.File
			if err := json.Unmarshal([]byte(raw), &itemFiles); err != nil {
				return fmt.Errorf("failed to decode item %s files: %w", itemID, err)
			}
			now := time.Now()
			for _, f := range itemFiles {
				rec.Files = append(rec.Files, status.NewFileState(f, status.NotAvailable, now))
			}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to load item %s: %w", itemID, err)
		}
	} else if err != nil {
		return err
	}

	if err := rec.Patch(files, priority); err != nil {
		return fmt.Errorf("invalid patch for %s on %s: %w", itemID, site, err)
	}

	encoded, err := json.Marshal(rec.Files)
	if err != nil {
		return fmt.Errorf("failed to encode record files: %w", err)
	}

	const query = `
		INSERT INTO site_states (project, item_id, site, status, priority, files, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(project, item_id, site) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			files = excluded.files,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := tx.ExecContext(ctx, query, project, itemID, site, int(rec.Status), rec.Priority, string(encoded)); err != nil {
		return fmt.Errorf("failed to upsert record %s on %s: %w", itemID, site, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Delete removes the (item, site) record
func (s *SQLiteStore) Delete(ctx context.Context, project, itemID, site string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM site_states WHERE project = ? AND item_id = ? AND site = ?",
		project, itemID, site,
	)
	if err != nil {
		return fmt.Errorf("failed to delete record %s on %s: %w", itemID, site, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s on %s: %w", itemID, site, ErrNotFound)
	}
	return nil
}

// GetBulk returns all records for the given items on the given sites. Empty
// slices match everything.
func (s *SQLiteStore) GetBulk(ctx context.Context, project string, itemIDs, sites []string) ([]status.Record, error) {
	query := "SELECT item_id, site, status, priority, files FROM site_states WHERE project = ?"
	args := []any{project}
	if len(itemIDs) > 0 {
		query += " AND item_id IN (" + placeholders(len(itemIDs)) + ")"
		for _, id := range itemIDs {
			args = append(args, id)
		}
	}
	if len(sites) > 0 {
		query += " AND site IN (" + placeholders(len(sites)) + ")"
		for _, site := range sites {
			args = append(args, site)
		}
	}
	query += " ORDER BY item_id, site"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []status.Record
	for rows.Next() {
		var rec status.Record
		var raw string
		if err := rows.Scan(&rec.ItemID, &rec.Site, &rec.Status, &rec.Priority, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &rec.Files); err != nil {
			return nil, fmt.Errorf("failed to decode record %s on %s: %w", rec.ItemID, rec.Site, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// ListCandidates joins the local and remote records of each item and
// returns those matching both status filters, highest priority first.
func (s *SQLiteStore) ListCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error) {
	if len(q.LocalStatus) == 0 || len(q.RemoteStatus) == 0 {
		return nil, nil
	}

	query := `
		SELECT l.item_id, MAX(l.priority, r.priority), l.status, l.files, r.status, r.files, i.files
		FROM site_states l
		JOIN site_states r ON r.project = l.project AND r.item_id = l.item_id AND r.site = ?
		LEFT JOIN items i ON i.project = l.project AND i.item_id = l.item_id
		WHERE l.project = ? AND l.site = ?
			AND l.status IN (` + placeholders(len(q.LocalStatus)) + `)
			AND r.status IN (` + placeholders(len(q.RemoteStatus)) + `)
		ORDER BY MAX(l.priority, r.priority) DESC, l.updated_at ASC, l.item_id ASC
	`
	args := []any{q.RemoteSite, q.Project, q.LocalSite}
	for _, st := range q.LocalStatus {
		args = append(args, int(st))
	}
	for _, st := range q.RemoteStatus {
		args = append(args, int(st))
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var (
			c                    Candidate
			localRaw, remRaw     string
			itemRaw              sql.NullString
			localFiles, remFiles []status.FileState
			itemFiles            []status.File
		)
		if err := rows.Scan(&c.ItemID, &c.Priority, &c.LocalStatus, &localRaw, &c.RemoteStatus, &remRaw, &itemRaw); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		if err := json.Unmarshal([]byte(localRaw), &localFiles); err != nil {
			return nil, fmt.Errorf("failed to decode local files of %s: %w", c.ItemID, err)
		}
		if err := json.Unmarshal([]byte(remRaw), &remFiles); err != nil {
			return nil, fmt.Errorf("failed to decode remote files of %s: %w", c.ItemID, err)
		}
		if itemRaw.Valid {
			if err := json.Unmarshal([]byte(itemRaw.String), &itemFiles); err != nil {
				return nil, fmt.Errorf("failed to decode item files of %s: %w", c.ItemID, err)
			}
		}
		c.Files = mergeCandidateFiles(itemFiles, localFiles, remFiles)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}
	return candidates, nil
}

// mergeCandidateFiles lines up the local and remote state of every file.
// Registered item files come first in their published order; files known
// only from site states follow without a path.
func mergeCandidateFiles(itemFiles []status.File, local, remote []status.FileState) []CandidateFile {
	localByID := make(map[string]status.FileState, len(local))
	for _, f := range local {
		localByID[f.ID] = f
	}
	remoteByID := make(map[string]status.FileState, len(remote))
	for _, f := range remote {
		remoteByID[f.ID] = f
	}

	stateOf := func(m map[string]status.FileState, id string) status.FileState {
		if st, ok := m[id]; ok {
			return st
		}
		return status.FileState{ID: id, Status: status.NotAvailable}
	}

	seen := make(map[string]bool)
	var out []CandidateFile
	add := func(f status.File) {
		if seen[f.ID] {
			return
		}
		seen[f.ID] = true
		cf := CandidateFile{File: f, Local: stateOf(localByID, f.ID), Remote: stateOf(remoteByID, f.ID)}
		if cf.Size == 0 {
			cf.Size = max(cf.Local.Size, cf.Remote.Size)
		}
		out = append(out, cf)
	}

	for _, f := range itemFiles {
		add(f)
	}
	for _, f := range local {
		add(status.File{ID: f.ID, Size: f.Size})
	}
	for _, f := range remote {
		add(status.File{ID: f.ID, Size: f.Size})
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// ============================================================================
// Cycle History Operations
// ============================================================================

// RecordCycle inserts a finished cycle and sets its ID
func (s *SQLiteStore) RecordCycle(ctx context.Context, run *CycleRun) error {
	const query = `
		INSERT INTO cycle_runs (
			cycle_id, start_time, end_time, projects, uploads, downloads,
			succeeded, failed, resumable, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx,
		query,
		run.CycleID, run.StartTime, run.EndTime, run.Projects, run.Uploads,
		run.Downloads, run.Succeeded, run.Failed, run.Resumable,
		run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cycle run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// ListCycles returns the most recent cycles, newest first
func (s *SQLiteStore) ListCycles(ctx context.Context, limit int) ([]CycleRun, error) {
	const query = `
		SELECT id, cycle_id, start_time, end_time, projects, uploads, downloads,
			succeeded, failed, resumable, status, COALESCE(error_message, '')
		FROM cycle_runs
		ORDER BY start_time DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cycle runs: %w", err)
	}
	defer rows.Close()

	var runs []CycleRun
	for rows.Next() {
		var run CycleRun
		if err := rows.Scan(
			&run.ID, &run.CycleID, &run.StartTime, &run.EndTime, &run.Projects,
			&run.Uploads, &run.Downloads, &run.Succeeded, &run.Failed,
			&run.Resumable, &run.Status, &run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cycle run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cycle runs: %w", err)
	}

	return runs, nil
}
