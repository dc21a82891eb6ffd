// Package archive persists simulation reports in a local SQLite database.
package archive

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/report"
)

// Archive persists reports for later comparison
type Archive interface {
	Store(r *report.Report) error
	GetByRun(runID string) ([]*report.Report, error)
	Cleanup(retentionDays int) (int64, error)
	Close() error
}

// SQLiteArchive implements Archive using SQLite for local persistence
type SQLiteArchive struct {
	db       *sql.DB
	dbPath   string
	mutex    sync.RWMutex
	prepared map[string]*sql.Stmt
}

// NewSQLiteArchive opens (creating when needed) the archive at dbPath
func NewSQLiteArchive(dbPath string) (*SQLiteArchive, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %v", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %v", err)
	}

	a := &SQLiteArchive{
		db:       db,
		dbPath:   dbPath,
		prepared: make(map[string]*sql.Stmt),
	}

	if err := a.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize archive schema: %v", err)
	}

	if err := a.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %v", err)
	}

	return a, nil
}

func (a *SQLiteArchive) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		run_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		best_total REAL,
		generated_at DATETIME NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_reports_run ON reports(run_id, generated_at);
	CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at);
	`

	_, err := a.db.Exec(schema)
	return err
}

func (a *SQLiteArchive) prepareStatements() error {
	statements := map[string]string{
		"insert": `
			INSERT INTO reports (id, kind, run_id, metric, best_total, generated_at, body, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
		"select_run": `
			SELECT body FROM reports
			WHERE run_id = ?
			ORDER BY generated_at ASC
		`,
		"cleanup": `
			DELETE FROM reports
			WHERE created_at < ?
		`,
	}

	for name, query := range statements {
		stmt, err := a.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %v", name, err)
		}
		a.prepared[name] = stmt
	}

	return nil
}

// Store saves a report
func (a *SQLiteArchive) Store(r *report.Report) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %v", err)
	}

	var bestTotal sql.NullFloat64
	if total, ok := r.BestTotal(); ok {
		bestTotal = sql.NullFloat64{Float64: total, Valid: true}
	}

	_, err = a.prepared["insert"].Exec(
		r.ID,
		r.Kind,
		r.RunID,
		r.Metric,
		bestTotal,
		r.GeneratedAt,
		string(body),
		time.Now().UTC(),
	)
	if err != nil {
		klog.V(2).InfoS("Failed to archive report", "error", err, "run", r.RunID)
		return fmt.Errorf("failed to store report: %v", err)
	}

	klog.V(3).InfoS("Archived report", "id", r.ID, "run", r.RunID, "kind", r.Kind)
	return nil
}

// GetByRun returns all reports for a run, oldest first
func (a *SQLiteArchive) GetByRun(runID string) ([]*report.Report, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	rows, err := a.prepared["select_run"].Query(runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %v", err)
	}
	defer rows.Close()

	var reports []*report.Report
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan row: %v", err)
		}
		r := &report.Report{}
		if err := json.Unmarshal([]byte(body), r); err != nil {
			klog.V(2).InfoS("Skipping unreadable archived report", "error", err, "run", runID)
			continue
		}
		reports = append(reports, r)
	}

	return reports, rows.Err()
}

// Cleanup removes reports archived more than retentionDays ago
func (a *SQLiteArchive) Cleanup(retentionDays int) (int64, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result, err := a.prepared["cleanup"].Exec(cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old reports: %v", err)
	}

	removed, _ := result.RowsAffected()
	klog.V(2).InfoS("Cleaned up archived reports", "removed", removed, "retentionDays", retentionDays)
	return removed, nil
}

// Close closes the database connection
func (a *SQLiteArchive) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for name, stmt := range a.prepared {
		if err := stmt.Close(); err != nil {
			klog.V(2).InfoS("Failed to close prepared statement", "name", name, "error", err)
		}
	}

	return a.db.Close()
}
