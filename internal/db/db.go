// Package db is the sqlite-backed attendance store. The schema is owned by the
// embedded migrations; NewDB brings a database up to date before use.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/attendance.kiosk/internal/attendance"
	"github.com/banshee-data/attendance.kiosk/internal/monitoring"
	"github.com/banshee-data/attendance.kiosk/internal/timeutil"
)

// DB wraps the sqlite handle. Location is the kiosk zone used to present
// check-in times and derive dates; nil means time.Local.
type DB struct {
	*sql.DB
	Location *time.Location
	path     string
}

var _ attendance.Store = (*DB)(nil)

// pragmas are applied to every pooled connection through the DSN.
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
}

func dsn(path string) string {
	s := "file:" + path
	for i, p := range pragmas {
		if i == 0 {
			s += "?"
		} else {
			s += "&"
		}
		s += "_pragma=" + p
	}
	return s
}

// OpenDB opens path without touching the schema. The migrate subcommand uses
// it so that an operator can inspect a database before upgrading it.
func OpenDB(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens path and applies every pending migration.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file.
func (db *DB) Path() string { return db.path }

func (db *DB) loc() *time.Location {
	if db.Location == nil {
		return time.Local
	}
	return db.Location
}

// Append inserts r in its own transaction. A record without an ID gets a
// fresh UUID; a record without a date is dated from its check-in time.
func (db *DB) Append(ctx context.Context, r attendance.Record) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Date == "" {
		r.Date = timeutil.DateKey(r.CheckinTime, db.loc())
	}
	detected, err := json.Marshal(nonNil(r.Detected))
	if err != nil {
		return err
	}
	missing, err := json.Marshal(nonNil(r.Missing))
	if err != nil {
		return err
	}
	scores := r.ConfidenceByClass
	if scores == nil {
		scores = map[string]float64{}
	}
	confidence, err := json.Marshal(scores)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attendance (
			record_id, card_id, name, department, cohort, checkin_unix_nanos,
			status, detected_json, missing_json, confidence_json,
			created_unix_nanos, checkin_date
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.BadgeID, r.Name, r.Department, r.Cohort, r.CheckinTime.UnixNano(),
		string(r.Status), string(detected), string(missing), string(confidence),
		r.CreatedAt.UnixNano(), r.Date,
	)
	if err != nil {
		return fmt.Errorf("insert attendance for card %s: %w", r.BadgeID, err)
	}
	return tx.Commit()
}

const selectColumns = `
	SELECT record_id, card_id, name, department, cohort, checkin_unix_nanos,
		status, detected_json, missing_json, confidence_json,
		created_unix_nanos, checkin_date
	FROM attendance`

// QueryAll implements attendance.Store.
func (db *DB) QueryAll(ctx context.Context) ([]attendance.Record, error) {
	return db.query(ctx, selectColumns+` ORDER BY seq`)
}

// QueryByBadge implements attendance.Store.
func (db *DB) QueryByBadge(ctx context.Context, badgeID string) ([]attendance.Record, error) {
	return db.query(ctx, selectColumns+` WHERE card_id = ? ORDER BY seq`, badgeID)
}

// QueryByDate implements attendance.DateQuerier.
func (db *DB) QueryByDate(ctx context.Context, day string) ([]attendance.Record, error) {
	return db.query(ctx, selectColumns+` WHERE checkin_date = ? ORDER BY seq`, day)
}

// FindCheckin implements attendance.CheckinFinder. The JSON columns are not
// read, so a row with a damaged attribute list still blocks a second tap.
func (db *DB) FindCheckin(ctx context.Context, badgeID, day string) (*attendance.Record, error) {
	var (
		r       attendance.Record
		status  string
		checkin int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT record_id, card_id, name, department, cohort, checkin_unix_nanos, status, checkin_date
		FROM attendance
		WHERE card_id = ? AND checkin_date = ?
		ORDER BY seq
		LIMIT 1`, badgeID, day).
		Scan(&r.ID, &r.BadgeID, &r.Name, &r.Department, &r.Cohort, &checkin, &status, &r.Date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Status = attendance.Status(status)
	r.CheckinTime = time.Unix(0, checkin).In(db.loc())
	return &r, nil
}

func (db *DB) query(ctx context.Context, q string, args ...any) ([]attendance.Record, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	loc := db.loc()
	var out []attendance.Record
	for rows.Next() {
		var (
			r                              attendance.Record
			status                         string
			checkin, created               int64
			detected, missing, confidences string
		)
		if err := rows.Scan(&r.ID, &r.BadgeID, &r.Name, &r.Department, &r.Cohort, &checkin,
			&status, &detected, &missing, &confidences, &created, &r.Date); err != nil {
			return nil, err
		}
		r.Status = attendance.Status(status)
		r.CheckinTime = time.Unix(0, checkin).In(loc)
		r.CreatedAt = time.Unix(0, created).In(loc)
		if err := json.Unmarshal([]byte(detected), &r.Detected); err != nil {
			return nil, fmt.Errorf("%w: record %s detected: %v", attendance.ErrStoreCorrupt, r.ID, err)
		}
		if err := json.Unmarshal([]byte(missing), &r.Missing); err != nil {
			return nil, fmt.Errorf("%w: record %s missing: %v", attendance.ErrStoreCorrupt, r.ID, err)
		}
		if err := json.Unmarshal([]byte(confidences), &r.ConfidenceByClass); err != nil {
			return nil, fmt.Errorf("%w: record %s confidence: %v", attendance.ErrStoreCorrupt, r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of stored records.
func (db *DB) Count(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance`).Scan(&n)
	return n, err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// AttachAdminRoutes mounts a tailsql console and a backup download on the
// tsweb debug mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Attendance DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the attendance database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("attendance-backup-%d.db", time.Now().UnixNano()))
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			monitoring.Logf("failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		monitoring.Logf("failed to stream backup: %v", err)
	}
}
