package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/attendance.kiosk/internal/fsutil"
)

// JSONStore keeps every record in one JSON array on disk. Each append
// rewrites the array to a temporary file and renames it over the original,
// so a failed append leaves the previous contents intact.
type JSONStore struct {
	fs   fsutil.FileSystem
	path string
	loc  *time.Location
	mu   sync.Mutex
}

// NewJSONStore returns a store backed by path. The file is created on the
// first append; a missing file reads as empty.
func NewJSONStore(fsys fsutil.FileSystem, path string, loc *time.Location) (*JSONStore, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := fsys.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if loc == nil {
		loc = time.Local
	}
	return &JSONStore{fs: fsys, path: path, loc: loc}, nil
}

// Path returns the backing file.
func (s *JSONStore) Path() string { return s.path }

func (s *JSONStore) load() ([]Entry, error) {
	data, err := s.fs.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, s.path, err)
	}
	return entries, nil
}

// Append adds r to the end of the file.
func (s *JSONStore) Append(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	entries = append(entries, ToEntry(r, s.loc))

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := s.fs.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}

// QueryAll implements Store.
func (s *JSONStore) QueryAll(ctx context.Context) ([]Record, error) {
	return s.query(ctx, func(Entry) bool { return true })
}

// QueryByBadge implements Store.
func (s *JSONStore) QueryByBadge(ctx context.Context, badgeID string) ([]Record, error) {
	return s.query(ctx, func(e Entry) bool { return e.CardID == badgeID })
}

// QueryByDate implements DateQuerier.
func (s *JSONStore) QueryByDate(ctx context.Context, day string) ([]Record, error) {
	return s.query(ctx, func(e Entry) bool { return e.Tanggal == day })
}

// FindCheckin implements CheckinFinder. It matches on card_id and tanggal;
// when the rest of the entry does not decode, the identifying fields are
// returned on their own.
func (s *JSONStore) FindCheckin(ctx context.Context, badgeID, day string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	entries, err := s.load()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.CardID != badgeID || e.Tanggal != day {
			continue
		}
		r, err := FromEntry(e, s.loc)
		if err != nil {
			r = Record{ID: e.ID, BadgeID: e.CardID, Name: e.Nama, Department: e.Jurusan, Cohort: e.Angkatan, Status: e.Status, Date: e.Tanggal}
		}
		return &r, nil
	}
	return nil, nil
}

func (s *JSONStore) query(ctx context.Context, keep func(Entry) bool) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	entries, err := s.load()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, e := range entries {
		if !keep(e) {
			continue
		}
		r, err := FromEntry(e, s.loc)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
		}
		out = append(out, r)
	}
	return out, nil
}
