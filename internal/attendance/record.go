// Package attendance holds attendance records, the stores that persist them,
// and the once-per-day check-in gate.
package attendance

import (
	"fmt"
	"time"

	"github.com/banshee-data/attendance.kiosk/internal/timeutil"
)

// Status is the outcome of a check-in.
type Status string

const (
	StatusPass Status = "BERHASIL"
	StatusFail Status = "GAGAL"
)

// StatusFor maps a verdict's success flag to a Status.
func StatusFor(success bool) Status {
	if success {
		return StatusPass
	}
	return StatusFail
}

// Record is one persisted check-in. Records are appended and never updated.
type Record struct {
	ID                string
	BadgeID           string
	Name              string
	Department        string
	Cohort            string
	CheckinTime       time.Time
	Status            Status
	Detected          []string
	Missing           []string
	ConfidenceByClass map[string]float64
	CreatedAt         time.Time
	// Date is the kiosk-local calendar date of CheckinTime, YYYY-MM-DD.
	Date string
}

// Entry is the persisted layout of a Record, shared by the JSON file and the
// report API.
type Entry struct {
	ID                     string             `json:"id,omitempty"`
	CardID                 string             `json:"card_id"`
	Nama                   string             `json:"nama"`
	Jurusan                string             `json:"jurusan"`
	Angkatan               string             `json:"angkatan"`
	WaktuPresensi          string             `json:"waktu_presensi"`
	Status                 Status             `json:"status"`
	AtributTerdeteksi      []string           `json:"atribut_terdeteksi"`
	AtributTidakTerdeteksi []string           `json:"atribut_tidak_terdeteksi"`
	ConfidenceScores       map[string]float64 `json:"confidence_scores"`
	Timestamp              string             `json:"timestamp"`
	Tanggal                string             `json:"tanggal"`
}

// CheckinLayout is the layout of waktu_presensi.
const CheckinLayout = "2006-01-02 15:04:05"

// ToEntry converts r to its persisted layout, formatting local times in loc.
func ToEntry(r Record, loc *time.Location) Entry {
	if loc == nil {
		loc = time.Local
	}
	e := Entry{
		ID:                     r.ID,
		CardID:                 r.BadgeID,
		Nama:                   r.Name,
		Jurusan:                r.Department,
		Angkatan:               r.Cohort,
		WaktuPresensi:          r.CheckinTime.In(loc).Format(CheckinLayout),
		Status:                 r.Status,
		AtributTerdeteksi:      nonNil(r.Detected),
		AtributTidakTerdeteksi: nonNil(r.Missing),
		ConfidenceScores:       r.ConfidenceByClass,
		Timestamp:              r.CreatedAt.In(loc).Format(time.RFC3339Nano),
		Tanggal:                r.Date,
	}
	if e.ConfidenceScores == nil {
		e.ConfidenceScores = map[string]float64{}
	}
	if e.Tanggal == "" {
		e.Tanggal = timeutil.DateKey(r.CheckinTime, loc)
	}
	return e
}

// FromEntry parses a persisted entry. waktu_presensi carries no zone and is
// read in loc.
func FromEntry(e Entry, loc *time.Location) (Record, error) {
	if loc == nil {
		loc = time.Local
	}
	r := Record{
		ID:                e.ID,
		BadgeID:           e.CardID,
		Name:              e.Nama,
		Department:        e.Jurusan,
		Cohort:            e.Angkatan,
		Status:            e.Status,
		Detected:          e.AtributTerdeteksi,
		Missing:           e.AtributTidakTerdeteksi,
		ConfidenceByClass: e.ConfidenceScores,
		Date:              e.Tanggal,
	}
	var err error
	if e.WaktuPresensi != "" {
		if r.CheckinTime, err = time.ParseInLocation(CheckinLayout, e.WaktuPresensi, loc); err != nil {
			return Record{}, fmt.Errorf("card %s: bad waktu_presensi: %w", e.CardID, err)
		}
	}
	if e.Timestamp != "" {
		if r.CreatedAt, err = parseTimestamp(e.Timestamp, loc); err != nil {
			return Record{}, fmt.Errorf("card %s: bad timestamp: %w", e.CardID, err)
		}
	}
	return r, nil
}

// parseTimestamp accepts RFC 3339 and the zone-less ISO form older kiosks wrote.
func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05.999999999", s, loc)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
