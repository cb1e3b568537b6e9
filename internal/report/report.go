// Package report derives the dashboard views from attendance records: the
// latest check-in per badge for a day and the daily recap.
package report

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/attendance.kiosk/internal/attendance"
)

// All matches any department or cohort.
const All = "all"

// Filter selects the rows of one day.
type Filter struct {
	Date       string // YYYY-MM-DD
	Department string
	Cohort     string
}

func matches(want, got string) bool {
	return want == "" || want == All || want == got
}

// Row is one student's latest check-in of the day.
type Row struct {
	BadgeID           string             `json:"card_id"`
	Name              string             `json:"nama"`
	Department        string             `json:"jurusan"`
	Cohort            string             `json:"angkatan"`
	CheckinTime       time.Time          `json:"waktu_presensi"`
	Status            attendance.Status  `json:"status"`
	Detected          []string           `json:"atribut_terdeteksi"`
	Missing           []string           `json:"atribut_tidak_terdeteksi"`
	ConfidenceByClass map[string]float64 `json:"confidence_scores"`

	Complete    bool `json:"complete"`
	OnTime      bool `json:"on_time"`
	LateMinutes int  `json:"late_minutes,omitempty"`
}

// Builder turns records into rows. Required lists the attributes a complete
// row must have detected; the cutoff is the last on-time local clock time.
type Builder struct {
	Required     []string
	CutoffHour   int
	CutoffMinute int
	Location     *time.Location
}

func (b *Builder) loc() *time.Location {
	if b.Location == nil {
		return time.Local
	}
	return b.Location
}

// Rows returns the latest record per badge dated f.Date that passes the
// department and cohort filters, most recent check-in first. A badge's
// latest record is picked before filtering.
func (b *Builder) Rows(records []attendance.Record, f Filter) []Row {
	latest := map[string]attendance.Record{}
	for _, r := range records {
		if r.Date != f.Date {
			continue
		}
		if prev, ok := latest[r.BadgeID]; !ok || r.CreatedAt.After(prev.CreatedAt) {
			latest[r.BadgeID] = r
		}
	}

	rows := make([]Row, 0, len(latest))
	for _, r := range latest {
		if !matches(f.Department, r.Department) || !matches(f.Cohort, r.Cohort) {
			continue
		}
		rows = append(rows, b.row(r))
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CheckinTime.Equal(rows[j].CheckinTime) {
			return rows[i].CheckinTime.After(rows[j].CheckinTime)
		}
		return rows[i].BadgeID < rows[j].BadgeID
	})
	return rows
}

func (b *Builder) row(r attendance.Record) Row {
	local := r.CheckinTime.In(b.loc())
	cutoff := time.Date(local.Year(), local.Month(), local.Day(), b.CutoffHour, b.CutoffMinute, 0, 0, b.loc())
	row := Row{
		BadgeID:           r.BadgeID,
		Name:              r.Name,
		Department:        r.Department,
		Cohort:            r.Cohort,
		CheckinTime:       local,
		Status:            r.Status,
		Detected:          r.Detected,
		Missing:           r.Missing,
		ConfidenceByClass: r.ConfidenceByClass,
		Complete:          b.complete(r.Detected),
		OnTime:            !local.After(cutoff),
	}
	if !row.OnTime {
		row.LateMinutes = int(local.Sub(cutoff) / time.Minute)
	}
	return row
}

func (b *Builder) complete(detected []string) bool {
	have := make(map[string]bool, len(detected))
	for _, c := range detected {
		have[c] = true
	}
	for _, c := range b.Required {
		if !have[c] {
			return false
		}
	}
	return true
}

// GroupStats counts one department.
type GroupStats struct {
	Total      int `json:"total"`
	Complete   int `json:"complete"`
	Incomplete int `json:"incomplete"`
}

// Recap summarises a day's rows.
type Recap struct {
	Date       string `json:"date"`
	Total      int    `json:"total"`
	OnTime     int    `json:"on_time"`
	Late       int    `json:"late"`
	Complete   int    `json:"complete"`
	Incomplete int    `json:"incomplete"`

	OnTimePercent   int `json:"on_time_percent"`
	LatePercent     int `json:"late_percent"`
	CompletePercent int `json:"complete_percent"`

	ByDepartment map[string]GroupStats `json:"by_department"`
	// DetectionRate is the fraction of rows that detected each required
	// class; MeanConfidence averages the best confidence over those rows.
	DetectionRate  map[string]float64 `json:"detection_rate"`
	MeanConfidence map[string]float64 `json:"mean_confidence"`
}

func percent(n, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(n) / float64(total) * 100))
}

// Summarize builds the recap of rows for date.
func (b *Builder) Summarize(date string, rows []Row) Recap {
	rc := Recap{
		Date:           date,
		Total:          len(rows),
		ByDepartment:   map[string]GroupStats{},
		DetectionRate:  map[string]float64{},
		MeanConfidence: map[string]float64{},
	}
	confs := map[string][]float64{}
	for _, r := range rows {
		if r.OnTime {
			rc.OnTime++
		} else {
			rc.Late++
		}
		g := rc.ByDepartment[r.Department]
		g.Total++
		if r.Complete {
			rc.Complete++
			g.Complete++
		} else {
			rc.Incomplete++
			g.Incomplete++
		}
		rc.ByDepartment[r.Department] = g
		for _, c := range b.Required {
			if conf, ok := r.ConfidenceByClass[c]; ok {
				confs[c] = append(confs[c], conf)
			}
		}
	}
	rc.OnTimePercent = percent(rc.OnTime, rc.Total)
	rc.LatePercent = percent(rc.Late, rc.Total)
	rc.CompletePercent = percent(rc.Complete, rc.Total)

	for _, c := range b.Required {
		if rc.Total > 0 {
			rc.DetectionRate[c] = float64(len(confs[c])) / float64(rc.Total)
		}
		if len(confs[c]) > 0 {
			rc.MeanConfidence[c] = stat.Mean(confs[c], nil)
		}
	}
	return rc
}
