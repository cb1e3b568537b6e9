// Package api serves the attendance dashboard endpoints, kiosk status and
// the live screen.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/attendance.kiosk/internal/attendance"
	"github.com/banshee-data/attendance.kiosk/internal/config"
	"github.com/banshee-data/attendance.kiosk/internal/httputil"
	"github.com/banshee-data/attendance.kiosk/internal/kiosk"
	"github.com/banshee-data/attendance.kiosk/internal/report"
	"github.com/banshee-data/attendance.kiosk/internal/serialmux"
	"github.com/banshee-data/attendance.kiosk/internal/timeutil"
	"github.com/banshee-data/attendance.kiosk/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// StatusSource reports the session loop's state.
type StatusSource interface {
	State() kiosk.State
	Sessions() int
	History() []kiosk.SessionOutcome
}

type Server struct {
	Log    logs.Log
	Clock  timeutil.Clock
	Config *config.Watcher
	Store  attendance.Store
	Status StatusSource
	// Screen serves the latest kiosk frame; optional.
	Screen http.Handler
	// Serial is the badge bridge; optional.
	Serial serialmux.SerialMuxInterface
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(log logs.Log, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Debugf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/attendance", s.listAttendance)
	mux.HandleFunc("/api/recap", s.showRecap)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/command", s.sendCommandHandler)
	mux.HandleFunc("/charts/recap", s.recapChart)
	if s.Screen != nil {
		mux.Handle("/screen.png", s.Screen)
	}
	return mux
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.Serial == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no badge bridge attached")
		return
	}
	command := r.FormValue("command")
	if command == "" {
		httputil.BadRequest(w, "missing 'command'")
		return
	}
	if err := s.Serial.SendCommand(command); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to send command: %v", err))
		return
	}
	io.WriteString(w, "Command sent successfully")
}

func (s *Server) builder() *report.Builder {
	cfg := s.Config.Current()
	h, m := cfg.GetOnTimeCutoff()
	return &report.Builder{
		Required:     cfg.GetRequiredObjects(),
		CutoffHour:   h,
		CutoffMinute: m,
		Location:     cfg.GetLocation(),
	}
}

// filter reads date, department and cohort from the query. date defaults to
// today in the kiosk's zone.
func (s *Server) filter(r *http.Request) (report.Filter, error) {
	q := r.URL.Query()
	f := report.Filter{
		Date:       q.Get("date"),
		Department: q.Get("department"),
		Cohort:     q.Get("cohort"),
	}
	if f.Date == "" {
		f.Date = timeutil.Today(s.Clock, s.Config.Current().GetLocation())
		return f, nil
	}
	if _, err := time.Parse("2006-01-02", f.Date); err != nil {
		return f, fmt.Errorf("invalid 'date' parameter %q", f.Date)
	}
	return f, nil
}

// records reads one day from stores that can select by date, and everything
// from the rest; the report filter drops other days either way.
func (s *Server) records(ctx context.Context, day string) ([]attendance.Record, error) {
	if dq, ok := s.Store.(attendance.DateQuerier); ok {
		return dq.QueryByDate(ctx, day)
	}
	return s.Store.QueryAll(ctx)
}

func (s *Server) rows(w http.ResponseWriter, r *http.Request) (*report.Builder, report.Filter, []report.Row, bool) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return nil, report.Filter{}, nil, false
	}
	f, err := s.filter(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return nil, f, nil, false
	}
	records, err := s.records(r.Context(), f.Date)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to read attendance: %v", err))
		return nil, f, nil, false
	}
	b := s.builder()
	return b, f, b.Rows(records, f), true
}

func (s *Server) listAttendance(w http.ResponseWriter, r *http.Request) {
	_, f, rows, ok := s.rows(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"date":  f.Date,
		"count": len(rows),
		"rows":  rows,
	})
}

func (s *Server) showRecap(w http.ResponseWriter, r *http.Request) {
	b, f, rows, ok := s.rows(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, b.Summarize(f.Date, rows))
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	status := map[string]interface{}{
		"version": version.Version,
		"git_sha": version.GitSHA,
		"now":     s.Clock.Now(),
	}
	if s.Status != nil {
		status["state"] = s.Status.State()
		status["sessions"] = s.Status.Sessions()
		status["recent"] = s.Status.History()
	}
	httputil.WriteJSONOK(w, status)
}

// recapChart renders complete and incomplete check-ins per department.
func (s *Server) recapChart(w http.ResponseWriter, r *http.Request) {
	b, f, rows, ok := s.rows(w, r)
	if !ok {
		return
	}
	rc := b.Summarize(f.Date, rows)

	depts := make([]string, 0, len(rc.ByDepartment))
	for d := range rc.ByDepartment {
		depts = append(depts, d)
	}
	sort.Strings(depts)
	complete := make([]opts.BarData, 0, len(depts))
	incomplete := make([]opts.BarData, 0, len(depts))
	for _, d := range depts {
		complete = append(complete, opts.BarData{Value: rc.ByDepartment[d].Complete})
		incomplete = append(incomplete, opts.BarData{Value: rc.ByDepartment[d].Incomplete})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Rekap Presensi", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Rekap Presensi " + f.Date,
			Subtitle: fmt.Sprintf("total=%d tepat waktu=%d terlambat=%d", rc.Total, rc.OnTime, rc.Late),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	stacked := charts.WithBarChartOpts(opts.BarChart{Stack: "attr"})
	label := charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "inside"})
	bar.SetXAxis(depts).
		AddSeries("Atribut Lengkap", complete, stacked, label).
		AddSeries("Atribut Kurang", incomplete, stacked, label)

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
