package attendance

import (
	"context"
	"fmt"
	"math"
	"sort"

	"attendance_go/models"
)

// ReportFilter selects the records a report covers. Zero ids mean "all".
type ReportFilter struct {
	StartDate string `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"endDate" validate:"required,datetime=2006-01-02"`
	ClusterID uint   `json:"clusterId"`
	ProgramID uint   `json:"programId"`
}

func (f ReportFilter) cacheKey() string {
	return fmt.Sprintf("%s%s:%s:%d:%d", cachePrefixReport, f.StartDate, f.EndDate, f.ClusterID, f.ProgramID)
}

func (f ReportFilter) matches(r models.AttendanceRecord) bool {
	if f.StartDate != "" && r.AttendanceDate < f.StartDate {
		return false
	}
	if f.EndDate != "" && r.AttendanceDate > f.EndDate {
		return false
	}
	if f.ClusterID != 0 && r.ClusterID != f.ClusterID {
		return false
	}
	if f.ProgramID != 0 && r.ProgramID != f.ProgramID {
		return false
	}
	return true
}

// OverallStats summarises every record in range.
type OverallStats struct {
	Total   int     `json:"total"`
	Present int     `json:"present"`
	Absent  int     `json:"absent"`
	Rate    float64 `json:"rate"`
}

// DailyStat is one point of the attendance time series.
type DailyStat struct {
	Date    string  `json:"date"`
	Present int     `json:"present"`
	Absent  int     `json:"absent"`
	Total   int     `json:"total"`
	Rate    float64 `json:"rate"`
}

// GroupStat is a per-cluster or per-program breakdown row.
type GroupStat struct {
	ID      uint    `json:"id"`
	Name    string  `json:"name"`
	Present int     `json:"present"`
	Absent  int     `json:"absent"`
	Total   int     `json:"total"`
	Rate    float64 `json:"rate"`
}

// Report is the aggregated view of a date range. Rates are unrounded
// percentages; use RoundRate when presenting them.
type Report struct {
	Filter       ReportFilter `json:"filter"`
	OverallStats OverallStats `json:"overallStats"`
	DailyStats   []DailyStat  `json:"dailyStats"`
	ClusterStats []GroupStat  `json:"clusterStats"`
	ProgramStats []GroupStat  `json:"programStats"`
}

// Rate returns present/total as a percentage, 0 when total is 0.
func Rate(present, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(present) / float64(total) * 100
}

// RoundRate rounds a percentage to one decimal place for display.
func RoundRate(rate float64) float64 {
	return math.Round(rate*10) / 10
}

type tally struct {
	name    string
	present int
	absent  int
	total   int
}

func (t *tally) add(code string) {
	t.total++
	switch code {
	case models.StatusCodePresent:
		t.present++
	case models.StatusCodeAbsent:
		t.absent++
	}
}

// Aggregate computes a report over records. Records outside the filter are
// ignored. Status meaning is resolved by code: the preloaded Status relation
// first, then the statuses list by id.
func Aggregate(records []models.AttendanceRecord, filter ReportFilter, statuses []models.AttendanceStatusType) Report {
	codes := make(map[uint]string, len(statuses))
	for _, st := range statuses {
		codes[st.ID] = st.Code
	}
	codeOf := func(r models.AttendanceRecord) string {
		if r.Status.Code != "" {
			return r.Status.Code
		}
		return codes[r.StatusID]
	}

	var overall tally
	days := map[string]*tally{}
	clusters := map[uint]*tally{}
	programs := map[uint]*tally{}

	for _, r := range records {
		if !filter.matches(r) {
			continue
		}
		code := codeOf(r)
		overall.add(code)

		if days[r.AttendanceDate] == nil {
			days[r.AttendanceDate] = &tally{}
		}
		days[r.AttendanceDate].add(code)

		if clusters[r.ClusterID] == nil {
			clusters[r.ClusterID] = &tally{name: r.Cluster.Name}
		}
		clusters[r.ClusterID].add(code)

		if programs[r.ProgramID] == nil {
			programs[r.ProgramID] = &tally{name: r.Program.Name}
		}
		programs[r.ProgramID].add(code)
	}

	report := Report{
		Filter: filter,
		OverallStats: OverallStats{
			Total:   overall.total,
			Present: overall.present,
			Absent:  overall.absent,
			Rate:    Rate(overall.present, overall.total),
		},
		DailyStats:   make([]DailyStat, 0, len(days)),
		ClusterStats: groupStats(clusters),
		ProgramStats: groupStats(programs),
	}

	for date, t := range days {
		report.DailyStats = append(report.DailyStats, DailyStat{
			Date:    date,
			Present: t.present,
			Absent:  t.absent,
			Total:   t.total,
			Rate:    Rate(t.present, t.total),
		})
	}
	// YYYY-MM-DD sorts chronologically as a string
	sort.Slice(report.DailyStats, func(i, j int) bool {
		return report.DailyStats[i].Date < report.DailyStats[j].Date
	})

	return report
}

func groupStats(groups map[uint]*tally) []GroupStat {
	out := make([]GroupStat, 0, len(groups))
	for id, t := range groups {
		out = append(out, GroupStat{
			ID:      id,
			Name:    t.name,
			Present: t.present,
			Absent:  t.absent,
			Total:   t.total,
			Rate:    Rate(t.present, t.total),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReportAggregator fetches persisted records for a range and aggregates them.
// It has no write path.
type ReportAggregator struct {
	store RecordStore
	dir   Directory
}

func NewReportAggregator(store RecordStore, dir Directory) *ReportAggregator {
	return &ReportAggregator{store: store, dir: dir}
}

// Fetch returns the flat record list for a filter.
func (a *ReportAggregator) Fetch(ctx context.Context, filter ReportFilter) ([]models.AttendanceRecord, error) {
	records, err := a.store.FindRecords(ctx, RecordQuery{
		ClusterID: filter.ClusterID,
		ProgramID: filter.ProgramID,
		FromDate:  filter.StartDate,
		ToDate:    filter.EndDate,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch attendance for report: %w", err)
	}
	return records, nil
}

// Generate fetches and aggregates in one call.
func (a *ReportAggregator) Generate(ctx context.Context, filter ReportFilter) (Report, []models.AttendanceRecord, error) {
	records, err := a.Fetch(ctx, filter)
	if err != nil {
		return Report{}, nil, err
	}
	statuses, err := a.dir.StatusTypes(ctx, false)
	if err != nil {
		return Report{}, nil, fmt.Errorf("load status types: %w", err)
	}
	return Aggregate(records, filter, statuses), records, nil
}
