package attendance

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"attendance_go/models"
	"attendance_go/utils"

	"github.com/xuri/excelize/v2"
)

// CSVContentType is the MIME type of CSV exports.
const CSVContentType = "text/csv"

// XLSXContentType is the MIME type of spreadsheet exports.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ReportFileName is the download name of a report export for a range.
func ReportFileName(start, end string) string {
	return fmt.Sprintf("attendance_report_%s_to_%s.csv", start, end)
}

// ExportFileName is the download name of other exports, e.g. attendance_2024-06-01.csv.
func ExportFileName(kind string, day time.Time) string {
	return fmt.Sprintf("%s_%s.csv", kind, day.Format(models.DateLayout))
}

// ExportCSV writes one header row and one row per record. Every value is
// wrapped in double quotes verbatim; no other escaping is applied.
func ExportCSV(w io.Writer, records []models.AttendanceRecord) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(quoteRow(utils.AttendanceRowHeader)); err != nil {
		return err
	}
	for _, r := range records {
		if _, err := bw.WriteString(quoteRow(utils.ToAttendanceRow(r).Values())); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func quoteRow(values []string) string {
	var sb strings.Builder
	for i, v := range values {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('"')
		sb.WriteString(v)
		sb.WriteByte('"')
	}
	sb.WriteByte('\n')
	return sb.String()
}

// ExportXLSX renders the report and the flat records as a workbook with
// Summary, Daily, Clusters, Programs and Records sheets. Rates are rounded to
// one decimal here, at presentation time.
func ExportXLSX(report Report, records []models.AttendanceRecord) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", "Summary"); err != nil {
		return nil, err
	}
	summary := [][]interface{}{
		{"Start date", report.Filter.StartDate},
		{"End date", report.Filter.EndDate},
		{"Total", report.OverallStats.Total},
		{"Present", report.OverallStats.Present},
		{"Absent", report.OverallStats.Absent},
		{"Rate (%)", RoundRate(report.OverallStats.Rate)},
	}
	if err := writeRows(f, "Summary", summary); err != nil {
		return nil, err
	}

	daily := [][]interface{}{{"Date", "Present", "Absent", "Total", "Rate (%)"}}
	for _, d := range report.DailyStats {
		daily = append(daily, []interface{}{d.Date, d.Present, d.Absent, d.Total, RoundRate(d.Rate)})
	}
	if err := writeSheet(f, "Daily", daily); err != nil {
		return nil, err
	}

	if err := writeSheet(f, "Clusters", groupRows(report.ClusterStats)); err != nil {
		return nil, err
	}
	if err := writeSheet(f, "Programs", groupRows(report.ProgramStats)); err != nil {
		return nil, err
	}

	rows := make([][]interface{}, 0, len(records)+1)
	rows = append(rows, toInterfaces(utils.AttendanceRowHeader))
	for _, r := range records {
		rows = append(rows, toInterfaces(utils.ToAttendanceRow(r).Values()))
	}
	if err := writeSheet(f, "Records", rows); err != nil {
		return nil, err
	}

	return f.WriteToBuffer()
}

func groupRows(stats []GroupStat) [][]interface{} {
	rows := [][]interface{}{{"ID", "Name", "Present", "Absent", "Total", "Rate (%)"}}
	for _, g := range stats {
		rows = append(rows, []interface{}{g.ID, g.Name, g.Present, g.Absent, g.Total, RoundRate(g.Rate)})
	}
	return rows
}

func writeSheet(f *excelize.File, sheet string, rows [][]interface{}) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	return writeRows(f, sheet, rows)
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		row := row
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
