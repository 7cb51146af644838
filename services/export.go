package services

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"campus-assistant/internal/logger"
	"campus-assistant/models"

	"github.com/xuri/excelize/v2"
)

const (
	historySheet = "QA History"
	summarySheet = "Summary"
)

// ExportSummary aggregates an exported history range.
type ExportSummary struct {
	TotalRecords   int
	UniqueThreads  int
	UniqueStudents int
	ByIntent       map[string]int
	DateRange      string
}

// ExportService renders QA history as an xlsx workbook.
type ExportService struct {
	history *HistoryService
}

func NewExportService(history *HistoryService) *ExportService {
	return &ExportService{history: history}
}

// ExportHistory returns the workbook bytes for every record matching f.
func (es *ExportService) ExportHistory(ctx context.Context, f models.HistoryFilter) ([]byte, int, error) {
	records, err := es.history.All(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	data, err := BuildHistoryWorkbook(records, time.Now().UTC())
	if err != nil {
		return nil, 0, err
	}
	return data, len(records), nil
}

// Summarize computes the figures shown on the summary sheet.
func Summarize(records []models.QAHistory) ExportSummary {
	s := ExportSummary{TotalRecords: len(records), ByIntent: map[string]int{}}
	threads := map[string]struct{}{}
	students := map[string]struct{}{}
	var first, last time.Time

	for _, r := range records {
		threads[r.ThreadID] = struct{}{}
		if r.StudentID != "" {
			students[r.StudentID] = struct{}{}
		}
		s.ByIntent[r.Intent]++
		if first.IsZero() || r.Timestamp.Before(first) {
			first = r.Timestamp
		}
		if r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}
	s.UniqueThreads = len(threads)
	s.UniqueStudents = len(students)
	if !first.IsZero() {
		s.DateRange = first.Format("2006-01-02") + " to " + last.Format("2006-01-02")
	}
	return s
}

// BuildHistoryWorkbook writes records to a history sheet and a summary sheet.
func BuildHistoryWorkbook(records []models.QAHistory, exportedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			logger.Warn("Error closing Excel file", "error", err)
		}
	}()

	if err := f.SetSheetName("Sheet1", historySheet); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	headers := []string{"Timestamp", "Thread ID", "Student ID", "Intent", "Question", "Answer"}
	if err := f.SetSheetRow(historySheet, "A1", &headers); err != nil {
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}

	for i, r := range records {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []interface{}{
			r.Timestamp.Format("2006-01-02 15:04:05"),
			r.ThreadID,
			r.StudentID,
			r.Intent,
			r.Question,
			r.Answer,
		}
		if err := f.SetSheetRow(historySheet, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	for col, width := range map[string]float64{"A": 20, "B": 24, "C": 14, "D": 16, "E": 60, "F": 80} {
		f.SetColWidth(historySheet, col, col, width)
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, fmt.Errorf("failed to create summary sheet: %w", err)
	}
	sum := Summarize(records)
	summaryRows := [][]interface{}{
		{"Export Date", exportedAt.Format("2006-01-02 15:04:05")},
		{"Total Records", sum.TotalRecords},
		{"Unique Threads", sum.UniqueThreads},
		{"Unique Students", sum.UniqueStudents},
		{"Date Range", sum.DateRange},
		{},
		{"Intent", "Count"},
	}
	intents := make([]string, 0, len(sum.ByIntent))
	for name := range sum.ByIntent {
		intents = append(intents, name)
	}
	sort.Strings(intents)
	for _, name := range intents {
		summaryRows = append(summaryRows, []interface{}{name, sum.ByIntent[name]})
	}
	for i, row := range summaryRows {
		if len(row) == 0 {
			continue
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write summary: %w", err)
		}
	}
	f.SetColWidth(summarySheet, "A", "A", 20)
	f.SetColWidth(summarySheet, "B", "B", 24)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
