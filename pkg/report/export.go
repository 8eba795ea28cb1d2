package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// Content types of exported documents.
const (
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	ContentTypeJSON = "application/json"
)

// Sheet names of the ranking workbook.
const (
	SheetSummary    = "Summary"
	SheetCandidates = "Ranked Candidates"
	SheetAnalysis   = "Analysis"
)

// Document is an exported result ready to be stored.
type Document struct {
	Name        string
	ContentType string
	Body        []byte
}

// Export renders a result payload. Rankings and candidate analyses become
// xlsx workbooks; anything else is written as indented JSON.
//
// base names the document without extension.
func Export(base string, v any) (*Document, error) {
	switch r := v.(type) {
	case *Ranking:
		body, err := RankingWorkbook(r, time.Now())
		if err != nil {
			return nil, err
		}
		return &Document{Name: base + ".xlsx", ContentType: ContentTypeXLSX, Body: body}, nil
	case *CandidateAnalysis:
		body, err := AnalysisWorkbook(r)
		if err != nil {
			return nil, err
		}
		return &Document{Name: base + ".xlsx", ContentType: ContentTypeXLSX, Body: body}, nil
	default:
		body, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		return &Document{Name: base + ".json", ContentType: ContentTypeJSON, Body: append(body, '\n')}, nil
	}
}

// RankingWorkbook builds a two-sheet workbook: a summary with the score
// distribution and the ranked candidate table.
func RankingWorkbook(r *Ranking, generated time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(SheetCandidates); err != nil {
		return nil, err
	}

	header, err := headerStyle(f)
	if err != nil {
		return nil, err
	}
	if err := writeSummarySheet(f, header, r, generated); err != nil {
		return nil, fmt.Errorf("summary sheet: %w", err)
	}
	if err := writeCandidatesSheet(f, header, r); err != nil {
		return nil, fmt.Errorf("candidates sheet: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// AnalysisWorkbook builds a single-sheet workbook for a candidate analysis.
func AnalysisWorkbook(a *CandidateAnalysis) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", SheetAnalysis); err != nil {
		return nil, err
	}
	header, err := headerStyle(f)
	if err != nil {
		return nil, err
	}
	if err := f.SetColWidth(SheetAnalysis, "A", "A", 22); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(SheetAnalysis, "B", "B", 80); err != nil {
		return nil, err
	}

	rows := [][]any{
		{"CV Analysis"},
		{},
		{"Candidate", a.CandidateName},
		{"Target role", a.TargetRole},
		{"Overall score", a.OverallScore},
		{"Report code", a.ReportCode},
		{"Summary", a.Summary},
		{"Strengths", strings.Join(a.Strengths, "\n")},
		{"Improvements", strings.Join(a.Improvements, "\n")},
		{"Recommendations", strings.Join(a.Recommendations, "\n")},
	}
	if err := writeRows(f, SheetAnalysis, 1, rows); err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(SheetAnalysis, "A1", "B1", header); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func headerStyle(f *excelize.File) (int, error) {
	return f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "left", Vertical: "center"},
	})
}

func writeSummarySheet(f *excelize.File, header int, r *Ranking, generated time.Time) error {
	if err := f.SetColWidth(SheetSummary, "A", "A", 25); err != nil {
		return err
	}
	if err := f.SetColWidth(SheetSummary, "B", "B", 50); err != nil {
		return err
	}

	st := r.Stats()
	rows := [][]any{
		{"CV Ranking Report"},
		{},
		{"Job title", r.JobTitle},
		{"Generated", generated.Format("2006-01-02 15:04:05")},
		{"Candidates scored", st.Count},
		{},
		{"Statistics"},
		{"Excellent (90-100)", st.Bands["excellent"]},
		{"Good (70-89)", st.Bands["good"]},
		{"Fair (50-69)", st.Bands["fair"]},
		{"Poor (<50)", st.Bands["poor"]},
		{"Average score", fmt.Sprintf("%.2f", st.Average)},
		{"Highest score", st.Highest},
		{"Lowest score", st.Lowest},
	}
	if len(r.Errors) > 0 {
		rows = append(rows, []any{}, []any{"Skipped files", strings.Join(r.Errors, "\n")})
	}
	if err := writeRows(f, SheetSummary, 1, rows); err != nil {
		return err
	}
	if err := f.SetCellStyle(SheetSummary, "A1", "B1", header); err != nil {
		return err
	}
	return f.SetCellStyle(SheetSummary, "A7", "B7", header)
}

func writeCandidatesSheet(f *excelize.File, header int, r *Ranking) error {
	columns := []any{"Rank", "Name", "File", "Total", "Experience", "Education", "Duties", "Cover letter", "Band", "Summary"}
	widths := []float64{8, 28, 28, 10, 12, 12, 10, 14, 12, 60}
	for i, w := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(SheetCandidates, col, col, w); err != nil {
			return err
		}
	}

	rows := [][]any{columns}
	for _, c := range r.Candidates {
		rows = append(rows, []any{
			c.Rank,
			c.Name,
			c.Filename,
			c.Scores.TotalScore,
			c.Scores.ExperienceScore,
			c.Scores.EducationScore,
			c.Scores.DutiesScore,
			c.Scores.CoverLetterScore,
			c.Scores.Band(),
			c.Summary,
		})
	}
	if err := writeRows(f, SheetCandidates, 1, rows); err != nil {
		return err
	}

	last, err := excelize.CoordinatesToCellName(len(columns), 1)
	if err != nil {
		return err
	}
	return f.SetCellStyle(SheetCandidates, "A1", last, header)
}

func writeRows(f *excelize.File, sheet string, startRow int, rows [][]any) error {
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, startRow+i)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}
