package matches

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"
)

const (
	matchesSheet  = "Matches"
	criteriaSheet = "Criteria"
)

// XLSX renders the report as a workbook with a summary sheet and a
// per-criterion breakdown.
func (rep Report) XLSX() ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", matchesSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(criteriaSheet); err != nil {
		return nil, err
	}

	headers := []string{"Lender", "Status", "Score", "Category", "Summary", "Strengths", "Weaknesses", "Recommendations", "Error"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(matchesSheet, cell, h)
	}

	for i, row := range rep.Rows {
		r := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(matchesSheet, cell, v)
		}
		write(1, row.LenderName)
		write(2, string(row.Status))
		if row.Score != nil {
			write(3, *row.Score)
		}
		write(4, row.Category())
		write(5, stringField(row.Analysis, "summary"))
		write(6, joinList(row.Analysis, "strengths"))
		write(7, joinList(row.Analysis, "weaknesses"))
		write(8, joinList(row.Analysis, "recommendations"))
		if row.ErrorMessage != nil {
			write(9, *row.ErrorMessage)
		}
	}

	_ = f.SetColWidth(matchesSheet, "A", "A", 28)
	_ = f.SetColWidth(matchesSheet, "B", "D", 12)
	_ = f.SetColWidth(matchesSheet, "E", "H", 48)
	_ = f.SetColWidth(matchesSheet, "I", "I", 40)

	writeCriteria(f, rep.Rows)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func writeCriteria(f *excelize.File, rows []Row) {
	keys := map[string]struct{}{}
	for _, row := range rows {
		for k := range criteria(row) {
			keys[k] = struct{}{}
		}
	}
	columns := make([]string, 0, len(keys))
	for k := range keys {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	cell, _ := excelize.CoordinatesToCellName(1, 1)
	_ = f.SetCellValue(criteriaSheet, cell, "Lender")
	for i, k := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+2, 1)
		_ = f.SetCellValue(criteriaSheet, cell, k)
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		_ = f.SetCellValue(criteriaSheet, cell, row.LenderName)
		scores := criteria(row)
		for j, k := range columns {
			if v, ok := scores[k]; ok {
				cell, _ := excelize.CoordinatesToCellName(j+2, i+2)
				_ = f.SetCellValue(criteriaSheet, cell, v)
			}
		}
	}
	_ = f.SetColWidth(criteriaSheet, "A", "A", 28)
}

func criteria(row Row) map[string]any {
	if m, ok := row.Analysis["criteria_scores"].(map[string]any); ok {
		return m
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func joinList(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, "\n")
	case []string:
		return strings.Join(v, "\n")
	case string:
		return v
	}
	return ""
}
