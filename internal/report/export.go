package report

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/harrylevesque/qrattend/internal/history"
	"github.com/harrylevesque/qrattend/internal/models"
)

// ExportHistory writes attendance history, one row per course and date.
func ExportHistory(groups []models.HistoryGroup, path string) error {
	rows := [][]any{{"Course", "Date"}}
	for _, g := range groups {
		for _, a := range g.Attendances {
			rows = append(rows, []any{g.CourseCode, a.Date})
		}
	}
	return writeSheet(path, "Attendance History", rows)
}

// ExportLedger writes this device's check-in attempts. Tokens appear hashed.
func ExportLedger(checkIns []history.CheckIn, path string) error {
	rows := [][]any{{"Time", "Outcome", "Message", "Token hash"}}
	for _, c := range checkIns {
		rows = append(rows, []any{c.At.Local().Format("2006-01-02 15:04:05"), string(c.Outcome), c.Message, c.TokenHash})
	}
	return writeSheet(path, "Check-ins", rows)
}

func writeSheet(path, sheet string, rows [][]any) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		last, _ := excelize.CoordinatesToCellName(len(rows[0]), 1)
		_ = f.SetCellStyle(sheet, "A1", last, bold)
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
