package pipeline

import (
	"fmt"
	"io"

	"github.com/getpup/migration-orchestrator"
	"github.com/xuri/excelize/v2"
)

const reportSheet = "Jobs"

var reportHeader = []string{
	"Job ID", "Job Type", "Object Type", "Object Name", "Status",
	"Extraction", "Conversion", "Execution", "Data Migration",
	"Rows Total", "Rows Succeeded", "Rows Failed", "Error",
}

// WriteReport writes view as an XLSX workbook with one row per child job.
func WriteReport(w io.Writer, view orchestrator.StatusView) error {
	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()

	index, err := f.NewSheet(reportSheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("delete default sheet: %w", err)
	}

	for i, h := range reportHeader {
		if err := setCell(f, i+1, 1, h); err != nil {
			return err
		}
	}

	for i, child := range view.Children {
		row := i + 2
		values := []any{
			child.JobID,
			string(child.Kind),
			string(child.ObjectType),
			child.ObjectName,
			string(child.Status),
			string(child.Stages.Extraction),
			string(child.Stages.Conversion),
			string(child.Stages.Execution),
			string(child.Stages.DataMigration),
			child.Counters.TotalUnits,
			child.Counters.SucceededUnits,
			child.Counters.FailedUnits,
			child.Error,
		}
		for col, v := range values {
			if err := setCell(f, col+1, row, v); err != nil {
				return err
			}
		}
	}

	_ = f.SetColWidth(reportSheet, "A", "A", 38)
	_ = f.SetColWidth(reportSheet, "B", "D", 20)
	_ = f.SetColWidth(reportSheet, "M", "M", 80)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func setCell(f *excelize.File, col, row int, v any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(reportSheet, cell, v)
}
