package dataset

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"crm-voice-sync/internal/aggregator"
	"crm-voice-sync/internal/types"
)

const (
	reportSheet  = "Results"
	summarySheet = "Summary"
)

var reportHeader = []any{"Row", "Record ID", "Recording URL", "HTTP Status", "Request ID", "Duration (ms)", "Error Code", "Stage", "Transcript", "Error"}

// WriteReport saves one line per backfill result plus a summary sheet to an
// xlsx file at path.
func WriteReport(path string, results []types.BackfillResult) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", reportSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(reportSheet, "A1", &reportHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, res := range results {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{
			res.Row,
			res.RecordID,
			res.RecordingURL,
			res.Status,
			res.RequestID,
			res.Duration.Milliseconds(),
			res.Code,
			res.Stage,
			res.Transcript,
			res.Error,
		}
		if err := f.SetSheetRow(reportSheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", res.Row, err)
		}
	}
	if err := f.SetPanes(reportSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}
	if err := writeSummary(f, aggregator.Aggregate(results)); err != nil {
		return err
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, ins aggregator.Insight) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("add summary sheet: %w", err)
	}
	lines := [][]any{
		{"Total", ins.Total},
		{"Succeeded", ins.Succeeded},
		{"Failed", ins.Failed},
		{"Failure rate", ins.FailureRate},
		{"Mean duration (ms)", ins.MeanDuration.Milliseconds()},
		{},
		{"Error code", "Count"},
	}
	for _, code := range ins.TopCodes() {
		lines = append(lines, []any{code, ins.ByCode[code]})
	}
	for i, line := range lines {
		if len(line) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &line); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	return nil
}
