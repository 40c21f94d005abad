// Package dataset reads backfill spreadsheets of call records and writes the
// per-row outcome report.
package dataset

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"crm-voice-sync/internal/types"
)

// Load reads the first sheet of an xlsx file. Columns are detected by header:
// the record id column mentions "record" or "id", the recording column
// mentions "recording", "audio" or "url". Rows without a record id are skipped.
func Load(path string) ([]types.BackfillRow, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, fmt.Errorf("no data rows")
	}

	idIdx, urlIdx := detectColumns(rows[0])
	if idIdx == -1 {
		return nil, fmt.Errorf("no record id column in header %v", rows[0])
	}

	var out []types.BackfillRow
	for i, r := range rows[1:] {
		row := types.BackfillRow{Row: i + 2}
		if idIdx < len(r) {
			row.RecordID = strings.TrimSpace(r[idIdx])
		}
		if urlIdx >= 0 && urlIdx < len(r) {
			row.RecordingURL = strings.TrimSpace(r[urlIdx])
		}
		if row.RecordID == "" {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func detectColumns(header []string) (idIdx, urlIdx int) {
	idIdx, urlIdx = -1, -1
	for i, h := range header {
		l := strings.ToLower(strings.TrimSpace(h))
		switch {
		case strings.Contains(l, "recording") || strings.Contains(l, "audio") || strings.Contains(l, "url") || strings.Contains(l, "link"):
			if urlIdx == -1 {
				urlIdx = i
			}
		case strings.Contains(l, "record") || strings.Contains(l, "call id") || strings.Contains(l, "callid") || l == "id":
			if idIdx == -1 {
				idIdx = i
			}
		}
	}
	return idIdx, urlIdx
}
