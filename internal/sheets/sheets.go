// Package sheets writes finished transcripts back into a case-tracking
// workbook.
package sheets

import (
	"fmt"
	"strings"
	"sync"

	"callscribe/pkg/logger"
	"github.com/xuri/excelize/v2"
)

// Result is the record written back for one finished job.
type Result struct {
	CaseID     string
	Transcript string
	Provider   string
	Score      float64
}

// RowStore persists transcription results keyed by case ID.
type RowStore interface {
	WriteResult(result Result) error
}

// ExcelStore writes results into an .xlsx workbook. A row is matched by the
// case-ID column; the transcript, provider and score land in their
// configured columns.
type ExcelStore struct {
	path             string
	sheet            string
	caseColumn       string
	transcriptColumn string
	providerColumn   string
	scoreColumn      string
	logger           *logger.Logger

	mu sync.Mutex // serialize open-modify-save cycles
}

// Config maps workbook layout to the store.
type Config struct {
	Path             string
	Sheet            string
	CaseColumn       string
	TranscriptColumn string
	ProviderColumn   string
	ScoreColumn      string
}

// NewExcelStore creates a workbook-backed row store.
func NewExcelStore(cfg Config, log *logger.Logger) *ExcelStore {
	sheet := cfg.Sheet
	if sheet == "" {
		sheet = "Sheet1"
	}
	return &ExcelStore{
		path:             cfg.Path,
		sheet:            sheet,
		caseColumn:       cfg.CaseColumn,
		transcriptColumn: cfg.TranscriptColumn,
		providerColumn:   cfg.ProviderColumn,
		scoreColumn:      cfg.ScoreColumn,
		logger:           log.Named("sheets"),
	}
}

// WriteResult finds the row whose case column matches result.CaseID and
// writes the transcript, provider and score cells, then saves the workbook.
func (s *ExcelStore) WriteResult(result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	row, err := s.findRow(f, result.CaseID)
	if err != nil {
		return err
	}

	cells := map[string]any{
		s.transcriptColumn: result.Transcript,
		s.providerColumn:   result.Provider,
		s.scoreColumn:      result.Score,
	}
	for col, value := range cells {
		if col == "" {
			continue
		}
		cell := fmt.Sprintf("%s%d", col, row)
		if err := f.SetCellValue(s.sheet, cell, value); err != nil {
			return fmt.Errorf("set cell %s: %w", cell, err)
		}
	}

	if err := f.Save(); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}

	s.logger.Info("Wrote result to workbook",
		logger.String("case_id", result.CaseID),
		logger.Int("row", row))
	return nil
}

// findRow scans the case column for a matching ID. Row 1 is assumed to be
// the header.
func (s *ExcelStore) findRow(f *excelize.File, caseID string) (int, error) {
	rows, err := f.GetRows(s.sheet)
	if err != nil {
		return 0, fmt.Errorf("read rows: %w", err)
	}

	colIdx, err := excelize.ColumnNameToNumber(s.caseColumn)
	if err != nil {
		return 0, fmt.Errorf("bad case column %q: %w", s.caseColumn, err)
	}
	colIdx-- // to zero-based

	for i, r := range rows {
		if i == 0 {
			continue
		}
		if colIdx < len(r) && strings.TrimSpace(r[colIdx]) == caseID {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("case %q not found in column %s", caseID, s.caseColumn)
}
