package curriculum

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-review/internal/review"
)

// manualCardNamespace derives stable ids for imported cards, so importing
// the same sheet twice updates cards instead of duplicating them.
var manualCardNamespace = uuid.MustParse("5b0f3c1e-8f0a-4b8e-9d3c-6a2f51e7c4d9")

// ImportConfig describes the sheet layout of a manual card import.
type ImportConfig struct {
	SheetName      string // sheet to read; first sheet when empty
	QuestionColumn string // column letter holding the question
	AnswerColumn   string // column letter holding the answer
	StartRow       int    // first data row, 1-based
	Language       string
}

// DefaultImportConfig reads questions from A and answers from B, skipping a
// header row.
func DefaultImportConfig(language string) ImportConfig {
	return ImportConfig{
		QuestionColumn: "A",
		AnswerColumn:   "B",
		StartRow:       2,
		Language:       language,
	}
}

// ImportResult holds the cards read from a sheet and the rows that were
// rejected.
type ImportResult struct {
	Units   []review.ContentUnit
	Skipped int
	Errors  []string
}

// ImportSheet reads manually authored cards for scopeID from an XLSX
// workbook. Blank rows are skipped; rows with a question but no answer are
// reported in Errors.
func ImportSheet(r io.Reader, scopeID string, cfg ImportConfig) (*ImportResult, error) {
	lang, err := review.NormalizeLanguage(cfg.Language)
	if err != nil {
		return nil, err
	}
	qCol, err := columnIndex(cfg.QuestionColumn)
	if err != nil {
		return nil, err
	}
	aCol, err := columnIndex(cfg.AnswerColumn)
	if err != nil {
		return nil, err
	}
	if cfg.StartRow < 1 {
		cfg.StartRow = 1
	}

	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheet := cfg.SheetName
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("workbook has no sheets")
		}
		sheet = sheets[0]
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}

	res := &ImportResult{}
	seen := make(map[string]bool)
	for i, row := range rows {
		rowNum := i + 1
		if rowNum < cfg.StartRow {
			continue
		}
		question := cell(row, qCol)
		answer := cell(row, aCol)
		switch {
		case question == "" && answer == "":
			res.Skipped++
			continue
		case question == "" || answer == "":
			res.Errors = append(res.Errors, fmt.Sprintf("row %d: question and answer are both required", rowNum))
			continue
		}

		id := uuid.NewSHA1(manualCardNamespace, []byte(scopeID+"\x00"+question)).String()
		if seen[id] {
			res.Errors = append(res.Errors, fmt.Sprintf("row %d: duplicate question", rowNum))
			continue
		}
		seen[id] = true

		res.Units = append(res.Units, review.ContentUnit{
			ID:                 id,
			Language:           lang,
			Question:           question,
			Answer:             answer,
			SourceScope:        scopeID,
			IsManuallyAuthored: true,
		})
	}
	return res, nil
}

func columnIndex(col string) (int, error) {
	n, err := excelize.ColumnNameToNumber(strings.TrimSpace(col))
	if err != nil {
		return 0, fmt.Errorf("invalid column %q: %w", col, err)
	}
	return n - 1, nil
}

func cell(row []string, idx int) string {
	if idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
