package curriculum_test

import (
	"bytes"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-review/internal/curriculum"
)

func buildWorkbook(t *testing.T, rows [][]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	for i, row := range rows {
		cellName, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow("Sheet1", cellName, &row); err != nil {
			t.Fatalf("SetSheetRow() error = %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer() error = %v", err)
	}
	return buf
}

func TestImportSheet(t *testing.T) {
	buf := buildWorkbook(t, [][]any{
		{"Question", "Answer"},
		{"Apakah pemboleh ubah?", "Huruf yang mewakili nombor"},
		{"", ""},
		{"Selesaikan x + 2 = 5", "x = 3"},
		{"Soalan tanpa jawapan", ""},
		{"Apakah pemboleh ubah?", "duplicate"},
	})

	res, err := curriculum.ImportSheet(buf, "kssm-f1", curriculum.DefaultImportConfig("MS"))
	if err != nil {
		t.Fatalf("ImportSheet() error = %v", err)
	}
	if len(res.Units) != 2 {
		t.Fatalf("Units = %d, want 2", len(res.Units))
	}
	if res.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", res.Skipped)
	}
	if len(res.Errors) != 2 {
		t.Errorf("Errors = %v, want 2 (missing answer, duplicate)", res.Errors)
	}

	for _, u := range res.Units {
		if !u.IsManuallyAuthored || u.Language != "ms" || u.SourceScope != "kssm-f1" || u.ID == "" {
			t.Errorf("unit = %+v, want a manual ms unit in kssm-f1", u)
		}
	}
}

func TestImportSheet_StableIDs(t *testing.T) {
	rows := [][]any{{"q", "a"}, {"Solve x + 2 = 5", "x = 3"}}

	first, err := curriculum.ImportSheet(buildWorkbook(t, rows), "deck", curriculum.DefaultImportConfig("en"))
	if err != nil {
		t.Fatalf("ImportSheet() error = %v", err)
	}
	second, err := curriculum.ImportSheet(buildWorkbook(t, rows), "deck", curriculum.DefaultImportConfig("en"))
	if err != nil {
		t.Fatalf("ImportSheet() error = %v", err)
	}
	if first.Units[0].ID != second.Units[0].ID {
		t.Errorf("ids differ across imports: %s vs %s", first.Units[0].ID, second.Units[0].ID)
	}

	other, _ := curriculum.ImportSheet(buildWorkbook(t, rows), "other-deck", curriculum.DefaultImportConfig("en"))
	if other.Units[0].ID == first.Units[0].ID {
		t.Error("the same question in another scope should get its own id")
	}
}

func TestImportSheet_Errors(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		cfg  curriculum.ImportConfig
	}{
		{"not a workbook", []byte("question,answer\n"), curriculum.DefaultImportConfig("en")},
		{"bad language", nil, curriculum.DefaultImportConfig("")},
		{"bad column", nil, curriculum.ImportConfig{QuestionColumn: "1", AnswerColumn: "B", Language: "en"}},
		{"missing sheet", nil, curriculum.ImportConfig{SheetName: "Cards", QuestionColumn: "A", AnswerColumn: "B", Language: "en"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body
			if body == nil {
				body = buildWorkbook(t, [][]any{{"q", "a"}}).Bytes()
			}
			if _, err := curriculum.ImportSheet(bytes.NewReader(body), "deck", tt.cfg); err == nil {
				t.Error("ImportSheet() should fail")
			}
		})
	}
}
