package spreadsheet

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Extractor renders every sheet of a workbook as a markdown table.
type Extractor struct{}

func NewExtractor() *Extractor {
	return &Extractor{}
}

func (e *Extractor) Supports(mimeType string) bool {
	return mimeType == "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

func (e *Extractor) Extract(ctx context.Context, _ string, raw []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		if len(rows) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## " + sheet + "\n\n")
		b.WriteString("| " + strings.Join(rows[0], " | ") + " |\n")
		b.WriteString("|" + strings.Repeat(" --- |", len(rows[0])) + "\n")
		for _, row := range rows[1:] {
			b.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
	}
	return b.String(), nil
}
