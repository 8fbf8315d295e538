package ereport

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/odyssey-erp/ereporting/internal/payload"
)

const errorSheet = "Errors"

var errorColumns = []string{"Transaction ID", "Name", "Reference", "Date", "Partner", "Reasons"}

// ExportErrorTransactions renders the isolated transactions of a flow as an
// XLSX workbook.
func (s *Service) ExportErrorTransactions(ctx context.Context, id int64) ([]byte, error) {
	rows, err := s.ErrorTransactions(ctx, id)
	if err != nil {
		return nil, err
	}
	return renderErrorWorkbook(rows)
}

func renderErrorWorkbook(rows []ErrorTransaction) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), errorSheet); err != nil {
		return nil, fmt.Errorf("ereport: export sheet: %w", err)
	}
	for i, title := range errorColumns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(errorSheet, cell, title); err != nil {
			return nil, err
		}
	}
	for r, row := range rows {
		values := []any{row.TransactionID, row.Name, row.Reference, payload.Date(row.Date), row.Partner, strings.Join(row.Reasons, "; ")}
		for c, v := range values {
			cell, err := excelize.CoordinatesToCellName(c+1, r+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(errorSheet, cell, v); err != nil {
				return nil, err
			}
		}
	}
	if err := f.SetColWidth(errorSheet, "B", "C", 24); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(errorSheet, "F", "F", 80); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("ereport: export write: %w", err)
	}
	return buf.Bytes(), nil
}
