// Package export renders payment history as spreadsheet files.
package export

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/tbourn/go-tuition-backend/internal/domain"
)

// ContentTypeXLSX is the MIME type of the files written by PaymentRecordsXLSX.
const ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// SheetName is the worksheet holding the records.
const SheetName = "Payments"

var headers = []string{
	"Paid at", "Tracking ID", "Transaction ID", "Subject",
	"Amount", "Currency", "Payer", "Payer email", "Payee", "Payee email",
}

// PaymentRecordsXLSX writes recs as a single-sheet workbook to w, one row per
// record after a bold header row. Amounts are numeric cells.
func PaymentRecordsXLSX(w io.Writer, recs []domain.PaymentRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return err
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return err
		}
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	if err := f.SetCellStyle(SheetName, "A1", last, bold); err != nil {
		return err
	}

	for i, r := range recs {
		row := i + 2
		amount, _ := r.Amount.Float64()
		vals := []any{
			r.PaidAt.UTC().Format("2006-01-02 15:04:05"),
			r.TrackingID,
			r.TransactionID,
			r.Subject,
			amount,
			r.Currency,
			r.PayerName,
			r.PayerEmail,
			r.PayeeName,
			r.PayeeEmail,
		}
		if err := f.SetSheetRow(SheetName, fmt.Sprintf("A%d", row), &vals); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(SheetName, "A", "J", 20); err != nil {
		return err
	}
	return f.Write(w)
}
