package export

import (
	"fmt"
	"io"
	"time"

	"github.com/civicworks/roadwatch/internal/model"
	"github.com/xuri/excelize/v2"
)

const sheetName = "Tickets"

var headers = []string{
	"Number", "Status", "Priority", "Requester", "Email", "Phone",
	"Subject", "Created At", "Closed At",
}

// TicketsWorkbook builds an XLSX workbook with one row per ticket.
func TicketsWorkbook(tickets []model.Ticket) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, err
	}

	for i, header := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheetName, cell, header); err != nil {
			return nil, err
		}
	}

	for row, t := range tickets {
		closedAt := ""
		if t.ClosedAt != nil {
			closedAt = t.ClosedAt.Format(time.RFC3339)
		}
		values := []interface{}{
			t.Number,
			string(t.Status),
			string(t.Priority),
			t.RequesterName,
			t.RequesterEmail,
			t.RequesterPhone,
			t.Subject,
			t.CreatedAt.Format(time.RFC3339),
			closedAt,
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return nil, err
			}
		}
	}

	return f, nil
}

// WriteTickets streams the workbook to w.
func WriteTickets(w io.Writer, tickets []model.Ticket) error {
	f, err := TicketsWorkbook(tickets)
	if err != nil {
		return fmt.Errorf("build workbook: %w", err)
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
