package http

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/xuri/excelize/v2"

	"cmms-automation/internal/automation/application"
)

// FailedFiringLister reads failed firings for a time range.
type FailedFiringLister interface {
	ListBetween(ctx context.Context, from, to time.Time) ([]application.FailedFiring, error)
}

// ExportHandler serves an xlsx report of failed firings so maintenance
// planners can follow up on actions that never reached the work order system.
type ExportHandler struct {
	lister FailedFiringLister
	logger *log.Logger
}

// NewExportHandler constructs an export handler.
func NewExportHandler(lister FailedFiringLister, logger *log.Logger) (*ExportHandler, error) {
	if lister == nil {
		return nil, errors.New("export handler: nil lister")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ExportHandler{lister: lister, logger: logger}, nil
}

// ServeHTTP handles GET /api/v1/exports/failed-firings.xlsx?from=...&to=...
// with RFC3339 bounds. A missing range defaults to the last 7 days.
func (h *ExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	from, to, err := parseRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	items, err := h.lister.ListBetween(r.Context(), from, to)
	if err != nil {
		h.logger.Printf("export handler: list error: %v", err)
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "FailedFirings"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"Automation", "Trigger", "Asset", "Action", "Value", "Fired At", "Failed At", "Attempts", "Reason", "Idempotency Key"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, header)
	}
	for row, item := range items {
		values := []any{
			item.AutomationID,
			item.TriggerID,
			item.AssetID,
			string(item.ActionType),
			item.Value,
			item.FiredAt.UTC().Format(time.RFC3339),
			item.FailedAt.UTC().Format(time.RFC3339),
			item.Attempts,
			item.Reason,
			item.IdempotencyKey,
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			_ = f.SetCellValue(sheet, cell, value)
		}
	}

	filename := fmt.Sprintf("failed-firings-%s-%s.xlsx", from.Format("20060102"), to.Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if err := f.Write(w); err != nil {
		h.logger.Printf("export handler: write error: %v", err)
	}
}

func parseRange(fromRaw, toRaw string) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	from := to.Add(-7 * 24 * time.Hour)
	if toRaw != "" {
		parsed, err := time.Parse(time.RFC3339, toRaw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("unparseable to")
		}
		to = parsed.UTC()
	}
	if fromRaw != "" {
		parsed, err := time.Parse(time.RFC3339, fromRaw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("unparseable from")
		}
		from = parsed.UTC()
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}
