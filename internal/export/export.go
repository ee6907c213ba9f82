package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"slotsync/internal/models"
	"slotsync/internal/queue"
)

// Exporter writes audit spreadsheets of actions that need operator
// attention: dead-lettered and conflicted mutations.
type Exporter struct {
	queue  *queue.Manager
	path   string
	logger zerolog.Logger
}

func NewExporter(q *queue.Manager, path string, logger zerolog.Logger) *Exporter {
	return &Exporter{
		queue:  q,
		path:   path,
		logger: logger.With().Str("component", "export").Logger(),
	}
}

// AuditReport dumps failed and conflicted actions to an xlsx file and
// returns its path.
func (e *Exporter) AuditReport(ctx context.Context) (string, error) {
	if err := os.MkdirAll(e.path, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %v", err)
	}

	actions, err := e.queue.List(ctx, models.ActionStatusFailed, models.ActionStatusConflict)
	if err != nil {
		return "", fmt.Errorf("error listing actions: %v", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Audit"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %v", err)
	}
	f.SetActiveSheet(index)

	headers := []string{
		"ID", "Kind", "Resource", "Status", "Attempts",
		"Last Error", "Idempotency Key", "Created", "Processed",
	}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, header)
		_ = f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	for i := range actions {
		a := &actions[i]
		row := i + 2
		processed := ""
		if a.ProcessedAt != nil {
			processed = a.ProcessedAt.Format("02.01.2006 15:04")
		}
		lastError := ""
		if a.LastError != nil {
			lastError = *a.LastError
		}
		_ = f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), a.ID)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("B%d", row), string(a.Kind))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("C%d", row), a.Resource)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("D%d", row), string(a.Status))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("E%d", row), a.AttemptCount)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("F%d", row), lastError)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("G%d", row), a.IdempotencyKey)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("H%d", row), a.CreatedAt.Format("02.01.2006 15:04"))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("I%d", row), processed)

		styleID, err := e.rowStyle(f, a.Status)
		if err == nil {
			start, _ := excelize.CoordinatesToCellName(1, row)
			end, _ := excelize.CoordinatesToCellName(len(headers), row)
			_ = f.SetCellStyle(sheetName, start, end, styleID)
		}
	}

	_ = f.SetColWidth(sheetName, "A", "A", 8)
	_ = f.SetColWidth(sheetName, "B", "D", 18)
	_ = f.SetColWidth(sheetName, "E", "E", 10)
	_ = f.SetColWidth(sheetName, "F", "G", 40)
	_ = f.SetColWidth(sheetName, "H", "I", 18)

	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("audit_%s.xlsx", time.Now().Format("2006-01-02_15-04-05"))
	filePath := filepath.Join(e.path, fileName)

	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %v", err)
	}

	e.logger.Info().Str("file_path", filePath).Int("actions", len(actions)).Msg("audit report created")
	return filePath, nil
}

func (e *Exporter) rowStyle(f *excelize.File, status models.ActionStatus) (int, error) {
	color := "#FFEB9C" // failed
	if status == models.ActionStatusConflict {
		color = "#FFC7CE"
	}
	return f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{color}, Pattern: 1},
		Alignment: &excelize.Alignment{Vertical: "top", WrapText: true},
	})
}
