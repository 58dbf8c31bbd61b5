package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// The three fire-and-forget triggers. Callers log delivery errors and leave
// the job row inspectable; already-persisted job records are never rolled
// back on webhook failure.

// ExportSummary accompanies the export-email payload.
type ExportSummary struct {
	TotalItems     int `json:"totalItems"`
	ConfirmedCount int `json:"confirmedCount"`
	RejectedCount  int `json:"rejectedCount"`
	ManualCount    int `json:"manualCount"`
	NoMatchCount   int `json:"noMatchCount"`
}

// TriggerRFPIngest hands an uploaded PDF to the extraction pipeline.
func TriggerRFPIngest(ctx context.Context, jobId int, userId int, filePath string, fileName string, pdf []byte) error {
	client := NewClient()
	return client.Post(ctx, os.Getenv("PIPELINE_RFP_WEBHOOK_URL"),
		map[string]string{
			"jobId":     fmt.Sprint(jobId),
			"userId":    fmt.Sprint(userId),
			"filePath":  filePath,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
		[]FilePart{{FieldName: "attachment_0", FileName: fileName, Content: pdf}},
	)
}

// TriggerInventoryIngest hands an uploaded CSV to the catalog import pipeline.
func TriggerInventoryIngest(ctx context.Context, jobId int, userId int, rowCount int, fileName string, csv []byte) error {
	client := NewClient()
	return client.Post(ctx, os.Getenv("PIPELINE_INVENTORY_WEBHOOK_URL"),
		map[string]string{
			"jobId":     fmt.Sprint(jobId),
			"userId":    fmt.Sprint(userId),
			"rowCount":  fmt.Sprint(rowCount),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
		[]FilePart{{FieldName: "attachment_0", FileName: fileName, Content: csv}},
	)
}

// TriggerExportEmail hands a rendered spreadsheet to the pipeline for mailing.
func TriggerExportEmail(ctx context.Context, jobId int, userId int, recipientEmail string, fileName string, rfpFileName string, summary ExportSummary, xlsx []byte) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	client := NewClient()
	return client.Post(ctx, os.Getenv("PIPELINE_EXPORT_WEBHOOK_URL"),
		map[string]string{
			"jobId":          fmt.Sprint(jobId),
			"userId":         fmt.Sprint(userId),
			"recipientEmail": recipientEmail,
			"fileName":       fileName,
			"rfpFileName":    rfpFileName,
			"summary":        string(summaryJSON),
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
		},
		[]FilePart{{FieldName: "file", FileName: fileName, Content: xlsx}},
	)
}
