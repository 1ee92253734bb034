package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBackpayBulkProcess drives one bulk processing batch.
	TaskBackpayBulkProcess = "backpay:bulk_process"
	// TaskRetropayScan runs the scheduled retropay detection scan.
	TaskRetropayScan = "retropay:scan"
)

// BackpayBulkProcessPayload identifies the batch to process.
type BackpayBulkProcessPayload struct {
	BatchID string `json:"batch_id"`
}

// RetropayScanPayload configures a scheduled retropay scan.
type RetropayScanPayload struct {
	AutoCreate bool `json:"auto_create"`
}

// NewBackpayBulkProcessTask constructs an Asynq task for a batch.
func NewBackpayBulkProcessTask(payload BackpayBulkProcessPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBackpayBulkProcess, data), nil
}

// NewRetropayScanTask constructs an Asynq task for the retropay scan.
func NewRetropayScanTask(payload RetropayScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRetropayScan, data), nil
}
