package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOrphanScan reports identities left incomplete by setup or provisioning.
	TaskOrphanScan = "identity:orphan_scan"
)

// OrphanScanPayload tunes an orphan scan run.
type OrphanScanPayload struct {
	// GraceMinutes skips identities younger than this, which may still be
	// mid-provisioning.
	GraceMinutes int `json:"grace_minutes"`
}

// NewOrphanScanTask constructs an Asynq task.
func NewOrphanScanTask(payload OrphanScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOrphanScan, data, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
