package domain

import "time"

// WeighingBatch records one imported weighing file so re-imports are skipped.
type WeighingBatch struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	BatchRef    string    `json:"batch_ref"`
	FileHash    string    `json:"file_hash"`
	RecordCount int       `json:"record_count"`
	IngestedAt  time.Time `json:"ingested_at"`
}
