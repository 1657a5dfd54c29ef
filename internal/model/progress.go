package model

import "time"

// ProgressStatus is the status of one dialog download.
type ProgressStatus string

const (
	ProgressDownloading ProgressStatus = "downloading"
	ProgressCompleted   ProgressStatus = "completed"
	ProgressFailed      ProgressStatus = "failed"
)

// ProgressInfo tracks the download progress of one dialog.
type ProgressInfo struct {
	DialogID    int64
	DialogTitle string
	Current     int64
	Total       int64
	Status      ProgressStatus
	Error       string
	StartedAt   time.Time
	UpdatedAt   time.Time
}
