package domain

import "strings"

// Check percent bounds accepted on a work item.
const (
	MinCheckPercent = 1
	MaxCheckPercent = 10
)

// WorkItem is one unit of replay work: a single compressed audit-log object.
// It is produced by the upstream discovery workflow and never mutated here.
type WorkItem struct {
	TaskID            string `json:"task_id"`
	ClusterIdentifier string `json:"cluster_identifier"`
	TargetEndpoint    string `json:"validate_cluster_endpoint,omitempty"`
	Bucket            string `json:"s3_bucket"`
	ObjectKey         string `json:"s3_object_key"`
	CheckPercent      int    `json:"check_percent"`
	Rerun             bool   `json:"rerun"`
}

// Validate checks that the work item is well-formed.
func (w *WorkItem) Validate() error {
	if strings.TrimSpace(w.TaskID) == "" {
		return ErrValidation("task_id is required")
	}
	if w.Bucket == "" {
		return ErrValidation("s3_bucket is required")
	}
	if w.ObjectKey == "" {
		return ErrValidation("s3_object_key is required")
	}
	if w.CheckPercent < MinCheckPercent || w.CheckPercent > MaxCheckPercent {
		return ErrValidation("check_percent must be between %d and %d, got %d",
			MinCheckPercent, MaxCheckPercent, w.CheckPercent)
	}
	if w.Rerun && strings.TrimSpace(w.TargetEndpoint) == "" {
		return ErrValidation("validate_cluster_endpoint is required when rerun is set")
	}
	return nil
}

// ReportKey returns the object key of the task's error report.
func (w *WorkItem) ReportKey() string {
	return "report/" + w.TaskID + "_" + w.ClusterIdentifier + "/error.csv"
}
