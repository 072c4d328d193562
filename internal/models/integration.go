package models

// IntegrationContext carries per-run state through the pipeline. ActivePath
// is set exactly once, when the source file is relocated into its versioned
// working location; everything downstream of relocation must use ActivePath.
type IntegrationContext struct {
	RecordID     string
	OriginalPath string
	ActivePath   string
	CollectionID string
	SizeBytes    int64
}

// IntegrationResult is the opaque success payload stored on the job.
type IntegrationResult struct {
	RecordID       string `json:"record_id"`
	ItemID         string `json:"item_id"`
	Handle         string `json:"handle"`
	Status         string `json:"status"` // "imported" or "linked_existing"
	CoverReference string `json:"cover_reference,omitempty"`
	ArchivedPath   string `json:"archived_path"`
}

// LinkedExisting reports whether the run attached to an item that was
// already present in the repository instead of creating a new one.
func (r IntegrationResult) LinkedExisting() bool {
	return r.Status == "linked_existing"
}

// Cover result statuses.
const (
	CoverSuccess       = "success"
	CoverSkipped       = "skipped"
	CoverWarning       = "warning"
	CoverError         = "error"
	CoverGeneratedOnly = "generated_only"
)

// CoverResult reports the outcome of one cover generation attempt.
type CoverResult struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	File   string `json:"file,omitempty"`
}
