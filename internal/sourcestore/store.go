// Package sourcestore talks to the bibliographic catalog that owns the
// records and files being archived. The pipeline only depends on the Store
// interface; the HTTP client lives alongside it.
package sourcestore

import (
	"context"
	"errors"
)

// Integration status values written back into the catalog record.
const (
	StatusProcessing = "processing"
	StatusImported   = "imported"
	StatusError      = "error"
)

// ErrRecordNotFound is returned when the catalog has no such record.
var ErrRecordNotFound = errors.New("record not found in catalog")

// ErrNoControlBlock is returned when the record lacks the structured
// integration block the pipeline requires.
var ErrNoControlBlock = errors.New("record has no integration control field")

// StructuredMetadata is the integration control block of a record.
type StructuredMetadata struct {
	FilePath         string // relative to the shared mount
	CollectionID     string // target repository collection
	Status           string // last recorded integration status
	ExistingTargetID string // repository item id from a previous run, if any
}

// Store is the catalog surface the integrator consumes.
type Store interface {
	// GetStructuredMetadata reads the control block of a record.
	// ErrRecordNotFound and ErrNoControlBlock distinguish the two
	// validation failures.
	GetStructuredMetadata(ctx context.Context, recordID string) (StructuredMetadata, error)

	// GetRawRecord returns the record as MARCXML bytes.
	GetRawRecord(ctx context.Context, recordID string) ([]byte, error)

	// SetStatus rewrites the control block status and message.
	SetStatus(ctx context.Context, recordID, status, message string) error

	// SetSuccess marks the record imported and writes the durable
	// repository reference, item id, and optional cover reference.
	SetSuccess(ctx context.Context, recordID, finalReference, targetID, coverReference string) error

	// CoverExists reports whether the catalog already holds cover art
	// for the record.
	CoverExists(ctx context.Context, recordID string) (bool, error)

	// UploadCover publishes a generated cover image to the catalog.
	UploadCover(ctx context.Context, recordID, filePath string) error

	// CoverReference resolves the public URL of the record's cover, or
	// "" while the catalog's indexing still lags the upload.
	CoverReference(ctx context.Context, recordID string) (string, error)
}
