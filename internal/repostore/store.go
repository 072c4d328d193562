// Package repostore talks to the digital repository that receives archived
// items. The pipeline depends on the Store interface only.
package repostore

import (
	"context"
	"time"
)

// Item is a repository item reference.
type Item struct {
	ID     string // repository-internal identifier
	Handle string // durable public reference
}

// Store is the repository surface the integrator consumes.
type Store interface {
	// FindExistingItem returns the item already linked to the catalog
	// record, or nil when none exists.
	FindExistingItem(ctx context.Context, recordID string) (*Item, error)

	// CreateItem creates an item in the collection with mapped metadata.
	CreateItem(ctx context.Context, collectionID string, metadata map[string]any) (Item, error)

	// UploadFile attaches the file to the item's primary bundle.
	UploadFile(ctx context.Context, itemID, filePath string) error

	// UpdateMetadata replaces the item's descriptive metadata.
	UpdateMetadata(ctx context.Context, itemID string, metadata map[string]any) error

	// ItemLastModified reports when the repository last touched the item.
	ItemLastModified(ctx context.Context, itemID string) (time.Time, error)
}
