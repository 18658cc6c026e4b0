package domain

import "context"

// ImportState records what the historical importer has already consumed
// from one source file, keyed by path. The content hash detects files
// that were rewritten in place.
type ImportState struct {
	FilePath    string `json:"file_path"`
	Source      string `json:"source"`
	ContentHash string `json:"content_hash"`
	FileSize    int64  `json:"file_size"`
	RecordCount int64  `json:"record_count"`
	ImportedAt  string `json:"imported_at"`
}

type ImportStateRepository interface {
	// Get returns the recorded state for a file, or ErrNotFound.
	Get(ctx context.Context, filePath string) (*ImportState, error)
	// Put inserts or replaces the state for a file.
	Put(ctx context.Context, st *ImportState) error
}
