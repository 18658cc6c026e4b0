package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agentmonitor/agentmonitor/internal/domain"
)

type ImportStateRepo struct {
	store *Store
}

func (r *ImportStateRepo) Get(ctx context.Context, filePath string) (*domain.ImportState, error) {
	var st domain.ImportState
	err := r.store.db.QueryRowContext(ctx,
		`SELECT file_path, source, content_hash, file_size, record_count, imported_at
		 FROM import_state WHERE file_path = ?`, filePath,
	).Scan(&st.FilePath, &st.Source, &st.ContentHash, &st.FileSize, &st.RecordCount, &st.ImportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("importStateRepo.Get: %w", err)
	}
	return &st, nil
}

func (r *ImportStateRepo) Put(ctx context.Context, st *domain.ImportState) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_state (file_path, source, content_hash, file_size, record_count, imported_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(file_path) DO UPDATE SET
		   source = excluded.source,
		   content_hash = excluded.content_hash,
		   file_size = excluded.file_size,
		   record_count = excluded.record_count,
		   imported_at = datetime('now')`,
		st.FilePath, st.Source, st.ContentHash, st.FileSize, st.RecordCount,
	)
	if err != nil {
		return fmt.Errorf("importStateRepo.Put: %w", err)
	}
	return nil
}
