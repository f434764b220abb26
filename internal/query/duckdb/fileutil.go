package duckdb

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/athenaq/athenaq/internal/storage"
)

// downloadObject copies a bound parquet object to localPath so DuckDB can
// read it with read_parquet.
func downloadObject(ctx context.Context, store storage.ObjectStore, key, localPath string) (int64, error) {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("get object %q: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	file, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("create local parquet file %q: %w", localPath, err)
	}
	written, err := io.Copy(file, reader)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return written, fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	return written, nil
}
