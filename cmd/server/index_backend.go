package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"img2brick.ai/internal/persistence/indexdb"
	"img2brick.ai/internal/tuning"
)

// openRuntimeIndex returns nil when indexing is disabled. The index never
// affects grid state.
func openRuntimeIndex(dataDir string, disableDB bool, tune tuning.Tuning) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("QUILT_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(dataDir, "index", "quilt.sqlite"), indexdb.Options{
			QueueSize:     tune.Index.QueueSize,
			CommitEvery:   tune.Index.BatchSize,
			CommitMaxWait: tune.IndexFlushEvery(),
		})
	default:
		return nil, fmt.Errorf("unsupported QUILT_INDEX_BACKEND: %s", backend)
	}
}
