package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/italolelis/blob_ingest/internal/logctx"
)

// DeleteExpiredFiles removes entries of dir (job scratch directories or stray files)
// last modified more than keepDuration before now. It returns how many were removed.
// Workers remove their scratch space themselves; this catches what a crashed or
// killed worker left behind.
func DeleteExpiredFiles(ctx context.Context, dir string, keepDuration time.Duration, now time.Time) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read scratch directory: %w", err)
	}

	removed := 0

	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}

		path := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("Failed to stat file", "file", path, "err", err)

			return removed, err
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			logger.Error("Failed to delete expired file", "file", path, "err", err)

			return removed, err
		}

		removed++

		logger.Info("Deleted expired file", "file", path)
	}

	return removed, nil
}

// Run calls DeleteExpiredFiles every interval until ctx is cancelled.
func Run(ctx context.Context, dir string, keepDuration, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scratch cleanup shutdown", "reason", "context_cancelled")

			return
		case now := <-ticker.C:
			if _, err := DeleteExpiredFiles(ctx, dir, keepDuration, now); err != nil {
				logger.Error("failed to clean scratch directory", "err", err)
			}
		}
	}
}
