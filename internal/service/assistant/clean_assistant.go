package assistant

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"csvai/internal/logger"
)

const (
	DefaultTempFileTTL             = 24 * time.Hour
	DefaultTempFileCleanupInterval = time.Hour
)

// StartTempFileCleaner removes expired upload files every interval until ctx is done.
func (s *Service) StartTempFileCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTempFileCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ctx = logger.WithAction(ctx, "cleanup_uploads")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.CleanupExpiredUploads(ctx, time.Now().UTC()); err != nil {
				logger.Extract(ctx).Error("cleanup uploads failed", zap.Error(err))
			} else if n > 0 {
				logger.Extract(ctx).Info("expired uploads removed", zap.Int("count", n))
			}
		}
	}
}

// CleanupExpiredUploads deletes files of uploads that expired before now, and
// of uploads already marked removed, then drops their records.
func (s *Service) CleanupExpiredUploads(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stored_path FROM uploads
		WHERE expires_at <= ? OR status = 'removed'`, now)
	if err != nil {
		return 0, err
	}

	type fileRow struct {
		id   int64
		path string
	}
	var files []fileRow
	for rows.Next() {
		var fr fileRow
		if err := rows.Scan(&fr.id, &fr.path); err != nil {
			rows.Close()
			return 0, err
		}
		files = append(files, fr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	log := logger.Extract(ctx)
	removed := 0
	for _, f := range files {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			log.Warn("remove upload file failed", zap.String("path", f.path), zap.Error(err))
			continue
		}
		if err := s.deleteUploadRecord(ctx, f.id); err != nil {
			log.Warn("delete upload record failed", zap.Int64("upload_id", f.id), zap.Error(err))
			continue
		}
		removed++

		// prune empty directories
		_ = os.Remove(filepath.Dir(f.path))
	}
	return removed, nil
}

// RemoveFiles deletes stored upload files and their now-empty directories.
func RemoveFiles(ctx context.Context, paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Extract(ctx).Warn("remove upload file failed", zap.String("path", p), zap.Error(err))
			continue
		}
		_ = os.Remove(filepath.Dir(p))
	}
}

func (s *Service) deleteUploadRecord(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, id)
	return err
}
