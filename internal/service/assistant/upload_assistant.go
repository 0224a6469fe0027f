package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"csvai/internal/models"
)

// RecordUpload stores an upload as the active file of its session. Earlier
// active uploads of the session are marked removed and their stored paths
// returned for deletion.
func (s *Service) RecordUpload(ctx context.Context, up *models.Upload, ttl time.Duration) (replaced []string, err error) {
	if up == nil || up.SessionID <= 0 {
		return nil, errors.New("session_id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTempFileTTL
	}
	now := time.Now().UTC()
	up.CreatedAt = now
	up.ExpiresAt = now.Add(ttl)
	up.Status = models.UploadActive

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `SELECT stored_path FROM uploads WHERE session_id = ? AND status = ?`,
		up.SessionID, models.UploadActive)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	for rows.Next() {
		var p string
		if err = rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		replaced = append(replaced, p)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE uploads SET status = ? WHERE session_id = ? AND status = ?`,
		models.UploadRemoved, up.SessionID, models.UploadActive); err != nil {
		return nil, fmt.Errorf("retire uploads: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO uploads (session_id, file_name, stored_path, mime_type, size, encoding, rows_count, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		up.SessionID, up.FileName, up.StoredPath, up.MimeType, up.Size, up.Encoding, up.Rows, up.Status, up.CreatedAt, up.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("record upload: %w", err)
	}
	if up.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("upload id: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE sessions SET file_name = ?, updated_at = ? WHERE id = ?`,
		up.FileName, now, up.SessionID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upload: %w", err)
	}
	return replaced, nil
}

// ActiveUpload returns the file currently loaded into the session.
func (s *Service) ActiveUpload(ctx context.Context, sessionID int64) (*models.Upload, error) {
	var up models.Upload
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, file_name, stored_path, mime_type, size, encoding, rows_count, status, created_at, expires_at
		 FROM uploads WHERE session_id = ? AND status = ? ORDER BY id DESC LIMIT 1`,
		sessionID, models.UploadActive,
	).Scan(&up.ID, &up.SessionID, &up.FileName, &up.StoredPath, &up.MimeType, &up.Size, &up.Encoding,
		&up.Rows, &up.Status, &up.CreatedAt, &up.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUploadNotFound
		}
		return nil, fmt.Errorf("get upload: %w", err)
	}
	return &up, nil
}

// MarkUploadRemoved flags an upload whose file is no longer needed. The
// cleaner deletes the file, if still present, and the record on its next run.
func (s *Service) MarkUploadRemoved(ctx context.Context, uploadID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE uploads SET status = ? WHERE id = ?`, models.UploadRemoved, uploadID)
	if err != nil {
		return fmt.Errorf("mark upload removed: %w", err)
	}
	return nil
}
