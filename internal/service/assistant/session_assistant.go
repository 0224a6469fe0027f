package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"csvai/internal/models"
)

// CreateSession inserts a new session for the given mode and settings.
func (s *Service) CreateSession(ctx context.Context, mode models.Mode, settings models.GenerationSettings) (*models.Session, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	if strings.TrimSpace(settings.Model) == "" {
		return nil, errors.New("model is required")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (mode, model, temperature, top_p, frequency_penalty, file_name, summary, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, '', '', ?, ?)`,
		mode, settings.Model, settings.Temperature, settings.TopP, settings.FrequencyPenalty, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	return &models.Session{ID: id, Mode: mode, Settings: settings, CreatedAt: now, UpdatedAt: now}, nil
}

// GetSession returns one session.
func (s *Service) GetSession(ctx context.Context, sessionID int64) (*models.Session, error) {
	var se models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, mode, model, temperature, top_p, frequency_penalty, file_name, summary, created_at, updated_at
		 FROM sessions WHERE id = ?`,
		sessionID,
	).Scan(&se.ID, &se.Mode, &se.Settings.Model, &se.Settings.Temperature, &se.Settings.TopP,
		&se.Settings.FrequencyPenalty, &se.FileName, &se.Summary, &se.CreatedAt, &se.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &se, nil
}

// UpdateSettings replaces the generation settings of a session.
func (s *Service) UpdateSettings(ctx context.Context, sessionID int64, settings models.GenerationSettings) error {
	if strings.TrimSpace(settings.Model) == "" {
		return errors.New("model is required")
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	return s.touch(ctx,
		`UPDATE sessions SET model = ?, temperature = ?, top_p = ?, frequency_penalty = ?, updated_at = ? WHERE id = ?`,
		settings.Model, settings.Temperature, settings.TopP, settings.FrequencyPenalty, time.Now().UTC(), sessionID,
	)
}

// SaveSummary stores the last generated summary of the session.
func (s *Service) SaveSummary(ctx context.Context, sessionID int64, summary string) error {
	return s.touch(ctx, `UPDATE sessions SET summary = ?, updated_at = ? WHERE id = ?`,
		summary, time.Now().UTC(), sessionID)
}

func (s *Service) touch(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession removes a session with its messages and upload records. The
// stored paths of its uploads are returned so the caller can remove the files.
func (s *Service) DeleteSession(ctx context.Context, sessionID int64) (paths []string, err error) {
	if sessionID <= 0 {
		return nil, errors.New("invalid session id")
	}
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
		sessionID, models.UploadActive)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	for rows.Next() {
		var p string
		if err = rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}

	for _, stmt := range []string{
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM uploads WHERE session_id = ?`,
	} {
		if _, err = tx.ExecContext(ctx, stmt, sessionID); err != nil {
			return nil, fmt.Errorf("delete session data: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		err = ErrSessionNotFound
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete session: %w", err)
	}
	return paths, nil
}
