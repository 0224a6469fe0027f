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

// AppendExchange stores a user turn and its response under the same turn
// number in one transaction, keeping both sides of the log aligned.
func (s *Service) AppendExchange(ctx context.Context, sessionID int64, question, answer string) (turn int, err error) {
	if strings.TrimSpace(question) == "" {
		return 0, errors.New("content cannot be empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	turn, err = s.appendExchangeTx(ctx, tx, sessionID, question, answer)
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit exchange: %w", err)
	}
	return turn, nil
}

// SeedGreeting stores the greeting exchange the first time a file is loaded
// into the session. A reset log stays empty. It reports whether the greeting
// was added.
func (s *Service) SeedGreeting(ctx context.Context, sessionID int64, greeting string) (seeded bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE sessions SET greeted = 1 WHERE id = ? AND greeted = 0`, sessionID)
	if err != nil {
		return false, fmt.Errorf("mark greeted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("greeted rows affected: %w", err)
	}
	if n == 0 {
		var one int
		if err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				err = ErrSessionNotFound
			}
			return false, err
		}
		err = tx.Commit()
		return false, err
	}
	if _, err = s.appendExchangeTx(ctx, tx, sessionID, models.GreetingUser, greeting); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit greeting: %w", err)
	}
	return true, nil
}

func (s *Service) appendExchangeTx(ctx context.Context, tx *sql.Tx, sessionID int64, question, answer string) (int, error) {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ?)`, sessionID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("verify session: %w", err)
	}
	if !exists {
		return 0, ErrSessionNotFound
	}

	var turn int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn), -1) + 1 FROM messages WHERE session_id = ?`, sessionID,
	).Scan(&turn); err != nil {
		return 0, fmt.Errorf("next turn: %w", err)
	}

	now := time.Now().UTC()
	for _, m := range []struct {
		role    models.Role
		content string
	}{
		{models.RoleUser, question},
		{models.RoleAssistant, answer},
	} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content, turn, created_at) VALUES (?, ?, ?, ?, ?)`,
			sessionID, m.role, m.content, turn, now,
		); err != nil {
			return 0, fmt.Errorf("insert message: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return 0, fmt.Errorf("touch session: %w", err)
	}
	return turn, nil
}

// Messages returns the session log ordered by turn, user message first.
func (s *Service) Messages(ctx context.Context, sessionID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, turn, created_at FROM messages
		 WHERE session_id = ? ORDER BY turn ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Turn, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Conversation returns the log as the two aligned sequences.
func (s *Service) Conversation(ctx context.Context, sessionID int64) (*models.Conversation, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	messages, err := s.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return BuildConversation(messages), nil
}

// BuildConversation pairs messages by turn. A turn missing either side is
// skipped so Past and Generated always have the same length.
func BuildConversation(messages []*models.Message) *models.Conversation {
	conv := &models.Conversation{Past: []string{}, Generated: []string{}}
	for i := 0; i < len(messages); {
		turn := messages[i].Turn
		var user, assistant *models.Message
		for ; i < len(messages) && messages[i].Turn == turn; i++ {
			switch messages[i].Role {
			case models.RoleUser:
				user = messages[i]
			case models.RoleAssistant:
				assistant = messages[i]
			}
		}
		if user != nil && assistant != nil {
			conv.Past = append(conv.Past, user.Content)
			conv.Generated = append(conv.Generated, assistant.Content)
		}
	}
	return conv
}

// ResetConversation clears both sides of the log.
func (s *Service) ResetConversation(ctx context.Context, sessionID int64) error {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("reset conversation: %w", err)
	}
	return nil
}
