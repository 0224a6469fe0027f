package assistant

import (
	"database/sql"
	"errors"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrUploadNotFound  = errors.New("upload not found")
)

// Service persists sessions, their conversation log and uploads.
type Service struct {
	db *sql.DB
}

// NewService builds a new assistant service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}
