package models

import "time"

const (
	UploadActive  = "active"
	UploadRemoved = "removed"
)

// Upload represents a CSV file written to the temporary upload area.
type Upload struct {
	ID         int64     `json:"id"`
	SessionID  int64     `json:"session_id"`
	FileName   string    `json:"file_name"`
	StoredPath string    `json:"-"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	Encoding   string    `json:"encoding"`
	Rows       int       `json:"rows"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
