// Package ledger records one row per finished proxy session: who it served,
// how it ended and how much traffic it relayed. Conversation content is never
// stored.
package ledger

import (
	"context"
	"time"
)

type Record struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	ContentID      string    `json:"content_id"`
	Model          string    `json:"model"`
	FinalState     string    `json:"final_state"`
	ErrorCode      string    `json:"error_code,omitempty"`
	FramesUpstream int64     `json:"frames_upstream"`
	FramesClient   int64     `json:"frames_client"`
	CreatedAt      time.Time `json:"created_at"`
	EndedAt        time.Time `json:"ended_at"`
}

// Store persists session records.
type Store interface {
	Save(ctx context.Context, record Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Mode() string
	Close() error
}
