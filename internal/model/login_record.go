package model

import (
	"time"

	"github.com/google/uuid"
)

// LoginRecord is one accepted login persisted for audit.
type LoginRecord struct {
	ID            int64
	DisplayName   string
	PlayerID      uuid.UUID
	XUID          string
	Authenticated bool
	RemoteAddr    string
	CreatedAt     time.Time
}
