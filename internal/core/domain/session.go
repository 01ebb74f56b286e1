package domain

import "time"

// SessionID identifies an isolated registration scope in the registry.
type SessionID string

func (id SessionID) String() string { return string(id) }

// SessionStatus is either open or closed; closed is terminal.
type SessionStatus string

const (
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

// SessionInfo is a read-only view of a session.
type SessionInfo struct {
	ID        SessionID     `json:"id"`
	Status    SessionStatus `json:"status"`
	PipeCodes []string      `json:"pipe_codes"`
	OpenedAt  time.Time     `json:"opened_at"`
	ClosedAt  *time.Time    `json:"closed_at,omitempty"`
}
