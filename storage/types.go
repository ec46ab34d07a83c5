package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// SeverityInfo marks ordinary lifecycle events.
	SeverityInfo = "info"
	// SeverityWarning marks ignored or out-of-order negotiation input.
	SeverityWarning = "warning"
	// SeverityError marks failures such as accept timeouts and I/O errors.
	SeverityError = "error"
)

// Peer is the SQLite representation of a device seen on the LAN.
type Peer struct {
	Address      string
	FirstSeen    int64
	LastSeen     int64
	SessionCount int
	LastRole     string
}

// SessionEvent is one persisted session lifecycle entry.
type SessionEvent struct {
	ID          int64
	SessionID   string
	EventType   string
	PeerAddress *string
	Role        string
	State       string
	Details     string
	Severity    string
	Timestamp   int64
}

// SessionEventFilter narrows GetSessionEvents results.
type SessionEventFilter struct {
	SessionID     string
	EventType     string
	PeerAddress   string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateSeverity(severity string) error {
	switch severity {
	case SeverityInfo, SeverityWarning, SeverityError:
		return nil
	default:
		return fmt.Errorf("invalid session event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
