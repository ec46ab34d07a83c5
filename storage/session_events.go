package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetSessionEventRetention configures the automatic pruning horizon.
func (s *Store) SetSessionEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSessionEventRetention
	}
	s.eventRetention = retention
}

// LogSessionEvent inserts one session event and applies retention pruning.
func (s *Store) LogSessionEvent(event SessionEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if err := validateSeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var peerAddress *string
	if event.PeerAddress != nil {
		trimmed := strings.TrimSpace(*event.PeerAddress)
		if trimmed != "" {
			peerAddress = &trimmed
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO session_events (
			session_id,
			event_type,
			peer_address,
			role,
			state,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.SessionID,
		event.EventType,
		nullString(peerAddress),
		event.Role,
		event.State,
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert session event %q: %w", event.EventType, err)
	}

	if s.eventRetention > 0 {
		cutoff := time.Now().Add(-s.eventRetention).UnixMilli()
		if _, err := s.PruneSessionEvents(cutoff); err != nil {
			return err
		}
	}
	return nil
}

// GetSessionEvents returns recent session events, newest first.
func (s *Store) GetSessionEvents(filter SessionEventFilter) ([]SessionEvent, error) {
	if filter.Severity != "" {
		if err := validateSeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		session_id,
		event_type,
		peer_address,
		role,
		state,
		details,
		severity,
		timestamp
	FROM session_events`)

	where := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.PeerAddress != "" {
		where = append(where, "peer_address = ?")
		args = append(args, filter.PeerAddress)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get session events: %w", err)
	}
	defer rows.Close()

	events := make([]SessionEvent, 0)
	for rows.Next() {
		event, err := scanSessionEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session event rows: %w", err)
	}
	return events, nil
}

// PruneSessionEvents removes events older than cutoffTimestamp.
func (s *Store) PruneSessionEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM session_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune session events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for session event prune: %w", err)
	}
	return affected, nil
}

func scanSessionEvent(row scanner) (*SessionEvent, error) {
	var (
		event       SessionEvent
		peerAddress sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.SessionID,
		&event.EventType,
		&peerAddress,
		&event.Role,
		&event.State,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}
	event.PeerAddress = stringPtr(peerAddress)
	return &event, nil
}
