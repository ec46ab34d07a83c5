package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// RecordPeerSeen inserts address or refreshes its last-seen time.
func (s *Store) RecordPeerSeen(address string, seenAt int64) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return errors.New("address is required")
	}
	if seenAt == 0 {
		seenAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (address, first_seen, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			last_seen = MAX(peers.last_seen, excluded.last_seen)`,
		address,
		seenAt,
		seenAt,
	)
	if err != nil {
		return fmt.Errorf("record peer %q: %w", address, err)
	}
	return nil
}

// RecordSessionStart counts a connected session with address and remembers
// the local role in it.
func (s *Store) RecordSessionStart(address, role string, startedAt int64) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return errors.New("address is required")
	}
	if startedAt == 0 {
		startedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (address, first_seen, last_seen, session_count, last_role)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(address) DO UPDATE SET
			last_seen = MAX(peers.last_seen, excluded.last_seen),
			session_count = peers.session_count + 1,
			last_role = excluded.last_role`,
		address,
		startedAt,
		startedAt,
		role,
	)
	if err != nil {
		return fmt.Errorf("record session start with %q: %w", address, err)
	}
	return nil
}

// GetPeer fetches a peer by address.
func (s *Store) GetPeer(address string) (*Peer, error) {
	row := s.db.QueryRow(
		`SELECT address, first_seen, last_seen, session_count, last_role
		FROM peers
		WHERE address = ?`,
		address,
	)

	peer, err := scanPeer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get peer %q: %w", address, err)
	}
	return peer, nil
}

// ListPeers returns every known peer, most recently seen first.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT address, first_seen, last_seen, session_count, last_role
		FROM peers
		ORDER BY last_seen DESC, address`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}
	return peers, nil
}

func scanPeer(row scanner) (*Peer, error) {
	var peer Peer
	if err := row.Scan(
		&peer.Address,
		&peer.FirstSeen,
		&peer.LastSeen,
		&peer.SessionCount,
		&peer.LastRole,
	); err != nil {
		return nil, err
	}
	return &peer, nil
}
