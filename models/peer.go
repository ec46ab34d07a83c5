package models

import "time"

// PeerAddress is the textual IP address of a remote device. It is the unique
// key of the peer registry.
type PeerAddress = string

// PeerRecord is a registry entry for a device that announced its presence.
type PeerRecord struct {
	Address    PeerAddress `json:"address"`
	LastSeenAt time.Time   `json:"last_seen_at"`
}

// Expired reports whether the record is older than threshold at now.
func (r PeerRecord) Expired(now time.Time, threshold time.Duration) bool {
	return now.Sub(r.LastSeenAt) > threshold
}
