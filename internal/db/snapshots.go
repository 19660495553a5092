package db

import (
	"context"
	"fmt"
	"time"
)

// PeerSnapshot is one sample of a peer's live statistics.
type PeerSnapshot struct {
	PeerID        int64
	Timestamp     time.Time
	RxBytes       int64
	TxBytes       int64
	LastHandshake time.Time
	Online        bool
}

// InsertSnapshots stores a batch of samples in one transaction.
func (d *DB) InsertSnapshots(ctx context.Context, snaps []PeerSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	err := d.inTx(ctx, func(tx *Tx) error {
		for _, s := range snaps {
			var hs int64
			if !s.LastHandshake.IsZero() {
				hs = s.LastHandshake.Unix()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO peer_snapshots (peer_id, timestamp, rx_bytes, tx_bytes, last_handshake, online)
				VALUES (?, ?, ?, ?, ?, ?)`,
				s.PeerID, s.Timestamp.Unix(), s.RxBytes, s.TxBytes, hs, s.Online,
			); err != nil {
				return fmt.Errorf("peer %d: %w", s.PeerID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("db: insert snapshots: %w", err)
	}
	return nil
}

// ListSnapshots returns snapshots for a peer within a time range, ordered by timestamp.
func (d *DB) ListSnapshots(ctx context.Context, peerID int64, from, to time.Time) ([]PeerSnapshot, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT peer_id, timestamp, rx_bytes, tx_bytes, last_handshake, online
		FROM peer_snapshots
		WHERE peer_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp`,
		peerID, from.Unix(), to.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("db: list snapshots for peer %d: %w", peerID, err)
	}
	defer rows.Close()

	var snapshots []PeerSnapshot
	for rows.Next() {
		var (
			s      PeerSnapshot
			ts, hs int64
		)
		if err := rows.Scan(&s.PeerID, &ts, &s.RxBytes, &s.TxBytes, &hs, &s.Online); err != nil {
			return nil, fmt.Errorf("db: scan snapshot: %w", err)
		}
		s.Timestamp = time.Unix(ts, 0)
		if hs != 0 {
			s.LastHandshake = time.Unix(hs, 0)
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

// CompactSnapshots deletes snapshots older than the given cutoff time.
// Returns the number of rows deleted.
func (d *DB) CompactSnapshots(ctx context.Context, before time.Time) (int64, error) {
	result, err := d.ExecContext(ctx,
		"DELETE FROM peer_snapshots WHERE timestamp < ?",
		before.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("db: compact snapshots: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db: compact snapshots rows affected: %w", err)
	}
	return n, nil
}
