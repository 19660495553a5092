package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/itsChris/wgsync/internal/wg"
)

// PeerRecord is a stored desired peer with its bookkeeping columns.
type PeerRecord struct {
	wg.Peer
	ID          int64
	InterfaceID int64
	Interface   string
	Description string
	// ExpiresAt schedules removal by the expiry loop. Nil never expires.
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PutPeer inserts or replaces one peer of a stored interface, including
// its description and expiry.
func (d *DB) PutPeer(ctx context.Context, iface string, rec *PeerRecord) (int64, error) {
	if err := rec.Peer.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := d.inTx(ctx, func(tx *Tx) error {
		var ifaceID int64
		err := tx.QueryRowContext(ctx, "SELECT id FROM interfaces WHERE name = ?", iface).Scan(&ifaceID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("interface %s: %w", iface, ErrNotFound)
		}
		if err != nil {
			return err
		}
		id, err = d.upsertPeer(ctx, tx, ifaceID, iface, &rec.Peer, rec)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("db: put peer %s on %s: %w", rec.PublicKey, iface, err)
	}
	return id, nil
}

// GetPeer returns a stored peer, or nil and no error if it does not exist.
func (d *DB) GetPeer(ctx context.Context, iface string, pub wg.PublicKey) (*PeerRecord, error) {
	recs, err := d.loadPeers(ctx, d, "i.name = ? AND p.public_key = ?", iface, pub.String())
	if err != nil {
		return nil, fmt.Errorf("db: get peer %s on %s: %w", pub, iface, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// ListPeers returns the stored peers of an interface in insertion order.
func (d *DB) ListPeers(ctx context.Context, iface string) ([]PeerRecord, error) {
	recs, err := d.loadPeers(ctx, d, "i.name = ?", iface)
	if err != nil {
		return nil, fmt.Errorf("db: list peers of %s: %w", iface, err)
	}
	return recs, nil
}

// ListExpiredPeers returns peers whose expiry is at or before now.
func (d *DB) ListExpiredPeers(ctx context.Context, now time.Time) ([]PeerRecord, error) {
	recs, err := d.loadPeers(ctx, d, "p.expires_at IS NOT NULL AND p.expires_at <= ?", now.Unix())
	if err != nil {
		return nil, fmt.Errorf("db: list expired peers: %w", err)
	}
	return recs, nil
}

// DeletePeer removes a peer and its history.
func (d *DB) DeletePeer(ctx context.Context, iface string, pub wg.PublicKey) error {
	res, err := d.ExecContext(ctx, `
		DELETE FROM peers
		WHERE public_key = ? AND interface_id = (SELECT id FROM interfaces WHERE name = ?)`,
		pub.String(), iface,
	)
	if err != nil {
		return fmt.Errorf("db: delete peer %s on %s: %w", pub, iface, err)
	}
	return affectedOne(res, "peer "+pub.String())
}

// replacePeers makes the interface's stored peer set equal to peers.
func (d *DB) replacePeers(ctx context.Context, tx *Tx, ifaceID int64, iface string, peers []wg.Peer) error {
	want := make(map[string]struct{}, len(peers))
	for n := range peers {
		want[peers[n].PublicKey.String()] = struct{}{}
	}

	rows, err := tx.QueryContext(ctx, "SELECT id, public_key FROM peers WHERE interface_id = ?", ifaceID)
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}
	var stale []int64
	for rows.Next() {
		var (
			id  int64
			pub string
		)
		if err := rows.Scan(&id, &pub); err != nil {
			rows.Close()
			return fmt.Errorf("scan peer: %w", err)
		}
		if _, ok := want[pub]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, "DELETE FROM peers WHERE id = ?", id); err != nil {
			return fmt.Errorf("delete peer %d: %w", id, err)
		}
	}
	for n := range peers {
		if _, err := d.upsertPeer(ctx, tx, ifaceID, iface, &peers[n], nil); err != nil {
			return err
		}
	}
	return nil
}

// upsertPeer writes the peer row and replaces its allowed IPs. With a nil
// meta an existing row keeps its description and expiry.
func (d *DB) upsertPeer(ctx context.Context, q querier, ifaceID int64, iface string, p *wg.Peer, meta *PeerRecord) (int64, error) {
	var (
		psk     []byte
		cleared int
		err     error
	)
	if v, ok := p.PresharedKey.Get(); ok && !v.IsZero() {
		if psk, err = d.sealer.Seal(v, peerContext(iface, p.PublicKey)); err != nil {
			return 0, err
		}
		defer clear(psk)
	} else if p.PresharedKey.Specified() {
		cleared |= clearedPresharedKey
	}

	var (
		epAddr   sql.NullString
		epPort   sql.NullInt64
		flowInfo uint32
	)
	if ep, ok := p.Endpoint.Get(); ok {
		epAddr = sql.NullString{String: ep.Addr.Addr().String(), Valid: true}
		epPort = sql.NullInt64{Int64: int64(ep.Addr.Port()), Valid: true}
		flowInfo = ep.FlowInfo
	} else if p.Endpoint.IsCleared() {
		cleared |= clearedEndpoint
	}
	keepalive := encodeKeepalive(p.PersistentKeepalive, &cleared)

	var (
		description string
		expiresAt   sql.NullInt64
		onConflict  string
	)
	if meta != nil {
		description = meta.Description
		expiresAt = nullTime(meta.ExpiresAt)
		onConflict = ", description = excluded.description, expires_at = excluded.expires_at"
	}

	var id int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO peers (interface_id, public_key, preshared_key, endpoint_ip, endpoint_port,
			endpoint_flowinfo, keepalive, cleared, description, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(interface_id, public_key) DO UPDATE SET
			preshared_key = excluded.preshared_key,
			endpoint_ip = excluded.endpoint_ip,
			endpoint_port = excluded.endpoint_port,
			endpoint_flowinfo = excluded.endpoint_flowinfo,
			keepalive = excluded.keepalive,
			cleared = excluded.cleared,
			updated_at = unixepoch()`+onConflict+`
		RETURNING id`,
		ifaceID, p.PublicKey.String(), psk, epAddr, epPort,
		flowInfo, keepalive, cleared, description, expiresAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert peer %s: %w", p.PublicKey, err)
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM allowed_ips WHERE peer_id = ?", id); err != nil {
		return 0, fmt.Errorf("clear allowed ips: %w", err)
	}
	for _, a := range p.AllowedIPs {
		if _, err := q.ExecContext(ctx,
			"INSERT OR IGNORE INTO allowed_ips (peer_id, prefix) VALUES (?, ?)",
			id, a.Masked().String(),
		); err != nil {
			return 0, fmt.Errorf("insert allowed ip %s: %w", a, err)
		}
	}
	return id, nil
}

// loadPeers reads peers matching where, which may refer to the peer as p
// and its interface as i.
func (d *DB) loadPeers(ctx context.Context, q querier, where string, args ...any) ([]PeerRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT p.id, p.interface_id, i.name, p.public_key, p.preshared_key,
			p.endpoint_ip, p.endpoint_port, p.endpoint_flowinfo, p.keepalive, p.cleared,
			p.description, p.expires_at, p.created_at, p.updated_at
		FROM peers p JOIN interfaces i ON i.id = p.interface_id
		WHERE `+where+`
		ORDER BY i.name, p.id`, args...)
	if err != nil {
		return nil, err
	}

	var (
		recs  []PeerRecord
		blobs [][]byte
	)
	defer func() {
		for _, b := range blobs {
			clear(b)
		}
	}()
	for rows.Next() {
		var (
			rec                  PeerRecord
			pub                  string
			psk                  []byte
			epAddr               sql.NullString
			epPort               sql.NullInt64
			flowInfo             uint32
			keepalive, expiresAt sql.NullInt64
			cleared              int
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.InterfaceID, &rec.Interface, &pub, &psk,
			&epAddr, &epPort, &flowInfo, &keepalive, &cleared,
			&rec.Description, &expiresAt, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		if rec.PublicKey, err = wg.ParsePublicKey(pub); err != nil {
			rows.Close()
			return nil, fmt.Errorf("peer %d: stored public key: %w", rec.ID, err)
		}
		switch {
		case cleared&clearedEndpoint != 0:
			rec.Endpoint = wg.Clear[wg.Endpoint]()
		case epAddr.Valid && epPort.Valid:
			addr, err := netip.ParseAddr(epAddr.String)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("peer %d: stored endpoint: %w", rec.ID, err)
			}
			rec.Endpoint = wg.Set(wg.Endpoint{
				Addr:     netip.AddrPortFrom(addr, uint16(epPort.Int64)),
				FlowInfo: flowInfo,
			})
		}
		if cleared&clearedPresharedKey != 0 {
			rec.PresharedKey = wg.Clear[*wg.SecretKey]()
		}
		rec.PersistentKeepalive = decodeKeepalive(keepalive, cleared)
		rec.ExpiresAt = timePtr(expiresAt)
		rec.CreatedAt = time.Unix(createdAt, 0)
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		recs = append(recs, rec)
		blobs = append(blobs, psk)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peers: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	byID := make(map[int64]*PeerRecord, len(recs))
	for n := range recs {
		rec := &recs[n]
		byID[rec.ID] = rec
		if blobs[n] == nil {
			continue
		}
		psk, err := d.sealer.Open(blobs[n], peerContext(rec.Interface, rec.PublicKey))
		if err != nil {
			wipePeers(recs)
			return nil, fmt.Errorf("open preshared key of peer %s: %w", rec.PublicKey, err)
		}
		rec.PresharedKey = wg.Set(psk)
	}

	ipRows, err := q.QueryContext(ctx, `
		SELECT a.peer_id, a.prefix FROM allowed_ips a
		WHERE a.peer_id IN (
			SELECT p.id FROM peers p JOIN interfaces i ON i.id = p.interface_id WHERE `+where+`)
		ORDER BY a.peer_id, a.prefix`, args...)
	if err != nil {
		wipePeers(recs)
		return nil, err
	}
	defer ipRows.Close()
	for ipRows.Next() {
		var (
			id     int64
			prefix string
		)
		if err := ipRows.Scan(&id, &prefix); err != nil {
			wipePeers(recs)
			return nil, fmt.Errorf("scan allowed ip: %w", err)
		}
		pfx, err := netip.ParsePrefix(prefix)
		if err != nil {
			wipePeers(recs)
			return nil, fmt.Errorf("peer %d: stored allowed ip %q: %w", id, prefix, err)
		}
		rec := byID[id]
		rec.AllowedIPs = append(rec.AllowedIPs, pfx)
	}
	if err := ipRows.Err(); err != nil {
		wipePeers(recs)
		return nil, err
	}
	return recs, nil
}

func wipePeers(recs []PeerRecord) {
	for n := range recs {
		recs[n].Wipe()
	}
}
