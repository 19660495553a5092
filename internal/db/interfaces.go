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

// ErrNotFound is returned by updates and deletes of rows that do not exist.
var ErrNotFound = errors.New("db: not found")

// InterfaceRecord is a stored desired interface. Interface.Peers holds
// the desired peers; their bookkeeping columns are available through
// ListPeers.
type InterfaceRecord struct {
	*wg.Interface
	ID        int64
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// querier is satisfied by *DB and *Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *timedRow
}

// PutInterface stores iface as the complete desired state of its device:
// interface fields, addresses and the peer set are all replaced. Peers
// that survive keep their description and expiry. A new interface is
// enabled; an existing one keeps its enabled flag.
func (d *DB) PutInterface(ctx context.Context, iface *wg.Interface) (int64, error) {
	if err := iface.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := d.inTx(ctx, func(tx *Tx) error {
		var err error
		if id, err = d.writeInterface(ctx, tx, iface); err != nil {
			return err
		}
		return d.replacePeers(ctx, tx, id, iface.Name, iface.Peers)
	})
	if err != nil {
		return 0, fmt.Errorf("db: put interface %s: %w", iface.Name, err)
	}
	return id, nil
}

// UpdateInterfaceParams merges the specified fields of p into the stored
// interface. Unspecified fields keep their stored value.
func (d *DB) UpdateInterfaceParams(ctx context.Context, name string, p wg.InterfaceParams) error {
	err := d.inTx(ctx, func(tx *Tx) error {
		recs, err := d.loadInterfaces(ctx, tx, "i.name = ?", name)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return ErrNotFound
		}
		cur := recs[0].Interface
		defer cur.Wipe()

		if p.PrivateKey != nil {
			cur.PrivateKey.Wipe()
			cur.PrivateKey = p.PrivateKey.Clone()
		}
		if p.ListenPort.Specified() {
			cur.ListenPort = p.ListenPort
		}
		if p.FirewallMark.Specified() {
			cur.FirewallMark = p.FirewallMark
		}
		if p.MTU.Specified() {
			cur.MTU = p.MTU
		}
		if p.Addresses.Specified() {
			cur.Addresses = p.Addresses
		}
		if err := cur.Validate(); err != nil {
			return err
		}
		_, err = d.writeInterface(ctx, tx, cur)
		return err
	})
	if err != nil {
		return fmt.Errorf("db: update interface %s: %w", name, err)
	}
	return nil
}

// GetInterface returns the stored interface, or nil and no error if it
// does not exist. The caller owns the returned secrets.
func (d *DB) GetInterface(ctx context.Context, name string) (*InterfaceRecord, error) {
	recs, err := d.loadInterfaces(ctx, d, "i.name = ?", name)
	if err != nil {
		return nil, fmt.Errorf("db: get interface %s: %w", name, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// ListInterfaces returns every stored interface ordered by name.
func (d *DB) ListInterfaces(ctx context.Context) ([]InterfaceRecord, error) {
	recs, err := d.loadInterfaces(ctx, d, "1 = 1")
	if err != nil {
		return nil, fmt.Errorf("db: list interfaces: %w", err)
	}
	return recs, nil
}

// DesiredInterfaces returns the desired state of every enabled interface.
func (d *DB) DesiredInterfaces(ctx context.Context) ([]*wg.Interface, error) {
	recs, err := d.loadInterfaces(ctx, d, "i.enabled = 1")
	if err != nil {
		return nil, fmt.Errorf("db: desired interfaces: %w", err)
	}
	out := make([]*wg.Interface, len(recs))
	for n := range recs {
		out[n] = recs[n].Interface
	}
	return out, nil
}

// SetInterfaceEnabled toggles whether the drift loop manages the interface.
func (d *DB) SetInterfaceEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := d.ExecContext(ctx,
		"UPDATE interfaces SET enabled = ?, updated_at = unixepoch() WHERE name = ?",
		enabled, name,
	)
	if err != nil {
		return fmt.Errorf("db: set interface %s enabled: %w", name, err)
	}
	return affectedOne(res, "interface "+name)
}

// DeleteInterface removes the interface with its addresses, peers and
// their history.
func (d *DB) DeleteInterface(ctx context.Context, name string) error {
	res, err := d.ExecContext(ctx, "DELETE FROM interfaces WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("db: delete interface %s: %w", name, err)
	}
	return affectedOne(res, "interface "+name)
}

func affectedOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db: %s rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// writeInterface upserts the interface row and replaces its addresses.
func (d *DB) writeInterface(ctx context.Context, q querier, iface *wg.Interface) (int64, error) {
	key, err := d.sealer.Seal(iface.PrivateKey, interfaceContext(iface.Name))
	if err != nil {
		return 0, err
	}
	defer clear(key)

	var cleared int
	listenPort := encodeField(iface.ListenPort, clearedListenPort, &cleared)
	fwmark := encodeField(iface.FirewallMark, clearedFirewallMark, &cleared)
	mtu := encodeField(iface.MTU, clearedMTU, &cleared)
	addrs, manageAddrs := iface.Addresses.Get()
	if iface.Addresses.IsCleared() {
		cleared |= clearedAddresses
	}

	var id int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO interfaces (name, private_key, listen_port, fwmark, mtu, manage_addresses, cleared)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			private_key = excluded.private_key,
			listen_port = excluded.listen_port,
			fwmark = excluded.fwmark,
			mtu = excluded.mtu,
			manage_addresses = excluded.manage_addresses,
			cleared = excluded.cleared,
			updated_at = unixepoch()
		RETURNING id`,
		iface.Name, key, listenPort, fwmark, mtu, manageAddrs, cleared,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert row: %w", err)
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM interface_ips WHERE interface_id = ?", id); err != nil {
		return 0, fmt.Errorf("clear addresses: %w", err)
	}
	for _, a := range addrs {
		if _, err := q.ExecContext(ctx,
			"INSERT OR IGNORE INTO interface_ips (interface_id, address) VALUES (?, ?)",
			id, a.String(),
		); err != nil {
			return 0, fmt.Errorf("insert address %s: %w", a, err)
		}
	}
	return id, nil
}

// loadInterfaces reads interface rows matching where (over alias i) along
// with their addresses and peers.
func (d *DB) loadInterfaces(ctx context.Context, q querier, where string, args ...any) ([]InterfaceRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT i.id, i.name, i.private_key, i.listen_port, i.fwmark, i.mtu,
			i.manage_addresses, i.cleared, i.enabled, i.created_at, i.updated_at
		FROM interfaces i
		WHERE `+where+`
		ORDER BY i.name`, args...)
	if err != nil {
		return nil, err
	}

	var (
		recs  []InterfaceRecord
		blobs [][]byte
	)
	defer func() {
		for _, b := range blobs {
			clear(b)
		}
	}()
	for rows.Next() {
		var (
			rec                     InterfaceRecord
			key                     []byte
			listenPort, fwmark, mtu sql.NullInt64
			manageAddrs             bool
			cleared                 int
			createdAt, updatedAt    int64
		)
		rec.Interface = &wg.Interface{}
		if err := rows.Scan(&rec.ID, &rec.Name, &key, &listenPort, &fwmark, &mtu,
			&manageAddrs, &cleared, &rec.Enabled, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan interface: %w", err)
		}
		rec.ListenPort = decodeField[uint16](listenPort, cleared, clearedListenPort)
		rec.FirewallMark = decodeField[uint32](fwmark, cleared, clearedFirewallMark)
		rec.MTU = decodeField[int](mtu, cleared, clearedMTU)
		switch {
		case cleared&clearedAddresses != 0:
			rec.Addresses = wg.Clear[[]netip.Prefix]()
		case manageAddrs:
			rec.Addresses = wg.Set([]netip.Prefix{})
		}
		rec.CreatedAt = time.Unix(createdAt, 0)
		rec.UpdatedAt = time.Unix(updatedAt, 0)
		recs = append(recs, rec)
		blobs = append(blobs, key)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interfaces: %w", err)
	}

	byID := make(map[int64]*InterfaceRecord, len(recs))
	for n := range recs {
		rec := &recs[n]
		byID[rec.ID] = rec
		if rec.PrivateKey, err = d.sealer.Open(blobs[n], interfaceContext(rec.Name)); err != nil {
			wipeRecords(recs)
			return nil, fmt.Errorf("open private key of %s: %w", rec.Name, err)
		}
		if rec.PrivateKey != nil {
			rec.PublicKey = rec.PrivateKey.PublicKey()
		}
	}
	if len(recs) == 0 {
		return nil, nil
	}

	if err := d.loadAddresses(ctx, q, byID, where, args); err != nil {
		wipeRecords(recs)
		return nil, err
	}

	peers, err := d.loadPeers(ctx, q, where, args...)
	if err != nil {
		wipeRecords(recs)
		return nil, err
	}
	for _, p := range peers {
		rec := byID[p.InterfaceID]
		rec.Peers = append(rec.Peers, p.Peer)
	}
	return recs, nil
}

func (d *DB) loadAddresses(ctx context.Context, q querier, byID map[int64]*InterfaceRecord, where string, args []any) error {
	rows, err := q.QueryContext(ctx, `
		SELECT interface_id, address FROM interface_ips
		WHERE interface_id IN (SELECT i.id FROM interfaces i WHERE `+where+`)
		ORDER BY interface_id, address`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			addr string
		)
		if err := rows.Scan(&id, &addr); err != nil {
			return fmt.Errorf("scan address: %w", err)
		}
		p, err := netip.ParsePrefix(addr)
		if err != nil {
			return fmt.Errorf("interface %d: stored address %q: %w", id, addr, err)
		}
		rec := byID[id]
		rec.Addresses = wg.Set(append(rec.Addresses.Value(), p))
	}
	return rows.Err()
}

func wipeRecords(recs []InterfaceRecord) {
	for n := range recs {
		recs[n].Interface.Wipe()
	}
}
