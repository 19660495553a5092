package db

import (
	"database/sql"
	"time"

	"github.com/itsChris/wgsync/internal/wg"
)

// Bits of the interfaces.cleared column.
const (
	clearedListenPort = 1 << iota
	clearedFirewallMark
	clearedMTU
	clearedAddresses
)

// Bits of the peers.cleared column.
const (
	clearedPresharedKey = 1 << iota
	clearedEndpoint
	clearedKeepalive
)

type integer interface {
	~uint16 | ~uint32 | ~int | ~int64
}

// encodeField maps a tri-state field onto a nullable column plus a bit in
// the row's cleared mask. NULL without the bit means unset.
func encodeField[T integer](f wg.Field[T], bit int, cleared *int) sql.NullInt64 {
	if f.IsCleared() {
		*cleared |= bit
		return sql.NullInt64{}
	}
	v, ok := f.Get()
	return sql.NullInt64{Int64: int64(v), Valid: ok}
}

func decodeField[T integer](c sql.NullInt64, cleared, bit int) wg.Field[T] {
	switch {
	case cleared&bit != 0:
		return wg.Clear[T]()
	case c.Valid:
		return wg.Set(T(c.Int64))
	}
	return wg.Field[T]{}
}

// keepalive is stored in whole seconds.
func encodeKeepalive(f wg.Field[time.Duration], cleared *int) sql.NullInt64 {
	if f.IsCleared() {
		*cleared |= clearedKeepalive
		return sql.NullInt64{}
	}
	v, ok := f.Get()
	return sql.NullInt64{Int64: int64(v / time.Second), Valid: ok}
}

func decodeKeepalive(c sql.NullInt64, cleared int) wg.Field[time.Duration] {
	switch {
	case cleared&clearedKeepalive != 0:
		return wg.Clear[time.Duration]()
	case c.Valid:
		return wg.Set(time.Duration(c.Int64) * time.Second)
	}
	return wg.Field[time.Duration]{}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timePtr(c sql.NullInt64) *time.Time {
	if !c.Valid {
		return nil
	}
	t := time.Unix(c.Int64, 0)
	return &t
}

func interfaceContext(name string) string {
	return "interface:" + name
}

func peerContext(iface string, pub wg.PublicKey) string {
	return "peer:" + iface + ":" + pub.String()
}
