package db

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/itsChris/wgsync/internal/crypto"
	"github.com/itsChris/wgsync/internal/wg"
)

// testDB creates an in-memory SQLite database with migrations applied.
func testDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	ctx := context.Background()
	logger := slog.Default()

	d, err := New(ctx, ":memory:", logger, append([]Option{WithDevMode(true)}, opts...)...)
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}

	if err := Migrate(ctx, d, logger); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() { d.Close() })
	return d
}

func testSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	key, err := crypto.DeriveKey([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	s, err := crypto.NewSealer(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func genKey(t *testing.T) *wg.SecretKey {
	t.Helper()
	k, err := wg.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func genPub(t *testing.T) wg.PublicKey {
	t.Helper()
	return genKey(t).PublicKey()
}

func prefixes(t *testing.T, s ...string) []netip.Prefix {
	t.Helper()
	out := make([]netip.Prefix, len(s))
	for n, v := range s {
		p, err := netip.ParsePrefix(v)
		if err != nil {
			t.Fatal(err)
		}
		out[n] = p
	}
	return out
}

func TestMigration_AppliesCleanly(t *testing.T) {
	_ = testDB(t)
}

func TestMigration_Idempotent(t *testing.T) {
	ctx := context.Background()
	logger := slog.Default()

	d, err := New(ctx, ":memory:", logger)
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	defer d.Close()

	if err := Migrate(ctx, d, logger); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}
	if err := Migrate(ctx, d, logger); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
}

func TestMigration_TablesExist(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	tables := []string{
		"settings", "interfaces", "interface_ips", "peers", "allowed_ips", "peer_snapshots",
	}
	counts := d.TableCounts(ctx, tables)
	for _, table := range tables {
		if _, ok := counts[table]; !ok {
			t.Errorf("table %q not found", table)
		}
	}
}

func TestDB_New_RequiresLogger(t *testing.T) {
	if _, err := New(context.Background(), ":memory:", nil); err == nil {
		t.Fatal("expected error for nil logger")
	}
}

func TestDB_WALMode(t *testing.T) {
	// In-memory SQLite returns "memory" for journal_mode.
	// Use a temp file to verify WAL is properly set.
	ctx := context.Background()
	tmpFile := t.TempDir() + "/test.db"

	d, err := New(ctx, tmpFile, slog.Default())
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	defer d.Close()

	var mode string
	if err := d.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("failed to check journal mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected WAL mode, got %q", mode)
	}
}

func TestDB_ForeignKeysEnabled(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	var fk int
	if err := d.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("failed to check foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", fk)
	}
}

func TestDB_IntegrityCheck(t *testing.T) {
	d := testDB(t)
	got, err := d.IntegrityCheck(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != "ok" {
		t.Errorf("integrity_check = %q", got)
	}
}

func TestDB_TransactionRollback(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO settings (key, value) VALUES (?, ?)", "rollback_key", "val"); err != nil {
		t.Fatalf("tx exec: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("tx rollback: %v", err)
	}

	val, err := d.GetSetting(ctx, "rollback_key")
	if err != nil {
		t.Fatalf("get setting after rollback: %v", err)
	}
	if val != "" {
		t.Errorf("expected empty after rollback, got %q", val)
	}
}

func TestRedactArgs(t *testing.T) {
	got := redactArgs([]any{"wg0", []byte{1, 2, 3}, int64(7)})
	if got[0] != "wg0" || got[2] != int64(7) {
		t.Errorf("non-blob args changed: %v", got)
	}
	if s, _ := got[1].(string); s != "[blob 3 bytes]" {
		t.Errorf("blob arg = %v", got[1])
	}
}

func TestSettings_Time(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	zero, err := d.GetTime(ctx, SettingLastReconcile)
	if err != nil || !zero.IsZero() {
		t.Fatalf("missing key = %v, %v", zero, err)
	}

	now := time.Unix(1_700_000_000, 0)
	if err := d.SetTime(ctx, SettingLastReconcile, now); err != nil {
		t.Fatal(err)
	}
	got, err := d.GetTime(ctx, SettingLastReconcile)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(now) {
		t.Errorf("got %v, want %v", got, now)
	}

	if err := d.SetSetting(ctx, SettingLastCompaction, "yesterday"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.GetTime(ctx, SettingLastCompaction); err == nil || !strings.Contains(err.Error(), "timestamp") {
		t.Errorf("expected timestamp error, got %v", err)
	}
}

func TestMigrateSealKeys(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/seal.db"
	logger := slog.Default()

	plain, err := New(ctx, path, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := Migrate(ctx, plain, logger); err != nil {
		t.Fatal(err)
	}
	priv := genKey(t)
	psk := genKey(t)
	pub := genPub(t)
	iface := &wg.Interface{
		Name:       "wg0",
		PrivateKey: priv,
		Peers: []wg.Peer{{
			PublicKey:    pub,
			PresharedKey: wg.Set(psk),
		}},
	}
	if _, err := plain.PutInterface(ctx, iface); err != nil {
		t.Fatal(err)
	}
	plain.Close()

	sealed, err := New(ctx, path, logger, WithSealer(testSealer(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer sealed.Close()
	if err := MigrateSealKeys(ctx, sealed, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	var blob []byte
	if err := sealed.QueryRowContext(ctx, "SELECT private_key FROM interfaces WHERE name = 'wg0'").Scan(&blob); err != nil {
		t.Fatal(err)
	}
	if !crypto.IsSealed(blob) {
		t.Error("private key still unsealed")
	}
	if err := sealed.QueryRowContext(ctx, "SELECT preshared_key FROM peers").Scan(&blob); err != nil {
		t.Fatal(err)
	}
	if !crypto.IsSealed(blob) {
		t.Error("preshared key still unsealed")
	}

	rec, err := sealed.GetInterface(ctx, "wg0")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.PrivateKey.Equal(priv) {
		t.Error("private key changed by resealing")
	}
	if got := rec.Peers[0].PresharedKey.Value(); !got.Equal(psk) {
		t.Error("preshared key changed by resealing")
	}

	// Sealed values are unreadable without the key.
	again, err := New(ctx, path, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer again.Close()
	if _, err := again.GetInterface(ctx, "wg0"); err == nil {
		t.Error("expected an error opening sealed keys without a sealer")
	}
}
