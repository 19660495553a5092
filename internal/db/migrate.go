package db

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/itsChris/wgsync/internal/crypto"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate runs all embedded SQL migration files against the database.
// Migrations are tracked in a _migrations table and only applied once.
func Migrate(ctx context.Context, d *DB, logger *slog.Logger) error {
	// Create migrations tracking table.
	_, err := d.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			filename TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		)
	`)
	if err != nil {
		return fmt.Errorf("db: create migrations table: %w", err)
	}

	// Read all migration files.
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("db: read migrations dir: %w", err)
	}

	// Sort by filename for deterministic ordering.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		// Check if already applied.
		var count int
		err := d.conn.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM _migrations WHERE filename = ?",
			entry.Name(),
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("db: check migration %s: %w", entry.Name(), err)
		}
		if count > 0 {
			logger.Debug("migration_skipped",
				"filename", entry.Name(),
				"reason", "already_applied",
				"component", "db",
			)
			continue
		}

		// Read and execute the migration.
		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("db: read migration %s: %w", entry.Name(), err)
		}

		sql := string(content)

		// Strip goose directives if present, only run the Up portion.
		sql = extractUpSection(sql)

		if _, err := d.conn.ExecContext(ctx, sql); err != nil {
			return fmt.Errorf("db: apply migration %s: %w", entry.Name(), err)
		}

		// Record it.
		if _, err := d.conn.ExecContext(ctx,
			"INSERT INTO _migrations (filename) VALUES (?)",
			entry.Name(),
		); err != nil {
			return fmt.Errorf("db: record migration %s: %w", entry.Name(), err)
		}

		logger.Info("migration_applied",
			"filename", entry.Name(),
			"component", "db",
		)
	}

	return nil
}

// MigrateSealKeys reseals private and preshared keys that were stored
// before a sealing key was configured. It does nothing without one.
func MigrateSealKeys(ctx context.Context, d *DB, logger *slog.Logger) error {
	if !d.sealer.Sealing() {
		return nil
	}

	ifaces, err := resealColumn(ctx, d, "interfaces", "private_key",
		"SELECT id, name, private_key FROM interfaces WHERE private_key IS NOT NULL",
		interfaceContext,
	)
	if err != nil {
		return err
	}
	peers, err := resealColumn(ctx, d, "peers", "preshared_key", `
		SELECT p.id, i.name || ' ' || p.public_key, p.preshared_key
		FROM peers p JOIN interfaces i ON i.id = p.interface_id
		WHERE p.preshared_key IS NOT NULL`,
		func(label string) string {
			iface, pub, _ := strings.Cut(label, " ")
			return "peer:" + iface + ":" + pub
		},
	)
	if err != nil {
		return err
	}

	if ifaces+peers > 0 {
		logger.Info("key_seal_migration_complete",
			"interfaces_sealed", ifaces,
			"peers_sealed", peers,
			"component", "db",
		)
	}
	return nil
}

// resealColumn rewrites every unsealed blob selected by query. The query
// returns id, a label passed to bind, and the blob.
func resealColumn(ctx context.Context, d *DB, table, column, query string, bind func(string) string) (int, error) {
	type update struct {
		id   int64
		blob []byte
	}
	var updates []update
	defer func() {
		for _, u := range updates {
			clear(u.blob)
		}
	}()

	rows, err := d.conn.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("migrate seal: query %s: %w", table, err)
	}
	for rows.Next() {
		var (
			id    int64
			label string
			blob  []byte
		)
		if err := rows.Scan(&id, &label, &blob); err != nil {
			rows.Close()
			return 0, fmt.Errorf("migrate seal: scan %s: %w", table, err)
		}
		if crypto.IsSealed(blob) {
			continue
		}
		k, err := d.sealer.Open(blob, bind(label))
		clear(blob)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("migrate seal: open %s %d: %w", table, id, err)
		}
		sealed, err := d.sealer.Seal(k, bind(label))
		k.Wipe()
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("migrate seal: seal %s %d: %w", table, id, err)
		}
		updates = append(updates, update{id: id, blob: sealed})
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("migrate seal: iterate %s: %w", table, err)
	}

	for _, u := range updates {
		if _, err := d.conn.ExecContext(ctx,
			"UPDATE "+table+" SET "+column+" = ? WHERE id = ?", u.blob, u.id,
		); err != nil {
			return 0, fmt.Errorf("migrate seal: update %s %d: %w", table, u.id, err)
		}
		d.logger.Info("key_sealed", "table", table, "id", u.id)
	}
	return len(updates), nil
}

// extractUpSection returns only the SQL between "-- +goose Up" and "-- +goose Down".
// If no goose directives are found, returns the full content.
func extractUpSection(sql string) string {
	upIdx := strings.Index(sql, "-- +goose Up")
	downIdx := strings.Index(sql, "-- +goose Down")

	if upIdx == -1 {
		return sql
	}

	start := upIdx + len("-- +goose Up")
	if downIdx == -1 {
		return strings.TrimSpace(sql[start:])
	}

	return strings.TrimSpace(sql[start:downIdx])
}
