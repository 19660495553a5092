package manifest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/itsChris/wgsync/internal/db"
)

func TestSave(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := db.New(ctx, ":memory:", logger)
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	defer store.Close()
	if err := db.Migrate(ctx, store, logger); err != nil {
		t.Fatalf("db.Migrate: %v", err)
	}

	priv := genKey(t)
	described := genKey(t).PublicKey()
	plain := genKey(t).PublicKey()
	disabled := true
	spec := InterfaceSpec{
		Name:       "wg0",
		PrivateKey: string(priv.AppendBase64(nil)),
		Disabled:   &disabled,
		Peers: []PeerSpec{
			{PublicKey: described.String(), AllowedIPs: []string{"10.0.0.2/32"}, Description: "laptop", ExpiresAt: "2030-01-02T03:04:05Z"},
			{PublicKey: plain.String(), AllowedIPs: []string{"10.0.0.3/32"}},
		},
	}
	iface, meta, err := spec.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer iface.Wipe()

	if err := Save(ctx, store, iface, meta, spec.Disabled); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rec, err := store.GetInterface(ctx, "wg0")
	if err != nil || rec == nil {
		t.Fatalf("GetInterface = %v, %v", rec, err)
	}
	defer rec.Wipe()
	if rec.Enabled {
		t.Error("interface should be stored disabled")
	}
	if len(rec.Peers) != 2 {
		t.Fatalf("stored %d peers, want 2", len(rec.Peers))
	}

	peer, err := store.GetPeer(ctx, "wg0", described)
	if err != nil || peer == nil {
		t.Fatalf("GetPeer = %v, %v", peer, err)
	}
	if peer.Description != "laptop" {
		t.Errorf("description = %q", peer.Description)
	}
	want := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	if peer.ExpiresAt == nil || !peer.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", peer.ExpiresAt, want)
	}
}
