package manifest

import (
	"context"

	"github.com/itsChris/wgsync/internal/db"
	"github.com/itsChris/wgsync/internal/wg"
)

// Store is the part of the desired-state store Save writes to.
type Store interface {
	PutInterface(ctx context.Context, iface *wg.Interface) (int64, error)
	PutPeer(ctx context.Context, iface string, rec *db.PeerRecord) (int64, error)
	SetInterfaceEnabled(ctx context.Context, name string, enabled bool) error
}

// Save stores iface as the desired state of its interface and attaches the
// peer metadata. disabled, when non-nil, also sets the enabled flag.
func Save(ctx context.Context, store Store, iface *wg.Interface, meta []PeerMeta, disabled *bool) error {
	if _, err := store.PutInterface(ctx, iface); err != nil {
		return err
	}
	for i, m := range meta {
		if m.Description == "" && m.ExpiresAt == nil {
			continue
		}
		rec := &db.PeerRecord{Peer: iface.Peers[i], Description: m.Description, ExpiresAt: m.ExpiresAt}
		if _, err := store.PutPeer(ctx, iface.Name, rec); err != nil {
			return err
		}
	}
	if disabled != nil {
		return store.SetInterfaceEnabled(ctx, iface.Name, !*disabled)
	}
	return nil
}
