package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/itsChris/wgsync/internal/db"
	apperr "github.com/itsChris/wgsync/internal/errors"
	"github.com/itsChris/wgsync/internal/manifest"
	"github.com/itsChris/wgsync/internal/wg"
)

// defaultHistory is the window returned by the history route when no
// "from" is given.
const defaultHistory = 24 * time.Hour

// handlePutPeer creates or updates one peer. On a managed interface the
// peer is stored and the device reconciled to the stored state; on an
// unmanaged device it is applied directly.
func (s *Server) handlePutPeer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")
	pub, err := wg.ParsePublicKey(r.PathValue("key"))
	if err != nil {
		s.fail(w, r, "put_peer", err)
		return
	}

	body, code, status, err := readBody(r)
	if err != nil {
		writeError(w, r, err, code, status, s.devMode)
		return
	}
	spec, err := manifest.ParsePeer(body)
	clear(body)
	if err != nil {
		writeError(w, r, err, apperr.ErrValidation, http.StatusBadRequest, s.devMode)
		return
	}
	if spec.PublicKey == "" {
		spec.PublicKey = pub.String()
	}
	peer, meta, err := spec.Build()
	if err != nil {
		s.fail(w, r, "put_peer", err)
		return
	}
	defer peer.Wipe()
	if peer.PublicKey != pub {
		writeValidationError(w, r, []fieldError{{"public_key", "must match the path"}})
		return
	}
	if err := peer.Validate(); err != nil {
		s.fail(w, r, "put_peer", err)
		return
	}

	rec, err := s.db.GetInterface(ctx, name)
	if err != nil {
		s.fail(w, r, "put_peer", err)
		return
	}
	if rec == nil {
		op := wg.Op{Kind: wg.OpUpsertPeer, Interface: name, Peer: &peer, PublicKey: pub, Reason: "api"}
		s.executeUnmanaged(w, r, op)
		return
	}
	rec.Wipe()

	stored := &db.PeerRecord{Peer: peer, Description: meta.Description, ExpiresAt: meta.ExpiresAt}
	if _, err := s.db.PutPeer(ctx, name, stored); err != nil {
		s.fail(w, r, "put_peer", err)
		return
	}
	s.applyStored(w, r, name, http.StatusOK)
}

// handleDeletePeer removes one peer from the store and the device.
func (s *Server) handleDeletePeer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")
	pub, err := wg.ParsePublicKey(r.PathValue("key"))
	if err != nil {
		s.fail(w, r, "remove_peer", err)
		return
	}
	op := wg.Op{Kind: wg.OpRemovePeer, Interface: name, PublicKey: pub, Reason: "api"}

	rec, err := s.db.GetInterface(ctx, name)
	if err != nil {
		s.fail(w, r, "remove_peer", err)
		return
	}
	if rec == nil {
		s.executeUnmanaged(w, r, op)
		return
	}
	enabled := rec.Enabled
	rec.Wipe()

	stored := true
	if err := s.db.DeletePeer(ctx, name, pub); errors.Is(err, db.ErrNotFound) {
		stored = false
	} else if err != nil {
		s.fail(w, r, "remove_peer", err)
		return
	}
	if !enabled {
		if !stored {
			s.fail(w, r, "remove_peer", wg.NewError(wg.NotFound, "remove_peer", name, nil).ForPeer(pub))
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	err = s.reconciler.Execute(ctx, op)
	switch {
	case err == nil, wg.IsNotFound(err) && stored:
		w.WriteHeader(http.StatusNoContent)
	default:
		s.fail(w, r, "remove_peer", err)
	}
}

// executeUnmanaged applies a single peer operation to a device that has
// no stored desired state.
func (s *Server) executeUnmanaged(w http.ResponseWriter, r *http.Request, op wg.Op) {
	start := time.Now()
	err := s.reconciler.Execute(r.Context(), op)
	if err != nil {
		s.fail(w, r, op.Kind.String(), err)
		return
	}
	if op.Kind == wg.OpRemovePeer {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	ov := newOpView(op)
	ov.DurationMS = time.Since(start).Milliseconds()
	writeJSON(w, http.StatusOK, resultView{
		Interface: op.Interface,
		Backend:   s.reconciler.Backend().Name(),
		Converged: true,
		Applied:   1,
		Ops:       []opView{ov},
	})
}

// handlePeerHistory returns the stored statistics samples of a peer
// between the "from" and "to" query parameters. Both take RFC 3339 or unix
// seconds; to defaults to now and from to defaultHistory before to.
func (s *Server) handlePeerHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")
	pub, err := wg.ParsePublicKey(r.PathValue("key"))
	if err != nil {
		s.fail(w, r, "peer_history", err)
		return
	}

	q := r.URL.Query()
	var errs []fieldError
	to, ok := parseHistoryTime(q.Get("to"))
	if !ok {
		errs = append(errs, fieldError{"to", "must be an RFC 3339 time or unix seconds"})
	}
	from, ok := parseHistoryTime(q.Get("from"))
	if !ok {
		errs = append(errs, fieldError{"from", "must be an RFC 3339 time or unix seconds"})
	}
	if len(errs) > 0 {
		writeValidationError(w, r, errs)
		return
	}
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		from = to.Add(-defaultHistory)
	}
	if !from.Before(to) {
		writeValidationError(w, r, []fieldError{{"from", "must be before to"}})
		return
	}

	rec, err := s.db.GetPeer(ctx, name, pub)
	if err != nil {
		s.fail(w, r, "peer_history", err)
		return
	}
	if rec == nil {
		s.fail(w, r, "peer_history", wg.NewError(wg.NotFound, "peer_history", name, fmt.Errorf("peer is not managed")).ForPeer(pub))
		return
	}
	peerID := rec.ID
	rec.Wipe()

	snaps, err := s.db.ListSnapshots(ctx, peerID, from, to)
	if err != nil {
		s.fail(w, r, "peer_history", err)
		return
	}
	out := make([]snapshotView, 0, len(snaps))
	for _, sn := range snaps {
		v := snapshotView{
			Timestamp:     sn.Timestamp,
			ReceiveBytes:  sn.RxBytes,
			TransmitBytes: sn.TxBytes,
			Online:        sn.Online,
		}
		if !sn.LastHandshake.IsZero() {
			t := sn.LastHandshake
			v.LastHandshake = &t
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"interface":  name,
		"public_key": pub.String(),
		"from":       from.UTC(),
		"to":         to.UTC(),
		"snapshots":  out,
	})
}

// parseHistoryTime reads a history bound. An empty value yields the zero
// time.
func parseHistoryTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, true
	}
	if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(sec, 0), true
	}
	t, err := time.Parse(time.RFC3339, v)
	return t, err == nil
}
