package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/itsChris/wgsync/internal/db"
	apperr "github.com/itsChris/wgsync/internal/errors"
	"github.com/itsChris/wgsync/internal/manifest"
	"github.com/itsChris/wgsync/internal/wg"
)

// handleListInterfaces lists every device the backend reports together
// with every stored interface. Devices are rendered from their live
// state; stored interfaces without a device from their desired state.
func (s *Server) handleListInterfaces(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	devices, err := s.reconciler.Backend().ListInterfaces(ctx)
	if err != nil {
		s.fail(w, r, "list_interfaces", err)
		return
	}
	stored, err := s.db.ListInterfaces(ctx)
	if err != nil {
		s.fail(w, r, "list_interfaces", err)
		return
	}
	defer func() {
		for i := range stored {
			stored[i].Wipe()
		}
	}()

	byName := make(map[string]*db.InterfaceRecord, len(stored))
	names := slices.Clone(devices)
	for i := range stored {
		byName[stored[i].Name] = &stored[i]
		names = append(names, stored[i].Name)
	}
	slices.Sort(names)
	names = slices.Compact(names)

	views := make([]interfaceView, 0, len(names))
	for _, name := range names {
		v, err := s.interfaceView(ctx, name, byName[name])
		if wg.IsNotFound(err) {
			continue
		}
		if err != nil {
			s.fail(w, r, "list_interfaces", err)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"interfaces": views})
}

// handleGetInterface renders one interface, live when present.
func (s *Server) handleGetInterface(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")

	rec, err := s.db.GetInterface(ctx, name)
	if err != nil {
		s.fail(w, r, "get_interface", err)
		return
	}
	if rec != nil {
		defer rec.Wipe()
	}
	v, err := s.interfaceView(ctx, name, rec)
	if err != nil {
		s.fail(w, r, "get_interface", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// interfaceView snapshots name and falls back to the stored desired state
// when the device is absent. NotFound means neither exists.
func (s *Server) interfaceView(ctx context.Context, name string, rec *db.InterfaceRecord) (interfaceView, error) {
	var peers []db.PeerRecord
	if rec != nil {
		var err error
		if peers, err = s.db.ListPeers(ctx, name); err != nil {
			return interfaceView{}, err
		}
		defer wipePeerRecords(peers)
	}

	snap, err := s.reconciler.Snapshot(ctx, name)
	switch {
	case err == nil:
		defer snap.Wipe()
		return newInterfaceView(snap, true, rec, peers, s.now()), nil
	case wg.IsNotFound(err) && rec != nil:
		return newInterfaceView(rec.Interface, false, rec, peers, s.now()), nil
	default:
		return interfaceView{}, err
	}
}

// handleCreateInterface stores a new desired interface and applies it.
func (s *Server) handleCreateInterface(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	spec, ok := s.readInterfaceSpec(w, r, "")
	if !ok {
		return
	}
	iface, meta, err := spec.Build()
	if err != nil {
		s.fail(w, r, "create_interface", err)
		return
	}
	defer iface.Wipe()

	existing, err := s.db.GetInterface(ctx, iface.Name)
	if err != nil {
		s.fail(w, r, "create_interface", err)
		return
	}
	if existing != nil {
		existing.Wipe()
		s.fail(w, r, "create_interface",
			wg.NewError(wg.AlreadyExists, "create_interface", iface.Name, errors.New("interface is already managed")))
		return
	}

	if err := manifest.Save(ctx, s.db, iface, meta, spec.Disabled); err != nil {
		s.fail(w, r, "create_interface", err)
		return
	}
	s.applyStored(w, r, iface.Name, http.StatusCreated)
}

// handlePatchInterface merges interface-level fields into the stored
// desired state and reconciles the device to it. Peers are managed
// through their own routes.
func (s *Server) handlePatchInterface(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")

	spec, ok := s.readInterfaceSpec(w, r, name)
	if !ok {
		return
	}
	if len(spec.Peers) > 0 {
		writeValidationError(w, r, []fieldError{{"peers", "peers cannot be patched; use the peer routes or PUT /desired"}})
		return
	}
	iface, _, err := spec.Build()
	if err != nil {
		s.fail(w, r, "patch_interface", err)
		return
	}
	defer iface.Wipe()

	if err := s.db.UpdateInterfaceParams(ctx, name, iface.Params()); err != nil {
		s.fail(w, r, "patch_interface", err)
		return
	}
	if spec.Disabled != nil {
		if err := s.db.SetInterfaceEnabled(ctx, name, !*spec.Disabled); err != nil {
			s.fail(w, r, "patch_interface", err)
			return
		}
	}
	s.applyStored(w, r, name, http.StatusOK)
}

// handleDeleteInterface forgets the stored interface and removes the
// device. The store goes first so the drift loop cannot recreate a device
// whose removal failed.
func (s *Server) handleDeleteInterface(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")
	if err := wg.ValidateName(name); err != nil {
		s.fail(w, r, "delete_interface", err)
		return
	}

	managed := true
	if err := s.db.DeleteInterface(ctx, name); errors.Is(err, db.ErrNotFound) {
		managed = false
	} else if err != nil {
		s.fail(w, r, "delete_interface", err)
		return
	}

	res, err := s.reconciler.Reconcile(ctx, name, nil)
	if err != nil {
		s.writeResult(w, r, http.StatusOK, res, err)
		return
	}
	if !managed && len(res.Ops) == 0 {
		s.fail(w, r, "delete_interface", wg.NewError(wg.NotFound, "delete_interface", name, nil))
		return
	}
	if s.metrics != nil {
		s.metrics.Forget(name)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePutDesired replaces the complete desired state of one interface,
// peers included, and reconciles the device to it. With dry_run=true the
// planned operations are returned and nothing is stored or applied.
func (s *Server) handlePutDesired(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")

	spec, ok := s.readInterfaceSpec(w, r, name)
	if !ok {
		return
	}
	iface, meta, err := spec.Build()
	if err != nil {
		s.fail(w, r, "put_desired", err)
		return
	}
	defer iface.Wipe()

	if r.URL.Query().Get("dry_run") == "true" {
		ops, err := s.reconciler.Plan(ctx, name, iface)
		if err != nil {
			s.fail(w, r, "plan", err)
			return
		}
		views := make([]opView, 0, len(ops))
		for _, op := range ops {
			views = append(views, newOpView(op))
		}
		writeJSON(w, http.StatusOK, map[string]any{"interface": name, "dry_run": true, "ops": views})
		return
	}

	if err := manifest.Save(ctx, s.db, iface, meta, spec.Disabled); err != nil {
		s.fail(w, r, "put_desired", err)
		return
	}
	s.applyStored(w, r, name, http.StatusOK)
}

// readInterfaceSpec parses a YAML or JSON interface body. A path name
// fills in a missing body name and must match a present one.
func (s *Server) readInterfaceSpec(w http.ResponseWriter, r *http.Request, pathName string) (*manifest.InterfaceSpec, bool) {
	body, code, status, err := readBody(r)
	if err != nil {
		writeError(w, r, err, code, status, s.devMode)
		return nil, false
	}
	spec, err := manifest.ParseInterface(body)
	clear(body)
	if err != nil {
		writeError(w, r, err, apperr.ErrValidation, http.StatusBadRequest, s.devMode)
		return nil, false
	}
	switch {
	case pathName == "":
	case spec.Name == "":
		spec.Name = pathName
	case spec.Name != pathName:
		writeValidationError(w, r, []fieldError{{"name", fmt.Sprintf("must match the path (%s)", pathName)}})
		return nil, false
	}
	return spec, true
}

// applyStored reconciles the device to the stored desired state of name
// and writes the pass. A disabled interface is stored but not applied.
func (s *Server) applyStored(w http.ResponseWriter, r *http.Request, name string, okStatus int) {
	ctx := r.Context()
	rec, err := s.db.GetInterface(ctx, name)
	if err != nil {
		s.fail(w, r, "apply", err)
		return
	}
	if rec == nil {
		s.fail(w, r, "apply", wg.NewError(wg.NotFound, "apply", name, nil))
		return
	}
	defer rec.Wipe()

	if !rec.Enabled {
		writeJSON(w, http.StatusAccepted, map[string]any{"interface": name, "enabled": false})
		return
	}
	res, err := s.reconciler.Reconcile(ctx, name, rec.Interface)
	s.writeResult(w, r, okStatus, res, err)
}

// writeResult writes a reconcile pass. A pass with failed operations is
// answered with the status of its error; the body still lists every
// operation.
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, okStatus int, res *wg.Result, err error) {
	if res == nil {
		s.fail(w, r, "reconcile", err)
		return
	}
	status := okStatus
	if err != nil {
		_, status = errorStatus(err)
	}
	writeJSON(w, status, newResultView(res, err))
}

func wipePeerRecords(recs []db.PeerRecord) {
	for i := range recs {
		recs[i].Wipe()
	}
}
