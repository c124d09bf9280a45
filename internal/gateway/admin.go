package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/punchsync/internal/devices"
	"github.com/roach88/punchsync/internal/punch"
	"github.com/roach88/punchsync/internal/reconcile"
	"github.com/roach88/punchsync/internal/store"
)

// adminRouter serves the administrative API under /admin.
func (srv *Server) adminRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(srv.requireAdmin)

	r.Get("/devices", srv.handleListDevices)
	r.Post("/devices", srv.handleCreateDevice)
	r.Get("/devices/{id}", srv.handleGetDevice)
	r.Patch("/devices/{id}", srv.handleUpdateDevice)
	r.Delete("/devices/{id}", srv.handleDeleteDevice)
	r.Post("/devices/{id}/sync", srv.handleSyncDevice)

	r.Get("/mappings", srv.handleListMappings)
	r.Post("/mappings", srv.handleUpsertMapping)
	r.Post("/orgs/{org}/reresolve", srv.handleReresolve)

	r.Get("/events", srv.handleListEvents)
	r.Get("/errors", srv.handleListIngestionErrors)
	r.Get("/attendance", srv.handleListAttendance)
	r.Patch("/attendance/{employee}/{date}", srv.handleAmendAttendance)

	r.Get("/status", srv.handleStatus)
	return r
}

// requireAdmin checks the static bearer token.
func (srv *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(srv.cfg.AdminToken)) != 1 {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest(fmt.Errorf("invalid request body: %w", err))
	}
	return nil
}

// syncWorkers asks the device manager to pick up a registry change now.
func (srv *Server) syncWorkers(r *http.Request) {
	if srv.deps.Devices == nil {
		return
	}
	if err := srv.deps.Devices.Sync(r.Context()); err != nil && !errors.Is(err, devices.ErrNotRunning) {
		srv.log.Warn("device worker sync failed", "err", err)
	}
}

func (srv *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	list, err := srv.deps.Store.ListDevices(r.Context(), r.URL.Query().Get("org"))
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": nonNil(list)})
}

type createDeviceRequest struct {
	OrgID         string           `json:"org_id"`
	Name          string           `json:"name"`
	Brand         string           `json:"brand"`
	Model         string           `json:"model"`
	Serial        string           `json:"serial"`
	Address       string           `json:"address"`
	Port          int              `json:"port"`
	CommKey       string           `json:"comm_key"`
	SigningSecret string           `json:"signing_secret"`
	Timezone      string           `json:"timezone"`
	Mode          punch.DeviceMode `json:"mode"`
}

func (srv *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.fail(w, r, err)
		return
	}
	if _, err := srv.deps.Store.GetOrganization(r.Context(), req.OrgID); err != nil {
		srv.fail(w, r, err)
		return
	}
	dev, err := srv.deps.Store.CreateDevice(r.Context(), punch.Device{
		OrgID:         req.OrgID,
		Name:          req.Name,
		Brand:         req.Brand,
		Model:         req.Model,
		Serial:        req.Serial,
		Address:       req.Address,
		Port:          req.Port,
		CommKey:       req.CommKey,
		SigningSecret: req.SigningSecret,
		Timezone:      req.Timezone,
		Mode:          req.Mode,
		CreatedAt:     srv.clock.Now(),
	})
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	srv.log.Info("device registered", "device", dev.ID, "org", dev.OrgID, "mode", dev.Mode)
	srv.syncWorkers(r)
	writeJSON(w, http.StatusCreated, dev)
}

func (srv *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := srv.deps.Store.GetDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

type updateDeviceRequest struct {
	Name          *string           `json:"name"`
	Address       *string           `json:"address"`
	Port          *int              `json:"port"`
	CommKey       *string           `json:"comm_key"`
	SigningSecret *string           `json:"signing_secret"`
	Timezone      *string           `json:"timezone"`
	Mode          *punch.DeviceMode `json:"mode"`
	Active        *bool             `json:"active"`
	RotateAPIKey  bool              `json:"rotate_api_key"`
}

func (srv *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var req updateDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.fail(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	dev, err := srv.deps.Store.UpdateDevice(r.Context(), id, store.DeviceUpdate{
		Name:          req.Name,
		Address:       req.Address,
		Port:          req.Port,
		CommKey:       req.CommKey,
		SigningSecret: req.SigningSecret,
		Timezone:      req.Timezone,
		Mode:          req.Mode,
		Active:        req.Active,
		RotateAPIKey:  req.RotateAPIKey,
	})
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	srv.log.Info("device updated", "device", id, "active", dev.Active)
	srv.syncWorkers(r)
	writeJSON(w, http.StatusOK, dev)
}

func (srv *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := srv.deps.Store.DeleteDevice(r.Context(), id); err != nil {
		srv.fail(w, r, err)
		return
	}
	srv.limiter.Forget(id)
	srv.log.Info("device deleted", "device", id)
	srv.syncWorkers(r)
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleSyncDevice(w http.ResponseWriter, r *http.Request) {
	if srv.deps.Devices == nil {
		writeError(w, "device manager not available", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := srv.deps.Store.GetDevice(r.Context(), id); err != nil {
		srv.fail(w, r, err)
		return
	}
	res, err := srv.deps.Devices.PollOnce(r.Context(), id)
	if err != nil {
		srv.log.Warn("manual device sync failed", "device", id, "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"result": res, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (srv *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	org := r.URL.Query().Get("org")
	if org == "" {
		writeError(w, "org query parameter is required", http.StatusBadRequest)
		return
	}
	list, err := srv.deps.Store.ListMappings(r.Context(), org)
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": nonNil(list)})
}

type mappingRequest struct {
	OrgID        string `json:"org_id"`
	DeviceID     string `json:"device_id"`
	DeviceUserID string `json:"device_user_id"`
	GlobalUserID string `json:"global_user_id"`
	EmployeeID   string `json:"employee_id"`
}

// handleUpsertMapping stores a mapping and schedules re-resolution of the
// organization's unprocessed punches.
func (srv *Server) handleUpsertMapping(w http.ResponseWriter, r *http.Request) {
	var req mappingRequest
	if err := decodeJSON(r, &req); err != nil {
		srv.fail(w, r, err)
		return
	}
	if req.OrgID == "" || req.EmployeeID == "" {
		writeError(w, "org_id and employee_id are required", http.StatusBadRequest)
		return
	}
	m, err := srv.deps.Store.UpsertMapping(r.Context(), punch.IdentityMapping{
		OrgID:        req.OrgID,
		DeviceID:     req.DeviceID,
		DeviceUserID: req.DeviceUserID,
		GlobalUserID: req.GlobalUserID,
		EmployeeID:   req.EmployeeID,
	})
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	srv.deps.Pipeline.Schedule(m.OrgID)
	writeJSON(w, http.StatusOK, m)
}

func (srv *Server) handleReresolve(w http.ResponseWriter, r *http.Request) {
	org := chi.URLParam(r, "org")
	if _, err := srv.deps.Store.GetOrganization(r.Context(), org); err != nil {
		srv.fail(w, r, err)
		return
	}
	n, err := srv.deps.Pipeline.Reresolve(r.Context(), org)
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"org_id": org, "processed": n})
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest(fmt.Errorf("%s must be a non-negative integer", name))
	}
	return n, nil
}

func (srv *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	list, err := srv.deps.Store.RecentEvents(r.Context(), store.EventFilter{
		OrgID:       q.Get("org"),
		DeviceID:    q.Get("device"),
		EmployeeID:  q.Get("employee"),
		Unprocessed: q.Get("unprocessed") == "true",
		Limit:       limit,
	})
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(list)})
}

func (srv *Server) handleListIngestionErrors(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	list, err := srv.deps.Store.ListIngestionErrors(r.Context(), limit)
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": nonNil(list)})
}

func (srv *Server) handleListAttendance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := srv.deps.Store.ListAttendance(r.Context(), store.AttendanceFilter{
		OrgID:      q.Get("org"),
		EmployeeID: q.Get("employee"),
		From:       q.Get("from"),
		To:         q.Get("to"),
	})
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attendance": nonNil(list)})
}

func (srv *Server) handleAmendAttendance(w http.ResponseWriter, r *http.Request) {
	if srv.deps.Amender == nil {
		writeError(w, "attendance amendments not available", http.StatusServiceUnavailable)
		return
	}
	var req reconcile.AttendanceAmendment
	if err := decodeJSON(r, &req); err != nil {
		srv.fail(w, r, err)
		return
	}
	employee, date := chi.URLParam(r, "employee"), chi.URLParam(r, "date")
	rec, err := srv.deps.Amender.Amend(r.Context(), employee, date, req)
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// StatusResponse summarizes the registry and the running device workers.
type StatusResponse struct {
	Ready   bool                   `json:"ready"`
	Devices []punch.Device         `json:"devices"`
	Workers []devices.WorkerStatus `json:"workers"`
}

func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	list, err := srv.deps.Store.ListDevices(r.Context(), r.URL.Query().Get("org"))
	if err != nil {
		srv.fail(w, r, err)
		return
	}
	resp := StatusResponse{
		Ready:   srv.isReady.Load(),
		Devices: nonNil(list),
		Workers: []devices.WorkerStatus{},
	}
	if srv.deps.Devices != nil {
		resp.Workers = nonNil(srv.deps.Devices.Status())
	}
	writeJSON(w, http.StatusOK, resp)
}

// nonNil makes empty lists encode as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
