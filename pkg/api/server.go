package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edgehive/fleetd/pkg/config"
	"github.com/edgehive/fleetd/pkg/log"
	"github.com/edgehive/fleetd/pkg/metrics"
	"github.com/edgehive/fleetd/pkg/proxyvisor"
	"github.com/edgehive/fleetd/pkg/registry"
	"github.com/edgehive/fleetd/pkg/storage"
	"github.com/edgehive/fleetd/pkg/target"
	"github.com/edgehive/fleetd/pkg/types"
)

// AssetSourceFunc resolves the mounted image root that asset tarballs
// for (appID, commit) are built from.
type AssetSourceFunc func(appID int, commit string) (string, error)

// Config wires the local HTTP surface.
type Config struct {
	Store       storage.Store
	Target      *target.State
	Registry    *registry.Client
	Settings    *config.Settings
	Assets      *proxyvisor.AssetStore
	AssetSource AssetSourceFunc
}

// Server is fleetd's local HTTP surface: device CRUD for dependent
// device agents, dependent-app listings, asset bundles and the
// update trigger.
type Server struct {
	store       storage.Store
	target      *target.State
	registry    *registry.Client
	settings    *config.Settings
	assets      *proxyvisor.AssetStore
	assetSource AssetSourceFunc
	logger      zerolog.Logger
	httpSrv     *http.Server
}

// NewServer creates the server.
func NewServer(cfg Config) *Server {
	return &Server{
		store:       cfg.Store,
		target:      cfg.Target,
		registry:    cfg.Registry,
		settings:    cfg.Settings,
		assets:      cfg.Assets,
		assetSource: cfg.AssetSource,
		logger:      log.WithComponent("api"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/devices", s.listDevices)
	mux.HandleFunc("POST /v1/devices", s.createDevice)
	mux.HandleFunc("GET /v1/devices/{uuid}", s.getDevice)
	mux.HandleFunc("PATCH /v1/devices/{uuid}", s.patchDevice)
	mux.HandleFunc("POST /v1/devices/{uuid}/logs", s.deviceLogs)
	mux.HandleFunc("GET /v1/dependent-apps", s.listApps)
	mux.HandleFunc("GET /v1/dependent-apps/{appId}/assets/{commit}", s.appAssets)
	mux.HandleFunc("POST /v1/update", s.triggerUpdate)
	mux.Handle("GET /metrics", metrics.Handler())

	return s.instrument(mux)
}

// Start begins serving on addr. Blocks until the listener fails or the
// server is stopped.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Handler()}
	s.logger.Info().Str("addr", addr).Msg("local API listening")

	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// instrument counts requests by method and status.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Error().Err(err).Msg("failed to encode response")
		}
	}
}

// writeError maps an error to an HTTP status: unknown rows are 404,
// anything unexpected is a 503 with a best-effort message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusServiceUnavailable
	if errors.Is(err, storage.ErrNotFound) {
		status = http.StatusNotFound
	}
	s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if devices == nil {
		devices = []*types.DependentDevice{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

type createDeviceRequest struct {
	AppID int    `json:"appId"`
	Name  string `json:"name"`
}

func (s *Server) createDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if req.AppID == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "appId is required"})
		return
	}

	device := &types.DependentDevice{
		UUID:      newHexID(),
		DeviceKey: newHexID(),
		Name:      req.Name,
		AppID:     req.AppID,
		Status:    "new",
		Apps:      map[int]*types.DeviceAppState{},
	}

	// The device only exists once the registry knows it; without an
	// upstream id no state could ever be forwarded for it.
	opts, err := s.registryOptions()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	remote, err := s.registry.ProvisionDevice(r.Context(), opts, &registry.ProvisionRequest{
		UUID:      device.UUID,
		Name:      device.Name,
		AppID:     device.AppID,
		DeviceKey: device.DeviceKey,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	device.DeviceID = remote.ID

	if err := s.store.UpsertDevice(device); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, device)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.store.GetDevice(r.PathValue("uuid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if device.MarkedForDeletion {
		s.writeJSON(w, http.StatusGone, map[string]string{"error": "device is marked for deletion"})
		return
	}
	s.writeJSON(w, http.StatusOK, device)
}

type patchDeviceRequest struct {
	Status      *string            `json:"status"`
	IsOnline    *bool              `json:"is_online"`
	Commit      *string            `json:"commit"`
	Config      *map[string]string `json:"config"`
	Environment *map[string]string `json:"environment"`
}

func (s *Server) patchDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.store.GetDevice(r.PathValue("uuid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if device.MarkedForDeletion {
		s.writeJSON(w, http.StatusGone, map[string]string{"error": "device is marked for deletion"})
		return
	}

	var req patchDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	if req.Status != nil {
		device.Status = *req.Status
	}
	if req.IsOnline != nil {
		device.IsOnline = *req.IsOnline
	}
	if req.Commit != nil || req.Config != nil || req.Environment != nil {
		state := device.Apps[device.AppID]
		if state == nil {
			state = &types.DeviceAppState{}
			device.Apps[device.AppID] = state
		}
		if req.Commit != nil {
			state.Commit = *req.Commit
		}
		if req.Config != nil {
			state.Config = *req.Config
		}
		if req.Environment != nil {
			state.Environment = *req.Environment
		}
	}

	if err := s.store.UpsertDevice(device); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.forwardDeviceState(r.Context(), device, req)
	s.writeJSON(w, http.StatusOK, device)
}

// forwardDeviceState pushes reported fields upstream, best effort.
func (s *Server) forwardDeviceState(ctx context.Context, device *types.DependentDevice, req patchDeviceRequest) {
	if device.DeviceID == 0 {
		return
	}
	opts, err := s.registryOptions()
	if err != nil {
		s.logger.Warn().Err(err).Msg("cannot forward device state upstream")
		return
	}

	fields := map[string]interface{}{}
	if req.Status != nil {
		fields["status"] = *req.Status
	}
	if req.IsOnline != nil {
		fields["is_online"] = *req.IsOnline
	}
	if req.Commit != nil {
		fields["commit"] = *req.Commit
	}
	if len(fields) == 0 {
		return
	}
	if err := s.registry.PatchDevice(ctx, opts, device.DeviceID, fields); err != nil {
		logger := log.WithDeviceUUID(device.UUID)
		logger.Warn().Err(err).Msg("failed to forward device state upstream")
	}
}

type deviceLogRequest struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	IsSystem  bool   `json:"is_system"`
}

func (s *Server) deviceLogs(w http.ResponseWriter, r *http.Request) {
	device, err := s.store.GetDevice(r.PathValue("uuid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var entry deviceLogRequest
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	ts := time.UnixMilli(entry.Timestamp)
	if entry.Timestamp == 0 {
		ts = time.Now()
	}
	logger := log.WithDeviceUUID(device.UUID)
	logger.Info().
		Time("device_time", ts).
		Bool("is_system", entry.IsSystem).
		Msg(entry.Message)

	// Forward upstream, best effort, same as reported device state.
	if device.DeviceID != 0 {
		if opts, err := s.registryOptions(); err != nil {
			s.logger.Warn().Err(err).Msg("cannot forward device log upstream")
		} else if err := s.registry.LogDevice(r.Context(), opts, device.DeviceID, &registry.LogEntry{
			Message:   entry.Message,
			Timestamp: ts.UnixMilli(),
			IsSystem:  entry.IsSystem,
		}); err != nil {
			logger := log.WithDeviceUUID(device.UUID)
			logger.Warn().Err(err).Msg("failed to forward device log upstream")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.store.ListApps()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, apps)
}

func (s *Server) appAssets(w http.ResponseWriter, r *http.Request) {
	appID, err := strconv.Atoi(r.PathValue("appId"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed app id"})
		return
	}
	commit := r.PathValue("commit")

	if _, err := s.store.GetApp(appID); err != nil {
		s.writeError(w, r, err)
		return
	}

	source, err := s.assetSource(appID, commit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	path, err := s.assets.Ensure(appID, commit, source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-tar")
	http.ServeFile(w, r, path)
}

type updateRequest struct {
	Force bool `json:"force"`
}

func (s *Server) triggerUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
			return
		}
	}

	go func() {
		if err := s.target.Update(context.Background(), req.Force, true); err != nil {
			s.logger.Error().Err(err).Msg("api-triggered update failed")
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) registryOptions() (registry.Options, error) {
	endpoint, err := s.settings.GetString(config.KeyAPIEndpoint)
	if err != nil {
		return registry.Options{}, err
	}
	apiKey, err := s.settings.GetString(config.KeyCurrentAPIKey)
	if err != nil {
		return registry.Options{}, err
	}
	timeout, err := s.settings.APITimeout()
	if err != nil {
		return registry.Options{}, err
	}
	return registry.Options{Endpoint: endpoint, APIKey: apiKey, Timeout: timeout}, nil
}

// newHexID generates a device uuid or key in the plain-hex form the
// fleet uses.
func newHexID() string {
	id := uuid.New()
	buf := make([]byte, 0, 32)
	for _, b := range id {
		buf = append(buf, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return string(buf)
}

const hexDigits = "0123456789abcdef"
