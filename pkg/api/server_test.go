package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgehive/fleetd/pkg/config"
	"github.com/edgehive/fleetd/pkg/events"
	"github.com/edgehive/fleetd/pkg/proxyvisor"
	"github.com/edgehive/fleetd/pkg/registry"
	"github.com/edgehive/fleetd/pkg/storage"
	"github.com/edgehive/fleetd/pkg/target"
	"github.com/edgehive/fleetd/pkg/types"
)

func newTestServer(t *testing.T, upstreamURL string) (*Server, storage.Store) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	settings := config.NewSettings(store)
	require.NoError(t, settings.Set(config.KeyUUID, "aabbccdd"))
	require.NoError(t, settings.Set(config.KeyAPIEndpoint, upstreamURL))
	require.NoError(t, settings.Set(config.KeyCurrentAPIKey, "secret"))
	require.NoError(t, settings.Set(config.KeyAPITimeout, 2000))

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	client := registry.NewClient()
	srv := NewServer(Config{
		Store:    store,
		Target:   target.NewState(settings, client, broker),
		Registry: client,
		Settings: settings,
		Assets:   proxyvisor.NewAssetStore(t.TempDir()),
		AssetSource: func(appID int, commit string) (string, error) {
			return t.TempDir(), nil
		},
	})
	return srv, store
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestListDevicesEmpty(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.invalid")
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestCreateDevice(t *testing.T) {
	var registered registry.ProvisionRequest
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/device/v2/register", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&registered))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(registry.Device{ID: 601, UUID: registered.UUID, Name: registered.Name})
	}))
	defer upstream.Close()

	srv, store := newTestServer(t, upstream.URL)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/devices", map[string]interface{}{
		"appId": 1011,
		"name":  "hall-sensor",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var device types.DependentDevice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &device))
	hex32 := regexp.MustCompile(`^[0-9a-f]{32}$`)
	assert.Regexp(t, hex32, device.UUID)
	assert.Regexp(t, hex32, device.DeviceKey)
	assert.NotEqual(t, device.UUID, device.DeviceKey)
	assert.Equal(t, 1011, device.AppID)
	assert.Equal(t, "new", device.Status)
	assert.Equal(t, 601, device.DeviceID)

	// The upstream saw the same identity we handed out.
	assert.Equal(t, device.UUID, registered.UUID)
	assert.Equal(t, device.DeviceKey, registered.DeviceKey)
	assert.Equal(t, 1011, registered.AppID)

	stored, err := store.GetDevice(device.UUID)
	require.NoError(t, err)
	assert.Equal(t, "hall-sensor", stored.Name)
	assert.Equal(t, 601, stored.DeviceID)
}

func TestCreateDeviceUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	srv, store := newTestServer(t, upstream.URL)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/devices", map[string]interface{}{"appId": 1011})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// No half-provisioned row is left behind.
	devices, err := store.ListDevices()
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestCreateDeviceRequiresApp(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.invalid")
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/devices", map[string]interface{}{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDevice(t *testing.T) {
	srv, store := newTestServer(t, "http://unused.invalid")
	handler := srv.Handler()

	require.NoError(t, store.UpsertDevice(&types.DependentDevice{UUID: "dev-1", Name: "hall-sensor", AppID: 1}))

	rec := doJSON(t, handler, http.MethodGet, "/v1/devices/dev-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var device types.DependentDevice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &device))
	assert.Equal(t, "hall-sensor", device.Name)

	rec = doJSON(t, handler, http.MethodGet, "/v1/devices/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetDeviceMarkedForDeletion(t *testing.T) {
	srv, store := newTestServer(t, "http://unused.invalid")
	require.NoError(t, store.UpsertDevice(&types.DependentDevice{UUID: "dev-1", AppID: 1, MarkedForDeletion: true}))

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/devices/dev-1", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestPatchDevice(t *testing.T) {
	var patched map[string]interface{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/device/v2/501", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
	}))
	defer upstream.Close()

	srv, store := newTestServer(t, upstream.URL)
	require.NoError(t, store.UpsertDevice(&types.DependentDevice{
		UUID:     "dev-1",
		DeviceID: 501,
		AppID:    1,
		Status:   "new",
	}))

	rec := doJSON(t, srv.Handler(), http.MethodPatch, "/v1/devices/dev-1", map[string]interface{}{
		"status":    "Idle",
		"is_online": true,
		"commit":    "c1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	device, err := store.GetDevice("dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Idle", device.Status)
	assert.True(t, device.IsOnline)
	require.Contains(t, device.Apps, 1)
	assert.Equal(t, "c1", device.Apps[1].Commit)

	// Reported fields were forwarded upstream.
	assert.Equal(t, "Idle", patched["status"])
	assert.Equal(t, true, patched["is_online"])
	assert.Equal(t, "c1", patched["commit"])
}

func TestPatchDeviceMarkedForDeletion(t *testing.T) {
	srv, store := newTestServer(t, "http://unused.invalid")
	require.NoError(t, store.UpsertDevice(&types.DependentDevice{UUID: "dev-1", AppID: 1, MarkedForDeletion: true}))

	rec := doJSON(t, srv.Handler(), http.MethodPatch, "/v1/devices/dev-1", map[string]interface{}{"status": "Idle"})
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestDeviceLogs(t *testing.T) {
	var forwarded registry.LogEntry
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/device/v2/501/logs", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&forwarded))
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	srv, store := newTestServer(t, upstream.URL)
	require.NoError(t, store.UpsertDevice(&types.DependentDevice{UUID: "dev-1", DeviceID: 501, AppID: 1}))

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/devices/dev-1/logs", map[string]interface{}{
		"message":   "booted",
		"timestamp": time.Now().UnixMilli(),
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "booted", forwarded.Message)
	assert.NotZero(t, forwarded.Timestamp)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/devices/missing/logs", map[string]interface{}{"message": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeviceLogsUnprovisionedStaysLocal(t *testing.T) {
	srv, store := newTestServer(t, "http://unused.invalid")
	require.NoError(t, store.UpsertDevice(&types.DependentDevice{UUID: "dev-1", AppID: 1}))

	// A device without an upstream id cannot be forwarded for; the log
	// is still accepted locally.
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/devices/dev-1/logs", map[string]interface{}{
		"message": "booted",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestListApps(t *testing.T) {
	srv, store := newTestServer(t, "http://unused.invalid")
	require.NoError(t, store.UpsertApp(&types.DependentApp{AppID: 1011, Name: "sensor-fw", Commit: "c1"}))

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/dependent-apps", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var apps []*types.DependentApp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apps))
	require.Len(t, apps, 1)
	assert.Equal(t, "sensor-fw", apps[0].Name)
}

func TestAppAssets(t *testing.T) {
	srv, store := newTestServer(t, "http://unused.invalid")
	require.NoError(t, store.UpsertApp(&types.DependentApp{AppID: 1011, Commit: "c1"}))

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/dependent-apps/1011/assets/c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-tar", rec.Header().Get("Content-Type"))

	// Unknown apps do not get bundles built.
	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/dependent-apps/9999/assets/c1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerUpdate(t *testing.T) {
	fetched := make(chan struct{}, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case fetched <- struct{}{}:
		default:
		}
		w.Header().Set("Etag", `"v1"`)
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	srv, _ := newTestServer(t, upstream.URL)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/update", map[string]interface{}{"force": true})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("update trigger never reached the upstream")
	}
}
