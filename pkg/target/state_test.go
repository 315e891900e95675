package target

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgehive/fleetd/pkg/config"
	"github.com/edgehive/fleetd/pkg/events"
	"github.com/edgehive/fleetd/pkg/registry"
)

type memBackend struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemBackend() *memBackend {
	return &memBackend{m: make(map[string][]byte)}
}

func (b *memBackend) GetSetting(key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.m[key]
	return v, ok, nil
}

func (b *memBackend) PutSetting(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[key] = value
	return nil
}

func testSettings(t *testing.T, endpoint string) *config.Settings {
	t.Helper()
	settings := config.NewSettings(newMemBackend())
	require.NoError(t, settings.Set(config.KeyUUID, "aabbccdd"))
	require.NoError(t, settings.Set(config.KeyAPIEndpoint, endpoint))
	require.NoError(t, settings.Set(config.KeyCurrentAPIKey, "secret"))
	require.NoError(t, settings.Set(config.KeyAPITimeout, 5000))
	require.NoError(t, settings.Set(config.KeyPollInterval, 60000))
	return settings
}

func waitForEvent(t *testing.T, sub events.Subscriber) *events.Event {
	t.Helper()
	select {
	case event := <-sub:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// TestUpdateChangePropagation tests that a changed document updates the
// cache and emits exactly one event carrying an independent copy
func TestUpdateChangePropagation(t *testing.T) {
	body := `{"local":{},"dependent":{"apps":{},"devices":{}}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/device/v2/aabbccdd/state", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Etag", `"v1"`)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	state := NewState(testSettings(t, srv.URL), registry.NewClient(), broker)
	require.NoError(t, state.Update(context.Background(), false, false))

	event := waitForEvent(t, sub)
	assert.Equal(t, events.EventTargetStateUpdate, event.Type)
	require.NotNil(t, event.TargetState)
	assert.JSONEq(t, body, string(event.TargetState.Body))
	assert.False(t, event.TargetState.Force)
	assert.False(t, event.TargetState.FromAPI)
	assert.Equal(t, `"v1"`, state.ETag())
	assert.False(t, state.LastFetch().IsZero())
}

// TestUpdateNotModified tests conditional fetch idempotence: an
// unchanged remote never mutates the cache and never emits
func TestUpdateNotModified(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.Header().Set("Etag", `"v1"`)
			w.Write([]byte(`{"a":1}`))
			return
		}
		assert.Equal(t, `"v1"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	state := NewState(testSettings(t, srv.URL), registry.NewClient(), broker)
	require.NoError(t, state.Update(context.Background(), false, false))
	waitForEvent(t, sub)

	for i := 0; i < 3; i++ {
		require.NoError(t, state.Update(context.Background(), false, false))
	}
	assert.Equal(t, `"v1"`, state.ETag())

	select {
	case event := <-sub:
		t.Fatalf("unexpected event after not-modified fetches: %v", event.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestUpdateMutualExclusion tests that concurrent updates never overlap
// their fetches
func TestUpdateMutualExclusion(t *testing.T) {
	var active, maxActive int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		w.Header().Set("Etag", `"v1"`)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	state := NewState(testSettings(t, srv.URL), registry.NewClient(), broker)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, state.Update(context.Background(), false, false))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive), "fetches overlapped")
}

// TestUpdateConfigError tests that a missing endpoint setting fails the
// operation but still records the fetch timestamp
func TestUpdateConfigError(t *testing.T) {
	broker := events.NewBroker()
	settings := config.NewSettings(newMemBackend())
	require.NoError(t, settings.Set(config.KeyUUID, "aabbccdd"))

	state := NewState(settings, registry.NewClient(), broker)
	err := state.Update(context.Background(), false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.KeyAPIEndpoint)
	assert.False(t, state.LastFetch().IsZero())
}

// TestUpdateTimeout tests that a stalled remote fails within the
// configured timeout
func TestUpdateTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	broker := events.NewBroker()
	settings := testSettings(t, srv.URL)
	require.NoError(t, settings.Set(config.KeyAPITimeout, 100))

	state := NewState(settings, registry.NewClient(), broker)
	err := state.Update(context.Background(), false, false)
	require.Error(t, err)
}

// TestGetFetchesWhenEmpty tests that Get triggers a fetch on an empty
// cache and returns an independent copy
func TestGetFetchesWhenEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Etag", `"v1"`)
		w.Write([]byte(`{"value":1}`))
	}))
	defer srv.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	state := NewState(testSettings(t, srv.URL), registry.NewClient(), broker)

	body, err := state.Get(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":1}`, string(body))

	// Mutating the returned copy must not affect a later read.
	for i := range body {
		body[i] = 'x'
	}
	again, err := state.Get(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":1}`, string(again))
}
