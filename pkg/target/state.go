package target

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgehive/fleetd/pkg/config"
	"github.com/edgehive/fleetd/pkg/events"
	"github.com/edgehive/fleetd/pkg/log"
	"github.com/edgehive/fleetd/pkg/metrics"
	"github.com/edgehive/fleetd/pkg/registry"
	"github.com/edgehive/fleetd/pkg/types"
)

// ErrNoTargetState is returned by Get when no document could be
// obtained at all.
var ErrNoTargetState = errors.New("no target state available")

// State holds the last successfully fetched target-state document and
// runs the conditional fetch protocol against the orchestrator. One
// State exists per process; tests construct isolated instances.
type State struct {
	settings *config.Settings
	client   *registry.Client
	broker   *events.Broker
	logger   zerolog.Logger

	// fetchMu serializes Update: at most one fetch in flight.
	fetchMu sync.Mutex

	// cacheMu guards cache and lastFetch against concurrent readers.
	cacheMu   sync.RWMutex
	cache     *types.TargetState
	lastFetch time.Time
}

// NewState creates the target-state cache.
func NewState(settings *config.Settings, client *registry.Client, broker *events.Broker) *State {
	return &State{
		settings: settings,
		client:   client,
		broker:   broker,
		logger:   log.WithComponent("target"),
	}
}

// Update performs one conditional fetch and, when the document changed,
// atomically replaces the cache and emits a target-state.update event.
// Concurrent callers block on the fetch lock and then perform their own
// fetch. The fetch timestamp is recorded on every exit path, after the
// lock has been released.
func (s *State) Update(ctx context.Context, force, fromAPI bool) error {
	defer func() {
		s.cacheMu.Lock()
		s.lastFetch = time.Now()
		s.cacheMu.Unlock()
	}()

	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	uuid, err := s.settings.GetString(config.KeyUUID)
	if err != nil {
		return err
	}
	endpoint, err := s.settings.GetString(config.KeyAPIEndpoint)
	if err != nil {
		return err
	}
	apiKey, err := s.settings.GetString(config.KeyCurrentAPIKey)
	if err != nil {
		return err
	}
	timeout, err := s.settings.APITimeout()
	if err != nil {
		return err
	}

	s.cacheMu.RLock()
	etag := ""
	if s.cache != nil {
		etag = s.cache.ETag
	}
	s.cacheMu.RUnlock()

	timer := metrics.NewTimer()
	result, err := s.client.GetTargetState(ctx, registry.Options{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Timeout:  timeout,
	}, uuid, etag)
	timer.ObserveDuration(metrics.FetchDuration)

	if err != nil {
		metrics.FetchAttemptsTotal.WithLabelValues("error").Inc()
		return err
	}
	if !result.Modified {
		metrics.FetchAttemptsTotal.WithLabelValues("not_modified").Inc()
		s.logger.Debug().Msg("target state unchanged")
		return nil
	}

	s.cacheMu.Lock()
	s.cache = &types.TargetState{Body: result.Body, ETag: result.ETag}
	s.cacheMu.Unlock()

	metrics.FetchAttemptsTotal.WithLabelValues("changed").Inc()
	s.logger.Info().Str("etag", result.ETag).Bool("force", force).Bool("from_api", fromAPI).
		Msg("target state changed")

	// The event carries its own copy: the cache is replaced in place
	// on the next fetch and subscribers may hold the body long after.
	body := make(json.RawMessage, len(result.Body))
	copy(body, result.Body)
	s.broker.Publish(&events.Event{
		Type:    events.EventTargetStateUpdate,
		Message: "target state changed",
		TargetState: &events.TargetStateUpdate{
			Body:    body,
			Force:   force,
			FromAPI: fromAPI,
		},
	})
	return nil
}

// Get returns a copy of the cached document, fetching first if the
// cache is empty. The returned bytes never alias the cache; callers may
// mutate them freely.
func (s *State) Get(ctx context.Context) (json.RawMessage, error) {
	s.cacheMu.RLock()
	cached := s.cache
	s.cacheMu.RUnlock()

	if cached == nil {
		if err := s.Update(ctx, false, false); err != nil {
			return nil, err
		}
		s.cacheMu.RLock()
		cached = s.cache
		s.cacheMu.RUnlock()
		if cached == nil {
			return nil, ErrNoTargetState
		}
	}

	body := make(json.RawMessage, len(cached.Body))
	copy(body, cached.Body)
	return body, nil
}

// ETag returns the current validation token, or "" before the first
// successful fetch.
func (s *State) ETag() string {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	if s.cache == nil {
		return ""
	}
	return s.cache.ETag
}

// LastFetch returns the time of the most recent fetch attempt, success
// or failure.
func (s *State) LastFetch() time.Time {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.lastFetch
}
