package proxyvisor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgehive/fleetd/pkg/applications"
	"github.com/edgehive/fleetd/pkg/config"
	"github.com/edgehive/fleetd/pkg/events"
	"github.com/edgehive/fleetd/pkg/images"
	"github.com/edgehive/fleetd/pkg/log"
	"github.com/edgehive/fleetd/pkg/metrics"
	"github.com/edgehive/fleetd/pkg/registry"
	"github.com/edgehive/fleetd/pkg/storage"
	"github.com/edgehive/fleetd/pkg/types"
)

// minHookInterval is the minimum spacing between two outbound hook
// requests to the same device.
const minHookInterval = 30 * time.Second

// Config wires a Proxyvisor's collaborators.
type Config struct {
	Store    storage.Store
	Registry *registry.Client
	Settings *config.Settings
	Broker   *events.Broker
	Images   images.Inventory
	Apps     applications.Resolver
	Assets   *AssetStore
}

// Proxyvisor reconciles the dependent fleet: it persists target state
// published for dependent devices, plans the steps required to converge
// and executes them, delivering state to subordinate devices over
// outbound hooks.
type Proxyvisor struct {
	store    storage.Store
	registry *registry.Client
	settings *config.Settings
	broker   *events.Broker
	images   images.Inventory
	apps     applications.Resolver
	assets   *AssetStore
	hooks    *hookClient
	logger   zerolog.Logger

	// mu guards acked and lastRequest. Both are process-lifetime maps
	// held here so tests can construct isolated instances.
	mu          sync.Mutex
	acked       map[string]*types.DeviceAppState
	lastRequest map[string]time.Time

	// hookInterval and sleep are swapped out in tests.
	hookInterval time.Duration
	sleep        func(time.Duration)

	stopCh chan struct{}
}

// New creates a proxyvisor.
func New(cfg Config) *Proxyvisor {
	return &Proxyvisor{
		store:        cfg.Store,
		registry:     cfg.Registry,
		settings:     cfg.Settings,
		broker:       cfg.Broker,
		images:       cfg.Images,
		apps:         cfg.Apps,
		assets:       cfg.Assets,
		hooks:        newHookClient(),
		logger:       log.WithComponent("proxyvisor"),
		acked:        make(map[string]*types.DeviceAppState),
		lastRequest:  make(map[string]time.Time),
		hookInterval: minHookInterval,
		sleep:        time.Sleep,
		stopCh:       make(chan struct{}),
	}
}

// Start subscribes to target-state updates and reconciles on each.
func (p *Proxyvisor) Start() {
	sub := p.broker.Subscribe()
	go func() {
		defer p.broker.Unsubscribe(sub)
		for {
			select {
			case event := <-sub:
				if event == nil || event.Type != events.EventTargetStateUpdate {
					continue
				}
				if err := p.ApplyTargetState(context.Background(), event.TargetState.Body); err != nil {
					p.logger.Error().Err(err).Msg("failed to apply target state")
				}
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop ends the event loop.
func (p *Proxyvisor) Stop() {
	close(p.stopCh)
}

// targetDocument is the slice of the target-state document the
// proxyvisor interprets.
type targetDocument struct {
	Dependent struct {
		Apps    map[int]*types.DependentApp    `json:"apps"`
		Devices map[string]*types.DeviceTarget `json:"devices"`
	} `json:"dependent"`
}

// ApplyTargetState persists the dependent section of a target-state
// document and runs one reconciliation pass.
func (p *Proxyvisor) ApplyTargetState(ctx context.Context, body json.RawMessage) error {
	var doc targetDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return err
	}

	desired := &types.DependentState{
		Apps:    doc.Dependent.Apps,
		Devices: doc.Dependent.Devices,
	}
	if desired.Apps == nil {
		desired.Apps = map[int]*types.DependentApp{}
	}
	if desired.Devices == nil {
		desired.Devices = map[string]*types.DeviceTarget{}
	}

	if err := p.store.SetTarget(desired); err != nil {
		return err
	}
	return p.Reconcile(ctx, nil)
}

// Reconcile runs one plan/execute pass. inProgress carries the steps
// the parent-application engine is currently executing, so dependent
// apps wait for their parent to settle.
func (p *Proxyvisor) Reconcile(ctx context.Context, inProgress []*types.Step) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	current, err := p.store.GetCurrent()
	if err != nil {
		return err
	}
	target, err := p.store.GetTarget()
	if err != nil {
		return err
	}
	metrics.DependentDevicesTotal.Set(float64(len(current.Devices)))

	steps := GetRequiredSteps(
		p.images.Available(),
		p.images.Downloading(),
		current, target, inProgress,
		p.ackedSnapshot(),
	)

	for _, step := range steps {
		if err := p.ExecuteStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// ackedSnapshot copies the acknowledged-state map for the planner.
func (p *Proxyvisor) ackedSnapshot() map[string]*types.DeviceAppState {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]*types.DeviceAppState, len(p.acked))
	for uuid, state := range p.acked {
		out[uuid] = state.Clone()
	}
	return out
}

// Acknowledged returns the last target state the device's agent
// confirmed, or nil.
func (p *Proxyvisor) Acknowledged(uuid string) *types.DeviceAppState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acked[uuid].Clone()
}

func (p *Proxyvisor) setAcknowledged(uuid string, state *types.DeviceAppState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acked[uuid] = state.Clone()
}

func (p *Proxyvisor) clearAcknowledged(uuid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.acked, uuid)
}

// waitForHookWindow sleeps out the remainder of the per-device spacing
// window, then records the request time. Requests are delayed, never
// dropped.
func (p *Proxyvisor) waitForHookWindow(uuid string) {
	p.mu.Lock()
	last, ok := p.lastRequest[uuid]
	p.mu.Unlock()

	if ok {
		if wait := p.hookInterval - time.Since(last); wait > 0 {
			metrics.HookRateLimitDelays.Inc()
			p.sleep(wait)
		}
	}

	p.mu.Lock()
	p.lastRequest[uuid] = time.Now()
	p.mu.Unlock()
}

// registryOptions resolves the connection parameters for the remote
// registry from the settings store.
func (p *Proxyvisor) registryOptions() (registry.Options, error) {
	endpoint, err := p.settings.GetString(config.KeyAPIEndpoint)
	if err != nil {
		return registry.Options{}, err
	}
	apiKey, err := p.settings.GetString(config.KeyCurrentAPIKey)
	if err != nil {
		return registry.Options{}, err
	}
	timeout, err := p.settings.APITimeout()
	if err != nil {
		return registry.Options{}, err
	}
	return registry.Options{Endpoint: endpoint, APIKey: apiKey, Timeout: timeout}, nil
}

// hookTimeout is the per-delivery timeout, from the same setting that
// bounds registry requests.
func (p *Proxyvisor) hookTimeout() time.Duration {
	timeout, err := p.settings.APITimeout()
	if err != nil {
		return config.DefaultAPITimeoutMs * time.Millisecond
	}
	return timeout
}
