package applications

import (
	"errors"
	"sync"
)

// ErrUnknownApp is returned when no parent app definition exists.
var ErrUnknownApp = errors.New("unknown parent application")

// App is a parent application definition as the resolver yields it:
// enough to locate hook endpoints (service image environment, config)
// and the commit whose assets dependent devices receive.
type App struct {
	AppID    int
	Commit   string
	Config   map[string]string
	ImageEnv map[string]string

	// ImageRoot is the mounted filesystem root of the app's service
	// image, used to build dependent asset bundles.
	ImageRoot string
}

// Resolver yields parent-app definitions. The concrete source (the
// applications engine managing this device's own services) lives
// outside the sync core.
type Resolver interface {
	Get(appID int) (*App, error)
}

// StaticResolver is a map-backed Resolver, populated by whatever
// manages the parent applications.
type StaticResolver struct {
	mu   sync.RWMutex
	apps map[int]*App
}

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{apps: make(map[int]*App)}
}

// Set registers or replaces a parent app definition.
func (r *StaticResolver) Set(app *App) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[app.AppID] = app
}

// Get returns the parent app definition for appID.
func (r *StaticResolver) Get(appID int) (*App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	app, ok := r.apps[appID]
	if !ok {
		return nil, ErrUnknownApp
	}
	return app, nil
}
