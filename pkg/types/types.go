package types

import (
	"encoding/json"
	"errors"
	"time"
)

// TargetState is the versioned document published by the orchestrator
// describing the desired configuration for this device and its dependent
// fleet. The document is opaque to the fetch layer; only the proxyvisor
// interprets the dependent section.
type TargetState struct {
	// Body is the full document as returned by the API. Replaced
	// wholesale on every successful fetch, never patched in place.
	Body json.RawMessage

	// ETag is the validation token returned alongside the body, used
	// as an If-None-Match precondition on the next fetch.
	ETag string
}

// DependentState is the parsed dependent section of a target-state
// document, and also the shape returned by the store for current state.
type DependentState struct {
	Apps    map[int]*DependentApp    `json:"apps"`
	Devices map[string]*DeviceTarget `json:"devices"`
}

// DependentApp is an application assigned to dependent devices. Rows
// with this shape exist in both the current and the target bucket,
// keyed by AppID.
type DependentApp struct {
	AppID       int               `json:"appId"`
	Name        string            `json:"name"`
	ParentApp   int               `json:"parentApp"`
	Commit      string            `json:"commit,omitempty"`
	ReleaseID   int               `json:"releaseId"`
	Image       string            `json:"image"`
	ImageID     int               `json:"imageId"`
	Config      map[string]string `json:"config"`
	Environment map[string]string `json:"environment"`
}

// DeviceAppState is a single device's commit/config/environment target
// (or current state) for one app.
type DeviceAppState struct {
	Commit      string            `json:"commit,omitempty"`
	Config      map[string]string `json:"config"`
	Environment map[string]string `json:"environment"`
}

// DependentDevice is the live row for a subordinate device, keyed by
// UUID. DeviceID is the remote registry identity and stays zero until
// the device has been provisioned upstream. Apps holds the device's
// current state per app; Target holds the confirmed target for its
// assigned app (AppID), written by the updateDependentTargets action.
type DependentDevice struct {
	UUID              string                  `json:"uuid"`
	Name              string                  `json:"name"`
	DeviceID          int                     `json:"deviceId,omitempty"`
	DeviceKey         string                  `json:"deviceKey,omitempty"`
	AppID             int                     `json:"appId"`
	Status            string                  `json:"status"`
	IsOnline          bool                    `json:"isOnline"`
	MarkedForDeletion bool                    `json:"markedForDeletion"`
	LockExpiryDate    time.Time               `json:"lockExpiryDate,omitzero"`
	Apps              map[int]*DeviceAppState `json:"apps"`
	Target            *DeviceAppState         `json:"target,omitempty"`
}

// DeviceTarget is the desired counterpart of a DependentDevice. Apps
// maps appId to the per-device target; the map shape admits several
// entries but only a single assignment is honored (see SingleApp).
type DeviceTarget struct {
	UUID string                  `json:"uuid"`
	Name string                  `json:"name"`
	Apps map[int]*DeviceAppState `json:"apps"`
}

// CurrentState is the observed side of the dependent fleet: current app
// rows keyed by appId plus the live device rows.
type CurrentState struct {
	Apps    map[int]*DependentApp `json:"apps"`
	Devices []*DependentDevice    `json:"devices"`
}

// StepAction identifies one kind of reconciliation work.
type StepAction string

const (
	ActionFetch                  StepAction = "fetch"
	ActionUpdateDependentTargets StepAction = "updateDependentTargets"
	ActionRemoveDependentApp     StepAction = "removeDependentApp"
	ActionSendDependentHooks     StepAction = "sendDependentHooks"
	ActionNoop                   StepAction = "noop"
)

// Image names a fetchable image for a dependent app.
type Image struct {
	Name    string `json:"name"`
	ImageID int    `json:"imageId"`
}

// HookTarget pairs a live device row with the target state to deliver
// to its hook endpoint.
type HookTarget struct {
	Device *DependentDevice
	Target *DeviceAppState
}

// Step is one unit of work produced by the planner and consumed by the
// executor. Steps are transient: produced fresh each reconciliation
// pass and never persisted.
type Step struct {
	Action StepAction
	AppID  int

	// Image is set for ActionFetch.
	Image *Image

	// App and Devices are set for ActionUpdateDependentTargets.
	App     *DependentApp
	Devices []*DeviceTarget

	// Hooks is set for ActionSendDependentHooks.
	Hooks []*HookTarget
}

// ErrMultiAppUnsupported is returned when a device target carries more
// than one app assignment. Only a single assignment per device is
// honored; picking one arbitrarily would hide a misconfiguration.
var ErrMultiAppUnsupported = errors.New("dependent devices with multiple app assignments are not supported")

// ErrNoAppAssigned is returned when a device target carries no app
// assignment at all.
var ErrNoAppAssigned = errors.New("dependent device has no app assigned")

// SingleApp returns the device target's one app assignment.
func (t *DeviceTarget) SingleApp() (int, *DeviceAppState, error) {
	switch len(t.Apps) {
	case 0:
		return 0, nil, ErrNoAppAssigned
	case 1:
		for id, state := range t.Apps {
			return id, state, nil
		}
	}
	return 0, nil, ErrMultiAppUnsupported
}

// Clone returns a deep copy of the app.
func (a *DependentApp) Clone() *DependentApp {
	if a == nil {
		return nil
	}
	c := *a
	c.Config = cloneStringMap(a.Config)
	c.Environment = cloneStringMap(a.Environment)
	return &c
}

// Clone returns a deep copy of the per-device app state.
func (s *DeviceAppState) Clone() *DeviceAppState {
	if s == nil {
		return nil
	}
	c := *s
	c.Config = cloneStringMap(s.Config)
	c.Environment = cloneStringMap(s.Environment)
	return &c
}

// Clone returns a deep copy of the device row.
func (d *DependentDevice) Clone() *DependentDevice {
	if d == nil {
		return nil
	}
	c := *d
	c.Apps = make(map[int]*DeviceAppState, len(d.Apps))
	for id, app := range d.Apps {
		c.Apps[id] = app.Clone()
	}
	c.Target = d.Target.Clone()
	return &c
}

// Clone returns a deep copy of the device target.
func (t *DeviceTarget) Clone() *DeviceTarget {
	if t == nil {
		return nil
	}
	c := *t
	c.Apps = make(map[int]*DeviceAppState, len(t.Apps))
	for id, app := range t.Apps {
		c.Apps[id] = app.Clone()
	}
	return &c
}

func cloneStringMap(m map[string]string) map[string]string {
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// Normalize replaces nil maps with empty ones so that rows round-trip
// through the store without config/environment ever reading back null.
func (a *DependentApp) Normalize() {
	if a.Config == nil {
		a.Config = map[string]string{}
	}
	if a.Environment == nil {
		a.Environment = map[string]string{}
	}
}

// Normalize replaces nil maps with empty ones.
func (s *DeviceAppState) Normalize() {
	if s.Config == nil {
		s.Config = map[string]string{}
	}
	if s.Environment == nil {
		s.Environment = map[string]string{}
	}
}

// Normalize replaces nil maps with empty ones, recursively.
func (d *DependentDevice) Normalize() {
	if d.Apps == nil {
		d.Apps = map[int]*DeviceAppState{}
	}
	for _, app := range d.Apps {
		app.Normalize()
	}
	if d.Target != nil {
		d.Target.Normalize()
	}
}

// Normalize replaces nil maps with empty ones, recursively.
func (t *DeviceTarget) Normalize() {
	if t.Apps == nil {
		t.Apps = map[int]*DeviceAppState{}
	}
	for _, app := range t.Apps {
		app.Normalize()
	}
}
