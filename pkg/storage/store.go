package storage

import (
	"errors"

	"github.com/edgehive/fleetd/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the interface for dependent-state persistence.
// Implemented by BoltDB-backed storage.
type Store interface {
	// Current apps
	UpsertApp(app *types.DependentApp) error
	GetApp(appID int) (*types.DependentApp, error)
	ListApps() ([]*types.DependentApp, error)

	// Live devices
	UpsertDevice(device *types.DependentDevice) error
	GetDevice(uuid string) (*types.DependentDevice, error)
	ListDevices() ([]*types.DependentDevice, error)
	ListDevicesByApp(appID int) ([]*types.DependentDevice, error)
	DeleteDevice(uuid string) error

	// UpdateDeviceTarget writes the confirmed target (name, app
	// assignment, commit/config/environment) onto an existing live
	// row. Reports whether the row existed.
	UpdateDeviceTarget(uuid, name string, appID int, target *types.DeviceAppState) (bool, error)

	// MarkDevicesForDeletion flags every live row assigned to appID
	// whose uuid is not in keep.
	MarkDevicesForDeletion(appID int, keep []string) error

	// Target state
	SetTarget(state *types.DependentState) error
	GetTarget() (*types.DependentState, error)
	GetCurrent() (*types.CurrentState, error)

	// RemoveApp deletes the current app row and every device row
	// assigned to it in one transaction.
	RemoveApp(appID int) error

	// Settings
	GetSetting(key string) ([]byte, bool, error)
	PutSetting(key string, value []byte) error

	// Utility
	Close() error
}
