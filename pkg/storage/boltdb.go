package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/edgehive/fleetd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketApps          = []byte("dependent_apps")
	bucketTargetApps    = []byte("dependent_apps_target")
	bucketDevices       = []byte("dependent_devices")
	bucketTargetDevices = []byte("dependent_devices_target")
	bucketSettings      = []byte("settings")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fleetd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketApps,
			bucketTargetApps,
			bucketDevices,
			bucketTargetDevices,
			bucketSettings,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func appKey(appID int) []byte {
	return []byte(strconv.Itoa(appID))
}

// App operations
func (s *BoltStore) UpsertApp(app *types.DependentApp) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putApp(tx.Bucket(bucketApps), app)
	})
}

func putApp(b *bolt.Bucket, app *types.DependentApp) error {
	data, err := json.Marshal(app)
	if err != nil {
		return err
	}
	return b.Put(appKey(app.AppID), data)
}

func (s *BoltStore) GetApp(appID int) (*types.DependentApp, error) {
	var app types.DependentApp
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApps)
		data := b.Get(appKey(appID))
		if data == nil {
			return fmt.Errorf("dependent app %d: %w", appID, ErrNotFound)
		}
		return json.Unmarshal(data, &app)
	})
	if err != nil {
		return nil, err
	}
	app.Normalize()
	return &app, nil
}

func (s *BoltStore) ListApps() ([]*types.DependentApp, error) {
	var apps []*types.DependentApp
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketApps)
		return b.ForEach(func(k, v []byte) error {
			var app types.DependentApp
			if err := json.Unmarshal(v, &app); err != nil {
				return err
			}
			app.Normalize()
			apps = append(apps, &app)
			return nil
		})
	})
	return apps, err
}

// Device operations
func (s *BoltStore) UpsertDevice(device *types.DependentDevice) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data, err := json.Marshal(device)
		if err != nil {
			return err
		}
		return b.Put([]byte(device.UUID), data)
	})
}

func (s *BoltStore) GetDevice(uuid string) (*types.DependentDevice, error) {
	var device types.DependentDevice
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(uuid))
		if data == nil {
			return fmt.Errorf("dependent device %s: %w", uuid, ErrNotFound)
		}
		return json.Unmarshal(data, &device)
	})
	if err != nil {
		return nil, err
	}
	device.Normalize()
	return &device, nil
}

func (s *BoltStore) ListDevices() ([]*types.DependentDevice, error) {
	var devices []*types.DependentDevice
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		return b.ForEach(func(k, v []byte) error {
			var device types.DependentDevice
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			device.Normalize()
			devices = append(devices, &device)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) ListDevicesByApp(appID int) ([]*types.DependentDevice, error) {
	devices, err := s.ListDevices()
	if err != nil {
		return nil, err
	}

	var filtered []*types.DependentDevice
	for _, device := range devices {
		if device.AppID == appID {
			filtered = append(filtered, device)
		}
	}
	return filtered, nil
}

func (s *BoltStore) DeleteDevice(uuid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		return b.Delete([]byte(uuid))
	})
}

func (s *BoltStore) UpdateDeviceTarget(uuid, name string, appID int, target *types.DeviceAppState) (bool, error) {
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(uuid))
		if data == nil {
			return nil
		}
		existed = true

		var device types.DependentDevice
		if err := json.Unmarshal(data, &device); err != nil {
			return err
		}
		device.Name = name
		device.AppID = appID
		device.Target = target.Clone()
		// The device is part of the target again; a pending deletion
		// mark would otherwise shadow it from reconciliation forever.
		device.MarkedForDeletion = false

		updated, err := json.Marshal(&device)
		if err != nil {
			return err
		}
		return b.Put([]byte(uuid), updated)
	})
	return existed, err
}

func (s *BoltStore) MarkDevicesForDeletion(appID int, keep []string) error {
	keepSet := make(map[string]bool, len(keep))
	for _, uuid := range keep {
		keepSet[uuid] = true
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var device types.DependentDevice
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			if device.AppID != appID || keepSet[device.UUID] || device.MarkedForDeletion {
				continue
			}
			device.MarkedForDeletion = true
			data, err := json.Marshal(&device)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Target operations

// SetTarget replaces the target tables with the desired state: upserts
// every app and device row and deletes any row whose key is absent from
// the new set, all in one transaction. Each device's app entries are
// stamped with the commit of the parent target app.
func (s *BoltStore) SetTarget(state *types.DependentState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		apps := tx.Bucket(bucketTargetApps)
		for appID, app := range state.Apps {
			app = app.Clone()
			app.AppID = appID
			app.Normalize()
			if err := putApp(apps, app); err != nil {
				return err
			}
		}
		if err := deleteAbsentApps(apps, state.Apps); err != nil {
			return err
		}

		devices := tx.Bucket(bucketTargetDevices)
		for uuid, device := range state.Devices {
			device = device.Clone()
			device.UUID = uuid
			device.Normalize()
			for appID, appState := range device.Apps {
				if app, ok := state.Apps[appID]; ok {
					appState.Commit = app.Commit
				} else {
					appState.Commit = ""
				}
			}
			data, err := json.Marshal(device)
			if err != nil {
				return err
			}
			if err := devices.Put([]byte(uuid), data); err != nil {
				return err
			}
		}
		return deleteAbsentDevices(devices, state.Devices)
	})
}

func deleteAbsentApps(b *bolt.Bucket, keep map[int]*types.DependentApp) error {
	var stale [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		appID, err := strconv.Atoi(string(k))
		if err != nil {
			return fmt.Errorf("malformed target app key %q: %w", k, err)
		}
		if _, ok := keep[appID]; !ok {
			key := make([]byte, len(k))
			copy(key, k)
			stale = append(stale, key)
		}
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func deleteAbsentDevices(b *bolt.Bucket, keep map[string]*types.DeviceTarget) error {
	var stale [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if _, ok := keep[string(k)]; !ok {
			key := make([]byte, len(k))
			copy(key, k)
			stale = append(stale, key)
		}
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) GetTarget() (*types.DependentState, error) {
	state := &types.DependentState{
		Apps:    map[int]*types.DependentApp{},
		Devices: map[string]*types.DeviceTarget{},
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		apps := tx.Bucket(bucketTargetApps)
		if err := apps.ForEach(func(k, v []byte) error {
			var app types.DependentApp
			if err := json.Unmarshal(v, &app); err != nil {
				return err
			}
			app.Normalize()
			state.Apps[app.AppID] = &app
			return nil
		}); err != nil {
			return err
		}

		devices := tx.Bucket(bucketTargetDevices)
		return devices.ForEach(func(k, v []byte) error {
			var device types.DeviceTarget
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			device.Normalize()
			state.Devices[device.UUID] = &device
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (s *BoltStore) GetCurrent() (*types.CurrentState, error) {
	apps, err := s.ListApps()
	if err != nil {
		return nil, err
	}
	devices, err := s.ListDevices()
	if err != nil {
		return nil, err
	}

	state := &types.CurrentState{
		Apps:    make(map[int]*types.DependentApp, len(apps)),
		Devices: devices,
	}
	for _, app := range apps {
		state.Apps[app.AppID] = app
	}
	return state, nil
}

// RemoveApp deletes the app row and every device row assigned to it in
// a single transaction.
func (s *BoltStore) RemoveApp(appID int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketApps).Delete(appKey(appID)); err != nil {
			return err
		}

		devices := tx.Bucket(bucketDevices)
		var stale [][]byte
		c := devices.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var device types.DependentDevice
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			if device.AppID == appID {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}
		}
		for _, k := range stale {
			if err := devices.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Settings operations
func (s *BoltStore) GetSetting(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSettings).Get([]byte(key))
		if data == nil {
			return nil
		}
		// Copy out: bolt data is only valid during the transaction.
		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})
	return value, value != nil, err
}

func (s *BoltStore) PutSetting(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), value)
	})
}
