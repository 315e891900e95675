package proxyvisor

import (
	"reflect"
	"sort"

	"github.com/edgehive/fleetd/pkg/types"
)

// GetRequiredSteps compares current and target dependent state against
// the image inventory and produces the ordered list of actions required
// to converge. It is a pure function: the same inputs always yield the
// same steps, order included. Steps across apps are concatenated in
// ascending appId order; there is no cross-app ordering guarantee
// beyond the parent-blocking rule.
func GetRequiredSteps(
	available []types.Image,
	downloading []int,
	current *types.CurrentState,
	target *types.DependentState,
	inProgress []*types.Step,
	acked map[string]*types.DeviceAppState,
) []*types.Step {
	appIDs := unionAppIDs(current, target)

	var steps []*types.Step
	for _, appID := range appIDs {
		currentDevices := devicesReferencing(current.Devices, appID)
		targetDevices := targetsReferencing(target.Devices, appID)
		steps = append(steps, nextStepsForApp(
			appID, available, downloading,
			current.Apps[appID], target.Apps[appID],
			currentDevices, targetDevices,
			inProgress, acked,
		)...)
	}
	return steps
}

// nextStepsForApp evaluates the per-app rules in strict priority order;
// the first matching rule wins and short-circuits the rest.
func nextStepsForApp(
	appID int,
	available []types.Image,
	downloading []int,
	currentApp, targetApp *types.DependentApp,
	currentDevices []*types.DependentDevice,
	targetDevices []*types.DeviceTarget,
	inProgress []*types.Step,
	acked map[string]*types.DeviceAppState,
) []*types.Step {
	// Removal: the app is no longer part of the target.
	if targetApp == nil {
		return []*types.Step{{Action: types.ActionRemoveDependentApp, AppID: appID}}
	}

	// Parent blocked: defer until the parent application settles.
	for _, step := range inProgress {
		if step.AppID == targetApp.ParentApp {
			return []*types.Step{{Action: types.ActionNoop, AppID: appID}}
		}
	}

	// Image gate: the target commit's image must be present first.
	if targetApp.Commit != "" && targetApp.Image != "" && !imageAvailable(available, targetApp.Image) {
		if intsContain(downloading, targetApp.ImageID) {
			return []*types.Step{{Action: types.ActionNoop, AppID: appID}}
		}
		return []*types.Step{{
			Action: types.ActionFetch,
			AppID:  appID,
			Image:  &types.Image{Name: targetApp.Image, ImageID: targetApp.ImageID},
		}}
	}

	// Target mismatch: either the app record or the device-level
	// assignments changed.
	if !appsEqual(currentApp, targetApp) || !deviceTargetsEqual(currentDevices, targetDevices) {
		devices := make([]*types.DeviceTarget, len(targetDevices))
		for i, d := range targetDevices {
			devices[i] = d.Clone()
		}
		sort.Slice(devices, func(i, j int) bool { return devices[i].UUID < devices[j].UUID })
		return []*types.Step{{
			Action:  types.ActionUpdateDependentTargets,
			AppID:   appID,
			App:     targetApp.Clone(),
			Devices: devices,
		}}
	}

	// Settled: check which devices still need their hook delivered.
	var hooks []*types.HookTarget
	for _, device := range currentDevices {
		if hookNeeded(device, appID, acked[device.UUID]) {
			hooks = append(hooks, &types.HookTarget{
				Device: device.Clone(),
				Target: device.Target.Clone(),
			})
		}
	}
	if len(hooks) == 0 {
		return nil
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].Device.UUID < hooks[j].Device.UUID })
	return []*types.Step{{
		Action: types.ActionSendDependentHooks,
		AppID:  appID,
		Hooks:  hooks,
	}}
}

// hookNeeded reports whether a device's confirmed target still has to
// be delivered: deletion-marked devices always qualify, others only
// when the target differs from both the current state and the last
// acknowledged state.
func hookNeeded(device *types.DependentDevice, appID int, acked *types.DeviceAppState) bool {
	if device.MarkedForDeletion {
		return true
	}
	if device.Target == nil {
		return false
	}
	return !appStatesEqual(device.Target, device.Apps[appID]) &&
		!appStatesEqual(device.Target, acked)
}

func unionAppIDs(current *types.CurrentState, target *types.DependentState) []int {
	seen := map[int]bool{}
	for id := range current.Apps {
		seen[id] = true
	}
	for id := range target.Apps {
		seen[id] = true
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func devicesReferencing(devices []*types.DependentDevice, appID int) []*types.DependentDevice {
	var out []*types.DependentDevice
	for _, d := range devices {
		if d.AppID == appID || d.Apps[appID] != nil {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

func targetsReferencing(devices map[string]*types.DeviceTarget, appID int) []*types.DeviceTarget {
	var out []*types.DeviceTarget
	for _, d := range devices {
		if d.Apps[appID] != nil {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

func imageAvailable(available []types.Image, name string) bool {
	for _, img := range available {
		if img.Name == name {
			return true
		}
	}
	return false
}

func intsContain(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// appsEqual compares two normalized app rows.
func appsEqual(a, b *types.DependentApp) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	an, bn := a.Clone(), b.Clone()
	an.Normalize()
	bn.Normalize()
	return reflect.DeepEqual(an, bn)
}

// appStatesEqual compares two per-device app states, treating nil maps
// and empty maps alike.
func appStatesEqual(a, b *types.DeviceAppState) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	an, bn := a.Clone(), b.Clone()
	an.Normalize()
	bn.Normalize()
	return reflect.DeepEqual(an, bn)
}

// deviceTargetsEqual compares live device rows against target rows via
// a normalized device-target projection, ignoring markedForDeletion and
// lockExpiryDate, independent of order. Deletion-marked rows are left
// out entirely: they only participate in deletion-hook delivery.
func deviceTargetsEqual(live []*types.DependentDevice, targets []*types.DeviceTarget) bool {
	liveSet := map[string]*types.DeviceTarget{}
	for _, d := range live {
		if d.MarkedForDeletion {
			continue
		}
		state := d.Target.Clone()
		if state == nil {
			state = &types.DeviceAppState{}
		}
		projected := &types.DeviceTarget{
			UUID: d.UUID,
			Name: d.Name,
			Apps: map[int]*types.DeviceAppState{d.AppID: state},
		}
		projected.Normalize()
		liveSet[d.UUID] = projected
	}

	targetSet := map[string]*types.DeviceTarget{}
	for _, d := range targets {
		c := d.Clone()
		c.Normalize()
		targetSet[d.UUID] = c
	}

	return reflect.DeepEqual(liveSet, targetSet)
}
