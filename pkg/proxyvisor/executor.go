package proxyvisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgehive/fleetd/pkg/events"
	"github.com/edgehive/fleetd/pkg/log"
	"github.com/edgehive/fleetd/pkg/metrics"
	"github.com/edgehive/fleetd/pkg/types"
)

// ErrInvalidAction is returned for a step whose action is not one of
// the known kinds.
var ErrInvalidAction = errors.New("invalid step action")

// ExecuteStep executes a single planned step.
func (p *Proxyvisor) ExecuteStep(ctx context.Context, step *types.Step) error {
	var err error
	switch step.Action {
	case types.ActionNoop:
	case types.ActionFetch:
		err = p.images.Fetch(ctx, *step.Image)
	case types.ActionUpdateDependentTargets:
		err = p.updateDependentTargets(ctx, step)
	case types.ActionSendDependentHooks:
		err = p.sendDependentHooks(ctx, step)
	case types.ActionRemoveDependentApp:
		err = p.removeDependentApp(step)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, step.Action)
	}

	if err == nil {
		metrics.StepsExecutedTotal.WithLabelValues(string(step.Action)).Inc()
	}
	return err
}

// updateDependentTargets writes the confirmed per-device targets and
// the app row. Devices missing locally were provisioned externally;
// their identity is fetched from the remote registry before inserting a
// fresh row. Devices assigned to this app but absent from the step are
// marked for deletion.
func (p *Proxyvisor) updateDependentTargets(ctx context.Context, step *types.Step) error {
	seen := make([]string, 0, len(step.Devices))
	for _, target := range step.Devices {
		appID, state, err := target.SingleApp()
		if err != nil {
			return fmt.Errorf("device %s: %w", target.UUID, err)
		}

		existed, err := p.store.UpdateDeviceTarget(target.UUID, target.Name, appID, state)
		if err != nil {
			return err
		}
		if !existed {
			if err := p.adoptExternalDevice(ctx, target, appID, state); err != nil {
				return err
			}
		}
		seen = append(seen, target.UUID)
	}

	if err := p.store.MarkDevicesForDeletion(step.AppID, seen); err != nil {
		return err
	}

	app := step.App.Clone()
	app.Normalize()
	if err := p.store.UpsertApp(app); err != nil {
		return err
	}

	if app.Commit != "" {
		if err := p.assets.PruneExcept(app.AppID, app.Commit); err != nil {
			logger := log.WithAppID(app.AppID)
			logger.Warn().Err(err).Msg("failed to prune stale assets")
		}
	}
	return nil
}

// adoptExternalDevice inserts a row for a device that exists upstream
// but not locally.
func (p *Proxyvisor) adoptExternalDevice(ctx context.Context, target *types.DeviceTarget, appID int, state *types.DeviceAppState) error {
	opts, err := p.registryOptions()
	if err != nil {
		return err
	}
	remote, err := p.registry.GetDevice(ctx, opts, target.UUID)
	if err != nil {
		return fmt.Errorf("failed to resolve externally provisioned device %s: %w", target.UUID, err)
	}

	device := &types.DependentDevice{
		UUID:     target.UUID,
		Name:     target.Name,
		DeviceID: remote.ID,
		AppID:    appID,
		Target:   state.Clone(),
		Apps:     map[int]*types.DeviceAppState{},
	}
	if err := p.store.UpsertDevice(device); err != nil {
		return err
	}

	p.broker.Publish(&events.Event{
		Type:     events.EventDeviceProvisioned,
		Message:  "adopted externally provisioned dependent device",
		Metadata: map[string]string{"uuid": device.UUID},
	})
	return nil
}

// sendDependentHooks delivers the target state (or a deletion) to each
// qualifying device in the step, honoring the per-device spacing
// window. Delivery failures are logged and absorbed: the next
// reconciliation pass retries them via the settled-state check.
func (p *Proxyvisor) sendDependentHooks(ctx context.Context, step *types.Step) error {
	endpoint := p.hookEndpoint(step.AppID)
	timeout := p.hookTimeout()

	for _, hook := range step.Hooks {
		uuid := hook.Device.UUID
		logger := log.WithDeviceUUID(uuid)

		p.waitForHookWindow(uuid)

		if hook.Device.MarkedForDeletion {
			outcome, err := p.hooks.sendDelete(ctx, endpoint, uuid, timeout)
			metrics.HookDeliveriesTotal.WithLabelValues("delete", string(outcome)).Inc()
			if err != nil {
				logger.Error().Err(err).Msg("delete hook delivery failed")
				continue
			}
			if err := p.store.DeleteDevice(uuid); err != nil {
				return err
			}
			p.clearAcknowledged(uuid)
			p.broker.Publish(&events.Event{
				Type:     events.EventDeviceDeleted,
				Message:  "dependent device removed after confirmed deletion hook",
				Metadata: map[string]string{"uuid": uuid},
			})
			continue
		}

		outcome, err := p.hooks.sendUpdate(ctx, endpoint, uuid, hook.Target, timeout)
		metrics.HookDeliveriesTotal.WithLabelValues("update", string(outcome)).Inc()
		switch {
		case err != nil:
			p.clearAcknowledged(uuid)
			logger.Error().Err(err).Msg("update hook delivery failed")
		case outcome == hookAcknowledged:
			p.setAcknowledged(uuid, hook.Target)
		case outcome == hookAccepted:
			// Accepted but not confirmed; leave the acknowledged
			// state untouched so the next pass re-checks.
		}
	}
	return nil
}

// removeDependentApp drops the app and its devices, then its cached
// assets.
func (p *Proxyvisor) removeDependentApp(step *types.Step) error {
	if err := p.store.RemoveApp(step.AppID); err != nil {
		return err
	}
	if err := p.assets.PruneAll(step.AppID); err != nil {
		logger := log.WithAppID(step.AppID)
		logger.Warn().Err(err).Msg("failed to prune assets")
	}

	p.broker.Publish(&events.Event{
		Type:     events.EventAppRemoved,
		Message:  "dependent app removed",
		Metadata: map[string]string{"app_id": fmt.Sprint(step.AppID)},
	})
	return nil
}
