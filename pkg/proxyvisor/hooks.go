package proxyvisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/edgehive/fleetd/pkg/types"
)

// Hook endpoint resolution: the parent application's service image may
// name a receiver through either of these environment variables, the
// newer one taking precedence; otherwise the parent app's config is
// consulted, then the compile-time default.
const (
	hookAddressEnvVar       = "FLEETD_DEPENDENT_DEVICES_HOOK_ADDRESS"
	hookAddressEnvVarLegacy = "DEPENDENT_DEVICES_HOOK_ADDRESS"
	hookAddressConfigKey    = "dependentDevicesHookAddress"
	defaultHookAddress      = "http://0.0.0.0:1337/v1/devices/"
)

// hookOutcome classifies one delivery attempt.
type hookOutcome string

const (
	hookAcknowledged hookOutcome = "acknowledged" // 200
	hookAccepted     hookOutcome = "accepted"     // 202, update only
	hookRejected     hookOutcome = "rejected"     // any other status
)

// hookClient delivers target-state updates and deletions to dependent
// devices' own agents.
type hookClient struct {
	http *http.Client
}

func newHookClient() *hookClient {
	return &hookClient{http: &http.Client{}}
}

// sendUpdate PUTs the device's target state to the hook receiver.
func (h *hookClient) sendUpdate(ctx context.Context, endpoint, uuid string, state *types.DeviceAppState, timeout time.Duration) (hookOutcome, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return hookRejected, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint+uuid, bytes.NewReader(body))
	if err != nil {
		return hookRejected, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return hookRejected, fmt.Errorf("update hook failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return hookAcknowledged, nil
	case http.StatusAccepted:
		return hookAccepted, nil
	default:
		return hookRejected, fmt.Errorf("update hook returned status %d", resp.StatusCode)
	}
}

// sendDelete DELETEs the device from the hook receiver.
func (h *hookClient) sendDelete(ctx context.Context, endpoint, uuid string, timeout time.Duration) (hookOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint+uuid, nil)
	if err != nil {
		return hookRejected, err
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return hookRejected, fmt.Errorf("delete hook failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return hookAcknowledged, nil
	}
	return hookRejected, fmt.Errorf("delete hook returned status %d", resp.StatusCode)
}

// hookEndpoint resolves the hook receiver address for an app's parent
// application.
func (p *Proxyvisor) hookEndpoint(appID int) string {
	app, err := p.store.GetApp(appID)
	if err != nil {
		return defaultHookAddress
	}
	parent, err := p.apps.Get(app.ParentApp)
	if err != nil {
		return defaultHookAddress
	}
	if addr := parent.ImageEnv[hookAddressEnvVar]; addr != "" {
		return addr
	}
	if addr := parent.ImageEnv[hookAddressEnvVarLegacy]; addr != "" {
		return addr
	}
	if addr := parent.Config[hookAddressConfigKey]; addr != "" {
		return addr
	}
	return defaultHookAddress
}
