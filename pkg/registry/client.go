package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotFound is returned when the remote registry has no record for
// the requested device.
var ErrNotFound = errors.New("device not found upstream")

// Options carry the per-request connection parameters, resolved from
// the settings store by the caller on every call so that a changed
// endpoint or key takes effect without restarting.
type Options struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// TargetStateResult is the outcome of one conditional fetch.
type TargetStateResult struct {
	// Modified is false when the remote answered 304 Not Modified.
	Modified bool
	Body     json.RawMessage
	ETag     string
}

// Device is a dependent device's remote registry record.
type Device struct {
	ID   int    `json:"id"`
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// ProvisionRequest registers a new dependent device upstream.
type ProvisionRequest struct {
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	AppID     int    `json:"appId"`
	DeviceKey string `json:"deviceKey"`
}

// LogEntry is one dependent device log line forwarded upstream.
type LogEntry struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	IsSystem  bool   `json:"is_system"`
}

// Client talks to the orchestrator API over HTTP/JSON.
type Client struct {
	http *http.Client
}

// NewClient creates a new API client. Per-request timeouts come from
// Options, not from the shared http.Client.
func NewClient() *Client {
	return &Client{http: &http.Client{}}
}

// GetTargetState performs one conditional GET of the device's target
// state. etag, when non-empty, is sent as an If-None-Match
// precondition.
func (c *Client) GetTargetState(ctx context.Context, opts Options, uuid, etag string) (*TargetStateResult, error) {
	url := fmt.Sprintf("%s/device/v2/%s/state", opts.Endpoint, uuid)

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+opts.APIKey)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("target state request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return &TargetStateResult{Modified: false}, nil
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read target state body: %w", err)
		}
		return &TargetStateResult{
			Modified: true,
			Body:     body,
			ETag:     resp.Header.Get("Etag"),
		}, nil
	default:
		return nil, fmt.Errorf("target state request returned status %d", resp.StatusCode)
	}
}

// GetDevice fetches a dependent device's registry record by uuid.
func (c *Client) GetDevice(ctx context.Context, opts Options, uuid string) (*Device, error) {
	url := fmt.Sprintf("%s/device/v2/%s", opts.Endpoint, uuid)

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+opts.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device lookup failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var device Device
		if err := json.NewDecoder(resp.Body).Decode(&device); err != nil {
			return nil, fmt.Errorf("failed to decode device record: %w", err)
		}
		return &device, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("device %s: %w", uuid, ErrNotFound)
	default:
		return nil, fmt.Errorf("device lookup returned status %d", resp.StatusCode)
	}
}

// ProvisionDevice registers a dependent device with the remote registry
// and returns its upstream record.
func (c *Client) ProvisionDevice(ctx context.Context, opts Options, req *ProvisionRequest) (*Device, error) {
	url := fmt.Sprintf("%s/device/v2/register", opts.Endpoint)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+opts.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("device registration failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("device registration returned status %d", resp.StatusCode)
	}

	var device Device
	if err := json.NewDecoder(resp.Body).Decode(&device); err != nil {
		return nil, fmt.Errorf("failed to decode registered device: %w", err)
	}
	return &device, nil
}

// LogDevice forwards a dependent device log entry upstream.
func (c *Client) LogDevice(ctx context.Context, opts Options, deviceID int, entry *LogEntry) error {
	url := fmt.Sprintf("%s/device/v2/%d/logs", opts.Endpoint, deviceID)

	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+opts.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("device log forward failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("device log forward returned status %d", resp.StatusCode)
	}
	return nil
}

// PatchDevice updates fields of a dependent device's registry record.
func (c *Client) PatchDevice(ctx context.Context, opts Options, deviceID int, fields map[string]interface{}) error {
	url := fmt.Sprintf("%s/device/v2/%d", opts.Endpoint, deviceID)

	body, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+opts.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("device patch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("device patch returned status %d", resp.StatusCode)
	}
	return nil
}
