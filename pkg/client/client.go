package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/mpathd/pkg/admin"
	"github.com/cuemby/mpathd/pkg/config"
	"github.com/cuemby/mpathd/pkg/types"
)

// StatusError is returned when the daemon answers with a non-Ok status
type StatusError struct {
	Status  admin.Status
	Count   int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Status, e.Message)
	}
	if e.Status == admin.StatusBufferTooSmall {
		return fmt.Sprintf("%s: %d entries available", e.Status, e.Count)
	}
	return string(e.Status)
}

// Client talks to the administrative HTTP surface of an mpathd daemon
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the daemon listening on addr. A bare
// host:port is assumed to be plain HTTP.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/") + admin.APIPrefix,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	var env admin.Response
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return 0, fmt.Errorf("failed to decode reply (HTTP %d): %w", resp.StatusCode, err)
	}
	if env.Status != admin.StatusOk {
		return env.Count, &StatusError{Status: env.Status, Count: env.Count, Message: env.Error}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return env.Count, fmt.Errorf("failed to decode reply data: %w", err)
		}
	}
	return env.Count, nil
}

// GetParams returns the failover parameters
func (c *Client) GetParams(ctx context.Context) (config.Params, error) {
	var p config.Params
	_, err := c.do(ctx, http.MethodGet, "/params", nil, &p)
	return p, err
}

// SetParams merges update into the daemon's parameters and returns the result
func (c *Client) SetParams(ctx context.Context, update config.Params) (config.Params, error) {
	var p config.Params
	_, err := c.do(ctx, http.MethodPut, "/params", update, &p)
	return p, err
}

// ListDevices returns every multipath device
func (c *Client) ListDevices(ctx context.Context) ([]admin.DeviceInfo, error) {
	var devs []admin.DeviceInfo
	_, err := c.do(ctx, http.MethodGet, "/devices", nil, &devs)
	return devs, err
}

// ListPaths returns the paths of a device. A positive max makes the daemon
// answer BufferTooSmall when the device has more paths.
func (c *Client) ListPaths(ctx context.Context, deviceID, max int) ([]admin.PathInfo, error) {
	path := fmt.Sprintf("/devices/%d/paths", deviceID)
	if max > 0 {
		path += "?" + url.Values{"max": {fmt.Sprint(max)}}.Encode()
	}
	var paths []admin.PathInfo
	_, err := c.do(ctx, http.MethodGet, path, nil, &paths)
	return paths, err
}

// SetCurrentPath forces the current path of a LUN
func (c *Client) SetCurrentPath(ctx context.Context, deviceID, lun, pathID int) error {
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/devices/%d/luns/%d/current", deviceID, lun),
		admin.CurrentPathRequest{PathID: pathID}, nil)
	return err
}

// GetHostStats returns the I/O counters of a host
func (c *Client) GetHostStats(ctx context.Context, hostID int) (types.HostStatsSnapshot, error) {
	var s types.HostStatsSnapshot
	_, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/hosts/%d/stats", hostID), nil, &s)
	return s, err
}

// ResetHostStats zeroes the I/O counters of a host
func (c *Client) ResetHostStats(ctx context.Context, hostID int) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/hosts/%d/stats", hostID), nil, nil)
	return err
}

// GetLunMasks returns the masks of a path
func (c *Client) GetLunMasks(ctx context.Context, deviceID, pathID int) (admin.Masks, error) {
	var m admin.Masks
	_, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/devices/%d/paths/%d/masks", deviceID, pathID), nil, &m)
	return m, err
}

// SetLunMasks replaces the masks of a path
func (c *Client) SetLunMasks(ctx context.Context, deviceID, pathID int, masks admin.Masks) error {
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/devices/%d/paths/%d/masks", deviceID, pathID), masks, nil)
	return err
}

// GetControlByte returns the multipath-control byte of a device's target
func (c *Client) GetControlByte(ctx context.Context, deviceID int) (uint8, error) {
	var r admin.ControlRequest
	_, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/devices/%d/control", deviceID), nil, &r)
	return r.Value, err
}

// SetControlByte sets the multipath-control byte of a device's target
func (c *Client) SetControlByte(ctx context.Context, deviceID int, value uint8) error {
	_, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/devices/%d/control", deviceID), admin.ControlRequest{Value: value}, nil)
	return err
}
