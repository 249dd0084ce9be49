// Package backend is the HTTP client for the fleet backend: the pull
// endpoints the reconciler reads and the one-shot order and settings
// submissions.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"fleet-console/internal/fleet"
)

// ErrStatus wraps non-2xx responses.
var ErrStatus = errors.New("unexpected http status")

// FleetSource produces authoritative fleet snapshots.
type FleetSource interface {
	Fleet(ctx context.Context) (fleet.Snapshot, error)
}

// Client talks to the backend's /api endpoints.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	clock      clockwork.Clock
}

// NewClient returns a client for the backend at baseURL.
func NewClient(baseURL string, timeout time.Duration, clk clockwork.Clock) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend url %q is not absolute", baseURL)
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Client{
		base:       u,
		httpClient: &http.Client{Timeout: timeout},
		clock:      clk,
	}, nil
}

// Base fetches the depot location.
func (c *Client) Base(ctx context.Context) (fleet.BaseLocation, error) {
	var p struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	}
	body, err := c.get(ctx, "/api/base")
	if err != nil {
		return fleet.BaseLocation{}, err
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return fleet.BaseLocation{}, fmt.Errorf("decode base: %w", err)
	}
	if p.Lat == nil || p.Lon == nil {
		return fleet.BaseLocation{}, errors.New("decode base: missing lat/lon")
	}
	pos := fleet.Position{Lat: *p.Lat, Lon: *p.Lon}
	if !pos.Valid() {
		return fleet.BaseLocation{}, fmt.Errorf("decode base: position %s out of range", pos)
	}
	return fleet.BaseLocation{Position: pos}, nil
}

// Drones fetches the vehicle list used for order assignment.
func (c *Client) Drones(ctx context.Context) ([]fleet.VehicleDescriptor, error) {
	body, err := c.get(ctx, "/api/drones")
	if err != nil {
		return nil, err
	}
	return decodeDescriptors(body, "drones")
}

// FreeDrones fetches the vehicle list and drops vehicles that cannot
// take an order.
func (c *Client) FreeDrones(ctx context.Context) ([]fleet.VehicleDescriptor, error) {
	all, err := c.Drones(ctx)
	if err != nil {
		return nil, err
	}
	free := all[:0]
	for _, d := range all {
		if d.Status.Free() {
			free = append(free, d)
		}
	}
	return free, nil
}

// Fleet fetches the full status table as a snapshot.
func (c *Client) Fleet(ctx context.Context) (fleet.Snapshot, error) {
	takenAt := c.clock.Now()
	body, err := c.get(ctx, "/api/fleet")
	if err != nil {
		return fleet.Snapshot{}, err
	}
	vehicles, err := decodeDescriptors(body, "fleet")
	if err != nil {
		return fleet.Snapshot{}, err
	}
	return fleet.Snapshot{Vehicles: vehicles, TakenAt: takenAt}, nil
}

// SubmitOrder posts an order. The order is validated first.
func (c *Client) SubmitOrder(ctx context.Context, o Order) (OrderReceipt, error) {
	if err := o.Validate(); err != nil {
		return OrderReceipt{}, err
	}
	var receipt OrderReceipt
	if err := c.post(ctx, "/api/orders", o, &receipt); err != nil {
		return OrderReceipt{}, err
	}
	if receipt.Error != "" {
		return receipt, fmt.Errorf("backend rejected order %s: %s", o.ID, receipt.Error)
	}
	if receipt.OrderID == "" {
		receipt.OrderID = o.ID
	}
	return receipt, nil
}

// SaveSettings posts simulator settings. The settings are validated first.
func (c *Client) SaveSettings(ctx context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return c.post(ctx, "/api/settings", s, nil)
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, path)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := c.do(req, path)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, path string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s %s: %d", ErrStatus, req.Method, path, resp.StatusCode)
	}
	return body, nil
}
