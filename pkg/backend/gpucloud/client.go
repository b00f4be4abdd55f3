// Package gpucloud implements backend.Platform against a RunPod-shaped
// GPU cloud HTTP/JSON API (spec §4.5, §6.3). No library in the reference
// pack wraps this bespoke wire format, so the client is a thin net/http
// wrapper — see DESIGN.md for the stdlib justification.
package gpucloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fluxpod/fluxpod/pkg/backend"
	"github.com/fluxpod/fluxpod/pkg/log"
	"github.com/fluxpod/fluxpod/pkg/metrics"
	"github.com/rs/zerolog"
)

// Client is a gpucloud backend.Platform implementation.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  zerolog.Logger
}

// New constructs a Client against baseURL, authenticating with apiKey.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: backend.DialTimeout},
		logger:  log.WithComponent("backend.gpucloud"),
	}
}

type acceleratorsResponse struct {
	Accelerators []struct {
		Internal  string `json:"internal_name"`
		Backend   string `json:"backend_name"`
		Available bool   `json:"available"`
		MemoryGB  int    `json:"memory_gb"`
	} `json:"accelerators"`
}

func (c *Client) ListAccelerators(ctx context.Context) ([]backend.AcceleratorInfo, error) {
	var resp acceleratorsResponse
	if err := c.do(ctx, "list_accelerators", http.MethodGet, "/v1/accelerators", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]backend.AcceleratorInfo, 0, len(resp.Accelerators))
	for _, a := range resp.Accelerators {
		out = append(out, backend.AcceleratorInfo{
			InternalName: a.Internal,
			BackendName:  a.Backend,
			Available:    a.Available,
			MemoryGB:     a.MemoryGB,
		})
	}
	return out, nil
}

type datacentersResponse struct {
	Datacenters []struct {
		ID               string `json:"id"`
		Location         string `json:"location"`
		StorageSupported bool   `json:"storage_supported"`
		Stock            string `json:"stock_status"`
	} `json:"datacenters"`
}

func (c *Client) ListDatacenters(ctx context.Context, acceleratorType string, count int) ([]backend.Datacenter, error) {
	path := fmt.Sprintf("/v1/datacenters?accelerator=%s&count=%d", acceleratorType, count)
	var resp datacentersResponse
	if err := c.do(ctx, "list_datacenters", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]backend.Datacenter, 0, len(resp.Datacenters))
	for _, d := range resp.Datacenters {
		out = append(out, backend.Datacenter{
			ID:               d.ID,
			Location:         d.Location,
			StorageSupported: d.StorageSupported,
			Stock:            parseStock(d.Stock),
		})
	}
	return out, nil
}

func parseStock(s string) backend.StockStatus {
	switch s {
	case "high":
		return backend.StockHigh
	case "medium":
		return backend.StockMedium
	case "low":
		return backend.StockLow
	default:
		return backend.StockUnknown
	}
}

type ensureVolumeRequest struct {
	Owner      string `json:"owner"`
	Datacenter string `json:"datacenter"`
	SizeGB     int    `json:"size_gb"`
}

type volumeResponse struct {
	ID string `json:"id"`
}

func (c *Client) EnsureVolume(ctx context.Context, owner, datacenter string, sizeGB int) (*backend.VolumeHandle, error) {
	req := ensureVolumeRequest{Owner: owner, Datacenter: datacenter, SizeGB: sizeGB}
	var resp volumeResponse
	if err := c.do(ctx, "ensure_volume", http.MethodPost, "/v1/volumes", req, &resp); err != nil {
		return nil, err
	}
	return &backend.VolumeHandle{ID: resp.ID}, nil
}

type createPodRequest struct {
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	Command       string            `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Ports         []int             `json:"ports,omitempty"`
	VolumeID      string            `json:"volume_id,omitempty"`
	AcceleratorID string            `json:"accelerator_id"`
	AcceleratorCt int               `json:"accelerator_count"`
}

type createPodResponse struct {
	PodID     string  `json:"pod_id"`
	CostPerHr float64 `json:"cost_per_hr"`
}

func (c *Client) CreatePod(ctx context.Context, spec backend.PodSpec) (*backend.PodHandle, error) {
	req := createPodRequest{
		Name: spec.Name, Image: spec.Image, Command: spec.Command, Args: spec.Args,
		Env: spec.Env, Ports: spec.Ports, AcceleratorID: spec.AcceleratorID, AcceleratorCt: spec.AcceleratorCt,
	}
	if spec.Volume != nil {
		req.VolumeID = spec.Volume.ID
	}
	var resp createPodResponse
	if err := c.do(ctx, "create_pod", http.MethodPost, "/v1/pods", req, &resp); err != nil {
		return nil, err
	}
	return &backend.PodHandle{PodID: resp.PodID, CostPerHr: resp.CostPerHr}, nil
}

type podResponse struct {
	PodID     string  `json:"pod_id"`
	Name      string  `json:"name"`
	Phase     string  `json:"phase"`
	CostPerHr float64 `json:"cost_per_hr"`
	Ports     []struct {
		Port     int    `json:"port"`
		Protocol string `json:"protocol"`
		PublicIP string `json:"public_ip"`
	} `json:"ports"`
}

func (c *Client) GetPod(ctx context.Context, podID string) (*backend.PodObservation, error) {
	var resp podResponse
	if err := c.do(ctx, "get_pod", http.MethodGet, "/v1/pods/"+podID, nil, &resp); err != nil {
		return nil, err
	}
	obs := &backend.PodObservation{
		PodID:     resp.PodID,
		Name:      resp.Name,
		Phase:     backend.PodPhase(resp.Phase),
		CostPerHr: resp.CostPerHr,
	}
	for _, p := range resp.Ports {
		obs.Ports = append(obs.Ports, backend.PodPort{Port: p.Port, Protocol: p.Protocol, PublicIP: p.PublicIP})
	}
	return obs, nil
}

func (c *Client) ListPods(ctx context.Context) ([]backend.PodObservation, error) {
	var resp []podResponse
	if err := c.do(ctx, "list_pods", http.MethodGet, "/v1/pods", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]backend.PodObservation, 0, len(resp))
	for _, r := range resp {
		out = append(out, backend.PodObservation{PodID: r.PodID, Name: r.Name, Phase: backend.PodPhase(r.Phase), CostPerHr: r.CostPerHr})
	}
	return out, nil
}

func (c *Client) DeletePod(ctx context.Context, podID string) error {
	return c.do(ctx, "delete_pod", http.MethodDelete, "/v1/pods/"+podID, nil, nil)
}

type imageConfigResponse struct {
	User string `json:"user"`
}

func (c *Client) PullImageConfig(ctx context.Context, image string) (*backend.OCIConfig, error) {
	var resp imageConfigResponse
	if err := c.do(ctx, "pull_image_config", http.MethodGet, "/v1/images/config?ref="+image, nil, &resp); err != nil {
		return nil, err
	}
	return &backend.OCIConfig{User: resp.User}, nil
}

// do issues one HTTP/JSON request, classifying the response into the
// backend error taxonomy and recording call latency/errors in metrics.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackendCallDuration, "gpucloud", op)

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return backend.NewError(backend.ErrPermanent, "encode request", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return backend.NewError(backend.ErrPermanent, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.BackendCallErrorsTotal.WithLabelValues("gpucloud", op, string(backend.ErrTransient)).Inc()
		return backend.NewError(backend.ErrTransient, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		metrics.BackendCallErrorsTotal.WithLabelValues("gpucloud", op, string(backend.ErrNotFound)).Inc()
		return backend.NewError(backend.ErrNotFound, fmt.Sprintf("%s: not found", op), nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		metrics.BackendCallErrorsTotal.WithLabelValues("gpucloud", op, string(backend.ErrAuth)).Inc()
		return backend.NewError(backend.ErrAuth, fmt.Sprintf("%s: unauthorized", op), nil)
	case resp.StatusCode >= 500:
		metrics.BackendCallErrorsTotal.WithLabelValues("gpucloud", op, string(backend.ErrTransient)).Inc()
		return backend.NewError(backend.ErrTransient, fmt.Sprintf("%s: server error %d", op, resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		metrics.BackendCallErrorsTotal.WithLabelValues("gpucloud", op, string(backend.ErrPermanent)).Inc()
		return backend.NewError(backend.ErrPermanent, fmt.Sprintf("%s: rejected with %d", op, resp.StatusCode), nil)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backend.NewError(backend.ErrPermanent, "decode response", err)
	}
	return nil
}
