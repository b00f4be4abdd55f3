// Package types defines the data model shared by the reconciliation core
// and its collaborators (spec §3): resource identity, Container and
// Processor declarative/derived state, Secret, Namespace, and the nested
// structures they embed.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResourceMeta is embedded by every resource kind (spec §3 "Resource
// identity").
type ResourceMeta struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Owner     string            `json:"owner"`
	CreatedBy string            `json:"created_by"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// FullName is namespace/name, unique per (kind, namespace, name).
func (m ResourceMeta) FullName() string {
	return m.Namespace + "/" + m.Name
}

// EnvVar is a single environment entry: either a literal value or a
// reference to a Secret resolved at spawn time.
type EnvVar struct {
	Key        string `json:"key"`
	Value      string `json:"value,omitempty"`
	SecretName string `json:"secret_name,omitempty"`
}

// VolumePath declares a data-synchronization rule applied by the
// in-container sync agent (out of core scope; the core only emits this
// configuration into the boot script, spec §1/§GLOSSARY).
type VolumePath struct {
	Source        string `json:"source"`
	Dest          string `json:"dest"`
	Driver        string `json:"driver"`
	Bidirectional bool   `json:"bidirectional"`
	Continuous    bool   `json:"continuous"`
}

// AcceleratorPreference is one entry of an ordered "count:type" preference
// list, e.g. "1:H100_SXM".
type AcceleratorPreference struct {
	Count int
	Type  string
}

func (a AcceleratorPreference) String() string {
	return fmt.Sprintf("%d:%s", a.Count, a.Type)
}

// ParseAcceleratorPreference parses a "count:type" string.
func ParseAcceleratorPreference(s string) (AcceleratorPreference, error) {
	var count int
	var accType string
	n, err := fmt.Sscanf(s, "%d:%s", &count, &accType)
	if err != nil || n != 2 {
		return AcceleratorPreference{}, fmt.Errorf("invalid accelerator preference %q", s)
	}
	return AcceleratorPreference{Count: count, Type: accType}, nil
}

// ResourceRequirements describes min/max CPU and memory.
type ResourceRequirements struct {
	MinCPU    float64 `json:"min_cpu,omitempty"`
	MaxCPU    float64 `json:"max_cpu,omitempty"`
	MinMemMB  int64   `json:"min_mem_mb,omitempty"`
	MaxMemMB  int64   `json:"max_mem_mb,omitempty"`
}

// PortSpec declares a port the container wants exposed.
type PortSpec struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// HealthCheck is an optional HTTP readiness probe (spec §4.2 step 4 of the
// watch path).
type HealthCheck struct {
	Path     string        `json:"path"`
	Port     int           `json:"port"`
	Protocol string        `json:"protocol"`
	Timeout  time.Duration `json:"timeout"`
}

// Meter is a user-configured billing rule (spec §4.7, §GLOSSARY).
type Meter struct {
	Metric   string  `json:"metric"`
	Cost     float64 `json:"cost,omitempty"`
	CostPct  float64 `json:"costp,omitempty"`
	Currency string  `json:"currency"`
	Unit     string  `json:"unit"` // second | minute | hour
}

// ContainerRequest is the declarative input of spec §3 "Container".
type ContainerRequest struct {
	Image         string                  `json:"image"`
	Command       string                  `json:"command,omitempty"`
	Args          []string                `json:"args,omitempty"`
	Env           []EnvVar                `json:"env,omitempty"`
	Volumes       []VolumePath            `json:"volumes,omitempty"`
	Accelerators  []string                `json:"accelerators,omitempty"`
	Resources     *ResourceRequirements   `json:"resources,omitempty"`
	Ports         []PortSpec              `json:"ports,omitempty"`
	ProxyPort     int                     `json:"proxy_port,omitempty"`
	SSHKeys       []string                `json:"ssh_keys,omitempty"`
	HealthCheck   *HealthCheck            `json:"health_check,omitempty"`
	Meters        []Meter                 `json:"meters,omitempty"`
	Restart       RestartPolicy           `json:"restart,omitempty"`
	Queue         string                  `json:"queue,omitempty"`
	Timeout       string                  `json:"timeout,omitempty"` // duration string
	Platform      string                  `json:"platform,omitempty"`
	Authz         string                  `json:"authz,omitempty"`
}

// PublicPort is a derived, backend-reported port mapping.
type PublicPort struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	PublicIP string `json:"public_ip"`
}

// ContainerStatus is the structured status field of spec §3.
type ContainerStatus struct {
	Status       ContainerStatusValue `json:"status"`
	Message      string               `json:"message,omitempty"`
	Accelerator  string               `json:"accelerator,omitempty"`
	PublicPorts  []PublicPort         `json:"public_ports,omitempty"`
	CostPerHr    float64              `json:"cost_per_hr,omitempty"`
	TailnetURL   string               `json:"tailnet_url,omitempty"`
	Ready        bool                 `json:"ready"`
}

// ControllerData is opaque reconciler bookkeeping (spec §3). It is the
// typed accessor layer's target type for the controller_data JSON column
// shared by containers and processors (spec §9 "typed accessor layer").
type ControllerData struct {
	ThreadID          string     `json:"thread_id,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors,omitempty"`
	FirstRunningAt    *time.Time `json:"first_running_at,omitempty"`

	// Processor autoscale observation window (spec §4.3 step 4).
	ScaleUpSince   *time.Time `json:"scale_up_since,omitempty"`
	ScaleDownSince *time.Time `json:"scale_down_since,omitempty"`
	ScaleZeroSince *time.Time `json:"scale_zero_since,omitempty"`

	// AwaitingSelfTeardown is set immediately before the watch loop
	// issues a DeletePod for a restart=never container that finished on
	// its own (done-file observed). The next iteration's NotFound branch
	// checks this to finalize to Completed instead of Stopped, since a
	// 404 alone can't distinguish "we just deleted this" from "someone
	// else deleted this out from under us".
	AwaitingSelfTeardown bool `json:"awaiting_self_teardown,omitempty"`
}

// Container is the primary lifecycle entity (spec §3). Status and
// ControllerData are stored as raw JSON columns and parsed on demand via
// the typed accessors below, per spec §9's redesign note.
type Container struct {
	ResourceMeta
	ContainerRequest

	DesiredStatus ContainerStatusValue `json:"desired_status"`

	ResourceName     string  `json:"resource_name,omitempty"`
	ResourceCostPerHr float64 `json:"resource_cost_per_hr,omitempty"`
	PublicAddr       string  `json:"public_addr,omitempty"`
	TailnetIP        string  `json:"tailnet_ip,omitempty"`
	ContainerUser    string  `json:"container_user,omitempty"`

	OwnerRef string `json:"owner_ref,omitempty"` // processor.id, if a replica

	RawStatus         json.RawMessage `json:"status_json,omitempty"`
	RawControllerData json.RawMessage `json:"controller_data_json,omitempty"`

	StartedRunningAt time.Time `json:"started_running_at,omitempty"`
	FinishedAt       time.Time `json:"finished_at,omitempty"`
}

// Status parses the stored status column.
func (c *Container) Status() (*ContainerStatus, error) {
	if len(c.RawStatus) == 0 {
		return &ContainerStatus{Status: ContainerDefined}, nil
	}
	var s ContainerStatus
	if err := json.Unmarshal(c.RawStatus, &s); err != nil {
		return nil, fmt.Errorf("parse container status: %w", err)
	}
	return &s, nil
}

// SetStatus re-marshals s into the stored status column.
func (c *Container) SetStatus(s *ContainerStatus) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal container status: %w", err)
	}
	c.RawStatus = data
	return nil
}

// ControllerData parses the stored controller_data column.
func (c *Container) ControllerData() (*ControllerData, error) {
	if len(c.RawControllerData) == 0 {
		return &ControllerData{}, nil
	}
	var d ControllerData
	if err := json.Unmarshal(c.RawControllerData, &d); err != nil {
		return nil, fmt.Errorf("parse controller data: %w", err)
	}
	return &d, nil
}

// SetControllerData re-marshals d into the stored controller_data column.
func (c *Container) SetControllerData(d *ControllerData) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal controller data: %w", err)
	}
	c.RawControllerData = data
	return nil
}

// ScaleRule is one half of a processor's scale policy.
type ScaleRule struct {
	AbovePressure int           `json:"above_pressure,omitempty"`
	BelowPressure int           `json:"below_pressure,omitempty"`
	Duration      time.Duration `json:"duration"`
	Step          int           `json:"step,omitempty"`
}

// ScaleRules groups the up/down/zero rules of spec §4.3.
type ScaleRules struct {
	Up   *ScaleRule `json:"up,omitempty"`
	Down *ScaleRule `json:"down,omitempty"`
	Zero *ScaleRule `json:"zero,omitempty"`
}

// ProcessorStatus is the structured status field for processors (spec §3).
type ProcessorStatus struct {
	Status   ProcessorStatusValue `json:"status"`
	Message  string               `json:"message,omitempty"`
	Pressure int                  `json:"pressure,omitempty"`
}

// Processor is an autoscaled pool of containers (spec §3).
type Processor struct {
	ResourceMeta

	Container ContainerRequest `json:"container"`

	Stream       string     `json:"stream"`
	Schema       string     `json:"schema,omitempty"`
	CommonSchema string     `json:"common_schema,omitempty"`
	MinReplicas  int        `json:"min_replicas"`
	MaxReplicas  int        `json:"max_replicas"`
	DesiredReplicas int     `json:"desired_replicas"`
	Scale        ScaleRules `json:"scale"`

	RawStatus         json.RawMessage `json:"status_json,omitempty"`
	RawControllerData json.RawMessage `json:"controller_data_json,omitempty"`
}

func (p *Processor) Status() (*ProcessorStatus, error) {
	if len(p.RawStatus) == 0 {
		return &ProcessorStatus{Status: ProcessorDefined}, nil
	}
	var s ProcessorStatus
	if err := json.Unmarshal(p.RawStatus, &s); err != nil {
		return nil, fmt.Errorf("parse processor status: %w", err)
	}
	return &s, nil
}

func (p *Processor) SetStatus(s *ProcessorStatus) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal processor status: %w", err)
	}
	p.RawStatus = data
	return nil
}

func (p *Processor) ControllerData() (*ControllerData, error) {
	if len(p.RawControllerData) == 0 {
		return &ControllerData{}, nil
	}
	var d ControllerData
	if err := json.Unmarshal(p.RawControllerData, &d); err != nil {
		return nil, fmt.Errorf("parse controller data: %w", err)
	}
	return &d, nil
}

func (p *Processor) SetControllerData(d *ControllerData) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal controller data: %w", err)
	}
	p.RawControllerData = data
	return nil
}

// Secret is a (namespace, name)-addressed encrypted blob (spec §3/§4.6).
type Secret struct {
	ResourceMeta
	EncryptedValue []byte     `json:"encrypted_value"`
	Nonce          []byte     `json:"nonce"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Namespace is an authorization scope (spec §3).
type Namespace struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Owner  string             `json:"owner"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Volume is an opaque backend-handle record for ensure_volume idempotence
// (spec §4.5 ensure_volume, keyed by owner+datacenter).
type Volume struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	Datacenter   string `json:"datacenter"`
	SizeGB       int    `json:"size_gb"`
	BackendHandle string `json:"backend_handle"`
}

// AgentKey is a generated per-container agent credential (spec §4.2 step 2
// neighbour: "resolved agent key secret" referenced by the Create path).
type AgentKey struct {
	ID          string `json:"id"`
	ContainerID string `json:"container_id"`
	SecretName  string `json:"secret_name"`
}
