// Package backend defines the adapter contract the reconciler dispatches
// to (spec §4.5): a fixed capability interface implemented independently
// by a GPU cloud backend and a Kubernetes Jobs backend. Neither
// implementer inherits from the other (spec §9 "capability interface, not
// a twinned inheritance hierarchy").
package backend

import (
	"context"
	"time"
)

// ErrorKind classifies a backend adapter failure (spec §4.5/§7).
type ErrorKind string

const (
	ErrNotFound  ErrorKind = "not_found"
	ErrTransient ErrorKind = "transient_network"
	ErrAuth      ErrorKind = "auth_failed"
	ErrPermanent ErrorKind = "permanent"
)

// Error is a structured backend error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs a classified backend error.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// AcceleratorInfo describes one accelerator type's backend availability.
type AcceleratorInfo struct {
	InternalName string
	BackendName  string
	Available    bool
	MemoryGB     int
}

// StockStatus ranks a datacenter's current capacity, used by the Create
// path's datacenter selection (spec §4.2 step 5).
type StockStatus int

const (
	StockUnknown StockStatus = iota
	StockLow
	StockMedium
	StockHigh
)

// Datacenter is a backend-specific candidate location.
type Datacenter struct {
	ID               string
	Location         string
	StorageSupported bool
	Stock            StockStatus
}

// VolumeHandle is an opaque, backend-specific network volume reference.
type VolumeHandle struct {
	ID string
}

// PodSpec is the input to CreatePod.
type PodSpec struct {
	Name          string // client-supplied, used for orphan matching on boot
	Image         string
	Command       string
	Args          []string
	Env           map[string]string
	Ports         []int
	Volume        *VolumeHandle
	AcceleratorID string
	AcceleratorCt int
	AuthToken     string
}

// PodHandle is the result of a successful CreatePod call.
type PodHandle struct {
	PodID      string
	CostPerHr  float64
}

// PodPhase is the backend-reported lifecycle phase of a pod, later mapped
// onto a types.ContainerStatusValue by the watch loop.
type PodPhase string

const (
	PodPending   PodPhase = "pending"
	PodRunning   PodPhase = "running"
	PodExited    PodPhase = "exited"
	PodFailed    PodPhase = "failed"
	PodTerminated PodPhase = "terminated"
)

// PodPort is a backend-reported public port mapping.
type PodPort struct {
	Port     int
	Protocol string
	PublicIP string
}

// PodObservation is the result of GetPod and an element of ListPods.
// Name carries the client-supplied name CreatePod was given, so a caller
// can match a backend-visible pod to a row even when it never learned
// PodID (boot-time orphan reconciliation, spec §9).
type PodObservation struct {
	PodID     string
	Name      string
	Phase     PodPhase
	Ports     []PodPort
	CostPerHr float64
}

// OCIConfig is the subset of an image's OCI config the Create path needs.
type OCIConfig struct {
	User string
}

// Platform is the fixed capability interface every backend adapter
// implements (spec §4.5).
type Platform interface {
	ListAccelerators(ctx context.Context) ([]AcceleratorInfo, error)
	ListDatacenters(ctx context.Context, acceleratorType string, count int) ([]Datacenter, error)
	EnsureVolume(ctx context.Context, owner, datacenter string, sizeGB int) (*VolumeHandle, error)
	CreatePod(ctx context.Context, spec PodSpec) (*PodHandle, error)
	GetPod(ctx context.Context, podID string) (*PodObservation, error)
	ListPods(ctx context.Context) ([]PodObservation, error)
	DeletePod(ctx context.Context, podID string) error
	PullImageConfig(ctx context.Context, image string) (*OCIConfig, error)
}

// DialTimeout is the HTTP client timeout the gpucloud adapter uses for a
// single backend call (spec §5 "Backend calls: the adapter's default"); it applies
// alongside any deadline on the caller's context.
const DialTimeout = 30 * time.Second
