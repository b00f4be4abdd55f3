// Package storage defines the persistence contract for namespaces,
// containers, processors, secrets, volumes, and agent keys (spec §4.6),
// plus a go.etcd.io/bbolt-backed implementation.
package storage

import "github.com/fluxpod/fluxpod/pkg/types"

// Store is the interface the reconciliation core depends on for all
// resource persistence. Every mutating call is row-scoped and commits as a
// single bbolt transaction, including a create's uniqueness check and a
// container write's active-index update (spec §5 "Shared resources").
type Store interface {
	// Namespaces
	CreateNamespace(ns *types.Namespace) error
	GetNamespace(id string) (*types.Namespace, error)
	GetNamespaceByName(name string) (*types.Namespace, error)
	ListNamespaces() ([]*types.Namespace, error)
	DeleteNamespace(id string) error

	// Containers
	CreateContainer(c *types.Container) error
	GetContainer(id string) (*types.Container, error)
	GetContainerByName(namespace, name string) (*types.Container, error)
	ListContainers() ([]*types.Container, error)
	ListActiveContainers() ([]*types.Container, error)
	ListContainersByOwnerRef(ownerRef string) ([]*types.Container, error)
	ListContainersByQueue(queue string) ([]*types.Container, error)
	UpdateContainer(c *types.Container) error
	DeleteContainer(id string) error

	// Processors
	CreateProcessor(p *types.Processor) error
	GetProcessor(id string) (*types.Processor, error)
	GetProcessorByName(namespace, name string) (*types.Processor, error)
	ListProcessors() ([]*types.Processor, error)
	ListActiveProcessors() ([]*types.Processor, error)
	UpdateProcessor(p *types.Processor) error
	DeleteProcessor(id string) error

	// Secrets
	CreateSecret(s *types.Secret) error
	GetSecret(id string) (*types.Secret, error)
	GetSecretByName(namespace, name string) (*types.Secret, error)
	ListSecrets() ([]*types.Secret, error)
	DeleteSecret(id string) error

	// Volumes
	CreateVolume(v *types.Volume) error
	GetVolumeByOwnerDatacenter(owner, datacenter string) (*types.Volume, error)
	ListVolumes() ([]*types.Volume, error)
	DeleteVolume(id string) error

	// Agent keys
	CreateAgentKey(k *types.AgentKey) error
	GetAgentKeyByContainer(containerID string) (*types.AgentKey, error)
	DeleteAgentKey(id string) error

	Close() error
}
