package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fluxpod/fluxpod/pkg/apierr"
	"github.com/fluxpod/fluxpod/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(filepath.Join(dir, "fluxpod.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newContainer(id, namespace, name string) *types.Container {
	c := &types.Container{
		ResourceMeta: types.ResourceMeta{
			ID: id, Name: name, Namespace: namespace, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		},
	}
	_ = c.SetStatus(&types.ContainerStatus{Status: types.ContainerDefined})
	return c
}

func TestCreateContainerDuplicateFullNameConflicts(t *testing.T) {
	s := newTestStore(t)

	c1 := newContainer("c1", "ns1", "web")
	require.NoError(t, s.CreateContainer(c1))

	c2 := newContainer("c2", "ns1", "web")
	err := s.CreateContainer(c2)
	require.Error(t, err)
	require.True(t, apierr.Is(err, apierr.KindConflict))

	all, err := s.ListContainers()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestListActiveContainersTracksStatusTransitions(t *testing.T) {
	s := newTestStore(t)

	c := newContainer("c1", "ns1", "web")
	require.NoError(t, s.CreateContainer(c))

	active, err := s.ListActiveContainers()
	require.NoError(t, err)
	require.Len(t, active, 1)

	_ = c.SetStatus(&types.ContainerStatus{Status: types.ContainerCompleted})
	require.NoError(t, s.UpdateContainer(c))

	active, err = s.ListActiveContainers()
	require.NoError(t, err)
	require.Empty(t, active)

	all, err := s.ListContainers()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestListContainersByOwnerRef(t *testing.T) {
	s := newTestStore(t)

	c1 := newContainer("c1", "ns1", "replica-1")
	c1.OwnerRef = "proc-1"
	c2 := newContainer("c2", "ns1", "replica-2")
	c2.OwnerRef = "proc-1"
	c3 := newContainer("c3", "ns1", "other")
	c3.OwnerRef = "proc-2"

	require.NoError(t, s.CreateContainer(c1))
	require.NoError(t, s.CreateContainer(c2))
	require.NoError(t, s.CreateContainer(c3))

	replicas, err := s.ListContainersByOwnerRef("proc-1")
	require.NoError(t, err)
	require.Len(t, replicas, 2)
}

func TestGetContainerNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetContainer("missing")
	require.Error(t, err)
	require.True(t, apierr.Is(err, apierr.KindNotFound))
}

func TestSecretRoundTripByName(t *testing.T) {
	s := newTestStore(t)
	sec := &types.Secret{
		ResourceMeta:   types.ResourceMeta{ID: "s1", Name: "db-pw", Namespace: "ns1"},
		EncryptedValue: []byte("ciphertext"),
		Nonce:          []byte("nonce"),
	}
	require.NoError(t, s.CreateSecret(sec))

	got, err := s.GetSecretByName("ns1", "db-pw")
	require.NoError(t, err)
	require.Equal(t, sec.ID, got.ID)
}
