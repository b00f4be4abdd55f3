package queue

import (
	"testing"
	"time"

	"github.com/fluxpod/fluxpod/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	byQueue map[string][]*types.Container
}

func (f *fakeStore) ListContainersByQueue(queue string) ([]*types.Container, error) {
	return f.byQueue[queue], nil
}

func newQueued(id string, createdAt time.Time) *types.Container {
	c := &types.Container{
		ResourceMeta: types.ResourceMeta{ID: id, Name: id, Namespace: "ns1", CreatedAt: createdAt},
		Queue:        "gpu-a",
	}
	_ = c.SetStatus(&types.ContainerStatus{Status: types.ContainerQueued})
	return c
}

func TestAdmitsSoleQueuedContainer(t *testing.T) {
	c := newQueued("c1", time.Now())
	store := &fakeStore{byQueue: map[string][]*types.Container{"gpu-a": {c}}}

	decision, err := Admit(store, "gpu-a", c)
	require.NoError(t, err)
	require.True(t, decision.Admit)
}

func TestBlocksBehindActiveNonQueuedOccupant(t *testing.T) {
	occupant := newQueued("c1", time.Now().Add(-time.Hour))
	_ = occupant.SetStatus(&types.ContainerStatus{Status: types.ContainerRunning})
	candidate := newQueued("c2", time.Now())
	store := &fakeStore{byQueue: map[string][]*types.Container{"gpu-a": {occupant, candidate}}}

	decision, err := Admit(store, "gpu-a", candidate)
	require.NoError(t, err)
	require.False(t, decision.Admit)
	require.Equal(t, "c1", decision.HeadOfQueue)
}

func TestAdmitsEarliestCreatedOverLaterArrivals(t *testing.T) {
	earliest := newQueued("c1", time.Now().Add(-time.Minute))
	later := newQueued("c2", time.Now())
	store := &fakeStore{byQueue: map[string][]*types.Container{"gpu-a": {earliest, later}}}

	decision, err := Admit(store, "gpu-a", earliest)
	require.NoError(t, err)
	require.True(t, decision.Admit)

	decision, err = Admit(store, "gpu-a", later)
	require.NoError(t, err)
	require.False(t, decision.Admit)
	require.Equal(t, "c1", decision.HeadOfQueue)
}

func TestTieBreaksByIDOnExactCreationTime(t *testing.T) {
	now := time.Now()
	a := newQueued("a-first", now)
	b := newQueued("b-second", now)
	store := &fakeStore{byQueue: map[string][]*types.Container{"gpu-a": {b, a}}}

	decision, err := Admit(store, "gpu-a", a)
	require.NoError(t, err)
	require.True(t, decision.Admit)
}
