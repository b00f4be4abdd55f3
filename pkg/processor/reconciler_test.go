package processor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fluxpod/fluxpod/pkg/backend"
	"github.com/fluxpod/fluxpod/pkg/storage"
	"github.com/fluxpod/fluxpod/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.NewBoltStore(filepath.Join(dir, "fluxpod.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeBroker struct {
	backlog int64
}

func (f *fakeBroker) Backlog(ctx context.Context, stream, consumerGroup string) (int64, error) {
	return f.backlog, nil
}
func (f *fakeBroker) CacheGet(ctx context.Context, namespace, key string) (string, bool, error) {
	return "", false, nil
}
func (f *fakeBroker) CacheList(ctx context.Context, namespace, prefix string) ([]string, error) {
	return nil, nil
}
func (f *fakeBroker) CacheDelete(ctx context.Context, namespace, key string) error { return nil }
func (f *fakeBroker) Close() error                                                { return nil }

func newDefinedProcessor(id string, min, max, desired int) *types.Processor {
	p := &types.Processor{
		ResourceMeta: types.ResourceMeta{ID: id, Name: id, Namespace: "ns1", Owner: "alice", CreatedAt: time.Now(), UpdatedAt: time.Now()},
		Container:    types.ContainerRequest{Image: "registry.example.com/worker:latest"},
		Stream:       "jobs",
		MinReplicas:  min,
		MaxReplicas:  max,
		DesiredReplicas: desired,
	}
	_ = p.SetStatus(&types.ProcessorStatus{Status: types.ProcessorDefined})
	return p
}

func TestReconcileSpawnsReplicasUpToDesired(t *testing.T) {
	store := newTestStore(t)
	p := newDefinedProcessor("p1", 2, 5, 2)
	require.NoError(t, store.CreateProcessor(p))

	r := New(store, map[string]backend.Platform{}, &fakeBroker{})
	r.Reconcile(context.Background(), "p1")

	replicas, err := store.ListContainersByOwnerRef("p1")
	require.NoError(t, err)
	require.Len(t, replicas, 2)
	for _, c := range replicas {
		require.Equal(t, types.ContainerRunning, c.DesiredStatus)
		require.Equal(t, "p1", c.Labels["processor"])
	}
}

func TestReconcileScalesUpOnSustainedBacklog(t *testing.T) {
	store := newTestStore(t)
	p := newDefinedProcessor("p1", 1, 10, 1)
	p.Scale = types.ScaleRules{Up: &types.ScaleRule{AbovePressure: 5, Duration: 0, Step: 2}}
	require.NoError(t, store.CreateProcessor(p))

	r := New(store, map[string]backend.Platform{}, &fakeBroker{backlog: 50})
	r.Reconcile(context.Background(), "p1")

	reloaded, err := store.GetProcessor("p1")
	require.NoError(t, err)
	require.Equal(t, 3, reloaded.DesiredReplicas)
}

func TestReconcileTeardownDeletesSurplusReplicas(t *testing.T) {
	store := newTestStore(t)
	p := newDefinedProcessor("p1", 1, 5, 1)
	require.NoError(t, store.CreateProcessor(p))

	for i := 0; i < 3; i++ {
		c := &types.Container{
			ResourceMeta: types.ResourceMeta{ID: "replica" + string(rune('a'+i)), Name: "replica" + string(rune('a'+i)), Namespace: "ns1", CreatedAt: time.Now(), UpdatedAt: time.Now(), Labels: map[string]string{"processor": "p1"}},
			OwnerRef:     "p1",
		}
		_ = c.SetStatus(&types.ContainerStatus{Status: types.ContainerRunning})
		require.NoError(t, store.CreateContainer(c))
	}

	r := New(store, map[string]backend.Platform{}, &fakeBroker{})
	r.Reconcile(context.Background(), "p1")

	replicas, err := store.ListContainersByOwnerRef("p1")
	require.NoError(t, err)
	require.Len(t, replicas, 1)
}

func TestReconcileIsNoOpOnTerminalStatus(t *testing.T) {
	store := newTestStore(t)
	p := newDefinedProcessor("p1", 1, 5, 1)
	st, _ := p.Status()
	st.Status = types.ProcessorStopped
	_ = p.SetStatus(st)
	require.NoError(t, store.CreateProcessor(p))

	r := New(store, map[string]backend.Platform{}, &fakeBroker{})
	r.Reconcile(context.Background(), "p1")

	replicas, err := store.ListContainersByOwnerRef("p1")
	require.NoError(t, err)
	require.Len(t, replicas, 0)
}
