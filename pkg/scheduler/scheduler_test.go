package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxpod/fluxpod/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeContainerStore struct {
	mu         sync.Mutex
	containers map[string]*types.Container
}

func newFakeContainerStore(cs ...*types.Container) *fakeContainerStore {
	m := map[string]*types.Container{}
	for _, c := range cs {
		m[c.ID] = c
	}
	return &fakeContainerStore{containers: m}
}

func (f *fakeContainerStore) ListActiveContainers() ([]*types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Container
	for _, c := range f.containers {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeContainerStore) UpdateContainer(c *types.Container) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[c.ID] = c
	return nil
}

type fakeProcessorStore struct{}

func (fakeProcessorStore) ListActiveProcessors() ([]*types.Processor, error) { return nil, nil }
func (fakeProcessorStore) UpdateProcessor(*types.Processor) error            { return nil }

type blockingReconciler struct {
	calls   int32
	release chan struct{}
}

func (b *blockingReconciler) Reconcile(ctx context.Context, id string) {
	atomic.AddInt32(&b.calls, 1)
	<-b.release
}

type noopProcessorReconciler struct{}

func (noopProcessorReconciler) Reconcile(ctx context.Context, id string) {}

func newTestContainer(id string) *types.Container {
	c := &types.Container{ResourceMeta: types.ResourceMeta{ID: id, Name: id, Namespace: "ns1"}}
	_ = c.SetStatus(&types.ContainerStatus{Status: types.ContainerDefined})
	return c
}

func TestTickDoesNotSpawnSecondTaskWhileFirstInFlight(t *testing.T) {
	c := newTestContainer("c1")
	store := newFakeContainerStore(c)
	reconciler := &blockingReconciler{release: make(chan struct{})}
	defer close(reconciler.release)

	sched := New(store, fakeProcessorStore{}, reconciler, noopProcessorReconciler{}, nil)

	sched.tick(context.Background())
	sched.tick(context.Background())

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&reconciler.calls) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTickMintsThreadIDOnDispatch(t *testing.T) {
	c := newTestContainer("c1")
	store := newFakeContainerStore(c)
	reconciler := &blockingReconciler{release: make(chan struct{})}
	defer close(reconciler.release)

	sched := New(store, fakeProcessorStore{}, reconciler, noopProcessorReconciler{}, nil)
	sched.tick(context.Background())

	require.Eventually(t, func() bool {
		data, err := c.ControllerData()
		return err == nil && data.ThreadID != ""
	}, time.Second, 10*time.Millisecond)
}

func TestTickSkipsWhenNotLeader(t *testing.T) {
	c := newTestContainer("c1")
	store := newFakeContainerStore(c)
	reconciler := &blockingReconciler{release: make(chan struct{})}
	defer close(reconciler.release)

	sched := New(store, fakeProcessorStore{}, reconciler, noopProcessorReconciler{}, neverLeader{})
	sched.tick(context.Background())

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&reconciler.calls))
}

type neverLeader struct{}

func (neverLeader) IsLeader() bool { return false }
