package container

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fluxpod/fluxpod/pkg/backend"
	"github.com/fluxpod/fluxpod/pkg/security"
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

func newTestEncryptor(t *testing.T) *security.Encryptor {
	t.Helper()
	enc, err := security.NewEncryptor(make([]byte, 32))
	require.NoError(t, err)
	return enc
}

func newDefinedContainer(id string) *types.Container {
	c := &types.Container{
		ResourceMeta: types.ResourceMeta{ID: id, Name: id, Namespace: "ns1", Owner: "alice", CreatedAt: time.Now(), UpdatedAt: time.Now()},
		ContainerRequest: types.ContainerRequest{
			Image: "registry.example.com/app:latest",
		},
		DesiredStatus: types.ContainerRunning,
	}
	_ = c.SetStatus(&types.ContainerStatus{Status: types.ContainerDefined})
	return c
}

// fakePlatform is a minimal backend.Platform stub for state-machine tests
// that never reach the network-calling steps.
type fakePlatform struct {
	getPodObs *backend.PodObservation
	getPodErr error
}

func (f *fakePlatform) ListAccelerators(ctx context.Context) ([]backend.AcceleratorInfo, error) {
	return nil, nil
}
func (f *fakePlatform) ListDatacenters(ctx context.Context, acceleratorType string, count int) ([]backend.Datacenter, error) {
	return nil, nil
}
func (f *fakePlatform) EnsureVolume(ctx context.Context, owner, datacenter string, sizeGB int) (*backend.VolumeHandle, error) {
	return nil, nil
}
func (f *fakePlatform) CreatePod(ctx context.Context, spec backend.PodSpec) (*backend.PodHandle, error) {
	return nil, nil
}
func (f *fakePlatform) GetPod(ctx context.Context, podID string) (*backend.PodObservation, error) {
	return f.getPodObs, f.getPodErr
}
func (f *fakePlatform) ListPods(ctx context.Context) ([]backend.PodObservation, error) { return nil, nil }
func (f *fakePlatform) DeletePod(ctx context.Context, podID string) error              { return nil }
func (f *fakePlatform) PullImageConfig(ctx context.Context, image string) (*backend.OCIConfig, error) {
	return &backend.OCIConfig{}, nil
}

var _ backend.Platform = (*fakePlatform)(nil)

func TestCreateEligibleStatuses(t *testing.T) {
	require.True(t, createEligible(types.ContainerDefined))
	require.True(t, createEligible(types.ContainerPaused))
	require.True(t, createEligible(types.ContainerPending))
	require.True(t, createEligible(types.ContainerQueued))
	require.False(t, createEligible(types.ContainerRunning))
	require.False(t, createEligible(types.ContainerFailed))
}

func TestWatchEligibleStatuses(t *testing.T) {
	require.True(t, watchEligible(types.ContainerCreated))
	require.True(t, watchEligible(types.ContainerCreating))
	require.True(t, watchEligible(types.ContainerRunning))
	require.True(t, watchEligible(types.ContainerRestarting))
	require.False(t, watchEligible(types.ContainerDefined))
	require.False(t, watchEligible(types.ContainerFailed))
}

func TestReconcileIsNoOpOnTerminalStatus(t *testing.T) {
	store := newTestStore(t)
	c := newDefinedContainer("c1")
	st, _ := c.Status()
	st.Status = types.ContainerCompleted
	_ = c.SetStatus(st)
	require.NoError(t, store.CreateContainer(c))

	r := New(store, map[string]backend.Platform{"": &fakePlatform{}}, newTestEncryptor(t), nil, DefaultConfig())
	r.Reconcile(context.Background(), "c1")

	reloaded, err := store.GetContainer("c1")
	require.NoError(t, err)
	reloadedStatus, err := reloaded.Status()
	require.NoError(t, err)
	require.Equal(t, types.ContainerCompleted, reloadedStatus.Status)
}

func TestReconcileQueuedBehindActiveOccupantStaysQueued(t *testing.T) {
	store := newTestStore(t)

	occupant := newDefinedContainer("occupant")
	occupant.Queue = "q1"
	st, _ := occupant.Status()
	st.Status = types.ContainerRunning
	_ = occupant.SetStatus(st)
	require.NoError(t, store.CreateContainer(occupant))

	candidate := newDefinedContainer("candidate")
	candidate.Queue = "q1"
	require.NoError(t, store.CreateContainer(candidate))

	r := New(store, map[string]backend.Platform{"": &fakePlatform{}}, newTestEncryptor(t), nil, DefaultConfig())
	r.Reconcile(context.Background(), "candidate")

	reloaded, err := store.GetContainer("candidate")
	require.NoError(t, err)
	reloadedStatus, err := reloaded.Status()
	require.NoError(t, err)
	require.Equal(t, types.ContainerQueued, reloadedStatus.Status)
}

func TestSelectDatacenterPrefersRegionThenStockThenID(t *testing.T) {
	candidates := []backend.Datacenter{
		{ID: "dc-b", Location: "eu-west", StorageSupported: true, Stock: backend.StockHigh},
		{ID: "dc-a", Location: "us-east", StorageSupported: true, Stock: backend.StockMedium},
		{ID: "dc-c", Location: "us-east", StorageSupported: true, Stock: backend.StockHigh},
	}
	dc, err := selectDatacenter(candidates, []string{"us-east"})
	require.NoError(t, err)
	require.Equal(t, "dc-c", dc.ID)
}

func TestSelectDatacenterExcludesNonStorageCapable(t *testing.T) {
	candidates := []backend.Datacenter{
		{ID: "dc-a", Location: "us-east", StorageSupported: false, Stock: backend.StockHigh},
	}
	_, err := selectDatacenter(candidates, nil)
	require.Error(t, err)
}

func TestResolveAcceleratorPicksFirstAvailablePreference(t *testing.T) {
	inventory := []backend.AcceleratorInfo{
		{InternalName: "A100", Available: false},
		{InternalName: "H100_SXM", Available: true},
	}
	accType, count, err := resolveAccelerator([]string{"1:A100", "1:H100_SXM"}, inventory)
	require.NoError(t, err)
	require.Equal(t, "H100_SXM", accType)
	require.Equal(t, 1, count)
}

func TestResolveAcceleratorFailsWhenNoneAvailable(t *testing.T) {
	inventory := []backend.AcceleratorInfo{{InternalName: "A100", Available: false}}
	_, _, err := resolveAccelerator([]string{"1:A100"}, inventory)
	require.Error(t, err)
}

func TestApplyPhaseTerminalPhaseWins(t *testing.T) {
	st := &types.ContainerStatus{}
	applyPhase(st, backend.PodExited, true, DefaultConfig(), &types.Container{})
	require.Equal(t, types.ContainerCompleted, st.Status)
	require.False(t, st.Ready)
}

func TestApplyPhaseUnreachableOverridesRunning(t *testing.T) {
	st := &types.ContainerStatus{}
	applyPhase(st, backend.PodRunning, false, DefaultConfig(), &types.Container{})
	require.Equal(t, types.ContainerCreating, st.Status)
	require.False(t, st.Ready)
}

func TestApplyPhaseRunningAndReachableWithoutHealthCheckIsReady(t *testing.T) {
	st := &types.ContainerStatus{}
	applyPhase(st, backend.PodRunning, true, DefaultConfig(), &types.Container{})
	require.Equal(t, types.ContainerRunning, st.Status)
	require.True(t, st.Ready)
}

func TestApplyPhaseRunningWithHealthCheckDefersReadiness(t *testing.T) {
	st := &types.ContainerStatus{}
	c := &types.Container{ContainerRequest: types.ContainerRequest{HealthCheck: &types.HealthCheck{Path: "/healthz", Port: 8080}}}
	applyPhase(st, backend.PodRunning, true, DefaultConfig(), c)
	require.Equal(t, types.ContainerRunning, st.Status)
	require.False(t, st.Ready)
}

func TestWatchIterationMarksStoppedOnNotFound(t *testing.T) {
	store := newTestStore(t)
	c := newDefinedContainer("c1")
	st, _ := c.Status()
	st.Status = types.ContainerRunning
	_ = c.SetStatus(st)
	c.ResourceName = "pod-123"
	require.NoError(t, store.CreateContainer(c))

	platform := &fakePlatform{getPodErr: backend.NewError(backend.ErrNotFound, "not found", nil)}
	r := New(store, map[string]backend.Platform{"": platform}, newTestEncryptor(t), nil, DefaultConfig())

	done := r.watchIteration(context.Background(), platform, c)
	require.True(t, done)

	reloaded, err := store.GetContainer("c1")
	require.NoError(t, err)
	reloadedStatus, err := reloaded.Status()
	require.NoError(t, err)
	require.Equal(t, types.ContainerStopped, reloadedStatus.Status)
}

func TestWatchIterationSelfTeardownFinalizesToCompleted(t *testing.T) {
	store := newTestStore(t)
	c := newDefinedContainer("c1")
	c.Restart = types.RestartNever
	c.PublicAddr = "10.0.0.5"
	st, _ := c.Status()
	st.Status = types.ContainerRunning
	_ = c.SetStatus(st)
	c.ResourceName = "pod-123"
	require.NoError(t, store.CreateContainer(c))

	// probeSSH/probeDoneFile both need a real SSH dial, which this test
	// double can't provide; exercise the flag's persistence and the
	// NotFound branch directly instead of the unreachable-in-tests dial.
	reloaded, err := store.GetContainer("c1")
	require.NoError(t, err)
	cd, err := reloaded.ControllerData()
	require.NoError(t, err)
	cd.AwaitingSelfTeardown = true
	require.NoError(t, reloaded.SetControllerData(cd))
	require.NoError(t, store.UpdateContainer(reloaded))

	platform := &fakePlatform{getPodErr: backend.NewError(backend.ErrNotFound, "not found", nil)}
	r := New(store, map[string]backend.Platform{"": platform}, newTestEncryptor(t), nil, DefaultConfig())

	reloaded, err = store.GetContainer("c1")
	require.NoError(t, err)
	done := r.watchIteration(context.Background(), platform, reloaded)
	require.True(t, done)

	final, err := store.GetContainer("c1")
	require.NoError(t, err)
	finalStatus, err := final.Status()
	require.NoError(t, err)
	require.Equal(t, types.ContainerCompleted, finalStatus.Status)
}

func TestWatchIterationFailsAfterErrorBudgetExhausted(t *testing.T) {
	store := newTestStore(t)
	c := newDefinedContainer("c1")
	st, _ := c.Status()
	st.Status = types.ContainerRunning
	_ = c.SetStatus(st)
	c.ResourceName = "pod-123"
	require.NoError(t, store.CreateContainer(c))

	platform := &fakePlatform{getPodErr: backend.NewError(backend.ErrTransient, "timeout", nil)}
	cfg := DefaultConfig()
	cfg.ConsecutiveErrorBudget = 3
	r := New(store, map[string]backend.Platform{"": platform}, newTestEncryptor(t), nil, cfg)

	var done bool
	for i := 0; i < cfg.ConsecutiveErrorBudget; i++ {
		reloaded, err := store.GetContainer("c1")
		require.NoError(t, err)
		done = r.watchIteration(context.Background(), platform, reloaded)
	}
	require.True(t, done)

	reloaded, err := store.GetContainer("c1")
	require.NoError(t, err)
	reloadedStatus, err := reloaded.Status()
	require.NoError(t, err)
	require.Equal(t, types.ContainerFailed, reloadedStatus.Status)
}
