package container

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fluxpod/fluxpod/pkg/backend"
	"github.com/fluxpod/fluxpod/pkg/log"
	"github.com/fluxpod/fluxpod/pkg/meter"
	"github.com/fluxpod/fluxpod/pkg/metrics"
	"github.com/fluxpod/fluxpod/pkg/queue"
	"github.com/fluxpod/fluxpod/pkg/security"
	"github.com/fluxpod/fluxpod/pkg/storage"
	"github.com/fluxpod/fluxpod/pkg/types"
	"github.com/rs/zerolog"
)

// Config collects the reconciler's tunables, all process-global per spec
// §6.6.
type Config struct {
	VolumeSizeGB              int
	PreferredRegions          []string
	SSHProbeTimeout           time.Duration
	DefaultHealthCheckTimeout time.Duration
	WatchPollInterval         time.Duration
	ConsecutiveErrorBudget    int

	ObjectStorageBucket string
	ObjectStorageRegion string
	BrokerURL           string
	AuthServerURL       string
	TailnetAuthKey      string
	RegistryAuthToken   string
}

// DefaultConfig returns the spec-stated defaults (§4.2, §5 timeouts).
func DefaultConfig() Config {
	return Config{
		VolumeSizeGB:              500,
		SSHProbeTimeout:           5 * time.Second,
		DefaultHealthCheckTimeout: 5 * time.Second,
		WatchPollInterval:         20 * time.Second,
		ConsecutiveErrorBudget:    5,
	}
}

// Reconciler drives one container to convergence (spec §4.2). It
// satisfies scheduler.ContainerReconciler.
type Reconciler struct {
	store    storage.Store
	backends map[string]backend.Platform
	security *security.Encryptor
	meter    *meter.Emitter
	httpc    *http.Client
	cfg      Config
	logger   zerolog.Logger
}

// New constructs a Reconciler. backends maps a container's `platform` tag
// to the adapter that serves it; the empty string key is the default
// used when a container specifies no platform.
func New(store storage.Store, backends map[string]backend.Platform, enc *security.Encryptor, emitter *meter.Emitter, cfg Config) *Reconciler {
	return &Reconciler{
		store:    store,
		backends: backends,
		security: enc,
		meter:    emitter,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		cfg:      cfg,
		logger:   log.WithComponent("container"),
	}
}

func (r *Reconciler) platformFor(c *types.Container) (backend.Platform, error) {
	key := c.Platform
	if p, ok := r.backends[key]; ok {
		return p, nil
	}
	if p, ok := r.backends[""]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no backend platform configured for %q", key)
}

// Reconcile loads container id and drives it through queue admission,
// state dispatch, and (for Create-eligible rows) straight into the
// Watch loop once created — matching spec §4.1's "spawn a reconcile
// task" as one continuous goroutine rather than a tick-resumed one.
func (r *Reconciler) Reconcile(ctx context.Context, id string) {
	c, err := r.store.GetContainer(id)
	if err != nil {
		r.logger.Error().Err(err).Str("container_id", id).Msg("load container")
		return
	}

	st, err := c.Status()
	if err != nil {
		r.logger.Error().Err(err).Str("container_id", id).Msg("parse container status")
		return
	}
	if st.Status.IsTerminal() {
		return
	}

	if c.Queue != "" {
		admitted, err := r.admitFromQueue(c)
		if err != nil {
			r.logger.Error().Err(err).Str("container_id", id).Msg("queue admission")
			return
		}
		if !admitted {
			return
		}
	}

	if createEligible(st.Status) && c.DesiredStatus == types.ContainerRunning {
		if err := r.doCreate(ctx, c); err != nil {
			r.logger.Warn().Err(err).Str("container_id", id).Msg("create path")
			return
		}
	}

	st, err = c.Status()
	if err != nil || st.Status.IsTerminal() {
		return
	}
	if watchEligible(st.Status) {
		r.doWatch(ctx, c)
	}
}

// admitFromQueue implements Create-path step 1 (spec §4.2): consult the
// arbiter, and if blocked, transition to Queued and stop.
func (r *Reconciler) admitFromQueue(c *types.Container) (bool, error) {
	st, err := c.Status()
	if err != nil {
		return false, err
	}
	if st.Status.IsTerminal() {
		return false, nil
	}

	decision, err := queue.Admit(r.store, c.Queue, c)
	if err != nil {
		return false, err
	}
	if decision.Admit {
		return true, nil
	}

	if st.Status != types.ContainerQueued {
		st.Status = types.ContainerQueued
		st.Message = fmt.Sprintf("waiting behind %s in queue %q", decision.HeadOfQueue, c.Queue)
		if err := c.SetStatus(st); err != nil {
			return false, err
		}
		if err := r.store.UpdateContainer(c); err != nil {
			return false, err
		}
	}
	return false, nil
}

// createEligible is the left column of spec §4.2's dispatch table that
// re-enters the Create path.
func createEligible(s types.ContainerStatusValue) bool {
	switch s {
	case types.ContainerDefined, types.ContainerPaused, types.ContainerPending, types.ContainerQueued:
		return true
	default:
		return false
	}
}

// watchEligible is the dispatch table's Watch-path row.
func watchEligible(s types.ContainerStatusValue) bool {
	switch s {
	case types.ContainerCreated, types.ContainerCreating, types.ContainerRunning, types.ContainerRestarting:
		return true
	default:
		return false
	}
}

func (r *Reconciler) fail(c *types.Container, message string) error {
	st, err := c.Status()
	if err != nil {
		st = &types.ContainerStatus{}
	}
	st.Status = types.ContainerFailed
	st.Message = message
	if err := c.SetStatus(st); err != nil {
		return err
	}
	metrics.ContainersFailedTotal.Inc()
	return r.store.UpdateContainer(c)
}
