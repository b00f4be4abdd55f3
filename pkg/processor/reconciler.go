package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxpod/fluxpod/pkg/backend"
	"github.com/fluxpod/fluxpod/pkg/broker"
	"github.com/fluxpod/fluxpod/pkg/log"
	"github.com/fluxpod/fluxpod/pkg/metrics"
	"github.com/fluxpod/fluxpod/pkg/storage"
	"github.com/fluxpod/fluxpod/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Reconciler drives one processor to convergence (spec §4.3). It
// satisfies scheduler.ProcessorReconciler.
type Reconciler struct {
	store    storage.Store
	backends map[string]backend.Platform
	broker   broker.Broker
	logger   zerolog.Logger
}

// New constructs a Reconciler. backends is the same platform map the
// container reconciler uses, so replica teardown can reach the backend
// that owns a given replica's resource_name.
func New(store storage.Store, backends map[string]backend.Platform, b broker.Broker) *Reconciler {
	return &Reconciler{
		store:    store,
		backends: backends,
		broker:   b,
		logger:   log.WithComponent("processor"),
	}
}

func (r *Reconciler) platformFor(req types.ContainerRequest) (backend.Platform, error) {
	if p, ok := r.backends[req.Platform]; ok {
		return p, nil
	}
	if p, ok := r.backends[""]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no backend platform configured for %q", req.Platform)
}

// Reconcile loads processor id, runs the Create path for missing
// replicas, the Watch path's backlog-driven scale evaluation, and then
// converges the live replica set toward desired_replicas.
func (r *Reconciler) Reconcile(ctx context.Context, id string) {
	p, err := r.store.GetProcessor(id)
	if err != nil {
		r.logger.Error().Err(err).Str("processor_id", id).Msg("load processor")
		return
	}

	st, err := p.Status()
	if err != nil {
		r.logger.Error().Err(err).Str("processor_id", id).Msg("parse processor status")
		return
	}
	if st.Status.IsTerminal() {
		return
	}

	replicas, err := r.store.ListContainersByOwnerRef(p.ID)
	if err != nil {
		r.logger.Error().Err(err).Str("processor_id", id).Msg("list replicas")
		return
	}

	if p.DesiredReplicas == 0 && st.Status == types.ProcessorDefined {
		p.DesiredReplicas = p.MinReplicas
	}

	if err := r.evaluateBacklog(ctx, p); err != nil {
		r.logger.Warn().Err(err).Str("processor_id", id).Msg("evaluate backlog")
	}

	if err := r.converge(ctx, p, replicas); err != nil {
		r.logger.Error().Err(err).Str("processor_id", id).Msg("converge replicas")
		st.Status = types.ProcessorFailed
		st.Message = err.Error()
		_ = p.SetStatus(st)
		_ = r.store.UpdateProcessor(p)
		return
	}

	replicas, err = r.store.ListContainersByOwnerRef(p.ID)
	if err == nil {
		metrics.ProcessorReplicasActual.WithLabelValues(p.ID).Set(float64(len(replicas)))
		st.Status = statusForReplicaCount(len(replicas), p.DesiredReplicas)
		_ = p.SetStatus(st)
	}
	if err := r.store.UpdateProcessor(p); err != nil {
		r.logger.Error().Err(err).Str("processor_id", id).Msg("persist processor")
	}
}

func statusForReplicaCount(current, desired int) types.ProcessorStatusValue {
	if current == desired {
		return types.ProcessorRunning
	}
	return types.ProcessorScaling
}

// evaluateBacklog implements the Watch path's steps 1-4 (spec §4.3):
// read the broker backlog for (stream, consumer_group=processor.id),
// apply scale rules against the running observation window, persist
// desired_replicas and controller_data.
func (r *Reconciler) evaluateBacklog(ctx context.Context, p *types.Processor) error {
	if r.broker == nil || p.Stream == "" {
		return nil
	}
	backlog, err := r.broker.Backlog(ctx, p.Stream, p.ID)
	if err != nil {
		return fmt.Errorf("read backlog: %w", err)
	}

	cd, err := p.ControllerData()
	if err != nil {
		cd = &types.ControllerData{}
	}

	current := p.DesiredReplicas
	desired, next := evaluateScale(time.Now(), p.Scale, backlog, current, p.MinReplicas, p.MaxReplicas, *cd)
	p.DesiredReplicas = desired
	if err := p.SetControllerData(&next); err != nil {
		return err
	}
	metrics.ProcessorBacklog.WithLabelValues(p.ID).Set(float64(backlog))
	metrics.ProcessorReplicasDesired.WithLabelValues(p.ID).Set(float64(p.DesiredReplicas))
	return nil
}

// converge creates or tears down replica Container rows so their count
// matches desired_replicas (spec §4.3 step 3). Individual replica
// lifecycle — Create/Watch dispatch, backend calls — is the container
// reconciler's job on the next scheduler tick; this only owns row
// existence and explicit teardown of surplus replicas.
func (r *Reconciler) converge(ctx context.Context, p *types.Processor, replicas []*types.Container) error {
	deficit := p.DesiredReplicas - len(replicas)
	switch {
	case deficit > 0:
		for i := 0; i < deficit; i++ {
			if err := r.spawnReplica(p); err != nil {
				return fmt.Errorf("spawn replica: %w", err)
			}
		}
	case deficit < 0:
		surplus := replicas[:-deficit]
		for _, c := range surplus {
			if err := r.teardownReplica(ctx, c); err != nil {
				return fmt.Errorf("teardown replica %s: %w", c.ID, err)
			}
		}
	}
	return nil
}

// spawnReplica synthesizes a Container row from the processor's template
// (spec §4.3 Create path). It does not itself call the backend — the
// row's Defined status and desired_status=Running make it createEligible
// on the next container reconcile tick.
func (r *Reconciler) spawnReplica(p *types.Processor) error {
	now := time.Now()
	req := p.Container
	c := &types.Container{
		ResourceMeta: types.ResourceMeta{
			ID:        uuid.NewString(),
			Name:      fmt.Sprintf("%s-%s", p.Name, uuid.NewString()[:8]),
			Namespace: p.Namespace,
			Owner:     p.Owner,
			CreatedBy: "processor:" + p.ID,
			Labels:    map[string]string{"processor": p.ID},
			CreatedAt: now,
			UpdatedAt: now,
		},
		ContainerRequest: req,
		DesiredStatus:    types.ContainerRunning,
		OwnerRef:         p.ID,
	}
	if err := c.SetStatus(&types.ContainerStatus{Status: types.ContainerDefined}); err != nil {
		return err
	}
	return r.store.CreateContainer(c)
}

// teardownReplica deletes the replica's backend resource (if any) before
// removing its row, mirroring the explicit-DELETE invariant of spec §3
// ("deleted by explicit DELETE, which invokes the backend adapter's
// delete before removing the row").
func (r *Reconciler) teardownReplica(ctx context.Context, c *types.Container) error {
	if c.ResourceName != "" {
		platform, err := r.platformFor(c.ContainerRequest)
		if err == nil {
			if derr := platform.DeletePod(ctx, c.ResourceName); derr != nil {
				r.logger.Warn().Err(derr).Str("container_id", c.ID).Msg("delete replica pod")
			}
		}
	}
	return r.store.DeleteContainer(c.ID)
}
