package container

import (
	"context"

	"github.com/fluxpod/fluxpod/pkg/types"
)

// ReconcileOrphans repairs container rows whose resource_name was never
// persisted — e.g. the process crashed between create_pod succeeding and
// the row update landing (spec §9 open question on boot-time orphan
// recovery). It lists every pod each configured backend currently sees
// and matches them to active, resource_name-less rows by the client
// pod name CreatePod was given (FullName), which every backend's list_pods
// output preserves.
func (r *Reconciler) ReconcileOrphans(ctx context.Context) error {
	containers, err := r.store.ListActiveContainers()
	if err != nil {
		return err
	}

	missing := make(map[string]*types.Container, len(containers))
	for _, c := range containers {
		if c.ResourceName == "" {
			missing[c.FullName()] = c
		}
	}
	if len(missing) == 0 {
		return nil
	}

	for _, platform := range r.backends {
		pods, err := platform.ListPods(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Msg("list pods for orphan reconciliation")
			continue
		}
		for _, pod := range pods {
			if pod.Name == "" {
				continue
			}
			c, ok := missing[pod.Name]
			if !ok {
				continue
			}
			c.ResourceName = pod.PodID
			c.ResourceCostPerHr = pod.CostPerHr
			if err := r.store.UpdateContainer(c); err != nil {
				r.logger.Error().Err(err).Str("container_id", c.ID).Msg("repair orphaned resource_name")
				continue
			}
			delete(missing, pod.Name)
			r.logger.Info().Str("container_id", c.ID).Str("resource_name", pod.PodID).Msg("repaired orphaned container")
		}
	}
	return nil
}
