// Package scheduler implements the reconciliation scheduler (spec
// §4.1): a ticker-driven scan over active containers and processors that
// spawns at most one concurrent reconcile task per resource, grounded on
// the teacher's pkg/scheduler tick-loop shape extended with the
// in-flight dedup map spec.md requires and the teacher does not have.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/fluxpod/fluxpod/pkg/leaderelect"
	"github.com/fluxpod/fluxpod/pkg/log"
	"github.com/fluxpod/fluxpod/pkg/metrics"
	"github.com/fluxpod/fluxpod/pkg/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// TickInterval is the scheduler's scan period (spec §4.1 "period ≈ 2s").
const TickInterval = 2 * time.Second

// ContainerStore is the subset of storage.Store the scheduler needs for
// containers.
type ContainerStore interface {
	ListActiveContainers() ([]*types.Container, error)
	UpdateContainer(*types.Container) error
}

// ProcessorStore is the subset of storage.Store the scheduler needs for
// processors.
type ProcessorStore interface {
	ListActiveProcessors() ([]*types.Processor, error)
	UpdateProcessor(*types.Processor) error
}

// ContainerReconciler reconciles one container to convergence. Real
// implementation lives in pkg/container; tests supply a fake.
type ContainerReconciler interface {
	Reconcile(ctx context.Context, containerID string)
}

// ProcessorReconciler reconciles one processor to convergence. Real
// implementation lives in pkg/processor.
type ProcessorReconciler interface {
	Reconcile(ctx context.Context, processorID string)
}

// handle tracks one in-flight reconcile task.
type handle struct {
	threadID string
	done     chan struct{}
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Scheduler is the reconciliation scheduler.
type Scheduler struct {
	containers ContainerStore
	processors ProcessorStore

	containerReconciler ContainerReconciler
	processorReconciler ProcessorReconciler

	elector leaderelect.Elector

	containerInFlight sync.Map // container id -> *handle
	processorInFlight sync.Map // processor id -> *handle

	logger zerolog.Logger
}

// New constructs a Scheduler. elector may be nil, in which case the
// scheduler always ticks (single-process deployment, spec §4.1
// "best-effort across processes").
func New(containers ContainerStore, processors ProcessorStore, cr ContainerReconciler, pr ProcessorReconciler, elector leaderelect.Elector) *Scheduler {
	if elector == nil {
		elector = leaderelect.AlwaysLeader{}
	}
	return &Scheduler{
		containers:          containers,
		processors:          processors,
		containerReconciler: cr,
		processorReconciler: pr,
		elector:             elector,
		logger:              log.WithComponent("scheduler"),
	}
}

// Run blocks, ticking every TickInterval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.elector.IsLeader() {
		return
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)
	metrics.ReconciliationCyclesTotal.Inc()

	s.tickContainers(ctx)
	s.tickProcessors(ctx)

	metrics.ReconcileTasksInFlight.Set(float64(inFlightCount(&s.containerInFlight) + inFlightCount(&s.processorInFlight)))
}

func (s *Scheduler) tickContainers(ctx context.Context) {
	active, err := s.containers.ListActiveContainers()
	if err != nil {
		s.logger.Error().Err(err).Msg("list active containers")
		return
	}

	counts := map[string]int{}
	for _, c := range active {
		st, err := c.Status()
		if err == nil {
			counts[string(st.Status)]++
		}
		s.dispatchContainer(ctx, c)
	}
	setStatusGauge(metrics.ContainersByStatus, counts)
}

func (s *Scheduler) dispatchContainer(ctx context.Context, c *types.Container) {
	if existing, ok := s.containerInFlight.Load(c.ID); ok {
		h := existing.(*handle)
		if !h.finished() {
			metrics.ReconcileTasksSkippedTotal.Inc()
			return // in-flight dedup (spec §4.1 step 2)
		}
		s.containerInFlight.Delete(c.ID) // step 3: evict finished handle
	}

	threadID := uuid.NewString()
	data, err := c.ControllerData()
	if err != nil {
		data = &types.ControllerData{}
	}
	data.ThreadID = threadID
	if err := c.SetControllerData(data); err != nil {
		s.logger.Error().Err(err).Str("container_id", c.ID).Msg("encode controller data")
		return
	}
	if err := s.containers.UpdateContainer(c); err != nil {
		s.logger.Error().Err(err).Str("container_id", c.ID).Msg("persist thread id")
		return
	}

	h := &handle{threadID: threadID, done: make(chan struct{})}
	s.containerInFlight.Store(c.ID, h)

	go func(id string) {
		defer close(h.done)
		s.containerReconciler.Reconcile(ctx, id)
	}(c.ID)
}

func (s *Scheduler) tickProcessors(ctx context.Context) {
	active, err := s.processors.ListActiveProcessors()
	if err != nil {
		s.logger.Error().Err(err).Msg("list active processors")
		return
	}

	counts := map[string]int{}
	for _, p := range active {
		st, err := p.Status()
		if err == nil {
			counts[string(st.Status)]++
		}
		s.dispatchProcessor(ctx, p)
	}
	setStatusGauge(metrics.ProcessorsByStatus, counts)
}

// setStatusGauge snapshots a per-status count onto a gauge vec, resetting
// stale labels so a status that dropped to zero active resources doesn't
// linger at its last nonzero reading.
func setStatusGauge(gauge *prometheus.GaugeVec, counts map[string]int) {
	gauge.Reset()
	for status, n := range counts {
		gauge.WithLabelValues(status).Set(float64(n))
	}
}

func (s *Scheduler) dispatchProcessor(ctx context.Context, p *types.Processor) {
	if existing, ok := s.processorInFlight.Load(p.ID); ok {
		h := existing.(*handle)
		if !h.finished() {
			metrics.ReconcileTasksSkippedTotal.Inc()
			return
		}
		s.processorInFlight.Delete(p.ID)
	}

	threadID := uuid.NewString()
	data, err := p.ControllerData()
	if err != nil {
		data = &types.ControllerData{}
	}
	data.ThreadID = threadID
	if err := p.SetControllerData(data); err != nil {
		s.logger.Error().Err(err).Str("processor_id", p.ID).Msg("encode controller data")
		return
	}
	if err := s.processors.UpdateProcessor(p); err != nil {
		s.logger.Error().Err(err).Str("processor_id", p.ID).Msg("persist thread id")
		return
	}

	h := &handle{threadID: threadID, done: make(chan struct{})}
	s.processorInFlight.Store(p.ID, h)

	go func(id string) {
		defer close(h.done)
		s.processorReconciler.Reconcile(ctx, id)
	}(p.ID)
}

func inFlightCount(m *sync.Map) int {
	n := 0
	m.Range(func(_, v interface{}) bool {
		if !v.(*handle).finished() {
			n++
		}
		return true
	})
	return n
}
