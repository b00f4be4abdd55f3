// Package queue implements the fairness arbiter gating container
// admission into a named queue (spec §4.4): strict FIFO by creation
// time, one active-non-queued occupant per queue at a time.
package queue

import (
	"github.com/fluxpod/fluxpod/pkg/types"
)

// Store is the subset of storage.Store the arbiter needs. Declared
// locally (rather than importing pkg/storage) to keep the arbiter a
// pure function of its inputs, grounded on the teacher's
// `selectNodeForService` single-query-then-decide style.
type Store interface {
	ListContainersByQueue(queue string) ([]*types.Container, error)
}

// Decision is the result of an admission check.
type Decision struct {
	Admit       bool
	HeadOfQueue string // id of the container currently holding the queue, if any
}

// Admit decides whether candidate may proceed out of Queued for
// queueName. candidate is admitted iff no other container in the same
// queue is active-and-not-Queued, or candidate is the earliest-created
// Queued container in the queue (ties broken by id).
func Admit(store Store, queueName string, candidate *types.Container) (Decision, error) {
	members, err := store.ListContainersByQueue(queueName)
	if err != nil {
		return Decision{}, err
	}

	for _, m := range members {
		if m.ID == candidate.ID {
			continue
		}
		st, err := m.Status()
		if err != nil {
			continue
		}
		if st.Status.IsActive() && st.Status != types.ContainerQueued {
			return Decision{Admit: false, HeadOfQueue: m.ID}, nil
		}
	}

	var head *types.Container
	for _, m := range members {
		st, err := m.Status()
		if err != nil || st.Status != types.ContainerQueued {
			continue
		}
		if head == nil || earlier(m, head) {
			head = m
		}
	}

	if head == nil || head.ID == candidate.ID {
		return Decision{Admit: true}, nil
	}
	return Decision{Admit: false, HeadOfQueue: head.ID}, nil
}

// earlier reports whether a precedes b under the arbiter's tie-break:
// created_at ascending, then id ascending on an exact tie.
func earlier(a, b *types.Container) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
