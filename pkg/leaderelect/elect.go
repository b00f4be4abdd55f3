// Package leaderelect answers spec §9's open question on cross-process
// scheduler coordination: an optional hashicorp/raft-backed elector that
// lets exactly one scheduler replica run its reconcile tick at a time.
// Grounded on the teacher's pkg/manager Raft bootstrap, stripped down to
// leadership only — no FSM-replicated application data crosses this
// layer, since the store of record remains the shared bbolt/relational
// backend, not Raft's own log.
package leaderelect

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fluxpod/fluxpod/pkg/log"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Elector reports whether the caller currently holds scheduler
// leadership. scheduler.Scheduler no-ops its tick when IsLeader is false.
type Elector interface {
	IsLeader() bool
}

// Config describes one node's participation in the elector's Raft group.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// Peers lists every other node's id/address in the group. An empty
	// Peers bootstraps a single-node group (the common case: one
	// scheduler replica electing itself leader trivially until joined
	// by others).
	Peers map[string]string
}

// RaftElector is the hashicorp/raft-backed Elector implementation.
type RaftElector struct {
	raft   *raft.Raft
	logger zerolog.Logger
}

// noopFSM satisfies raft.FSM without replicating any application state;
// this group exists purely to elect a leader.
type noopFSM struct{}

func (noopFSM) Apply(*raft.Log) interface{}          { return nil }
func (noopFSM) Snapshot() (raft.FSMSnapshot, error)  { return noopSnapshot{}, nil }
func (noopFSM) Restore(rc io.ReadCloser) error        { return rc.Close() }

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}

// New starts (or joins) a Raft group for leader election and returns a
// RaftElector reflecting this node's current leadership state.
func New(cfg Config) (*RaftElector, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create raft data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve raft bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, noopFSM{}, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	servers := []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}}
	for id, addr := range cfg.Peers {
		servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(addr)})
	}
	future := r.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
	}

	return &RaftElector{raft: r, logger: log.WithComponent("leaderelect")}, nil
}

// IsLeader reports whether this node currently holds Raft leadership.
func (e *RaftElector) IsLeader() bool {
	return e.raft.State() == raft.Leader
}

// Shutdown gracefully leaves the Raft group.
func (e *RaftElector) Shutdown() error {
	return e.raft.Shutdown().Error()
}

// AlwaysLeader is a trivial Elector for single-process deployments where
// no cross-process coordination is configured (spec §4.1's "best-effort
// across processes" default).
type AlwaysLeader struct{}

func (AlwaysLeader) IsLeader() bool { return true }
