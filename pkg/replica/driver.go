package replica

import (
	"fmt"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"raftmetrics/pkg/raftlog"
)

// Driver wraps the raft protocol state machine for one replica: it owns the
// RawNode and the role/term/log-matching state inside it, and turns inbound
// events (Step, Propose, Tick) into effect bundles (Ready) for the
// replication loop to execute.
//
// Not safe for concurrent use: exactly one replication loop drives it.
type Driver struct {
	id   uint64
	node *raft.RawNode
}

func NewDriver(cfg Config, storage *raftlog.Storage, applied uint64) (*Driver, error) {
	rc := &raft.Config{
		ID:                        cfg.ID,
		ElectionTick:              cfg.ElectionTick,
		HeartbeatTick:             cfg.HeartbeatTick,
		Storage:                   storage,
		Applied:                   applied,
		MaxSizePerMsg:             cfg.MaxSizePerMsg,
		MaxCommittedSizePerReady:  cfg.MaxCommittedSizePerReady,
		MaxUncommittedEntriesSize: cfg.MaxUncommittedEntriesSize,
		MaxInflightMsgs:           cfg.MaxInflightMsgs,
		CheckQuorum:               cfg.CheckQuorum,
		PreVote:                   cfg.PreVote,

		// A proposal against a non-leader fails fast with ErrNotLeader
		// instead of being silently forwarded.
		DisableProposalForwarding: true,
	}

	node, err := raft.NewRawNode(rc)
	if err != nil {
		return nil, fmt.Errorf("create raw node: %w", err)
	}
	return &Driver{id: cfg.ID, node: node}, nil
}

// Bootstrap seeds a brand-new log with the initial voter set. Only valid on
// empty storage, and only for the first boot of a new shard group; replicas
// that restart or join an existing group skip it and learn the
// configuration from the log or a snapshot.
func (d *Driver) Bootstrap(voters []uint64) error {
	peers := make([]raft.Peer, 0, len(voters))
	for _, id := range voters {
		peers = append(peers, raft.Peer{ID: id})
	}
	if err := d.node.Bootstrap(peers); err != nil {
		return fmt.Errorf("bootstrap raft group: %w", err)
	}
	return nil
}

// Step feeds one inbound protocol message. Never blocks.
func (d *Driver) Step(m raftpb.Message) error {
	return d.node.Step(m)
}

// Propose appends a new entry through the leader's log. Fails immediately
// with ErrNotLeader on any other role, without touching any state.
func (d *Driver) Propose(data []byte) error {
	if !d.IsLeader() {
		return ErrNotLeader
	}
	if err := d.node.Propose(data); err != nil {
		return fmt.Errorf("propose: %w", err)
	}
	return nil
}

// Tick advances the logical clock by one unit, driving election timeouts
// and heartbeat intervals. The election timeout is randomized per replica
// by the raft library to avoid split votes.
func (d *Driver) Tick() {
	d.node.Tick()
}

// Campaign forces an immediate election. Used in tests to shortcut timers.
func (d *Driver) Campaign() error {
	return d.node.Campaign()
}

func (d *Driver) HasReady() bool {
	return d.node.HasReady()
}

func (d *Driver) Ready() raft.Ready {
	return d.node.Ready()
}

func (d *Driver) Advance(rd raft.Ready) {
	d.node.Advance(rd)
}

func (d *Driver) ApplyConfChange(cc raftpb.ConfChange) *raftpb.ConfState {
	return d.node.ApplyConfChange(cc)
}

func (d *Driver) IsLeader() bool {
	return d.node.BasicStatus().RaftState == raft.StateLeader
}

func (d *Driver) Leader() uint64 {
	return d.node.BasicStatus().Lead
}
