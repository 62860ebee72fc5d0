package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"raftmetrics/pkg/metrics"
	"raftmetrics/pkg/metricstate"
	"raftmetrics/pkg/raftlog"
)

// Transport delivers raft messages to peer replicas of the same shard.
type Transport interface {
	Send(shard int, msg raftpb.Message) error
}

// Config describes one replica of one shard's raft group.
type Config struct {
	ID    uint64
	Shard int

	// Voters is the initial group configuration, used only to bootstrap a
	// brand-new log. Join skips the bootstrap so the replica comes up as an
	// empty follower and catches up from the leader.
	Voters []uint64
	Join   bool

	ElectionTick  int
	HeartbeatTick int
	TickInterval  time.Duration

	MaxSizePerMsg             uint64
	MaxCommittedSizePerReady  uint64
	MaxUncommittedEntriesSize uint64
	MaxInflightMsgs           int
	CheckQuorum               bool
	PreVote                   bool

	// SnapshotEntries is how many applied entries accumulate before the
	// replica captures a snapshot; SnapshotCatchUpEntries is how much log
	// tail stays uncompacted so slow followers can still catch up without
	// a snapshot transfer.
	SnapshotEntries        uint64
	SnapshotCatchUpEntries uint64

	ProposalQueueSize int
	MessageQueueSize  int
}

func (c Config) withDefaults() Config {
	if c.ElectionTick == 0 {
		c.ElectionTick = 10
	}
	if c.HeartbeatTick == 0 {
		c.HeartbeatTick = 1
	}
	if c.TickInterval == 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.MaxSizePerMsg == 0 {
		c.MaxSizePerMsg = 1024 * 1024
	}
	if c.MaxCommittedSizePerReady == 0 {
		c.MaxCommittedSizePerReady = 16 * 1024 * 1024
	}
	if c.MaxUncommittedEntriesSize == 0 {
		c.MaxUncommittedEntriesSize = 1 << 30
	}
	if c.MaxInflightMsgs == 0 {
		c.MaxInflightMsgs = 256
	}
	if c.SnapshotEntries == 0 {
		c.SnapshotEntries = 1000
	}
	if c.SnapshotCatchUpEntries == 0 {
		c.SnapshotCatchUpEntries = 100
	}
	if c.ProposalQueueSize == 0 {
		c.ProposalQueueSize = 256
	}
	if c.MessageQueueSize == 0 {
		c.MessageQueueSize = 1024
	}
	return c
}

type proposal struct {
	id     uuid.UUID
	data   []byte
	result chan error
}

type waiter struct {
	result chan error
	since  time.Time
}

// Replica is one node's participation in one shard's replicated log: the
// replication loop that feeds ticks, inbound messages and proposals into the
// Driver and executes the resulting effect bundles in order.
//
// The Driver, Storage and state machine are touched only from the Run
// goroutine; proposals and messages arrive through bounded queues.
type Replica struct {
	cfg       Config
	driver    *Driver
	storage   *raftlog.Storage
	state     *metricstate.Store
	transport Transport
	logger    *slog.Logger
	collector metrics.Collector

	// loop-owned
	confState         raftpb.ConfState
	lastSnapshotIndex uint64
	waiters           map[uuid.UUID]waiter

	// caches for concurrent inspection
	lead atomic.Uint64
	role atomic.Uint32
	term atomic.Uint64

	msgc     chan raftpb.Message
	propc    chan proposal
	stopc    chan struct{}
	donec    chan struct{}
	stopOnce sync.Once
}

func New(
	cfg Config,
	storage *raftlog.Storage,
	state *metricstate.Store,
	transport Transport,
	logger *slog.Logger,
	collector metrics.Collector,
) (*Replica, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.Nop{}
	}

	r := &Replica{
		cfg:       cfg,
		storage:   storage,
		state:     state,
		transport: transport,
		logger:    logger,
		collector: collector,
		waiters:   make(map[uuid.UUID]waiter),
		msgc:      make(chan raftpb.Message, cfg.MessageQueueSize),
		propc:     make(chan proposal, cfg.ProposalQueueSize),
		stopc:     make(chan struct{}),
		donec:     make(chan struct{}),
	}

	// A persisted snapshot seeds both the configuration and, when the state
	// machine has no newer durable copy of its own, the metric state.
	snap, err := storage.Snapshot()
	switch {
	case err == nil:
		r.confState = snap.Metadata.ConfState
		r.lastSnapshotIndex = snap.Metadata.Index
		if state.AppliedIndex() < snap.Metadata.Index {
			if err := state.Restore(snap.Data); err != nil {
				return nil, fmt.Errorf("restore state from snapshot: %w", err)
			}
		}
	case errors.Is(err, raft.ErrSnapshotTemporarilyUnavailable):
		// fresh storage
	default:
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	// Raft re-delivers committed entries above the snapshot on restart; the
	// state machine skips the ones it already holds, and re-applying
	// configuration changes rebuilds the in-memory voter set.
	driver, err := NewDriver(cfg, storage, r.lastSnapshotIndex)
	if err != nil {
		return nil, err
	}
	r.driver = driver

	hs := storage.HardState()
	r.term.Store(hs.Term)

	last, err := storage.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("read last index: %w", err)
	}
	if !cfg.Join && last == 0 && r.lastSnapshotIndex == 0 && raft.IsEmptyHardState(hs) && len(cfg.Voters) > 0 {
		if err := driver.Bootstrap(cfg.Voters); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Run drives the replication loop until the context is cancelled, Stop is
// called, or a storage failure makes continuing unsafe. Shutdown always
// happens between effect cycles, never inside one, so storage stays
// consistent and recoverable.
func (r *Replica) Run(ctx context.Context) error {
	defer close(r.donec)

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.failWaiters(ctx.Err())
			return ctx.Err()
		case <-r.stopc:
			r.failWaiters(ErrStopped)
			return nil
		case <-ticker.C:
			r.driver.Tick()
		case m := <-r.msgc:
			if err := r.driver.Step(m); err != nil {
				r.logger.Warn("failed to step raft message",
					"shard", r.cfg.Shard,
					"from", m.From,
					"type", m.Type.String(),
					"error", err)
			}
		case p := <-r.propc:
			r.startProposal(p)
		}

		if err := r.processReady(); err != nil {
			r.logger.Error("replica halting on storage failure",
				"shard", r.cfg.Shard,
				"id", r.cfg.ID,
				"error", err)
			r.failWaiters(err)
			return err
		}
	}
}

// Propose submits a metric operation for replication and waits until it is
// committed and applied, the context expires, or the replica turns out not
// to be the leader.
func (r *Replica) Propose(ctx context.Context, op metricstate.Op) error {
	if err := op.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}

	p := proposal{id: op.ID, data: data, result: make(chan error, 1)}
	select {
	case r.propc <- p:
	default:
		select {
		case <-r.donec:
			return ErrStopped
		default:
		}
		r.countProposal("rejected")
		return ErrProposalQueueFull
	}

	select {
	case err := <-p.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.donec:
		return ErrStopped
	}
}

// Step feeds an inbound protocol message from a peer replica.
func (r *Replica) Step(ctx context.Context, m raftpb.Message) error {
	select {
	case r.msgc <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.donec:
		return ErrStopped
	}
}

func (r *Replica) IsLeader() bool {
	return raft.StateType(r.role.Load()) == raft.StateLeader
}

func (r *Replica) LeaderID() uint64 {
	return r.lead.Load()
}

func (r *Replica) Term() uint64 {
	return r.term.Load()
}

func (r *Replica) ID() uint64 {
	return r.cfg.ID
}

func (r *Replica) Shard() int {
	return r.cfg.Shard
}

// State exposes the read-only side of the shard's state machine.
func (r *Replica) State() *metricstate.Store {
	return r.state
}

// Stop shuts the replication loop down after the current effect cycle.
func (r *Replica) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopc)
	})
	<-r.donec
}

func (r *Replica) startProposal(p proposal) {
	if !r.driver.IsLeader() {
		r.countProposal("not_leader")
		p.result <- ErrNotLeader
		return
	}
	if err := r.driver.Propose(p.data); err != nil {
		r.countProposal("failed")
		p.result <- err
		return
	}
	r.waiters[p.id] = waiter{result: p.result, since: time.Now()}
}

// processReady executes pending effect bundles. The order inside one bundle
// is load-bearing: hard state and entries must be durable before any message
// referencing them leaves, and entries must be durable before they are
// applied.
func (r *Replica) processReady() error {
	for r.driver.HasReady() {
		rd := r.driver.Ready()

		if rd.SoftState != nil {
			r.observeSoftState(rd.SoftState)
		}

		if !raft.IsEmptyHardState(rd.HardState) {
			if err := r.storage.SetHardState(rd.HardState); err != nil {
				return fmt.Errorf("persist hard state: %w", err)
			}
			r.term.Store(rd.HardState.Term)
		}

		if !raft.IsEmptySnap(rd.Snapshot) {
			if err := r.installSnapshot(rd.Snapshot); err != nil {
				return err
			}
		}

		if len(rd.Entries) > 0 {
			if err := r.storage.Append(rd.Entries); err != nil {
				return fmt.Errorf("append entries: %w", err)
			}
		}

		r.sendMessages(rd.Messages)

		for i := range rd.CommittedEntries {
			if err := r.applyEntry(rd.CommittedEntries[i]); err != nil {
				return err
			}
		}

		r.driver.Advance(rd)

		if err := r.maybeSnapshot(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replica) observeSoftState(ss *raft.SoftState) {
	prevRole := raft.StateType(r.role.Load())
	prevLead := r.lead.Swap(ss.Lead)
	r.role.Store(uint32(ss.RaftState))

	if prevRole == raft.StateLeader && ss.RaftState != raft.StateLeader {
		// Entries proposed here may never commit on this replica; callers
		// retry against the next leader.
		r.failWaiters(ErrNotLeader)
	}

	if ss.Lead != prevLead && ss.Lead != raft.None {
		r.logger.Info("shard leader changed",
			"shard", r.cfg.Shard,
			"id", r.cfg.ID,
			"leader", ss.Lead,
			"role", ss.RaftState.String())
		r.collector.IncCounter("raftmetrics_leader_changes_total", r.shardLabels(), 1)
	}
}

func (r *Replica) installSnapshot(snap raftpb.Snapshot) error {
	err := r.storage.ApplySnapshot(snap)
	if errors.Is(err, raft.ErrSnapOutOfDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}

	if err := r.state.Restore(snap.Data); err != nil {
		return fmt.Errorf("restore snapshot state: %w", err)
	}
	r.confState = snap.Metadata.ConfState
	r.lastSnapshotIndex = snap.Metadata.Index

	r.logger.Info("installed snapshot from leader",
		"shard", r.cfg.Shard,
		"index", snap.Metadata.Index,
		"term", snap.Metadata.Term)
	return nil
}

func (r *Replica) sendMessages(msgs []raftpb.Message) {
	// One goroutine per message means delivery between a fixed pair of
	// peers can be reordered; the protocol tolerates out-of-order messages.
	for _, msg := range msgs {
		if msg.To == r.cfg.ID {
			continue
		}
		go func(m raftpb.Message) {
			if err := r.transport.Send(r.cfg.Shard, m); err != nil {
				r.logger.Warn("failed to send raft message",
					"shard", r.cfg.Shard,
					"from", m.From,
					"to", m.To,
					"type", m.Type.String(),
					"error", err)
			}
		}(msg)
	}
}

func (r *Replica) applyEntry(e raftpb.Entry) error {
	switch e.Type {
	case raftpb.EntryConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(e.Data); err != nil {
			r.logger.Error("skipping undecodable configuration change",
				"shard", r.cfg.Shard, "index", e.Index, "error", err)
			r.state.MarkApplied(e.Index)
			return nil
		}
		r.confState = *r.driver.ApplyConfChange(cc)
		r.state.MarkApplied(e.Index)

		switch cc.Type {
		case raftpb.ConfChangeAddNode:
			r.logger.Info("replica added to shard group", "shard", r.cfg.Shard, "node_id", cc.NodeID)
		case raftpb.ConfChangeRemoveNode:
			r.logger.Info("replica removed from shard group", "shard", r.cfg.Shard, "node_id", cc.NodeID)
		}

	case raftpb.EntryNormal:
		if len(e.Data) == 0 {
			// Empty entries show up on leadership changes.
			r.state.MarkApplied(e.Index)
			return nil
		}

		op, err := r.state.Apply(e.Index, e.Data)
		if err != nil {
			if errors.Is(err, metricstate.ErrCorruptOperation) {
				// Skipping keeps the applied index in sync with peers
				// that skip the same entry.
				r.logger.Error("skipping undecodable committed entry",
					"shard", r.cfg.Shard, "index", e.Index, "error", err)
				return nil
			}
			return fmt.Errorf("apply entry %d: %w", e.Index, err)
		}

		r.collector.IncCounter("raftmetrics_applied_entries_total", r.shardLabels(), 1)
		r.notify(op.ID)

	default:
		r.state.MarkApplied(e.Index)
	}
	return nil
}

func (r *Replica) notify(id uuid.UUID) {
	w, ok := r.waiters[id]
	if !ok {
		// Followers apply entries they never proposed; leaders may have
		// already given up on the proposal (timeout, leadership change).
		return
	}
	delete(r.waiters, id)

	select {
	case w.result <- nil:
	default:
	}

	r.countProposal("committed")
	r.collector.ObserveHistogram("raftmetrics_proposal_duration_seconds",
		r.shardLabels(), time.Since(w.since).Seconds())
}

func (r *Replica) maybeSnapshot() error {
	applied := r.state.AppliedIndex()
	if applied < r.lastSnapshotIndex+r.cfg.SnapshotEntries {
		return nil
	}

	data, err := r.state.Snapshot()
	if err != nil {
		return fmt.Errorf("capture state snapshot: %w", err)
	}

	snap, err := r.storage.CreateSnapshot(applied, &r.confState, data)
	if errors.Is(err, raft.ErrSnapOutOfDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	r.lastSnapshotIndex = snap.Metadata.Index
	r.collector.IncCounter("raftmetrics_snapshots_total", r.shardLabels(), 1)

	if applied <= r.cfg.SnapshotCatchUpEntries {
		return nil
	}
	compactIndex := applied - r.cfg.SnapshotCatchUpEntries
	if err := r.storage.Compact(compactIndex); err != nil && !errors.Is(err, raft.ErrCompacted) {
		return fmt.Errorf("compact log: %w", err)
	}

	r.logger.Info("captured snapshot and compacted log",
		"shard", r.cfg.Shard,
		"snapshot_index", snap.Metadata.Index,
		"compact_index", compactIndex)
	return nil
}

func (r *Replica) failWaiters(err error) {
	for id, w := range r.waiters {
		select {
		case w.result <- err:
		default:
		}
		delete(r.waiters, id)
	}
}

func (r *Replica) countProposal(status string) {
	r.collector.IncCounter("raftmetrics_proposals_total", map[string]string{
		"shard":  strconv.Itoa(r.cfg.Shard),
		"status": status,
	}, 1)
}

func (r *Replica) shardLabels() map[string]string {
	return map[string]string{"shard": strconv.Itoa(r.cfg.Shard)}
}
