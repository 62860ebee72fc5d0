package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"raftmetrics/pkg/metricstate"
	"raftmetrics/pkg/raftlog"
)

// clusterTransport routes messages between replicas in-process. Individual
// replicas can be partitioned off to simulate network failures.
type clusterTransport struct {
	mu       sync.Mutex
	replicas map[uint64]*Replica
	blocked  map[uint64]bool
}

func newClusterTransport() *clusterTransport {
	return &clusterTransport{
		replicas: make(map[uint64]*Replica),
		blocked:  make(map[uint64]bool),
	}
}

func (tr *clusterTransport) register(r *Replica) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.replicas[r.ID()] = r
}

func (tr *clusterTransport) partition(id uint64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.blocked[id] = true
}

func (tr *clusterTransport) heal(id uint64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	delete(tr.blocked, id)
}

func (tr *clusterTransport) Send(_ int, msg raftpb.Message) error {
	tr.mu.Lock()
	peer, ok := tr.replicas[msg.To]
	dropped := tr.blocked[msg.From] || tr.blocked[msg.To]
	tr.mu.Unlock()

	if !ok || dropped {
		return fmt.Errorf("peer %d unreachable", msg.To)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return peer.Step(ctx, msg)
}

// node bundles a running replica with its durable backends so tests can stop
// it and bring it back up from the same directory.
type node struct {
	r       *Replica
	storage *raftlog.Storage
	journal *raftlog.Journal
	sink    *metricstate.BoltSink
	runc    chan error
}

func testConfig(id uint64, voters []uint64) Config {
	return Config{
		ID:           id,
		Voters:       voters,
		TickInterval: 5 * time.Millisecond,
	}
}

// startNode builds storage and state for cfg and starts the replication
// loop. With dir == "" everything stays in memory; otherwise the raft journal
// and the state sink live under dir and survive restarts.
func startNode(t *testing.T, tr *clusterTransport, cfg Config, dir string) *node {
	t.Helper()

	n := &node{runc: make(chan error, 1)}

	storage := raftlog.NewMemory()
	var sink metricstate.Sink
	if dir != "" {
		j, err := raftlog.OpenJournal(filepath.Join(dir, "raft"))
		if err != nil {
			t.Fatalf("open journal: %v", err)
		}
		n.journal = j
		storage, err = raftlog.Open(j)
		if err != nil {
			t.Fatalf("open storage: %v", err)
		}
		b, err := metricstate.OpenBolt(filepath.Join(dir, "state.db"))
		if err != nil {
			t.Fatalf("open sink: %v", err)
		}
		n.sink = b
		sink = b
	}

	state, err := metricstate.New(sink)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}

	n.storage = storage

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := New(cfg, storage, state, tr, logger, nil)
	if err != nil {
		t.Fatalf("new replica %d: %v", cfg.ID, err)
	}
	n.r = r
	tr.register(r)

	go func() {
		n.runc <- r.Run(context.Background())
	}()
	return n
}

func (n *node) stop(t *testing.T) {
	t.Helper()
	n.r.Stop()
	if err := <-n.runc; err != nil {
		t.Fatalf("replica %d run: %v", n.r.ID(), err)
	}
	if n.journal != nil {
		if err := n.journal.Close(); err != nil {
			t.Fatalf("close journal: %v", err)
		}
	}
	if n.sink != nil {
		if err := n.sink.Close(); err != nil {
			t.Fatalf("close sink: %v", err)
		}
	}
}

func waitForLeader(t *testing.T, replicas []*Replica, timeout time.Duration) *Replica {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, r := range replicas {
			if r.IsLeader() {
				return r
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no leader elected within %v", timeout)
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func propose(t *testing.T, r *Replica, op metricstate.Op) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Propose(ctx, op); err != nil {
		t.Fatalf("propose on %d: %v", r.ID(), err)
	}
}

func TestReplication_ThreeNodes(t *testing.T) {
	tr := newClusterTransport()
	voters := []uint64{1, 2, 3}

	var nodes []*node
	for _, id := range voters {
		n := startNode(t, tr, testConfig(id, voters), "")
		defer n.stop(t)
		nodes = append(nodes, n)
	}
	replicas := []*Replica{nodes[0].r, nodes[1].r, nodes[2].r}

	leader := waitForLeader(t, replicas, 5*time.Second)
	propose(t, leader, metricstate.NewRecord("cpu_usage", 42.0))
	propose(t, leader, metricstate.NewRecord("cpu_usage", 58.0))

	for _, r := range replicas {
		r := r
		waitFor(t, 5*time.Second, func() bool {
			agg, ok := r.State().GetAggregate("cpu_usage")
			return ok && agg.Count == 2
		}, fmt.Sprintf("replica %d did not apply both records", r.ID()))

		agg, _ := r.State().GetAggregate("cpu_usage")
		if agg.Sum != 100.0 || agg.Average != 50.0 || agg.Min != 42.0 || agg.Max != 58.0 {
			t.Fatalf("replica %d aggregate = %+v", r.ID(), agg)
		}
		if v, ok := r.State().Get("cpu_usage"); !ok || v != 58.0 {
			t.Fatalf("replica %d latest value = %v, %v", r.ID(), v, ok)
		}
	}
}

func TestReplication_ProposeOnFollowerFailsFast(t *testing.T) {
	tr := newClusterTransport()
	voters := []uint64{1, 2, 3}

	var replicas []*Replica
	for _, id := range voters {
		n := startNode(t, tr, testConfig(id, voters), "")
		defer n.stop(t)
		replicas = append(replicas, n.r)
	}

	leader := waitForLeader(t, replicas, 5*time.Second)
	propose(t, leader, metricstate.NewRecord("requests", 1.0))

	var follower *Replica
	for _, r := range replicas {
		if r.ID() != leader.ID() {
			follower = r
			break
		}
	}
	waitFor(t, 5*time.Second, func() bool {
		_, ok := follower.State().Get("requests")
		return ok
	}, "follower did not catch up")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := follower.Propose(ctx, metricstate.NewRecord("requests", 2.0))
	if err != ErrNotLeader {
		t.Fatalf("propose on follower: err = %v, want ErrNotLeader", err)
	}

	// The rejected proposal must leave no trace in the follower's state.
	if agg, _ := follower.State().GetAggregate("requests"); agg.Count != 1 {
		t.Fatalf("follower aggregate after rejected proposal = %+v", agg)
	}
	if follower.LeaderID() != leader.ID() {
		t.Fatalf("follower reports leader %d, want %d", follower.LeaderID(), leader.ID())
	}
}

func TestReplication_LeaderFailover(t *testing.T) {
	tr := newClusterTransport()
	voters := []uint64{1, 2, 3}

	var replicas []*Replica
	for _, id := range voters {
		cfg := testConfig(id, voters)
		cfg.PreVote = true
		cfg.CheckQuorum = true
		n := startNode(t, tr, cfg, "")
		defer n.stop(t)
		replicas = append(replicas, n.r)
	}

	oldLeader := waitForLeader(t, replicas, 5*time.Second)
	propose(t, oldLeader, metricstate.NewRecord("errors", 3.0))
	oldTerm := oldLeader.Term()

	tr.partition(oldLeader.ID())

	var rest []*Replica
	for _, r := range replicas {
		if r.ID() != oldLeader.ID() {
			rest = append(rest, r)
		}
	}
	newLeader := waitForLeader(t, rest, 10*time.Second)
	if newLeader.Term() <= oldTerm {
		t.Fatalf("new leader term = %d, want > %d", newLeader.Term(), oldTerm)
	}

	propose(t, newLeader, metricstate.NewRecord("errors", 5.0))

	tr.heal(oldLeader.ID())

	waitFor(t, 10*time.Second, func() bool {
		agg, ok := oldLeader.State().GetAggregate("errors")
		return ok && agg.Count == 2 && !oldLeader.IsLeader()
	}, "old leader did not rejoin as follower")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := oldLeader.Propose(ctx, metricstate.NewRecord("errors", 7.0)); err != ErrNotLeader {
		t.Fatalf("propose on deposed leader: err = %v, want ErrNotLeader", err)
	}
}

func TestReplication_LeaderRestartFromDisk(t *testing.T) {
	tr := newClusterTransport()
	voters := []uint64{1, 2, 3}

	dirs := make(map[uint64]string)
	nodes := make(map[uint64]*node)
	for _, id := range voters {
		dirs[id] = t.TempDir()
		nodes[id] = startNode(t, tr, testConfig(id, voters), dirs[id])
	}
	defer func() {
		for _, n := range nodes {
			n.stop(t)
		}
	}()

	current := func() []*Replica {
		var rs []*Replica
		for _, id := range voters {
			rs = append(rs, nodes[id].r)
		}
		return rs
	}

	leader := waitForLeader(t, current(), 5*time.Second)
	propose(t, leader, metricstate.NewRecord("cpu_usage", 42.0))
	propose(t, leader, metricstate.NewRecord("cpu_usage", 58.0))

	for _, r := range current() {
		r := r
		waitFor(t, 5*time.Second, func() bool {
			agg, ok := r.State().GetAggregate("cpu_usage")
			return ok && agg.Count == 2
		}, fmt.Sprintf("replica %d did not apply both records", r.ID()))
	}

	id := leader.ID()
	nodes[id].stop(t)
	nodes[id] = startNode(t, tr, testConfig(id, voters), dirs[id])
	restarted := nodes[id].r

	// The committed records come back from the journal and the sink alone.
	waitFor(t, 10*time.Second, func() bool {
		agg, ok := restarted.State().GetAggregate("cpu_usage")
		return ok && agg.Count == 2
	}, "restarted replica lost committed records")
	if v, ok := restarted.State().Get("cpu_usage"); !ok || v != 58.0 {
		t.Fatalf("restarted replica latest value = %v, %v", v, ok)
	}

	// The group keeps accepting proposals after the restart, and replay
	// never double-counts the surviving entries.
	newLeader := waitForLeader(t, current(), 10*time.Second)
	propose(t, newLeader, metricstate.NewRecord("cpu_usage", 100.0))

	for _, r := range current() {
		r := r
		waitFor(t, 10*time.Second, func() bool {
			agg, ok := r.State().GetAggregate("cpu_usage")
			return ok && agg.Count == 3 && agg.Sum == 200.0
		}, fmt.Sprintf("replica %d did not apply the post-restart record", r.ID()))
	}
}

func TestReplication_ReplayAppliesEntriesOnce(t *testing.T) {
	tr := newClusterTransport()
	dir := t.TempDir()

	n := startNode(t, tr, testConfig(1, []uint64{1}), dir)
	waitForLeader(t, []*Replica{n.r}, 5*time.Second)
	propose(t, n.r, metricstate.NewRecord("cpu_usage", 42.0))
	propose(t, n.r, metricstate.NewRecord("cpu_usage", 58.0))
	n.stop(t)

	// Append one more committed record to the journal by hand, as if the
	// replica had gone down after persisting the entry but before applying
	// it: the log ends up ahead of the sink's applied index.
	j, err := raftlog.OpenJournal(filepath.Join(dir, "raft"))
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	hs, _, ents, err := j.Replay()
	if err != nil {
		t.Fatalf("replay journal: %v", err)
	}
	if len(ents) == 0 {
		t.Fatal("journal has no entries")
	}

	data, err := json.Marshal(metricstate.NewRecord("cpu_usage", 100.0))
	if err != nil {
		t.Fatalf("marshal operation: %v", err)
	}
	entry := raftpb.Entry{
		Term:  hs.Term,
		Index: ents[len(ents)-1].Index + 1,
		Type:  raftpb.EntryNormal,
		Data:  data,
	}
	if err := j.AppendEntries([]raftpb.Entry{entry}); err != nil {
		t.Fatalf("append entry: %v", err)
	}
	hs.Commit = entry.Index
	if err := j.SaveHardState(hs); err != nil {
		t.Fatalf("save hard state: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}

	n = startNode(t, tr, testConfig(1, []uint64{1}), dir)
	defer n.stop(t)

	waitFor(t, 5*time.Second, func() bool {
		agg, ok := n.r.State().GetAggregate("cpu_usage")
		return ok && agg.Count == 3
	}, "unapplied journal entry did not apply on restart")

	// Count and sum stay exact: replayed entries below the sink's applied
	// index are skipped, the new one applies once.
	agg, _ := n.r.State().GetAggregate("cpu_usage")
	if agg.Sum != 200.0 || agg.Max != 100.0 {
		t.Fatalf("aggregate after replay = %+v", agg)
	}
	if v, _ := n.r.State().Get("cpu_usage"); v != 100.0 {
		t.Fatalf("latest value after replay = %v", v)
	}
}

func TestReplication_DeposedLeaderFailsPendingProposal(t *testing.T) {
	tr := newClusterTransport()
	voters := []uint64{1, 2, 3}

	var replicas []*Replica
	for _, id := range voters {
		cfg := testConfig(id, voters)
		cfg.PreVote = true
		cfg.CheckQuorum = true
		n := startNode(t, tr, cfg, "")
		defer n.stop(t)
		replicas = append(replicas, n.r)
	}

	leader := waitForLeader(t, replicas, 5*time.Second)
	tr.partition(leader.ID())

	// The isolated leader still accepts the proposal, but it can never
	// commit; once check-quorum forces the step-down the pending waiter
	// must be released with ErrNotLeader, well before the context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	start := time.Now()
	err := leader.Propose(ctx, metricstate.NewRecord("orphaned", 1.0))
	if err != ErrNotLeader {
		t.Fatalf("propose on isolated leader: err = %v, want ErrNotLeader", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("pending proposal released only after %v", elapsed)
	}

	tr.heal(leader.ID())
}
