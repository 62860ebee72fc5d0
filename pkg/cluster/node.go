package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"raftmetrics/pkg/config"
	"raftmetrics/pkg/metrics"
	"raftmetrics/pkg/metricstate"
	"raftmetrics/pkg/partition"
	"raftmetrics/pkg/raftlog"
	"raftmetrics/pkg/replica"
)

// ErrUnknownShard rejects an operation naming a shard this node does not
// host.
var ErrUnknownShard = errors.New("cluster: unknown shard")

// Transport delivers raft messages between nodes and resolves peer
// addresses for leader redirects.
type Transport interface {
	replica.Transport
	PeerAddr(nodeID uint64) (string, bool)
}

type shard struct {
	replica *replica.Replica
	journal *raftlog.Journal
	sink    *metricstate.BoltSink
}

// Node hosts one replica of every shard. Metric names are routed to shards
// with the jump hash partitioner, so every node agrees on the placement
// without coordination; raft then replicates each shard's operations across
// the peer nodes.
type Node struct {
	cfg       config.Config
	logger    *slog.Logger
	transport Transport
	shards    []*shard

	stopOnce sync.Once
	stopErr  error
}

func NewNode(
	cfg config.Config,
	transport Transport,
	logger *slog.Logger,
	collector metrics.Collector,
) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}

	n := &Node{
		cfg:       cfg,
		logger:    logger,
		transport: transport,
	}

	for i := 0; i < cfg.Cluster.NumShards; i++ {
		sh, err := n.openShard(i, collector)
		if err != nil {
			n.closeShards()
			return nil, fmt.Errorf("open shard %d: %w", i, err)
		}
		n.shards = append(n.shards, sh)
	}

	logger.Info("node initialized",
		"id", cfg.Cluster.NodeID,
		"shards", len(n.shards),
		"peers", len(cfg.Cluster.Peers))
	return n, nil
}

func (n *Node) openShard(i int, collector metrics.Collector) (*shard, error) {
	dir := filepath.Join(n.cfg.Storage.DataDir, fmt.Sprintf("shard-%d", i))

	journal, err := raftlog.OpenJournal(filepath.Join(dir, "raft"))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	storage, err := raftlog.Open(journal)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("open raft storage: %w", err)
	}

	sink, err := metricstate.OpenBolt(filepath.Join(dir, "state.db"))
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("open state sink: %w", err)
	}
	state, err := metricstate.New(sink)
	if err != nil {
		journal.Close()
		sink.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}

	rc := replica.Config{
		ID:                     n.cfg.Cluster.NodeID,
		Shard:                  i,
		Voters:                 n.cfg.Cluster.VoterIDs(),
		Join:                   n.cfg.Cluster.Join,
		ElectionTick:           n.cfg.Raft.ElectionTick,
		HeartbeatTick:          n.cfg.Raft.HeartbeatTick,
		TickInterval:           n.cfg.Raft.TickInterval(),
		SnapshotEntries:        n.cfg.Raft.SnapshotEntries,
		SnapshotCatchUpEntries: n.cfg.Raft.SnapshotCatchUpEntries,
		CheckQuorum:            n.cfg.Raft.CheckQuorum,
		PreVote:                n.cfg.Raft.PreVote,
	}
	r, err := replica.New(rc, storage, state, n.transport, n.logger, collector)
	if err != nil {
		journal.Close()
		sink.Close()
		return nil, err
	}

	return &shard{replica: r, journal: journal, sink: sink}, nil
}

// Run drives all shard replicas until the context is cancelled or one of
// them fails. A single shard failure takes the whole node down; a node
// serving a subset of its shards would silently blackhole writes.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, len(n.shards))
	for _, sh := range n.shards {
		wg.Add(1)
		go func(sh *shard) {
			defer wg.Done()
			if err := sh.replica.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errc <- fmt.Errorf("shard %d: %w", sh.replica.Shard(), err)
				cancel()
			}
		}(sh)
	}
	wg.Wait()

	close(errc)
	return <-errc
}

// Stop halts all shard replicas and closes their storage. Only valid after
// Run has been started.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		for _, sh := range n.shards {
			sh.replica.Stop()
		}
		n.stopErr = n.closeShards()
	})
	return n.stopErr
}

func (n *Node) closeShards() error {
	var first error
	for _, sh := range n.shards {
		if err := sh.journal.Close(); err != nil && first == nil {
			first = fmt.Errorf("close journal: %w", err)
		}
		if err := sh.sink.Close(); err != nil && first == nil {
			first = fmt.Errorf("close sink: %w", err)
		}
	}
	return first
}

func (n *Node) ID() uint64 {
	return n.cfg.Cluster.NodeID
}

func (n *Node) NumShards() int {
	return len(n.shards)
}

// ShardFor returns the shard owning a metric name.
func (n *Node) ShardFor(name string) int {
	return partition.ShardFor(name, len(n.shards))
}

// Record proposes a new observation for a metric through its shard's log.
func (n *Node) Record(ctx context.Context, name string, value float64) error {
	sh := n.shards[n.ShardFor(name)]
	return sh.replica.Propose(ctx, metricstate.NewRecord(name, value))
}

// Delete proposes removal of a metric and its aggregates.
func (n *Node) Delete(ctx context.Context, name string) error {
	sh := n.shards[n.ShardFor(name)]
	return sh.replica.Propose(ctx, metricstate.NewDelete(name))
}

// Get reads the latest value of a metric from the local shard state.
func (n *Node) Get(name string) (float64, bool) {
	return n.shards[n.ShardFor(name)].replica.State().Get(name)
}

// GetAggregate reads the running aggregate of a metric from the local shard
// state.
func (n *Node) GetAggregate(name string) (metricstate.Aggregate, bool) {
	return n.shards[n.ShardFor(name)].replica.State().GetAggregate(name)
}

// Totals folds the aggregates of all local shards into one cluster-wide
// observation count, sum and average.
func (n *Node) Totals() (count uint64, sum, average float64) {
	for _, sh := range n.shards {
		c, s := sh.replica.State().Totals()
		count += c
		sum += s
	}
	if count > 0 {
		average = sum / float64(count)
	}
	return count, sum, average
}

// Step feeds an inbound raft message into the addressed shard replica.
func (n *Node) Step(ctx context.Context, shardNo int, msg raftpb.Message) error {
	if shardNo < 0 || shardNo >= len(n.shards) {
		return fmt.Errorf("%w: %d", ErrUnknownShard, shardNo)
	}
	return n.shards[shardNo].replica.Step(ctx, msg)
}

func (n *Node) IsLeader(shardNo int) bool {
	if shardNo < 0 || shardNo >= len(n.shards) {
		return false
	}
	return n.shards[shardNo].replica.IsLeader()
}

// LeaderAddr resolves the HTTP address of a shard's current leader, when it
// is known and is not this node.
func (n *Node) LeaderAddr(shardNo int) (string, bool) {
	if shardNo < 0 || shardNo >= len(n.shards) {
		return "", false
	}
	leaderID := n.shards[shardNo].replica.LeaderID()
	if leaderID == 0 || leaderID == n.cfg.Cluster.NodeID {
		return "", false
	}
	return n.transport.PeerAddr(leaderID)
}
