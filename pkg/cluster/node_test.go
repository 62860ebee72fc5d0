package cluster

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"raftmetrics/pkg/config"
)

// inprocTransport routes raft messages between nodes in the same process.
type inprocTransport struct {
	mu    sync.Mutex
	nodes map[uint64]*Node
}

func newInprocTransport() *inprocTransport {
	return &inprocTransport{nodes: make(map[uint64]*Node)}
}

func (tr *inprocTransport) register(n *Node) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.nodes[n.ID()] = n
}

func (tr *inprocTransport) Send(shard int, msg raftpb.Message) error {
	tr.mu.Lock()
	target, ok := tr.nodes[msg.To]
	tr.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return target.Step(ctx, shard, msg)
}

func (tr *inprocTransport) PeerAddr(nodeID uint64) (string, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, ok := tr.nodes[nodeID]; !ok {
		return "", false
	}
	return fmt.Sprintf("http://node-%d", nodeID), true
}

func testClusterConfig(nodeID uint64, numShards int, dataDir string) config.Config {
	cfg := config.Default()
	cfg.Cluster.NodeID = nodeID
	cfg.Cluster.NumShards = numShards
	cfg.Cluster.Peers = []config.PeerConfig{
		{ID: 1, Address: "http://node-1"},
		{ID: 2, Address: "http://node-2"},
		{ID: 3, Address: "http://node-3"},
	}
	cfg.Raft.TickIntervalMS = 5
	cfg.Storage.DataDir = dataDir
	return cfg
}

func startTestCluster(t *testing.T, numShards int) []*Node {
	t.Helper()
	tr := newInprocTransport()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var nodes []*Node
	for id := uint64(1); id <= 3; id++ {
		cfg := testClusterConfig(id, numShards, t.TempDir())
		n, err := NewNode(cfg, tr, logger, nil)
		if err != nil {
			t.Fatalf("new node %d: %v", id, err)
		}
		tr.register(n)
		nodes = append(nodes, n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			if err := n.Run(ctx); err != nil {
				t.Errorf("node %d run: %v", n.ID(), err)
			}
		}(n)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		for _, n := range nodes {
			if err := n.Stop(); err != nil {
				t.Errorf("stop node %d: %v", n.ID(), err)
			}
		}
	})
	return nodes
}

// shardLeader waits until some node leads the given shard and returns it.
func shardLeader(t *testing.T, nodes []*Node, shard int, timeout time.Duration) *Node {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.IsLeader(shard) {
				return n
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no leader for shard %d within %v", shard, timeout)
	return nil
}

func record(t *testing.T, nodes []*Node, name string, value float64) {
	t.Helper()
	leader := shardLeader(t, nodes, nodes[0].ShardFor(name), 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := leader.Record(ctx, name, value); err != nil {
		t.Fatalf("record %s on node %d: %v", name, leader.ID(), err)
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
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

func TestNode_ShardedReplication(t *testing.T) {
	nodes := startTestCluster(t, 2)

	metricsByShard := map[string]float64{
		"cpu_usage":   42.0,
		"mem_usage":   512.0,
		"disk_io":     7.5,
		"net_rx":      1024.0,
		"error_count": 3.0,
	}
	for name, value := range metricsByShard {
		record(t, nodes, name, value)
	}

	// Every node converges to the same state for every metric, whatever
	// shard it hashed to.
	for _, n := range nodes {
		n := n
		waitForCondition(t, 5*time.Second, func() bool {
			for name := range metricsByShard {
				if _, ok := n.Get(name); !ok {
					return false
				}
			}
			return true
		}, fmt.Sprintf("node %d did not converge", n.ID()))

		for name, want := range metricsByShard {
			if got, _ := n.Get(name); got != want {
				t.Errorf("node %d: %s = %v, want %v", n.ID(), name, got, want)
			}
		}
	}
}

func TestNode_RoutingIsDeterministic(t *testing.T) {
	nodes := startTestCluster(t, 2)

	names := []string{"cpu_usage", "mem_usage", "disk_io", "net_rx"}
	for _, name := range names {
		want := nodes[0].ShardFor(name)
		for _, n := range nodes[1:] {
			if got := n.ShardFor(name); got != want {
				t.Errorf("node %d routes %s to shard %d, node 1 to %d", n.ID(), name, got, want)
			}
		}
	}
}

func TestNode_Totals(t *testing.T) {
	nodes := startTestCluster(t, 2)

	record(t, nodes, "cpu_usage", 42.0)
	record(t, nodes, "cpu_usage", 58.0)
	record(t, nodes, "mem_usage", 300.0)

	for _, n := range nodes {
		n := n
		waitForCondition(t, 5*time.Second, func() bool {
			count, _, _ := n.Totals()
			return count == 3
		}, fmt.Sprintf("node %d totals did not converge", n.ID()))

		count, sum, average := n.Totals()
		if count != 3 || sum != 400.0 {
			t.Errorf("node %d totals = %d, %v, %v", n.ID(), count, sum, average)
		}
	}
}

func TestNode_DeletePropagates(t *testing.T) {
	nodes := startTestCluster(t, 2)

	record(t, nodes, "temp", 21.0)

	leader := shardLeader(t, nodes, nodes[0].ShardFor("temp"), 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := leader.Delete(ctx, "temp"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	for _, n := range nodes {
		n := n
		waitForCondition(t, 5*time.Second, func() bool {
			_, ok := n.Get("temp")
			return !ok
		}, fmt.Sprintf("node %d still has the deleted metric", n.ID()))
	}
}

func TestNode_StepUnknownShard(t *testing.T) {
	nodes := startTestCluster(t, 2)

	err := nodes[0].Step(context.Background(), 99, raftpb.Message{})
	if err == nil {
		t.Fatal("step into unknown shard succeeded")
	}
}
