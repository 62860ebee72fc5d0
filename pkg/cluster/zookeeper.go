package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZKMembership keeps the cluster's live-node view in ZooKeeper. Each node
// registers an ephemeral znode named by its ID and carrying its HTTP
// address; watching the children keeps the raft transport's peer table
// current without static configuration.
type ZKMembership struct {
	conn     *zk.Conn
	rootPath string
	nodeID   uint64
	addr     string
	logger   *slog.Logger
}

func NewZKMembership(servers []string, rootPath string, nodeID uint64, addr string, sessionTimeout time.Duration, logger *slog.Logger) (*ZKMembership, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKMembership{
		conn:     conn,
		rootPath: rootPath,
		nodeID:   nodeID,
		addr:     addr,
		logger:   logger,
	}, nil
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) nodesPath() string {
	return m.rootPath + "/nodes"
}

func (m *ZKMembership) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf creates the ephemeral znode for this node. The znode
// disappears with the session, so a crashed node drops out of the peer view
// automatically.
func (m *ZKMembership) RegisterSelf() error {
	if err := m.waitConnected(10 * time.Second); err != nil {
		return err
	}
	if err := m.ensurePath(m.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := fmt.Sprintf("%s/%d", m.nodesPath(), m.nodeID)
	_, err := m.conn.Create(nodePath, []byte(m.addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	m.logger.Info("registered in zookeeper", "path", nodePath, "addr", m.addr)
	return nil
}

// Members reads the current live-node set: node ID to HTTP address.
func (m *ZKMembership) Members() (map[uint64]string, error) {
	children, _, err := m.conn.Children(m.nodesPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}

	members := make(map[uint64]string, len(children))
	for _, child := range children {
		id, err := strconv.ParseUint(child, 10, 64)
		if err != nil {
			m.logger.Warn("ignoring malformed member znode", "name", child)
			continue
		}
		data, _, err := m.conn.Get(m.nodesPath() + "/" + child)
		if err != nil {
			return nil, fmt.Errorf("zk get %s: %w", child, err)
		}
		members[id] = string(data)
	}
	return members, nil
}

// RunWatch follows membership changes and keeps the transport's peer table
// in sync until the context is cancelled.
func (m *ZKMembership) RunWatch(ctx context.Context, transport *HTTPTransport) {
	go func() {
		known := make(map[uint64]string)
		for {
			_, _, ch, err := m.conn.ChildrenW(m.nodesPath())
			if err != nil {
				m.logger.Warn("zk watch error", "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			members, err := m.Members()
			if err != nil {
				m.logger.Warn("zk read members error", "error", err)
			} else {
				for id, addr := range members {
					if id == m.nodeID {
						continue
					}
					if known[id] != addr {
						transport.UpdatePeer(id, addr)
						m.logger.Info("peer updated from zookeeper", "id", id, "addr", addr)
					}
				}
				for id := range known {
					if _, ok := members[id]; !ok {
						transport.RemovePeer(id)
						m.logger.Info("peer removed from zookeeper view", "id", id)
					}
				}
				known = members
			}

			select {
			case <-ch:
			case <-ctx.Done():
				m.logger.Info("zookeeper watch stopped")
				return
			}
		}
	}()
}

func (m *ZKMembership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
