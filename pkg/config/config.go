package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root configuration of a metrics node.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger"`
	Server  ServerConfig  `yaml:"http-server"`
	Cluster ClusterConfig `yaml:"cluster"`
	Raft    RaftConfig    `yaml:"raft"`
	Storage StorageConfig `yaml:"storage"`
}

type ServerConfig struct {
	Addr                string `yaml:"addr"`
	ReadHeaderTimeoutMS int    `yaml:"read_header_timeout_ms"`
	ShutdownTimeoutMS   int    `yaml:"shutdown_timeout_ms"`
}

func (c ServerConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.ReadHeaderTimeoutMS) * time.Millisecond
}

func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

type ClusterConfig struct {
	NodeID    uint64          `yaml:"node_id"`
	NumShards int             `yaml:"num_shards"`
	Join      bool            `yaml:"join"`
	Peers     []PeerConfig    `yaml:"peers"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
}

// PeerConfig names one cluster node. Every node hosts a replica of every
// shard, so the peer list doubles as the voter set of each shard group.
type PeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

func (c ClusterConfig) VoterIDs() []uint64 {
	ids := make([]uint64, 0, len(c.Peers))
	for _, p := range c.Peers {
		ids = append(ids, p.ID)
	}
	return ids
}

func (c ClusterConfig) Peer(id uint64) (PeerConfig, bool) {
	for _, p := range c.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return PeerConfig{}, false
}

type ZooKeeperConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Servers          []string `yaml:"servers"`
	Root             string   `yaml:"root"`
	SessionTimeoutMS int      `yaml:"session_timeout_ms"`
}

func (c ZooKeeperConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMS) * time.Millisecond
}

type RaftConfig struct {
	ElectionTick           int    `yaml:"election_tick"`
	HeartbeatTick          int    `yaml:"heartbeat_tick"`
	TickIntervalMS         int    `yaml:"tick_interval_ms"`
	SnapshotEntries        uint64 `yaml:"snapshot_entries"`
	SnapshotCatchUpEntries uint64 `yaml:"snapshot_catch_up_entries"`
	CheckQuorum            bool   `yaml:"check_quorum"`
	PreVote                bool   `yaml:"pre_vote"`
}

func (c RaftConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// NewLogger builds an slog.Logger writing to stdout at the configured level.
func (c LoggerConfig) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(c.Level) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Default returns a baseline single-node development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Addr:                ":8080",
			ReadHeaderTimeoutMS: 5000,
			ShutdownTimeoutMS:   10000,
		},
		Cluster: ClusterConfig{
			NodeID:    1,
			NumShards: 4,
			Peers: []PeerConfig{
				{ID: 1, Address: "http://127.0.0.1:8080"},
			},
			ZooKeeper: ZooKeeperConfig{
				Root:             "/raftmetrics",
				SessionTimeoutMS: 5000,
			},
		},
		Raft: RaftConfig{
			ElectionTick:           10,
			HeartbeatTick:          1,
			TickIntervalMS:         100,
			SnapshotEntries:        10000,
			SnapshotCatchUpEntries: 500,
			CheckQuorum:            true,
			PreVote:                true,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
	}
}

// Load reads a YAML config from path. A missing file falls back to
// Default(), so a bare binary still starts as a single development node.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Cluster.NodeID == 0 {
		return fmt.Errorf("cluster.node_id must be set")
	}
	if c.Cluster.NumShards <= 0 {
		return fmt.Errorf("cluster.num_shards must be positive, got %d", c.Cluster.NumShards)
	}
	if _, ok := c.Cluster.Peer(c.Cluster.NodeID); !ok && !c.Cluster.Join {
		return fmt.Errorf("cluster.peers does not contain this node (id %d)", c.Cluster.NodeID)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("http-server.addr must be set")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must be set")
	}
	return nil
}
