// Package cluster wires the coordination core's subsystems (durable store,
// replication, election, merger, HTTP server) into one runnable Node, and
// owns the configuration layer all of them read from.
package cluster

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/untoldecay/BeadsMesh/internal/cluster/types"
)

// Config is the single struct every subsystem reads its tunables from.
type Config struct {
	Enabled                  bool
	NodeID                   string
	ListenHost               string
	ListenPort               int
	PublicURL                string
	Peers                    []types.Peer
	AuthToken                string
	HeartbeatIntervalMS      int
	ElectionTimeoutMinMS     int
	ElectionTimeoutMaxMS     int
	SyncIntervalMS           int
	RequestTimeoutMS         int
	StorySimilarityThreshold float64

	// ClusterDir is the per-node directory raft-state.json and
	// raft-log.ndjson live under.
	ClusterDir string

	// PeersFile optionally points at a peers.toml the loader reads (see
	// peersFile below); empty disables it.
	PeersFile string
}

// defaults returns the stock tunables: loopback bind, 2s heartbeat,
// 3-6s election window, 5s sync, 5s request timeout, 0.92 similarity.
func defaults() Config {
	return Config{
		Enabled:                  true,
		ListenHost:               "127.0.0.1",
		ListenPort:               7420,
		HeartbeatIntervalMS:      2000,
		ElectionTimeoutMinMS:     3000,
		ElectionTimeoutMaxMS:     6000,
		SyncIntervalMS:           5000,
		RequestTimeoutMS:         5000,
		StorySimilarityThreshold: 0.92,
		ClusterDir:               filepath.Join(".beads", "cluster"),
	}
}

// peersFile is the optional TOML-encoded peer list, kept out of the main
// YAML config so peers can be edited and hot-reloaded independently of
// the rest of the configuration.
type peersFile struct {
	Peers []types.Peer `toml:"peers"`
}

// Loader builds a Config from viper (YAML + BD_CLUSTER_* env overrides)
// and an optional peers.toml, and reports later rewrites of cluster.yaml
// via fsnotify, for callers to pick up peers/threshold from — but never
// the timing fields, which only take effect on restart. peers.toml is
// re-read on each such reload; an edit to peers.toml alone does not
// trigger one.
type Loader struct {
	v        *viper.Viper
	watcher  *fsnotify.Watcher
	onChange func(Config)
}

// NewLoader constructs a Loader rooted at configDir, which is searched for
// cluster.yaml.
func NewLoader(configDir string) *Loader {
	v := viper.New()
	v.SetConfigName("cluster")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)

	v.SetEnvPrefix("BD_CLUSTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	d := defaults()
	v.SetDefault("enabled", d.Enabled)
	v.SetDefault("listen_host", d.ListenHost)
	v.SetDefault("listen_port", d.ListenPort)
	v.SetDefault("heartbeat_interval_ms", d.HeartbeatIntervalMS)
	v.SetDefault("election_timeout_min_ms", d.ElectionTimeoutMinMS)
	v.SetDefault("election_timeout_max_ms", d.ElectionTimeoutMaxMS)
	v.SetDefault("sync_interval_ms", d.SyncIntervalMS)
	v.SetDefault("request_timeout_ms", d.RequestTimeoutMS)
	v.SetDefault("story_similarity_threshold", d.StorySimilarityThreshold)
	v.SetDefault("cluster_dir", d.ClusterDir)

	return &Loader{v: v}
}

// Load reads cluster.yaml (if present; absence falls back to defaults +
// env), then peers.toml (if PeersFile is set in the result), and validates
// the result. Configuration errors surface here, before anything binds.
func (l *Loader) Load() (Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read cluster config: %w", err)
		}
	}

	cfg := Config{
		Enabled:                  l.v.GetBool("enabled"),
		NodeID:                   l.v.GetString("node_id"),
		ListenHost:               l.v.GetString("listen_host"),
		ListenPort:               l.v.GetInt("listen_port"),
		PublicURL:                l.v.GetString("public_url"),
		AuthToken:                l.v.GetString("auth_token"),
		HeartbeatIntervalMS:      l.v.GetInt("heartbeat_interval_ms"),
		ElectionTimeoutMinMS:     l.v.GetInt("election_timeout_min_ms"),
		ElectionTimeoutMaxMS:     l.v.GetInt("election_timeout_max_ms"),
		SyncIntervalMS:           l.v.GetInt("sync_interval_ms"),
		RequestTimeoutMS:         l.v.GetInt("request_timeout_ms"),
		StorySimilarityThreshold: l.v.GetFloat64("story_similarity_threshold"),
		ClusterDir:               l.v.GetString("cluster_dir"),
		PeersFile:                l.v.GetString("peers_file"),
	}

	if cfg.PeersFile != "" {
		peers, err := loadPeersFile(cfg.PeersFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Peers = peers
	}

	return validate(cfg)
}

func loadPeersFile(path string) ([]types.Peer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read peers file %s: %w", path, err)
	}
	var pf peersFile
	if err := toml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse peers file %s: %w", path, err)
	}
	return pf.Peers, nil
}

// validate rejects misconfiguration up front: a non-loopback bind host
// needs an auth_token, peer URLs must be present, and the similarity
// threshold must be in [0,1].
func validate(cfg Config) (Config, error) {
	if !isLoopbackHost(cfg.ListenHost) && cfg.AuthToken == "" {
		return cfg, fmt.Errorf("cluster config: listen_host %q is not loopback and no auth_token is set", cfg.ListenHost)
	}
	for _, peer := range cfg.Peers {
		if peer.URL == "" {
			return cfg, fmt.Errorf("cluster config: peer %q has an empty url", peer.ID)
		}
	}
	if cfg.StorySimilarityThreshold < 0 || cfg.StorySimilarityThreshold > 1 {
		return cfg, fmt.Errorf("cluster config: story_similarity_threshold %v out of [0,1]", cfg.StorySimilarityThreshold)
	}
	return cfg, nil
}

func isLoopbackHost(host string) bool {
	switch host {
	case "127.0.0.1", "::1", "localhost", "":
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// WatchNonTimingFields starts an fsnotify watch on the config file and
// invokes onChange with a freshly loaded Config whenever it's rewritten —
// but callers must only apply the peers list and similarity threshold from
// it; timing fields (heartbeat/election/sync/request) require a restart.
// Returns a stop function.
func (l *Loader) WatchNonTimingFields(onChange func(Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	l.watcher = watcher
	l.onChange = onChange

	configFile := l.v.ConfigFileUsed()
	if configFile == "" {
		_ = watcher.Close()
		return func() {}, nil
	}
	if err := watcher.Add(filepath.Dir(configFile)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(configFile) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := l.Load()
				if err != nil {
					continue // a broken rewrite is ignored; last-good config stands
				}
				l.onChange(cfg)
			case <-watcher.Errors:
				continue
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
