package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"taskmatch/internal/domain"
	"taskmatch/internal/model"
)

type Config struct {
	Cluster ClusterConfig  `toml:"cluster"`
	Routing RoutingConfig  `toml:"routing"`
	Runtime RuntimeConfig  `toml:"runtime"`
	Raw     map[string]any `toml:"-"`
	Path    string         `toml:"-"`
}

type ClusterConfig struct {
	// RingSize is N; zero takes it from the input file.
	RingSize    int `toml:"ring_size"`
	Coordinator int `toml:"coordinator"`
	// ValidateEvery is the number of Phase 1 rounds between validation
	// laps; zero validates once when Phase 1 ends.
	ValidateEvery int     `toml:"validate_every"`
	Epsilon       float64 `toml:"epsilon"`
}

// RoutingConfig describes the static id -> address table. Agent i listens
// on host:base_port+i unless a peer entry overrides it.
type RoutingConfig struct {
	Host     string `toml:"host"`
	BasePort int    `toml:"base_port"`
	Size     int    `toml:"size"`
	Peers    []Peer `toml:"peers"`
}

type Peer struct {
	ID   int    `toml:"id"`
	Addr string `toml:"addr"`
}

type RuntimeConfig struct {
	DBPath        string `toml:"db_path"`
	ResultsDir    string `toml:"results_dir"`
	QueueBuffer   int    `toml:"queue_buffer"`
	DialTimeoutMS int    `toml:"dial_timeout_ms"`
	// ConnectRetries and RetryDelayMS let agents of one ring start in any
	// order.
	ConnectRetries int    `toml:"connect_retries"`
	RetryDelayMS   int    `toml:"retry_delay_ms"`
	MetricsAddr    string `toml:"metrics_addr"`
}

func Default() Config {
	return Config{
		Cluster: ClusterConfig{
			Coordinator:   0,
			ValidateEvery: 1,
			Epsilon:       model.Epsilon,
		},
		Routing: RoutingConfig{
			Host:     "127.0.0.1",
			BasePort: 9300,
			Size:     48,
		},
		Runtime: RuntimeConfig{
			DBPath:         "data/taskmatch.db",
			ResultsDir:     ".",
			QueueBuffer:    256,
			DialTimeoutMS:  2000,
			ConnectRetries: 40,
			RetryDelayMS:   250,
		},
	}
}

// Load reads path over the defaults. An empty path means the default
// location, which may be absent.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		cfg := Default()
		cfg.Path = resolved
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	cfg := Default()
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	if err := cfg.Routing.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(path, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Join(home, trimmed), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskmatch/config.toml"
	}
	return filepath.Join(home, ".taskmatch", "config.toml")
}

func (r RoutingConfig) validate() error {
	if r.Size <= 0 {
		return fmt.Errorf("routing size must be positive, got %d", r.Size)
	}
	if r.BasePort <= 0 || r.BasePort+r.Size-1 > 65535 {
		return fmt.Errorf("routing ports %d..%d out of range", r.BasePort, r.BasePort+r.Size-1)
	}
	for _, p := range r.Peers {
		if p.ID < 0 || p.ID >= r.Size {
			return fmt.Errorf("routing peer %d outside table of %d", p.ID, r.Size)
		}
		if _, _, err := net.SplitHostPort(p.Addr); err != nil {
			return fmt.Errorf("routing peer %d address %q: %w", p.ID, p.Addr, err)
		}
	}
	return nil
}

// Routes builds the full routing table.
func (r RoutingConfig) Routes() map[domain.AgentID]string {
	host := r.Host
	if host == "" {
		host = "127.0.0.1"
	}
	table := make(map[domain.AgentID]string, r.Size)
	for i := 0; i < r.Size; i++ {
		table[domain.AgentID(i)] = net.JoinHostPort(host, strconv.Itoa(r.BasePort+i))
	}
	for _, p := range r.Peers {
		table[domain.AgentID(p.ID)] = p.Addr
	}
	return table
}

// ListenAddr is the address agent id binds: its routing entry with the
// host widened to all interfaces.
func (r RoutingConfig) ListenAddr(id domain.AgentID) (string, error) {
	addr, ok := r.Routes()[id]
	if !ok {
		return "", fmt.Errorf("agent %d has no routing entry", id)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("agent %d address %q: %w", id, addr, err)
	}
	return net.JoinHostPort("", port), nil
}

// CheckRing validates the cluster section against the ring actually being
// run.
func (c Config) CheckRing(ringSize int) error {
	if ringSize <= 0 {
		return fmt.Errorf("ring size must be positive, got %d", ringSize)
	}
	if c.Cluster.RingSize > 0 && c.Cluster.RingSize != ringSize {
		return fmt.Errorf("configured ring size %d does not match input with %d agents", c.Cluster.RingSize, ringSize)
	}
	if ringSize > c.Routing.Size {
		return fmt.Errorf("ring of %d agents exceeds routing table of %d", ringSize, c.Routing.Size)
	}
	if c.Cluster.Coordinator < 0 || c.Cluster.Coordinator >= ringSize {
		return fmt.Errorf("coordinator %d outside ring of %d", c.Cluster.Coordinator, ringSize)
	}
	return nil
}

func (r RuntimeConfig) RetryDelay() time.Duration {
	if r.RetryDelayMS <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(r.RetryDelayMS) * time.Millisecond
}

func (r RuntimeConfig) DialTimeout() time.Duration {
	if r.DialTimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(r.DialTimeoutMS) * time.Millisecond
}
