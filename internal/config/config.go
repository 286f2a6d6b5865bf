package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// VORTEX Control Plane - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Arena      ArenaConfig      `yaml:"arena"`
	IPC        IPCConfig        `yaml:"ipc"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Arbiter    ArbiterConfig    `yaml:"arbiter"`
	Controller ControllerConfig `yaml:"controller"`
	Journal    JournalConfig    `yaml:"journal"`
}

type ArenaConfig struct {
	Name      string `yaml:"name"`
	SizeBytes int64  `yaml:"size_bytes"`
	Dir       string `yaml:"dir"` // defaults to /dev/shm when empty
}

type IPCConfig struct {
	Path          string `yaml:"path"`
	MaxFrameBytes uint32 `yaml:"max_frame_bytes"`
	SendQueueLen  int    `yaml:"send_queue_len"`
}

type SupervisorConfig struct {
	MaxWorkers          int      `yaml:"max_workers"`
	WorkerBinary        string   `yaml:"worker_binary"`
	ModelPathAllowlist  []string `yaml:"model_path_allowlist"`
	HeartbeatMs         int      `yaml:"heartbeat_ms"`
	HeartbeatTimeoutMs  int      `yaml:"heartbeat_timeout_ms"`
	HandshakeTimeoutMs  int      `yaml:"handshake_timeout_ms"`
	RespawnBackoffMs    int      `yaml:"respawn_backoff_ms"`
	RespawnBackoffCapMs int      `yaml:"respawn_backoff_cap_ms"`
	CancelGraceMs       int      `yaml:"cancel_grace_ms"`
}

type ArbiterConfig struct {
	DeviceBudgetBytes int64 `yaml:"device_budget_bytes"`
}

type ControllerConfig struct {
	NodeTimeoutMs      int `yaml:"node_timeout_ms"`
	ProgressIntervalMs int `yaml:"progress_interval_ms"`
	MaxGraphNodes      int `yaml:"max_graph_nodes"`
}

type JournalConfig struct {
	Path string `yaml:"path"`
}

var (
	cfg  *Config
	once sync.Once
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Arena: ArenaConfig{
			Name:      "vtx_arena",
			SizeBytes: 64 << 30,
		},
		IPC: IPCConfig{
			Path:          "/tmp/vortex.sock",
			MaxFrameBytes: 16 << 20,
			SendQueueLen:  256,
		},
		Supervisor: SupervisorConfig{
			MaxWorkers:          8,
			WorkerBinary:        "vortex-worker",
			HeartbeatMs:         1000,
			HeartbeatTimeoutMs:  3000,
			HandshakeTimeoutMs:  5000,
			RespawnBackoffMs:    100,
			RespawnBackoffCapMs: 5000,
			CancelGraceMs:       10000,
		},
		Arbiter: ArbiterConfig{
			DeviceBudgetBytes: 8 << 30,
		},
		Controller: ControllerConfig{
			NodeTimeoutMs:      5 * 60 * 1000,
			ProgressIntervalMs: 50,
			MaxGraphNodes:      10000,
		},
		Journal: JournalConfig{
			Path: "vortex-journal.db",
		},
	}
}

// Load reads a YAML config file (optional) and applies environment overrides.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			slog.Warn("config file not found, using defaults", "path", path)
		} else if err := yaml.Unmarshal(data, c); err != nil {
			return nil, err
		}
	}

	c.applyEnvOverrides()
	return c, nil
}

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	once.Do(func() {
		loaded, err := Load(os.Getenv("VORTEX_CONFIG"))
		if err != nil {
			slog.Error("config load failed, using defaults", "error", err)
			loaded = Default()
			loaded.applyEnvOverrides()
		}
		cfg = loaded
	})
	return cfg
}

func (c *Config) applyEnvOverrides() {
	c.Arena.Name = getEnv("VORTEX_ARENA_NAME", c.Arena.Name)
	c.Arena.SizeBytes = getEnvInt64("VORTEX_ARENA_SIZE_BYTES", c.Arena.SizeBytes)
	c.IPC.Path = getEnv("VORTEX_IPC_PATH", c.IPC.Path)
	c.Supervisor.MaxWorkers = getEnvInt("VORTEX_MAX_WORKERS", c.Supervisor.MaxWorkers)
	c.Supervisor.HeartbeatMs = getEnvInt("VORTEX_HEARTBEAT_MS", c.Supervisor.HeartbeatMs)
	c.Supervisor.HeartbeatTimeoutMs = getEnvInt("VORTEX_HEARTBEAT_TIMEOUT_MS", c.Supervisor.HeartbeatTimeoutMs)
	c.Arbiter.DeviceBudgetBytes = getEnvInt64("VORTEX_DEVICE_BUDGET_BYTES", c.Arbiter.DeviceBudgetBytes)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid integer in environment", "key", key, "value", v)
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		slog.Warn("invalid integer in environment", "key", key, "value", v)
	}
	return fallback
}
