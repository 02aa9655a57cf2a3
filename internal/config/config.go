package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v2"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

// CurrentVersion is written into new config files. Loaders accept
// only versions they know how to migrate.
const CurrentVersion = 1

type Config struct {
	ConfigVersion int             `yaml:"config_version"`
	Node          NodeConfig      `yaml:"node"`
	Mesh          MeshConfig      `yaml:"mesh"`
	API           APIConfig       `yaml:"api"`
	Transport     TransportConfig `yaml:"transport"`
	Gossip        GossipConfig    `yaml:"gossip"`
	Registry      RegistryConfig  `yaml:"registry"`
	Cost          CostConfig      `yaml:"cost"`
	Router        RouterConfig    `yaml:"router"`
	Executor      ExecutorConfig  `yaml:"executor"`
	Semantic      SemanticConfig  `yaml:"semantic"`
	Providers     ProvidersConfig `yaml:"providers"`
	Audit         AuditConfig     `yaml:"audit"`
}

type NodeConfig struct {
	DisplayName string `yaml:"display_name"`
	Platform    string `yaml:"platform"` // autodetected when empty
}

// MeshConfig is written by `mesh create` and `mesh join`. Empty
// mesh_id means the node has not joined anything yet.
type MeshConfig struct {
	MeshID    string `yaml:"mesh_id"`
	MeshName  string `yaml:"mesh_name"`
	CreatedAt string `yaml:"created_at,omitempty"`
}

type APIConfig struct {
	Listen      string   `yaml:"listen"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type TransportConfig struct {
	Listen             string   `yaml:"listen"`
	AdvertiseLocal     string   `yaml:"advertise_local"`  // ws URL on the LAN, autodetected when empty
	AdvertisePublic    string   `yaml:"advertise_public"` // ws URL reachable across the internet
	RelayURL           string   `yaml:"relay_url"`
	InnerEncryption    string   `yaml:"inner_encryption"` // auto | always | off
	DialTimeoutSeconds int      `yaml:"dial_timeout_seconds"`
	HeartbeatSeconds   int      `yaml:"heartbeat_seconds"`
	DeadAfterMissed    int      `yaml:"dead_after_missed"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
}

type GossipConfig struct {
	TTL              int `yaml:"ttl"`
	DedupCache       int `yaml:"dedup_cache"`
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
	SkewSeconds      int `yaml:"skew_seconds"`
}

type RegistryConfig struct {
	StaleSeconds int `yaml:"stale_seconds"`
	EvictSeconds int `yaml:"evict_seconds"`
	SweepSeconds int `yaml:"sweep_seconds"`
}

type CostConfig struct {
	SampleSeconds    int             `yaml:"sample_seconds"`
	BroadcastSeconds int             `yaml:"broadcast_seconds"`
	StaleSeconds     int             `yaml:"stale_seconds"`
	Multipliers      CostMultipliers `yaml:"multipliers"`
}

type CostMultipliers struct {
	Battery    float64 `yaml:"battery"`
	BatteryLow float64 `yaml:"battery_low"`
	Thermal    float64 `yaml:"thermal"`
	Metered    float64 `yaml:"metered"`
	QueueStep  float64 `yaml:"queue_step"`
}

type RouterConfig struct {
	SemanticThreshold float64 `yaml:"semantic_threshold"`
	KeywordBoost      float64 `yaml:"keyword_boost"`
	LocalBonus        float64 `yaml:"local_bonus"`
	LANBonus          float64 `yaml:"lan_bonus"`
	WANRTTMs          int     `yaml:"wan_rtt_ms"`
	WANPenalty        float64 `yaml:"wan_penalty"`
	MinCostDifference float64 `yaml:"min_cost_difference"`
	HysteresisSeconds int     `yaml:"hysteresis_seconds"`
}

type ExecutorConfig struct {
	LLMTimeoutSeconds    int `yaml:"llm_timeout_seconds"`
	ToolTimeoutSeconds   int `yaml:"tool_timeout_seconds"`
	SensorTimeoutSeconds int `yaml:"sensor_timeout_seconds"`
	CancelGraceSeconds   int `yaml:"cancel_grace_seconds"`
}

type SemanticConfig struct {
	Dim         int    `yaml:"dim"`
	Embedder    string `yaml:"embedder"` // hash | http
	EmbedderURL string `yaml:"embedder_url"`
}

// ProvidersConfig points the scanner at local inference runtimes.
type ProvidersConfig struct {
	OllamaURL string `yaml:"ollama_url"`
}

type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a config with every knob set to its shipped value.
// Loading merges the file over these, so absent keys keep defaults.
func Default() *Config {
	return &Config{
		ConfigVersion: CurrentVersion,
		Node: NodeConfig{
			Platform: runtime.GOOS,
		},
		API: APIConfig{
			Listen:      "127.0.0.1:7433",
			CORSOrigins: []string{"*"},
		},
		Transport: TransportConfig{
			Listen:             "0.0.0.0:7434",
			InnerEncryption:    "auto",
			DialTimeoutSeconds: 3,
			HeartbeatSeconds:   10,
			DeadAfterMissed:    3,
		},
		Gossip: GossipConfig{
			TTL:              10,
			DedupCache:       10000,
			HeartbeatSeconds: 30,
			SkewSeconds:      300,
		},
		Registry: RegistryConfig{
			StaleSeconds: 90,
			EvictSeconds: 300,
			SweepSeconds: 30,
		},
		Cost: CostConfig{
			SampleSeconds:    10,
			BroadcastSeconds: 30,
			StaleSeconds:     60,
			Multipliers: CostMultipliers{
				Battery:    1.5,
				BatteryLow: 2.0,
				Thermal:    1.5,
				Metered:    3.0,
				QueueStep:  1.2,
			},
		},
		Router: RouterConfig{
			SemanticThreshold: 0.5,
			KeywordBoost:      0.1,
			LocalBonus:        1.3,
			LANBonus:          1.1,
			WANRTTMs:          200,
			WANPenalty:        1.25,
			MinCostDifference: 0.2,
			HysteresisSeconds: 300,
		},
		Executor: ExecutorConfig{
			LLMTimeoutSeconds:    30,
			ToolTimeoutSeconds:   5,
			SensorTimeoutSeconds: 2,
			CancelGraceSeconds:   5,
		},
		Semantic: SemanticConfig{
			Dim:      384,
			Embedder: "hash",
		},
		Providers: ProvidersConfig{
			OllamaURL: "http://127.0.0.1:11434",
		},
		Audit: AuditConfig{
			Enabled: true,
		},
	}
}

var knownTopLevelKeys = map[string]struct{}{
	"config_version": {}, "node": {}, "mesh": {}, "api": {},
	"transport": {}, "gossip": {}, "registry": {}, "cost": {},
	"router": {}, "executor": {}, "semantic": {}, "providers": {},
	"audit": {},
}

// Load reads path and merges it over Default. Unknown top-level keys
// are rejected outright so typos never silently no-op.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var top map[string]any
	if err := yaml.Unmarshal(raw, &top); err != nil {
		return nil, core.WrapErr(core.CodeValidation, err, "config %s unparseable", path)
	}
	for k := range top {
		if _, ok := knownTopLevelKeys[k]; !ok {
			return nil, core.Errorf(core.CodeValidation, "config %s: unknown key %q", path, k)
		}
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, core.WrapErr(core.CodeValidation, err, "config %s unparseable", path)
	}
	if cfg.ConfigVersion == 0 {
		cfg.ConfigVersion = CurrentVersion
	}
	if cfg.ConfigVersion != CurrentVersion {
		return nil, core.Errorf(core.CodeValidation, "config %s: version %d unsupported (want %d)", path, cfg.ConfigVersion, CurrentVersion)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file
// does not exist yet.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes the config.
func (c *Config) Save(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Transport.InnerEncryption {
	case "auto", "always", "off":
	default:
		return core.Errorf(core.CodeValidation, "transport.inner_encryption %q: want auto, always or off", c.Transport.InnerEncryption)
	}
	switch c.Semantic.Embedder {
	case "hash":
	case "http":
		if c.Semantic.EmbedderURL == "" {
			return core.Errorf(core.CodeValidation, "semantic.embedder_url required for the http embedder")
		}
	default:
		return core.Errorf(core.CodeValidation, "semantic.embedder %q: want hash or http", c.Semantic.Embedder)
	}
	if c.Semantic.Dim <= 0 {
		return core.Errorf(core.CodeValidation, "semantic.dim must be positive")
	}
	if c.Gossip.TTL < 1 || c.Gossip.TTL > 10 {
		return core.Errorf(core.CodeValidation, "gossip.ttl %d out of range [1,10]", c.Gossip.TTL)
	}
	if c.Router.MinCostDifference < 0 || c.Router.MinCostDifference > 1 {
		return core.Errorf(core.CodeValidation, "router.min_cost_difference %v out of range [0,1]", c.Router.MinCostDifference)
	}
	return nil
}
