package approval

import (
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v2"

	"github.com/atmosphere-mesh/atmosphere/internal/core"
)

// CurrentVersion of the approval file schema.
const CurrentVersion = 1

// Config is the owner's sharing policy, persisted as YAML with owner-
// only permissions. Everything defaults closed: an empty allow list
// means no remote node may invoke anything here.
type Config struct {
	ConfigVersion    int         `yaml:"config_version" json:"config_version"`
	Share            ShareConfig `yaml:"share" json:"share"`
	MeshAccess       MeshAccess  `yaml:"mesh_access" json:"mesh_access"`
	Limits           Limits      `yaml:"limits" json:"limits"`
	RequireTokenAuth bool        `yaml:"require_token_auth" json:"require_token_auth"`
}

// ShareConfig controls what classes of work leave this node.
type ShareConfig struct {
	// Models are family globs ("llama*", "qwen*"). An LLM-ish
	// capability advertising a model name is only shared when a glob
	// matches it.
	Models   []string      `yaml:"models" json:"models"`
	Hardware HardwareShare `yaml:"hardware" json:"hardware"`
	// Sensors are off unless the owner flips them on by name
	// ("camera", "microphone").
	Sensors map[string]bool `yaml:"sensors" json:"sensors"`
}

type HardwareShare struct {
	GPU       bool `yaml:"gpu" json:"gpu"`
	BatteryOK bool `yaml:"battery_ok" json:"battery_ok"`
}

// MeshAccess is the remote-node allow/deny policy. Entries are node
// ids or globs over node ids. Deny wins over allow; an empty allow
// list denies everyone.
type MeshAccess struct {
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny" json:"deny"`
}

type Limits struct {
	PerNodeRPM int `yaml:"per_node_rpm" json:"per_node_rpm"`
	PerMeshRPM int `yaml:"per_mesh_rpm" json:"per_mesh_rpm"`
}

// DefaultConfig is the closed-by-default policy written by `init`.
func DefaultConfig() *Config {
	return &Config{
		ConfigVersion: CurrentVersion,
		Share: ShareConfig{
			Models:   []string{},
			Hardware: HardwareShare{GPU: true, BatteryOK: false},
			Sensors:  map[string]bool{"camera": false, "microphone": false},
		},
		MeshAccess:       MeshAccess{Allow: []string{}, Deny: []string{}},
		Limits:           Limits{PerNodeRPM: 60, PerMeshRPM: 600},
		RequireTokenAuth: true,
	}
}

var knownKeys = map[string]struct{}{
	"config_version": {}, "share": {}, "mesh_access": {},
	"limits": {}, "require_token_auth": {},
}

// LoadConfig reads and validates the approval file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, core.WrapErr(core.CodeValidation, err, "approval config %s", path)
	}
	return cfg, nil
}

// ParseConfig decodes approval YAML over the defaults. Unknown
// top-level keys are rejected so a typo can never silently widen
// access.
func ParseConfig(raw []byte) (*Config, error) {
	var top map[string]any
	if err := yaml.Unmarshal(raw, &top); err != nil {
		return nil, core.WrapErr(core.CodeValidation, err, "unparseable yaml")
	}
	for k := range top {
		if _, ok := knownKeys[k]; !ok {
			return nil, core.Errorf(core.CodeValidation, "unknown key %q", k)
		}
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, core.WrapErr(core.CodeValidation, err, "unparseable yaml")
	}
	if cfg.ConfigVersion == 0 {
		cfg.ConfigVersion = CurrentVersion
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EncodeConfig renders the policy as YAML after validating it.
func EncodeConfig(cfg *Config) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, core.WrapErr(core.CodeValidation, err, "encode approval config")
	}
	return b, nil
}

// SaveConfig writes the policy with owner-only permissions.
func SaveConfig(path string, cfg *Config) error {
	b, err := EncodeConfig(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Validate compiles every glob so a broken pattern fails at load, not
// at decision time.
func (c *Config) Validate() error {
	if c.ConfigVersion != CurrentVersion {
		return core.Errorf(core.CodeValidation, "approval config version %d unsupported (want %d)", c.ConfigVersion, CurrentVersion)
	}
	for _, pattern := range c.Share.Models {
		if _, err := glob.Compile(pattern); err != nil {
			return core.WrapErr(core.CodeValidation, err, "share.models pattern %q", pattern)
		}
	}
	for _, pattern := range c.MeshAccess.Allow {
		if _, err := glob.Compile(pattern); err != nil {
			return core.WrapErr(core.CodeValidation, err, "mesh_access.allow pattern %q", pattern)
		}
	}
	for _, pattern := range c.MeshAccess.Deny {
		if _, err := glob.Compile(pattern); err != nil {
			return core.WrapErr(core.CodeValidation, err, "mesh_access.deny pattern %q", pattern)
		}
	}
	if c.Limits.PerNodeRPM < 0 || c.Limits.PerMeshRPM < 0 {
		return core.Errorf(core.CodeValidation, "limits must not be negative")
	}
	return nil
}
