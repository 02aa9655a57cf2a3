package config

import (
	"os"
	"path/filepath"
)

// EnvHome overrides the state directory, mainly for tests and for
// running several nodes on one machine.
const EnvHome = "ATMOSPHERE_HOME"

// Paths resolves everything the node persists under one directory.
type Paths struct {
	Home string
}

// DefaultPaths resolves ~/.atmosphere, honoring ATMOSPHERE_HOME.
func DefaultPaths() Paths {
	if h := os.Getenv(EnvHome); h != "" {
		return Paths{Home: h}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Paths{Home: filepath.Join(home, ".atmosphere")}
}

func (p Paths) IdentityKey() string    { return filepath.Join(p.Home, "identity.key") }
func (p Paths) ConfigFile() string     { return filepath.Join(p.Home, "config.yaml") }
func (p Paths) ApprovalFile() string   { return filepath.Join(p.Home, "approval.yaml") }
func (p Paths) RevokedFile() string    { return filepath.Join(p.Home, "tokens", "revoked.json") }
func (p Paths) EmbeddingCache() string { return filepath.Join(p.Home, "cache", "embeddings.bin") }
func (p Paths) AuditLog() string       { return filepath.Join(p.Home, "audit.log") }

// Ensure creates the state directory tree with owner-only perms.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.Home, filepath.Join(p.Home, "tokens"), filepath.Join(p.Home, "cache")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return nil
}
