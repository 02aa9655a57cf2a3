package config

import (
	"os"
	"strconv"
)

// Environment overrides, applied on top of the loaded file. Flags in
// cmd/ apply on top of these, so precedence is flags > env > file.
const (
	EnvAPIListen       = "ATMOSPHERE_API_LISTEN"
	EnvTransportListen = "ATMOSPHERE_TRANSPORT_LISTEN"
	EnvRelayURL        = "ATMOSPHERE_RELAY_URL"
	EnvDisplayName     = "ATMOSPHERE_DISPLAY_NAME"
	EnvAdvertiseLocal  = "ATMOSPHERE_ADVERTISE_LOCAL"
	EnvAdvertisePublic = "ATMOSPHERE_ADVERTISE_PUBLIC"
	EnvGossipTTL       = "ATMOSPHERE_GOSSIP_TTL"
	EnvOllamaURL       = "ATMOSPHERE_OLLAMA_URL"
)

// ApplyEnv merges recognized environment variables over c.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvAPIListen); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv(EnvTransportListen); v != "" {
		c.Transport.Listen = v
	}
	if v := os.Getenv(EnvRelayURL); v != "" {
		c.Transport.RelayURL = v
	}
	if v := os.Getenv(EnvDisplayName); v != "" {
		c.Node.DisplayName = v
	}
	if v := os.Getenv(EnvAdvertiseLocal); v != "" {
		c.Transport.AdvertiseLocal = v
	}
	if v := os.Getenv(EnvAdvertisePublic); v != "" {
		c.Transport.AdvertisePublic = v
	}
	if v := os.Getenv(EnvGossipTTL); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Gossip.TTL = n
		}
	}
	if v := os.Getenv(EnvOllamaURL); v != "" {
		c.Providers.OllamaURL = v
	}
}
