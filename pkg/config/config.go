// Package config loads the master and client daemon configuration from
// the process environment, following the teacher's
// api/pkg/config.LoadServerConfig/LoadCliConfig shape: envconfig struct
// tags for defaults and env var names, with an optional .env file loaded
// first via godotenv.
package config

import (
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Network is the §6 network configuration shared by both daemons: the
// three listening ports and the bind address. Defaults match spec.md's
// "control 24800, input 24801, discovery 24802".
type Network struct {
	BindAddress   string `envconfig:"KVM_BIND_ADDRESS" default:"0.0.0.0"`
	ControlPort   uint16 `envconfig:"KVM_CONTROL_PORT" default:"24800"`
	InputPort     uint16 `envconfig:"KVM_INPUT_PORT" default:"24801"`
	DiscoveryPort uint16 `envconfig:"KVM_DISCOVERY_PORT" default:"24802"`
}

// Logging controls the ambient zerolog setup (level and format), kept as
// its own struct so both daemons share the same env var names.
type Logging struct {
	Level string `envconfig:"KVM_LOG_LEVEL" default:"info"`
	JSON  bool   `envconfig:"KVM_LOG_JSON" default:"false"`
}

// ServerConfig is the master daemon's (cmd/kvmd) configuration.
type ServerConfig struct {
	Network Network
	Logging Logging

	// HotkeyVK is the platform virtual-key code of the sharing-disable
	// double-tap hotkey. 0 disables the hotkey path entirely (the UI
	// toggle still works).
	HotkeyVK uint16 `envconfig:"KVM_HOTKEY_VK" default:"0"`

	// StateDir is where the default file-backed LayoutStore/ConfigStore/
	// PairingStore persist state, if the caller doesn't supply its own
	// capability implementations.
	StateDir string `envconfig:"KVM_STATE_DIR" default:"/var/lib/kvmd"`
}

// LoadServerConfig reads ServerConfig from the environment, loading a
// .env file first if one is present in the working directory.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()

	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// ClientConfig is the client daemon's (cmd/kvmc) configuration.
type ClientConfig struct {
	Network Network
	Logging Logging

	// MasterAddr is the stored master endpoint an already-paired client
	// dials directly (§4.5 "already-paired clients ... attempt direct
	// connection using the stored master endpoint"). Empty until pairing
	// completes once, after which the daemon persists it.
	MasterAddr string `envconfig:"KVM_MASTER_ADDR"`

	// ClientName is the human-readable name advertised in Announce and
	// shown on the master's pairing prompt.
	ClientName string `envconfig:"KVM_CLIENT_NAME"`

	StateDir string `envconfig:"KVM_STATE_DIR" default:"/var/lib/kvmc"`
}

// LoadClientConfig reads ClientConfig from the environment, loading a
// .env file first if one is present in the working directory.
func LoadClientConfig() (ClientConfig, error) {
	_ = godotenv.Load()

	var cfg ClientConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}
