package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfig_Defaults(t *testing.T) {
	for _, key := range []string{"KVM_BIND_ADDRESS", "KVM_CONTROL_PORT", "KVM_INPUT_PORT", "KVM_DISCOVERY_PORT", "KVM_HOTKEY_VK", "KVM_STATE_DIR"} {
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Network.BindAddress)
	assert.Equal(t, uint16(24800), cfg.Network.ControlPort)
	assert.Equal(t, uint16(24801), cfg.Network.InputPort)
	assert.Equal(t, uint16(24802), cfg.Network.DiscoveryPort)
	assert.Equal(t, uint16(0), cfg.HotkeyVK)
}

func TestLoadServerConfig_EnvOverridesDefault(t *testing.T) {
	require.NoError(t, os.Setenv("KVM_CONTROL_PORT", "9000"))
	defer os.Unsetenv("KVM_CONTROL_PORT")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, uint16(9000), cfg.Network.ControlPort)
}

func TestLoadClientConfig_Defaults(t *testing.T) {
	for _, key := range []string{"KVM_MASTER_ADDR", "KVM_CLIENT_NAME"} {
		require.NoError(t, os.Unsetenv(key))
	}

	cfg, err := LoadClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "", cfg.MasterAddr)
	assert.Equal(t, uint16(24800), cfg.Network.ControlPort)
}
