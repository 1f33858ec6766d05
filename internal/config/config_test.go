package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// PROFILE LOADING TESTS
// ============================================================================

func TestLoad_DevelopmentDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Equal(t, 1000, cfg.Server.MaxConnections)
	assert.Equal(t, "json", cfg.Server.WireFormat)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, StorageModeDegraded, cfg.Storage.Mode)
	assert.Equal(t, 10000, cfg.Storage.MaxHistorySize)
	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, "arqonbus.telemetry", cfg.Telemetry.Room)
	assert.Equal(t, 60, cfg.RateLimit.PerMinute)
	assert.True(t, cfg.CASIL.Enabled)
	assert.Equal(t, CASILModeMonitor, cfg.CASIL.Mode)
	assert.False(t, cfg.Omega.Enabled, "experimental lane must be opt-in")
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("ARQONBUS_SERVER_HOST", "0.0.0.0")
	t.Setenv("ARQONBUS_SERVER_PORT", "9100")
	t.Setenv("ARQONBUS_STORAGE_BACKEND", "redis")
	t.Setenv("ARQONBUS_STORAGE_MODE", "strict")
	t.Setenv("ARQONBUS_REDIS_URL", "redis://10.0.0.5:6379/0")
	t.Setenv("ARQONBUS_CASIL_SCOPE_INCLUDE", "secure-*:*,ops:alerts")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:9100", cfg.ListenAddr())
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, StorageModeStrict, cfg.Storage.Mode)
	assert.Equal(t, "redis://10.0.0.5:6379/0", cfg.Redis.URL)
	assert.Equal(t, []string{"secure-*:*", "ops:alerts"}, cfg.CASIL.Scope.Include)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad port", map[string]string{"ARQONBUS_SERVER_PORT": "70000"}, "ARQONBUS_SERVER_PORT"},
		{"bad backend", map[string]string{"ARQONBUS_STORAGE_BACKEND": "sqlite"}, "ARQONBUS_STORAGE_BACKEND"},
		{"bad storage mode", map[string]string{"ARQONBUS_STORAGE_MODE": "lenient"}, "ARQONBUS_STORAGE_MODE"},
		{"bad environment", map[string]string{"ARQONBUS_ENVIRONMENT": "qa"}, "ARQONBUS_ENVIRONMENT"},
		{"bad wire format", map[string]string{"ARQONBUS_WIRE_FORMAT": "msgpack"}, "ARQONBUS_WIRE_FORMAT"},
		{"auth without secret", map[string]string{"ARQONBUS_ENABLE_AUTH": "true"}, "ARQONBUS_AUTH_SECRET"},
		{"bad casil mode", map[string]string{"ARQONBUS_CASIL_MODE": "audit"}, "ARQONBUS_CASIL_MODE"},
		{"bad casil fallback", map[string]string{"ARQONBUS_CASIL_DEFAULT_DECISION": "maybe"}, "ARQONBUS_CASIL_DEFAULT_DECISION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

// ============================================================================
// CASIL POLICY FILE OVERLAY TESTS
// ============================================================================

func TestApplyPolicyFile_MergesOverEnvironment(t *testing.T) {
	t.Setenv("ARQONBUS_CASIL_MODE", "monitor")
	t.Setenv("ARQONBUS_CASIL_MAX_INSPECT_BYTES", "1024")

	cfg, err := Load()
	require.NoError(t, err)

	policy := `
mode: enforce
scope:
  include: ["secure-*:*"]
  exclude: ["secure-sandbox:*"]
policies:
  max_payload_bytes: 4096
  redaction:
    paths: ["payload.credentials.token"]
    never_log_payload_for: ["secure-vault:*"]
`
	path := filepath.Join(t.TempDir(), "casil.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policy), 0o644))

	merged, err := cfg.CASIL.ApplyPolicyFile(path)
	require.NoError(t, err)

	// File wins where it speaks.
	assert.Equal(t, CASILModeEnforce, merged.Mode)
	assert.Equal(t, 4096, merged.Policies.MaxPayloadBytes)
	assert.Equal(t, []string{"secure-*:*"}, merged.Scope.Include)
	assert.Equal(t, []string{"payload.credentials.token"}, merged.Policies.Redaction.Paths)

	// Environment survives where the file is silent.
	assert.Equal(t, 1024, merged.Limits.MaxInspectBytes)
	assert.True(t, merged.Enabled)

	// The receiver stays untouched for atomic snapshot swapping.
	assert.Equal(t, CASILModeMonitor, cfg.CASIL.Mode)
}

func TestApplyPolicyFile_RejectsInvalidPolicy(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "casil.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: shadow\n"), 0o644))

	_, err = cfg.CASIL.ApplyPolicyFile(path)
	assert.Error(t, err)
}

func TestApplyPolicyFile_MissingFile(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	_, err = cfg.CASIL.ApplyPolicyFile("/nonexistent/casil.yaml")
	assert.Error(t, err)
}
