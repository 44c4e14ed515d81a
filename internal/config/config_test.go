package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.False(t, cfg.IsProduction())
	assert.Equal(t, 100, cfg.RateLimit.Plans["free"])
	assert.Equal(t, 500, cfg.RateLimit.Plans["pro"])
	assert.Equal(t, 2000, cfg.RateLimit.Plans["enterprise"])
	assert.Equal(t, int64(5*1024*1024), cfg.Outbound.MaxBodyBytes)
	assert.Equal(t, "memory", cfg.Audit.Backend)
}

func TestLoadEnvOverlay(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("ENV", "production")
	t.Setenv("TRUSTED_PROXY_CIDRS", "10.0.0.0/8, 172.16.0.0/12")
	t.Setenv("AUDIT_BACKEND", "postgres")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "120")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, []string{"10.0.0.0/8", "172.16.0.0/12"}, cfg.Server.TrustedProxyCIDRs)
	assert.Equal(t, "postgres", cfg.Audit.Backend)
	assert.Equal(t, 120, cfg.RateLimit.WindowSeconds)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "server:\n  port: \"7070\"\n  region: eu-west-1\nrate_limit:\n  window_seconds: 30\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "eu-west-1", cfg.Server.Region)
	assert.Equal(t, 30, cfg.RateLimit.WindowSeconds)
	// Untouched sections keep their defaults.
	assert.Equal(t, 2000, cfg.RateLimit.Plans["enterprise"])
}

func TestLoadMissingFileIsFine(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestValidation(t *testing.T) {
	t.Setenv("AUDIT_BACKEND", "carrier-pigeon")
	_, err := Load("")
	assert.Error(t, err)
}

func TestSpannerDatabasePath(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.SpannerDatabasePath())

	cfg.Audit.SpannerProjectID = "p"
	cfg.Audit.SpannerInstanceID = "i"
	cfg.Audit.SpannerDatabaseID = "d"
	assert.Equal(t, "projects/p/instances/i/databases/d", cfg.SpannerDatabasePath())
}

func TestManagerTenantOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenants.yaml")
	body := `tenants:
  acme-corp:
    rate_limit:
      plans:
        enterprise: 5000
    outbound:
      per_resource_hourly: 250
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	mgr, err := NewManager(Default(), path)
	require.NoError(t, err)

	t.Run("override applies to the named tenant", func(t *testing.T) {
		eff := mgr.Get("acme-corp")
		assert.Equal(t, 5000, eff.RateLimit.Plans["enterprise"])
		assert.Equal(t, 100, eff.RateLimit.Plans["free"], "unset plans keep global values")
		assert.Equal(t, 250, eff.Outbound.PerResourceHourly)
		assert.Equal(t, 30, eff.Outbound.TimeoutSeconds)
	})

	t.Run("other tenants see globals", func(t *testing.T) {
		eff := mgr.Get("someone-else")
		assert.Equal(t, 2000, eff.RateLimit.Plans["enterprise"])
		assert.Equal(t, 100, eff.Outbound.PerResourceHourly)
	})
}

func TestManagerMissingTenantsFile(t *testing.T) {
	mgr, err := NewManager(Default(), "/nonexistent/tenants.yaml")
	require.NoError(t, err)
	assert.Equal(t, 2000, mgr.Get("anyone").RateLimit.Plans["enterprise"])
}
