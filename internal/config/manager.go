package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantOverrides carries the subset of settings a tenant may negotiate
// away from the global defaults.
type TenantOverrides struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Outbound  OutboundConfig  `yaml:"outbound"`
}

// TenantsConfig holds map of tenant overrides
type TenantsConfig struct {
	Tenants map[string]TenantOverrides `yaml:"tenants"`
}

// Manager handles dynamic configuration resolution
type Manager struct {
	global  *Config
	tenants map[string]TenantOverrides
	mu      sync.RWMutex
}

// NewManager wraps the global config with tenant overrides loaded from
// tenantsPath. A missing file just means no overrides.
func NewManager(global *Config, tenantsPath string) (*Manager, error) {
	m := &Manager{global: global, tenants: make(map[string]TenantOverrides)}
	if tenantsPath == "" {
		return m, nil
	}

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}
	if tc.Tenants != nil {
		m.tenants = tc.Tenants
	}
	return m, nil
}

// Get returns the effective config for a tenant.
// It merges tenant overrides on top of the global config.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.global

	override, ok := m.tenants[tenantID]
	if !ok {
		return &effective
	}

	if override.RateLimit.WindowSeconds != 0 {
		effective.RateLimit.WindowSeconds = override.RateLimit.WindowSeconds
	}
	if len(override.RateLimit.Plans) > 0 {
		merged := make(map[string]int, len(effective.RateLimit.Plans))
		for plan, limit := range effective.RateLimit.Plans {
			merged[plan] = limit
		}
		for plan, limit := range override.RateLimit.Plans {
			merged[plan] = limit
		}
		effective.RateLimit.Plans = merged
	}

	if override.Outbound.TimeoutSeconds != 0 {
		effective.Outbound.TimeoutSeconds = override.Outbound.TimeoutSeconds
	}
	if override.Outbound.MaxBodyBytes != 0 {
		effective.Outbound.MaxBodyBytes = override.Outbound.MaxBodyBytes
	}
	if override.Outbound.PerResourceHourly != 0 {
		effective.Outbound.PerResourceHourly = override.Outbound.PerResourceHourly
	}

	return &effective
}
