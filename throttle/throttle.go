// Package throttle gates outbound sends per tenant. A send node consults
// the gate before queuing its intent; a denied send is deferred, not
// dropped, so throttling only stretches a sequence out in time.
package throttle

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// TenantConfig defines the send rate for one tenant.
type TenantConfig struct {
	// TenantID is the tenant identifier.
	TenantID string

	// SendsPerSecond is the sustained outbound send rate. Zero or
	// negative means unlimited.
	SendsPerSecond float64

	// Burst is the burst size for the tenant's limiter. Defaults to 1
	// when a rate is set.
	Burst int
}

// Manager holds per-tenant send limiters. Tenants without an explicit
// config fall back to the default config, if any. Manager satisfies
// workflow.SendGate.
type Manager struct {
	mu         sync.Mutex
	tenants    map[string]*rate.Limiter
	defaultCfg *TenantConfig
}

// NewManager creates an empty throttle manager. Every tenant is
// unlimited until configured.
func NewManager() *Manager {
	return &Manager{tenants: make(map[string]*rate.Limiter)}
}

// SetTenantConfig configures the send rate for one tenant. Calling this
// again for the same tenant replaces the previous limiter, dropping any
// accumulated burst.
func (m *Manager) SetTenantConfig(cfg TenantConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[cfg.TenantID] = newLimiter(cfg)
}

// SetDefaultConfig sets the rate applied to tenants without an explicit
// config.
func (m *Manager) SetDefaultConfig(cfg TenantConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultCfg = &cfg
}

func newLimiter(cfg TenantConfig) *rate.Limiter {
	if cfg.SendsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), burst)
}

// AllowSend reports whether the tenant may send now, consuming one token
// when it may. AllowSend never blocks; the engine defers throttled sends
// to the next sweep.
func (m *Manager) AllowSend(_ context.Context, tenantID string) (bool, error) {
	m.mu.Lock()
	limiter, ok := m.tenants[tenantID]
	if !ok && m.defaultCfg != nil {
		cfg := *m.defaultCfg
		cfg.TenantID = tenantID
		limiter = newLimiter(cfg)
		m.tenants[tenantID] = limiter
	}
	m.mu.Unlock()

	if limiter == nil {
		return true, nil
	}
	return limiter.Allow(), nil
}
