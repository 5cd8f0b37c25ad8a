package pool

import "sync"

// EvictionConfig carries the timing thresholds an EvictionPolicy needs
// to judge a single idle candidate (§3/§4.3). Non-positive thresholds
// are treated as infinite (the associated check never fires).
type EvictionConfig struct {
	IdleEvictTime     int64
	IdleSoftEvictTime int64
	MinIdle           int
}

// EvictionPolicy is a pure decision function over one idle candidate,
// replaceable by user-supplied implementations (§4.3).
type EvictionPolicy interface {
	Evict(config *EvictionConfig, underTest *PooledObject, idleCount int) bool
}

// DefaultEvictionPolicy implements the rule in §4.3: evict if idle time
// exceeds the hard threshold, or exceeds the soft threshold while idle
// count is above the minIdle floor.
type DefaultEvictionPolicy struct{}

func (DefaultEvictionPolicy) Evict(config *EvictionConfig, underTest *PooledObject, idleCount int) bool {
	idleTime := underTest.GetIdleTimeMillis()

	if config.IdleEvictTime > 0 && idleTime > config.IdleEvictTime {
		return true
	}
	if config.IdleSoftEvictTime > 0 && idleTime > config.IdleSoftEvictTime && idleCount > config.MinIdle {
		return true
	}
	return false
}

// DEFAULT_EVICTION_POLICY_NAME is the registry key DefaultEvictionPolicy
// is registered under, and the fallback used when a configured name is
// unknown.
const DEFAULT_EVICTION_POLICY_NAME = "default"

var (
	evictionPolicyRegistryMu sync.RWMutex
	evictionPolicyRegistry   = map[string]EvictionPolicy{
		DEFAULT_EVICTION_POLICY_NAME: DefaultEvictionPolicy{},
	}
)

// RegisterEvictionPolicy makes a named policy available for selection
// via ObjectPoolConfig.EvictionPolicyName, replacing §9's reflective
// class-name loading with a plain string-keyed registry plus a
// type-safe constructor (ObjectPoolConfig.EvictionPolicy) for callers
// that already hold a value.
func RegisterEvictionPolicy(name string, policy EvictionPolicy) {
	evictionPolicyRegistryMu.Lock()
	defer evictionPolicyRegistryMu.Unlock()
	evictionPolicyRegistry[name] = policy
}

// GetEvictionPolicy looks up a registered policy by name, returning nil
// if none is registered under that name.
func GetEvictionPolicy(name string) EvictionPolicy {
	evictionPolicyRegistryMu.RLock()
	defer evictionPolicyRegistryMu.RUnlock()
	return evictionPolicyRegistry[name]
}
