package pool

import "oss.nandlabs.io/golly/config"

// ObjectPoolConfig holds every tunable recognized by a single-shape
// ObjectPool (§6). Field names mirror the option table so
// ConfigFromProperties can map keys one-to-one.
type ObjectPoolConfig struct {
	MaxTotal int
	MaxIdle  int
	MinIdle  int

	Lifo      bool
	Fairness  bool

	MaxWaitMillis      int64
	BlockWhenExhausted bool

	TestOnCreate bool
	TestOnBorrow bool
	TestOnReturn bool
	TestWhileIdle bool

	TimeBetweenEvictionRunsMillis int64
	NumTestsPerEvictionRun        int
	MinEvictableIdleTimeMillis    int64
	SoftMinEvictableIdleTimeMillis int64

	EvictionPolicyName string
	EvictionPolicy     EvictionPolicy
}

// NewDefaultPoolConfig returns the defaults listed in §6's option table.
func NewDefaultPoolConfig() *ObjectPoolConfig {
	return &ObjectPoolConfig{
		MaxTotal:                       8,
		MaxIdle:                        8,
		MinIdle:                        0,
		Lifo:                           true,
		Fairness:                       false,
		MaxWaitMillis:                  -1,
		BlockWhenExhausted:             true,
		TestOnCreate:                   false,
		TestOnBorrow:                   false,
		TestOnReturn:                   false,
		TestWhileIdle:                  false,
		TimeBetweenEvictionRunsMillis:  -1,
		NumTestsPerEvictionRun:         3,
		MinEvictableIdleTimeMillis:     30 * 60 * 1000,
		SoftMinEvictableIdleTimeMillis: -1,
		EvictionPolicyName:             DEFAULT_EVICTION_POLICY_NAME,
	}
}

// ConfigFromProperties builds an ObjectPoolConfig by reading recognized
// keys from a golly config.Configuration (e.g. config.Properties loaded
// from a .properties file, or config.MapAttributes built in-process),
// falling back to NewDefaultPoolConfig's defaults for any key that is
// absent. This is the repo's configuration ambient stack (SPEC_FULL.md):
// tuning a pool from an external file reuses the same mechanism the
// rest of a golly-based host application already uses, instead of a
// bespoke flag/env parser.
func ConfigFromProperties(cfg config.Configuration) *ObjectPoolConfig {
	c := NewDefaultPoolConfig()
	if cfg == nil {
		return c
	}

	c.MaxTotal, _ = cfg.GetAsInt("pool.maxTotal", c.MaxTotal)
	c.MaxIdle, _ = cfg.GetAsInt("pool.maxIdle", c.MaxIdle)
	c.MinIdle, _ = cfg.GetAsInt("pool.minIdle", c.MinIdle)
	c.Lifo, _ = cfg.GetAsBool("pool.lifo", c.Lifo)
	c.Fairness, _ = cfg.GetAsBool("pool.fairness", c.Fairness)
	c.MaxWaitMillis, _ = cfg.GetAsInt64("pool.maxWaitMillis", c.MaxWaitMillis)
	c.BlockWhenExhausted, _ = cfg.GetAsBool("pool.blockWhenExhausted", c.BlockWhenExhausted)
	c.TestOnCreate, _ = cfg.GetAsBool("pool.testOnCreate", c.TestOnCreate)
	c.TestOnBorrow, _ = cfg.GetAsBool("pool.testOnBorrow", c.TestOnBorrow)
	c.TestOnReturn, _ = cfg.GetAsBool("pool.testOnReturn", c.TestOnReturn)
	c.TestWhileIdle, _ = cfg.GetAsBool("pool.testWhileIdle", c.TestWhileIdle)
	c.TimeBetweenEvictionRunsMillis, _ = cfg.GetAsInt64("pool.timeBetweenEvictionRunsMillis", c.TimeBetweenEvictionRunsMillis)
	c.NumTestsPerEvictionRun, _ = cfg.GetAsInt("pool.numTestsPerEvictionRun", c.NumTestsPerEvictionRun)
	c.MinEvictableIdleTimeMillis, _ = cfg.GetAsInt64("pool.minEvictableIdleTimeMillis", c.MinEvictableIdleTimeMillis)
	c.SoftMinEvictableIdleTimeMillis, _ = cfg.GetAsInt64("pool.softMinEvictableIdleTimeMillis", c.SoftMinEvictableIdleTimeMillis)
	c.EvictionPolicyName = cfg.Get("pool.evictionPolicyName", c.EvictionPolicyName)
	return c
}

// KeyedObjectPoolConfig holds the keyed-pool additions from §6, reusing
// ObjectPoolConfig for everything shared between the two shapes.
type KeyedObjectPoolConfig struct {
	ObjectPoolConfig
	MaxTotalPerKey int
	MinIdlePerKey  int
}

// NewDefaultKeyedPoolConfig returns the keyed-mode defaults: maxTotal is
// unlimited by default in keyed mode per §6.
func NewDefaultKeyedPoolConfig() *KeyedObjectPoolConfig {
	base := NewDefaultPoolConfig()
	base.MaxTotal = -1
	return &KeyedObjectPoolConfig{
		ObjectPoolConfig: *base,
		MaxTotalPerKey:   8,
		MinIdlePerKey:    0,
	}
}

// KeyedConfigFromProperties is the keyed-pool counterpart of
// ConfigFromProperties, additionally reading the per-key keys.
func KeyedConfigFromProperties(cfg config.Configuration) *KeyedObjectPoolConfig {
	base := ConfigFromProperties(cfg)
	k := &KeyedObjectPoolConfig{ObjectPoolConfig: *base}
	if k.MaxTotal == 8 {
		// Caller didn't override maxTotal; keyed default is unlimited.
		k.MaxTotal = -1
	}
	k.MaxTotalPerKey = 8
	k.MinIdlePerKey = 0
	if cfg != nil {
		k.MaxTotalPerKey, _ = cfg.GetAsInt("pool.maxTotalPerKey", k.MaxTotalPerKey)
		k.MinIdlePerKey, _ = cfg.GetAsInt("pool.minIdlePerKey", k.MinIdlePerKey)
		k.MaxTotal, _ = cfg.GetAsInt("pool.maxTotal", k.MaxTotal)
	}
	return k
}
