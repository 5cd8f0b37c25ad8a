package pool

import "oss.nandlabs.io/golly/config"

// AbandonedConfig controls the abandoned-object tracker (C6, §6).
type AbandonedConfig struct {
	RemoveAbandonedOnBorrow      bool
	RemoveAbandonedOnMaintenance bool
	RemoveAbandonedTimeout       int // seconds
	LogAbandoned                 bool
	RequireFullStackTrace        bool
	UseUsageTracking             bool
}

// NewDefaultAbandonedConfig returns a config with both sweep points
// disabled and the default 300s timeout from §6, so embedding an
// AbandonedConfig is a no-op until a caller opts in.
func NewDefaultAbandonedConfig() *AbandonedConfig {
	return &AbandonedConfig{
		RemoveAbandonedOnBorrow:      false,
		RemoveAbandonedOnMaintenance: false,
		RemoveAbandonedTimeout:       300,
		LogAbandoned:                 false,
		RequireFullStackTrace:        false,
		UseUsageTracking:             false,
	}
}

// AbandonedConfigFromProperties reads the abandoned-object tracker
// configuration from a golly config.Configuration, using the same
// ambient mechanism as ConfigFromProperties.
func AbandonedConfigFromProperties(cfg config.Configuration) *AbandonedConfig {
	c := NewDefaultAbandonedConfig()
	if cfg == nil {
		return c
	}
	c.RemoveAbandonedOnBorrow, _ = cfg.GetAsBool("pool.abandoned.removeOnBorrow", c.RemoveAbandonedOnBorrow)
	c.RemoveAbandonedOnMaintenance, _ = cfg.GetAsBool("pool.abandoned.removeOnMaintenance", c.RemoveAbandonedOnMaintenance)
	c.RemoveAbandonedTimeout, _ = cfg.GetAsInt("pool.abandoned.timeoutSeconds", c.RemoveAbandonedTimeout)
	c.LogAbandoned, _ = cfg.GetAsBool("pool.abandoned.logAbandoned", c.LogAbandoned)
	c.RequireFullStackTrace, _ = cfg.GetAsBool("pool.abandoned.requireFullStackTrace", c.RequireFullStackTrace)
	c.UseUsageTracking, _ = cfg.GetAsBool("pool.abandoned.useUsageTracking", c.UseUsageTracking)
	return c
}
