package config

import "time"

// SyncAPI is C10's configuration.
type SyncAPI struct {
	Matrix *Global `yaml:"-"`

	Database DatabaseOptions `yaml:"database"`

	// RealIPHeader names a header carrying the requesting client's IP. It
	// is loaded from the config file but is not read by any component.
	RealIPHeader string `yaml:"real_ip_header"`
}

// Fulltext and search-indexing are explicitly out of scope (spec §1).

const maxSyncTimeout = 30 * time.Second

func (c *SyncAPI) Defaults(opts DefaultOpts) {
	c.Database.Defaults()
}

func (c *SyncAPI) Verify(configErrs *ConfigErrors) {
	c.Database.Verify(configErrs)
}

// MaxTimeout returns the 30s long-poll cap. Nothing calls it; the sync
// builder applies its own maxLongPollWaitMillis constant of the same value.
func (c *SyncAPI) MaxTimeout() time.Duration {
	return maxSyncTimeout
}
