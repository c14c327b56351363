package config

// FederationAPI is C9's configuration.
type FederationAPI struct {
	Matrix *Global `yaml:"-"`

	Database DatabaseOptions `yaml:"database"`

	// DisableTLSValidation is loaded from the config file but is not read
	// by any component; certificate verification is unaffected by it.
	DisableTLSValidation bool `yaml:"disable_tls_validation"`

	// SendMaxRetries is loaded and defaulted to 16 but is not read by the
	// federation queue, which bounds retries with its own
	// backedOffThreshold constant.
	SendMaxRetries int `yaml:"send_max_retries"`
}

func (c *FederationAPI) Defaults(opts DefaultOpts) {
	c.Database.Defaults()
	if c.SendMaxRetries == 0 {
		c.SendMaxRetries = 16
	}
}

func (c *FederationAPI) Verify(configErrs *ConfigErrors) {
	c.Database.Verify(configErrs)
}
