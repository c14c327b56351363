package config

// RoomServer is C3-C8's configuration: its own storage connection plus a
// pointer back to Global, the same "Matrix *Global `yaml:"-"`" wiring the
// teacher's per-component config structs use so a component never needs a
// separate copy of server-wide settings threaded through by hand.
type RoomServer struct {
	Matrix *Global `yaml:"-"`

	Database DatabaseOptions `yaml:"database"`
}

func (c *RoomServer) Defaults(opts DefaultOpts) {
	c.Database.Defaults()
}

func (c *RoomServer) Verify(configErrs *ConfigErrors) {
	c.Database.Verify(configErrs)
}
