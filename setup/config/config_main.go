package config

import (
	"fmt"

	"gopkg.in/yaml.v2"
)

// HomeServer is the root of the config tree, mirroring the teacher's
// top-level Dendrite config struct: one section per component, loaded from
// a single YAML document.
type HomeServer struct {
	Version int `yaml:"version"`

	Global Global `yaml:"global"`

	RoomServer    RoomServer    `yaml:"room_server"`
	FederationAPI FederationAPI `yaml:"federation_api"`
	SyncAPI       SyncAPI       `yaml:"sync_api"`
}

// Load parses data as a HomeServer config, applies defaults to whatever the
// document left unset, wires each component's Matrix pointer back to the
// shared Global section, and verifies the result.
func Load(data []byte, opts DefaultOpts) (*HomeServer, error) {
	var c HomeServer
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	c.RoomServer.Matrix = &c.Global
	c.FederationAPI.Matrix = &c.Global
	c.SyncAPI.Matrix = &c.Global

	c.Global.Defaults(opts)
	c.RoomServer.Defaults(opts)
	c.FederationAPI.Defaults(opts)
	c.SyncAPI.Defaults(opts)

	var configErrs ConfigErrors
	c.Global.Verify(&configErrs)
	c.RoomServer.Verify(&configErrs)
	c.FederationAPI.Verify(&configErrs)
	c.SyncAPI.Verify(&configErrs)
	if !configErrs.IsEmpty() {
		return nil, configErrs
	}

	return &c, nil
}
