// Package config is a plain struct tree loaded from YAML, in the teacher's
// own setup/config shape: one struct per component, yaml tags for every
// field, a Defaults(opts) pass to fill in anything the file left unset, and
// a Verify(configErrs) pass that accumulates every problem found rather
// than failing on the first one.
package config

import (
	"fmt"
	"strings"
)

// ConfigErrors accumulates every problem Verify finds across the whole
// config tree, so a misconfigured homeserver reports everything wrong with
// it in one pass instead of one restart-edit-restart cycle per mistake.
type ConfigErrors []string

func (e *ConfigErrors) Add(msg string) {
	*e = append(*e, msg)
}

func (e ConfigErrors) Error() string {
	return strings.Join(e, "\n")
}

func (e ConfigErrors) IsEmpty() bool {
	return len(e) == 0
}

// DefaultOpts controls how Defaults fills in unset fields.
type DefaultOpts struct {
	// Generate is set when producing a fresh config file for a new
	// deployment, as opposed to filling gaps in one loaded from disk.
	Generate bool
}

// DatabaseOptions is the connection-string-plus-pool-size shape every
// storage-backed component's config embeds, matching
// `storage.Open(cfg.Database.ConnectionString)`'s dsn-dispatch
// ("postgres://..." vs everything else).
type DatabaseOptions struct {
	ConnectionString string `yaml:"connection_string"`
	MaxOpenConns     int    `yaml:"max_open_conns"`
	MaxIdleConns     int    `yaml:"max_idle_conns"`
}

func (d *DatabaseOptions) Defaults() {
	if d.MaxOpenConns == 0 {
		d.MaxOpenConns = 10
	}
	if d.MaxIdleConns == 0 {
		d.MaxIdleConns = 2
	}
}

func (d *DatabaseOptions) Verify(configErrs *ConfigErrors) {
	if d.ConnectionString == "" {
		configErrs.Add("database.connection_string is required")
	}
}

// Global holds the settings every component needs a copy of: the server's
// own name (used as the federation sender's Origin and the signing key's
// owning domain), and where its signing key lives.
type Global struct {
	ServerName     string `yaml:"server_name"`
	PrivateKeyPath string `yaml:"private_key_path"`
	KeyID          string `yaml:"key_id"`

	JetStream JetStream `yaml:"jetstream"`
	Tracing   Tracing   `yaml:"tracing"`
}

func (g *Global) Defaults(opts DefaultOpts) {
	if g.KeyID == "" {
		g.KeyID = "ed25519:auto"
	}
	g.JetStream.Defaults(opts)
}

func (g *Global) Verify(configErrs *ConfigErrors) {
	if g.ServerName == "" {
		configErrs.Add("global.server_name is required")
	}
	if g.PrivateKeyPath == "" {
		configErrs.Add("global.private_key_path is required")
	}
	g.JetStream.Verify(configErrs)
}

// JetStream configures the internal event bus each component dials into.
type JetStream struct {
	Addresses []string `yaml:"addresses"`
	// TopicPrefix namespaces subjects so more than one homeserver can
	// share a NATS deployment without their streams colliding.
	TopicPrefix string `yaml:"topic_prefix"`
}

func (j *JetStream) Defaults(opts DefaultOpts) {
	if len(j.Addresses) == 0 {
		j.Addresses = []string{"nats://localhost:4222"}
	}
}

func (j *JetStream) Verify(configErrs *ConfigErrors) {
	if len(j.Addresses) == 0 {
		configErrs.Add("global.jetstream.addresses must not be empty")
	}
}

// Prefixed namespaces a subject name under TopicPrefix, mirroring the
// teacher's cfg.Matrix.JetStream.Prefixed(...) calling convention used to
// build stream/subject names throughout the pack.
func (j *JetStream) Prefixed(subject string) string {
	if j.TopicPrefix == "" {
		return subject
	}
	return fmt.Sprintf("%s%s", j.TopicPrefix, subject)
}
