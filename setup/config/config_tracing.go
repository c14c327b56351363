package config

import (
	"bytes"
	"io"
	"io/ioutil"

	"github.com/sirupsen/logrus"
	jaegerconfig "github.com/uber/jaeger-client-go/config"
	jaegermetrics "github.com/uber/jaeger-lib/metrics"
)

// Tracing carries the jaeger client's own configuration struct directly,
// the same shallow wrapping the teacher uses, so the YAML schema for
// tracing is whatever jaeger-client-go already documents.
type Tracing struct {
	Enabled bool                       `yaml:"enabled"`
	Jaeger  jaegerconfig.Configuration `yaml:"jaeger"`
}

// SetupTracing installs serviceName's tracer as the opentracing global
// tracer, returning a closer that must be flushed on shutdown. When
// tracing is disabled it returns a no-op closer so callers don't need to
// branch on whether tracing is configured.
func (t *Tracing) SetupTracing(serviceName string) (io.Closer, error) {
	if !t.Enabled {
		return ioutil.NopCloser(bytes.NewReader(nil)), nil
	}
	return t.Jaeger.InitGlobalTracer(
		serviceName,
		jaegerconfig.Logger(logrusLogger{logrus.StandardLogger()}),
		jaegerconfig.Metrics(jaegermetrics.NullFactory),
	)
}

// logrusLogger adapts *logrus.Logger to jaeger's Logger interface.
type logrusLogger struct {
	l *logrus.Logger
}

func (l logrusLogger) Error(msg string) {
	l.l.Error(msg)
}

func (l logrusLogger) Infof(msg string, args ...interface{}) {
	l.l.Infof(msg, args...)
}
