// Package metrics constructs the tally.Scope a torrentd process reports
// throughput, swarm, and discovery counters through, adapted from
// metrics.New's pluggable-backend factory registry to a two-backend
// (disabled/statsd) subset of the original reporters.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/uber-go/tally"
)

// Config selects and configures a metrics backend.
type Config struct {
	Backend string       `yaml:"backend"`
	Statsd  StatsdConfig `yaml:"statsd"`
}

// StatsdConfig configures the statsd backend.
type StatsdConfig struct {
	HostPort string `yaml:"host_port"`
	Prefix   string `yaml:"prefix"`
}

type scopeFactory func(Config) (tally.Scope, io.Closer, error)

var scopeFactories = map[string]scopeFactory{
	"disabled": newDisabledScope,
	"statsd":   newStatsdScope,
}

// New creates a tally.Scope from config. An empty Backend disables metrics.
func New(config Config) (tally.Scope, io.Closer, error) {
	if config.Backend == "" {
		config.Backend = "disabled"
	}
	f, ok := scopeFactories[config.Backend]
	if !ok {
		return nil, nil, fmt.Errorf("metrics: backend %q not registered", config.Backend)
	}
	return f(config)
}

func newDisabledScope(Config) (tally.Scope, io.Closer, error) {
	s, c := tally.NewRootScope(tally.ScopeOptions{
		Reporter: disabledReporter{},
	}, time.Second)
	return s, c, nil
}

type disabledReporter struct{}

func (r disabledReporter) ReportCounter(string, map[string]string, int64)       {}
func (r disabledReporter) ReportGauge(string, map[string]string, float64)       {}
func (r disabledReporter) ReportTimer(string, map[string]string, time.Duration) {}
func (r disabledReporter) ReportHistogramValueSamples(
	string, map[string]string, tally.Buckets, float64, float64, int64) {
}
func (r disabledReporter) ReportHistogramDurationSamples(
	string, map[string]string, tally.Buckets, time.Duration, time.Duration, int64) {
}
func (r disabledReporter) Capabilities() tally.Capabilities { return r }
func (r disabledReporter) Reporting() bool                  { return true }
func (r disabledReporter) Tagging() bool                    { return false }
func (r disabledReporter) Flush()                           {}
