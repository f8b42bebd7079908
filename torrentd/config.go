// Package torrentd supervises a single torrent end to end: storage, the
// swarm, tracker announces, DHT/LSD/PEX discovery, and the lifecycle state
// machine external callers observe, adapted from torrent.Config and
// scheduler.scheduler's lifecycle-owning shape.
package torrentd

import (
	"time"

	"github.com/riftwire/torrent/metrics"
	"github.com/riftwire/torrent/ratelimit"
	"github.com/riftwire/torrent/swarm"
)

// Config is a single torrent's full runtime configuration.
type Config struct {
	Swarm        swarm.Config     `yaml:"swarm"`
	Down         ratelimit.Config `yaml:"down"`
	Up           ratelimit.Config `yaml:"up"`
	EnableDHT    bool             `yaml:"enable_dht"`
	EnableLSD    bool             `yaml:"enable_lsd"`
	EnablePEX    bool             `yaml:"enable_pex"`
	ListenPort   int              `yaml:"listen_port"`
	DHTLookupTTL time.Duration    `yaml:"dht_lookup_ttl"`
	Metrics      metrics.Config   `yaml:"metrics"`
}

func (c Config) applyDefaults() Config {
	if c.ListenPort == 0 {
		c.ListenPort = 6881
	}
	if c.DHTLookupTTL == 0 {
		c.DHTLookupTTL = 10 * time.Second
	}
	return c
}
