package cluster

import (
	"flag"
	"fmt"
	"time"
)

// Config holds every tunable named in spec §4.3/§4.4/§4.5: the timeouts
// driving the connection and rebalance timers, and the transit/ideal
// thresholds driving the Migration Engine and Rebalancer.
type Config struct {
	// ListenAddr is this node's own host:port, advertised in SERVERHELLO.
	ListenAddr string `yaml:"listen_addr"`
	// SeedAddrs are peers dialed at startup. Further peers join the
	// registry only when their SERVERHELLO arrives; HASHMASK_UPDATE pushes
	// do not add peers.
	SeedAddrs []string `yaml:"seed_addrs"`
	// InitialMaskBits seeds the HashMask as (1<<InitialMaskBits)-1.
	InitialMaskBits uint `yaml:"initial_mask_bits"`

	TimeoutConnect   time.Duration `yaml:"timeout_connect"`
	TimeoutNodeWait  time.Duration `yaml:"timeout_node_wait"`
	TimeoutLoadLevel time.Duration `yaml:"timeout_loadlevel"`
	TimeoutShutdown  time.Duration `yaml:"timeout_shutdown"`

	TransitMin int `yaml:"transit_min"`
	TransitMax int `yaml:"transit_max"`
	MinBuckets int `yaml:"min_buckets"`
}

// RegisterFlagsAndApplyDefaults registers Config's fields on f under the
// given prefix, applying defaults before any flag overlays them.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.ListenAddr = "127.0.0.1:9000"
	c.InitialMaskBits = 2
	c.TimeoutConnect = 5 * time.Second
	c.TimeoutNodeWait = 2 * time.Second
	c.TimeoutLoadLevel = 10 * time.Second
	c.TimeoutShutdown = 1 * time.Second
	c.TransitMin = 4
	c.TransitMax = 16
	c.MinBuckets = 4

	f.StringVar(&c.ListenAddr, prefix+"listen-addr", c.ListenAddr, "host:port this node advertises to peers")
	f.UintVar(&c.InitialMaskBits, prefix+"initial-mask-bits", c.InitialMaskBits, "starting hash-mask width in bits")
	f.DurationVar(&c.TimeoutConnect, prefix+"timeout.connect", c.TimeoutConnect, "time to wait for an outbound connect to settle")
	f.DurationVar(&c.TimeoutNodeWait, prefix+"timeout.node-wait", c.TimeoutNodeWait, "base delay between reconnect attempts to a peer")
	f.DurationVar(&c.TimeoutLoadLevel, prefix+"timeout.loadlevel", c.TimeoutLoadLevel, "period between LOADLEVELS polls of each active peer")
	f.DurationVar(&c.TimeoutShutdown, prefix+"timeout.shutdown", c.TimeoutShutdown, "cooperative shutdown retry tick")
	f.IntVar(&c.TransitMin, prefix+"transit-min", c.TransitMin, "in-flight migration items below which more work is fetched")
	f.IntVar(&c.TransitMax, prefix+"transit-max", c.TransitMax, "upper bound on in-flight migration items")
	f.IntVar(&c.MinBuckets, prefix+"min-buckets", c.MinBuckets, "ideal-per-node floor below which a mask split preempts migration")
}

// Validate checks the preconditions spec §4.5 asserts at startup
// (TRANSIT_MAX >= TRANSIT_MIN >= 0) plus the basic mask/address sanity the
// rest of the package assumes.
func (c *Config) Validate() error {
	if c.TransitMin < 0 {
		return fmt.Errorf("transit-min must be >= 0, got %d", c.TransitMin)
	}
	if c.TransitMax < c.TransitMin {
		return fmt.Errorf("transit-max (%d) must be >= transit-min (%d)", c.TransitMax, c.TransitMin)
	}
	if c.MinBuckets < 1 {
		return fmt.Errorf("min-buckets must be >= 1, got %d", c.MinBuckets)
	}
	if c.InitialMaskBits < 1 {
		return fmt.Errorf("initial-mask-bits must be >= 1, got %d", c.InitialMaskBits)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen-addr must not be empty")
	}
	return nil
}
