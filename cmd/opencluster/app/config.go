package app

import (
	"flag"
	"fmt"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/server"

	"github.com/opencluster/opencluster/modules/cluster"
)

// Config is the root config for App: one flat struct of globals plus one
// nested Config per module.
type Config struct {
	Target        string        `yaml:"target,omitempty"`
	ShutdownDelay time.Duration `yaml:"shutdown_delay,omitempty"`

	Server  server.Config  `yaml:"server,omitempty"`
	Cluster cluster.Config `yaml:"cluster,omitempty"`
}

// NewDefaultConfig returns a Config with every flag's default applied,
// used by the /status/config?mode=defaults endpoint.
func NewDefaultConfig() *Config {
	defaultConfig := &Config{}
	defaultFS := flag.NewFlagSet("", flag.PanicOnError)
	defaultConfig.RegisterFlagsAndApplyDefaults("", defaultFS)
	return defaultConfig
}

// RegisterFlagsAndApplyDefaults registers Config's fields on f under the
// given prefix.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = SingleBinary
	f.StringVar(&c.Target, "target", SingleBinary, "target module")
	f.DurationVar(&c.ShutdownDelay, "shutdown-delay", 0, "how long to wait between SIGTERM and shutdown, reporting not-ready via /ready during the delay")

	flagext.DefaultValues(&c.Server)
	c.Server.LogLevel.RegisterFlags(f)
	f.IntVar(&c.Server.HTTPListenPort, "server.http-listen-port", 9000, "HTTP server listen port")
	// opencluster has no gRPC surface of its own; the cluster wire protocol
	// runs on its own TCP listener (cluster.listen-addr), not on this server.
	c.Server.GRPCListenPort = 0

	c.Cluster.RegisterFlagsAndApplyDefaults("cluster.", f)
}

// CheckConfig warns on suspect configurations without failing startup.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if err := c.Cluster.Validate(); err != nil {
		warnings = append(warnings, ConfigWarning{
			Message: err.Error(),
			Explain: "cluster config failed validation; the node will refuse to start",
		})
	}

	if c.Cluster.TransitMax > 256 {
		warnings = append(warnings, warnLargeTransitMax)
	}

	return warnings
}

// ConfigWarning bundles a message and an optional explanation.
type ConfigWarning struct {
	Message string
	Explain string
}

var warnLargeTransitMax = ConfigWarning{
	Message: "cluster.transit-max is unusually large",
	Explain: fmt.Sprintf("values above %d in-flight SYNC items per migration rarely help and increase memory pressure during rebalance", 256),
}
