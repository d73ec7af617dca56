// Package engine assembles the nexus data plane: configuration, the
// RPC surface, the child liveness monitor and the metrics exporter.
package engine

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v2"

	"github.com/openebs/mayastor/pkg/nexus"
	"github.com/openebs/mayastor/pkg/nexus/rebuild"
)

// Config of the engine process. Values load from an optional YAML file
// with environment variable overrides.
type Config struct {
	// RPCSocket is the unix socket path of the control surface.
	RPCSocket string `yaml:"rpcSocket" env:"MAYASTOR_RPC_SOCKET" env-default:"/var/tmp/mayastor.sock"`
	// StateDir holds the persisted nexus info records.
	StateDir string `yaml:"stateDir" env:"MAYASTOR_STATE_DIR" env-default:"/var/local/mayastor/state"`
	// MetricsAddr serves prometheus metrics; empty disables the exporter.
	MetricsAddr string `yaml:"metricsAddr" env:"MAYASTOR_METRICS_ADDR" env-default:":9502"`
	// APIVersion selects the control-surface error vocabulary, "v0" or "v1".
	APIVersion string `yaml:"apiVersion" env:"MAYASTOR_API_VERSION" env-default:"v1"`
	// ShareProtocols is the publish allow-list.
	ShareProtocols []string `yaml:"shareProtocols" env:"MAYASTOR_SHARE_PROTOCOLS" env-separator:"," env-default:"none,nvmf"`
	// RebuildSegmentKiB is the rebuild copy granularity in KiB.
	RebuildSegmentKiB uint64 `yaml:"rebuildSegmentKiB" env:"MAYASTOR_REBUILD_SEGMENT_KIB" env-default:"64"`
	// RebuildHistory caps the per-nexus rebuild history log.
	RebuildHistory int `yaml:"rebuildHistory" env:"MAYASTOR_REBUILD_HISTORY" env-default:"32"`
	// MonitorInterval is how often child backends are probed for
	// liveness; zero disables the monitor.
	MonitorInterval time.Duration `yaml:"monitorInterval" env:"MAYASTOR_MONITOR_INTERVAL" env-default:"5s"`
}

// Load reads the config file when path is non-empty, then applies
// environment overrides, then validates.
func Load(path string) (cfg Config, err error) {
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the cross-field constraints.
func (c *Config) Validate() error {
	if c.RPCSocket == "" {
		return fmt.Errorf("rpcSocket must be set")
	}
	if _, err := nexus.ParseAPIVersion(c.APIVersion); err != nil {
		return err
	}
	for _, p := range c.ShareProtocols {
		if _, err := nexus.ParseProtocol(p); err != nil {
			return err
		}
	}
	if c.RebuildSegmentKiB == 0 {
		return fmt.Errorf("rebuildSegmentKiB must be non-zero")
	}
	return nil
}

// SegmentBlocks converts the configured segment size to blocks of the
// given size, falling back to the rebuild default on a mismatch.
func (c *Config) SegmentBlocks(blockLen uint64) uint64 {
	if blockLen == 0 {
		return rebuild.DefaultSegmentBlocks
	}
	bytes := c.RebuildSegmentKiB * 1024
	if bytes%blockLen != 0 {
		return rebuild.DefaultSegmentBlocks
	}
	return bytes / blockLen
}

// Protocols parses the configured share allow-list.
func (c *Config) Protocols() (out []nexus.Protocol) {
	for _, p := range c.ShareProtocols {
		proto, err := nexus.ParseProtocol(p)
		if err != nil {
			continue
		}
		out = append(out, proto)
	}
	return out
}

// Example renders the default config as YAML.
func Example() (string, error) {
	cfg := Config{
		RPCSocket:         "/var/tmp/mayastor.sock",
		StateDir:          "/var/local/mayastor/state",
		MetricsAddr:       ":9502",
		APIVersion:        "v1",
		ShareProtocols:    []string{"none", "nvmf"},
		RebuildSegmentKiB: 64,
		RebuildHistory:    32,
		MonitorInterval:   5 * time.Second,
	}
	bs, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(bs), nil
}
