// Package config assembles node startup parameters. Sources apply in order,
// later ones winning: defaults, an optional TOML file, the environment, and
// command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/dps_jitter/src/api/transport"
)

var ErrInvalidConfig = errors.New("invalid config")

// Environment variables read by FromEnv.
const (
	EnvNodeID          = "NODE_ID"
	EnvProgramName     = "PROGRAM_NAME"
	EnvPeerNodes       = "PEER_NODES"
	EnvDropRate        = "DROP_RATE"
	EnvDelayMs         = "DELAY_MS"
	EnvListenAddr      = "LISTEN_ADDR"
	EnvMonitorEndpoint = "MONITOR_ENDPOINT"
	EnvMonitorMQTT     = "MONITOR_MQTT"
	EnvNodeConfig      = "NODE_CONFIG"
)

// NodeConfig holds everything a single node needs to start.
type NodeConfig struct {
	NodeID          string            `toml:"node_id"`
	ProgramName     string            `toml:"program_name"`
	Peers           []string          `toml:"peer_nodes"`
	DropRate        float64           `toml:"drop_rate"`
	DelayMs         int64             `toml:"delay_ms"`
	ListenAddr      string            `toml:"listen_addr"`
	MonitorEndpoint string            `toml:"monitor_endpoint"` // host:port of the HTTP monitor, optional
	MonitorMQTT     string            `toml:"monitor_mqtt"`     // broker URL, optional
	Addresses       map[string]string `toml:"addresses"`        // identity -> host:port overrides
}

func Default() NodeConfig {
	return NodeConfig{
		ListenAddr: ":" + transport.DefaultPort,
	}
}

func (c NodeConfig) Delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}

// Transport returns the transport settings derived from c.
func (c NodeConfig) Transport() transport.Config {
	tc := transport.DefaultConfig(c.NodeID)
	tc.Address = c.ListenAddr
	tc.DropRate = c.DropRate
	tc.Delay = c.Delay()
	return tc
}

// Validate checks ranges and, when known is non-nil, the program name.
func (c NodeConfig) Validate(known func(string) bool) error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("node id is required"))
	}
	if c.ProgramName == "" {
		errs = append(errs, errors.New("program name is required"))
	} else if known != nil && !known(c.ProgramName) {
		errs = append(errs, fmt.Errorf("unknown program %q", c.ProgramName))
	}
	if c.DropRate < 0 || c.DropRate > 1 {
		errs = append(errs, fmt.Errorf("drop rate %v outside [0,1]", c.DropRate))
	}
	if c.DelayMs < 0 {
		errs = append(errs, fmt.Errorf("negative delay %dms", c.DelayMs))
	}
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// LoadFile overlays the keys present in the TOML file at path onto c.
func LoadFile(path string, c NodeConfig) (NodeConfig, error) {
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return c, nil
}

// FromEnv overlays every set variable onto c.
func FromEnv(c NodeConfig, getenv func(string) string) (NodeConfig, error) {
	if v := getenv(EnvNodeID); v != "" {
		c.NodeID = v
	}
	if v := getenv(EnvProgramName); v != "" {
		c.ProgramName = v
	}
	if v := getenv(EnvPeerNodes); v != "" {
		c.Peers = SplitPeers(v)
	}
	if v := getenv(EnvDropRate); v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return c, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, EnvDropRate, v, err)
		}
		c.DropRate = f
	}
	if v := getenv(EnvDelayMs); v != "" {
		d, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return c, fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, EnvDelayMs, v, err)
		}
		c.DelayMs = d
	}
	if v := getenv(EnvListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := getenv(EnvMonitorEndpoint); v != "" {
		c.MonitorEndpoint = v
	}
	if v := getenv(EnvMonitorMQTT); v != "" {
		c.MonitorMQTT = v
	}
	return c, nil
}

// SplitPeers parses a comma-separated peer list, dropping blanks.
func SplitPeers(s string) []string {
	var peers []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

// Load builds a NodeConfig from every source and validates it. The config
// file comes from --config, falling back to $NODE_CONFIG.
func Load(args []string, getenv func(string) string, known func(string) bool) (NodeConfig, error) {
	fs := flag.NewFlagSet("node", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		file     = fs.String("config", "", "TOML node config file")
		id       = fs.String("id", "", "node identity")
		program  = fs.String("program", "", "program name")
		peers    = fs.String("peers", "", "comma-separated peer identities")
		drop     = fs.Float64("drop", -1, "drop rate in [0,1]")
		delay    = fs.Int64("delay-ms", -1, "nominal delay in milliseconds")
		listen   = fs.String("listen", "", "listen address")
		monitor  = fs.String("monitor", "", "HTTP monitor host:port")
		mqttAddr = fs.String("mqtt", "", "MQTT broker URL for reports")
	)
	if err := fs.Parse(args); err != nil {
		return NodeConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	c := Default()
	path := *file
	if path == "" {
		path = getenv(EnvNodeConfig)
	}
	var err error
	if path != "" {
		if c, err = LoadFile(path, c); err != nil {
			return c, err
		}
	}
	if c, err = FromEnv(c, getenv); err != nil {
		return c, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["id"] {
		c.NodeID = *id
	}
	if set["program"] {
		c.ProgramName = *program
	}
	if set["peers"] {
		c.Peers = SplitPeers(*peers)
	}
	if set["drop"] {
		c.DropRate = *drop
	}
	if set["delay-ms"] {
		c.DelayMs = *delay
	}
	if set["listen"] {
		c.ListenAddr = *listen
	}
	if set["monitor"] {
		c.MonitorEndpoint = *monitor
	}
	if set["mqtt"] {
		c.MonitorMQTT = *mqttAddr
	}

	return c, c.Validate(known)
}
