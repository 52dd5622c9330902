package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func known(name string) bool {
	return name == "echo_algorithm" || name == "leader_election"
}

func TestLoadFromEnv(t *testing.T) {
	cfg, err := Load(nil, envMap(map[string]string{
		EnvNodeID:          "node1",
		EnvProgramName:     "leader_election",
		EnvPeerNodes:       "node0, node2,,",
		EnvDropRate:        "0.2",
		EnvDelayMs:         "250",
		EnvMonitorEndpoint: "monitor:8080",
	}), known)
	require.NoError(t, err)
	require.Equal(t, "node1", cfg.NodeID)
	require.Equal(t, []string{"node0", "node2"}, cfg.Peers)
	require.Equal(t, 0.2, cfg.DropRate)
	require.Equal(t, 250*time.Millisecond, cfg.Delay())
	require.Equal(t, ":8888", cfg.ListenAddr)
	require.Equal(t, "monitor:8080", cfg.MonitorEndpoint)

	tc := cfg.Transport()
	require.Equal(t, "node1", tc.NodeID)
	require.Equal(t, 0.2, tc.DropRate)
	require.Equal(t, 250*time.Millisecond, tc.Delay)
	require.Equal(t, 10, tc.Backoff.Attempts)
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	file := `
node_id = "from-file"
program_name = "echo_algorithm"
peer_nodes = ["a", "b"]
delay_ms = 100
listen_addr = "127.0.0.1:9000"

[addresses]
a = "127.0.0.1:9001"
`
	require.NoError(t, os.WriteFile(path, []byte(file), 0o644))

	env := envMap(map[string]string{
		EnvNodeConfig: path,
		EnvNodeID:     "from-env",
		EnvDelayMs:    "200",
	})
	cfg, err := Load([]string{"--delay-ms", "300", "--peers", "c"}, env, known)
	require.NoError(t, err)

	require.Equal(t, "from-env", cfg.NodeID)
	require.Equal(t, "echo_algorithm", cfg.ProgramName)
	require.Equal(t, []string{"c"}, cfg.Peers)
	require.Equal(t, int64(300), cfg.DelayMs)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	require.Equal(t, "127.0.0.1:9001", cfg.Addresses["a"])
}

func TestValidate(t *testing.T) {
	valid := NodeConfig{NodeID: "n1", ProgramName: "echo_algorithm", ListenAddr: ":8888"}
	require.NoError(t, valid.Validate(known))

	tests := map[string]func(c *NodeConfig){
		"missing id":      func(c *NodeConfig) { c.NodeID = "" },
		"missing program": func(c *NodeConfig) { c.ProgramName = "" },
		"unknown program": func(c *NodeConfig) { c.ProgramName = "gossip" },
		"drop above one":  func(c *NodeConfig) { c.DropRate = 1.01 },
		"negative drop":   func(c *NodeConfig) { c.DropRate = -0.1 },
		"negative delay":  func(c *NodeConfig) { c.DelayMs = -5 },
		"no listen addr":  func(c *NodeConfig) { c.ListenAddr = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			if err := c.Validate(known); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	base := map[string]string{EnvNodeID: "n1", EnvProgramName: "echo_algorithm"}
	tests := map[string]struct {
		env  map[string]string
		args []string
	}{
		"drop not a number":  {env: map[string]string{EnvDropRate: "lots"}},
		"delay not a number": {env: map[string]string{EnvDelayMs: "1.5s"}},
		"unknown flag":       {args: []string{"--verbose"}},
		"missing file":       {args: []string{"--config", "/nonexistent/node.toml"}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			env := make(map[string]string)
			for k, v := range base {
				env[k] = v
			}
			for k, v := range tt.env {
				env[k] = v
			}
			_, err := Load(tt.args, envMap(env), known)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
