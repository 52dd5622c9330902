package logcfg

import (
	"os"
	"path/filepath"

	logs "github.com/danmuck/smplog"
)

const envConfigPath = "SMPLOG_CONFIG"

// Load returns the logging configuration shared by every binary.
func Load() logs.Config {
	return LoadFor("")
}

// LoadFor returns file-backed logging configuration for the named binary
// when available, otherwise defaults. A per-binary file wins over the
// shared one so a simulator can log more than the nodes it launches.
func LoadFor(binary string) logs.Config {
	for _, path := range Candidates(binary, os.Getenv(envConfigPath)) {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg
		}
	}
	return logs.DefaultConfig()
}

// Candidates lists config paths in the order they are tried.
func Candidates(binary, override string) []string {
	var paths []string
	if override != "" {
		paths = append(paths, override)
	}
	if binary != "" {
		paths = append(paths,
			filepath.Join(".", binary+".smplog.toml"),
			filepath.Join("local", binary+".smplog.toml"),
		)
	}
	return append(paths,
		filepath.Join(".", "smplog.config.toml"),
		filepath.Join("local", "smplog.config.toml"),
	)
}
