// Package config loads the optional operational tuning knobs the
// bridge specification leaves unspecified (journal directory, chunk
// size, listener backlog, acceptor idle timeout). None of these are
// required for spec conformance: every field defaults to exactly the
// behavior spec.md names when no config file is given.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds the knobs. JournalDir empty means "process working
// directory" per §6; ChunkSize and Backlog default to the reference
// values named in §4.1 and §4.5 respectively.
type Config struct {
	JournalDir  string        `toml:"journal_dir"`
	ChunkSize   int           `toml:"chunk_size"`
	Backlog     int           `toml:"backlog"`
	IdleTimeout time.Duration `toml:"idle_timeout"`
}

// Default returns the configuration spec.md describes when no
// optional tuning is supplied.
func Default() Config {
	return Config{
		ChunkSize: 8192,
		Backlog:   1024,
	}
}

// Load reads an optional TOML file at path. An empty path returns
// Default() unchanged. Values present in the file override the
// corresponding default field; absent fields keep their default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
