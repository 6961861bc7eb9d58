// Package config loads horcruxd's daemon configuration (C10): identity
// file path, data directory, relay list, and log level, from a TOML file
// with CLI flags overriding individual fields. The shape — typed struct,
// defaults applied before decode, directory permission bits — follows the
// teacher's fs.CreateSecureFolder/core/constants.go conventions.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/mplorentz/keydex-sub000/internal/log"
)

const (
	// DefaultConfigDirName is the folder under the user's home directory
	// holding the identity file, the BoltDB store, and config.toml.
	DefaultConfigDirName = ".horcrux"

	// DefaultConfigFileName is the TOML file read from the config dir
	// unless --config overrides it.
	DefaultConfigFileName = "config.toml"

	// DefaultIdentityFileName is the nsec-encoded identity file read from
	// the config dir unless identity_path (IdentityPath) is set explicitly.
	DefaultIdentityFileName = "identity"

	configDirPerm = 0700
)

// DefaultRelays is the relay list Default puts in Config.Relays, kept when
// config.toml sets no relays; `vault create` copies Config.Relays into a
// new backup plan.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}

// Config is the decoded shape of config.toml.
type Config struct {
	DataDir      string   `toml:"data_dir"`
	IdentityPath string   `toml:"identity_path"`
	Relays       []string `toml:"relays"`
	LogLevel     string   `toml:"log_level"`
	JSONLogs     bool     `toml:"json_logs"`
}

// Default returns a Config with every field set to its default, rooted at
// the current user's home directory.
func Default() (*Config, error) {
	dir, err := DefaultDir()
	if err != nil {
		return nil, err
	}
	return &Config{
		DataDir:      dir,
		IdentityPath: filepath.Join(dir, DefaultIdentityFileName),
		Relays:       append([]string(nil), DefaultRelays...),
		LogLevel:     "info",
		JSONLogs:     false,
	}, nil
}

// DefaultDir returns ~/.horcrux, creating it (mode 0700) if absent.
func DefaultDir() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	dir := filepath.Join(u.HomeDir, DefaultConfigDirName)
	if err := os.MkdirAll(dir, configDirPerm); err != nil {
		return "", fmt.Errorf("config: create config dir: %w", err)
	}
	return dir, nil
}

// Load reads path and overlays it onto Default(), so a config file only
// needs to set the fields it wants to override. A missing file is not an
// error; it just means every field keeps its default.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		dir, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, DefaultConfigFileName)
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var overlay Config
	if _, err := toml.Decode(string(raw), &overlay); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyOverlay(cfg, &overlay)
	return cfg, nil
}

func applyOverlay(cfg, overlay *Config) {
	if overlay.DataDir != "" {
		cfg.DataDir = overlay.DataDir
	}
	if overlay.IdentityPath != "" {
		cfg.IdentityPath = overlay.IdentityPath
	}
	if len(overlay.Relays) > 0 {
		cfg.Relays = overlay.Relays
	}
	if overlay.LogLevel != "" {
		cfg.LogLevel = overlay.LogLevel
	}
	cfg.JSONLogs = overlay.JSONLogs
}

// LogLevelValue maps the config's string level to internal/log's int
// constants, defaulting to info on an unrecognized value.
func (c *Config) LogLevelValue() int {
	switch c.LogLevel {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
