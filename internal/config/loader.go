package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultFiles are looked up in the working directory when no explicit
// configuration file is given.
var DefaultFiles = []string{"rpbridge.toml", "rpbridge.yaml", "rpbridge.yml"}

// Load reads the configuration file at path on top of the defaults. An empty
// path looks for one of DefaultFiles in dir; finding none is not an error.
func Load(dir, path string) (Config, error) {
	cfg := Default()

	if path == "" {
		for _, f := range DefaultFiles {
			candidate := filepath.Join(dir, f)
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	if err = decode(path, data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".toml", ".ini", ".cfg":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return err
		}

		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown option %q", undecoded[0].String())
		}

		return nil
	default:
		return fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
}
