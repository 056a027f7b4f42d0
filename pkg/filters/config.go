package filters

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the deterministic filtering parameters. Loaded once at
// startup; refresh by reloading and rebuilding the chain rather than
// mutating a shared instance.
type Config struct {
	SourceBlocklist []string  `yaml:"source_blocklist" json:"source_blocklist"`
	DomainBlocklist []string  `yaml:"domain_blocklist" json:"domain_blocklist"`
	OldestAllowed   time.Time `yaml:"oldest_allowed" json:"oldest_allowed"`
}

func Load(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultConfig(), err
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, err
	}

	if len(cfg.SourceBlocklist) == 0 && len(cfg.DomainBlocklist) == 0 {
		return Config{}, errors.New("no filter lists configured")
	}
	if cfg.OldestAllowed.IsZero() {
		cfg.OldestAllowed = DefaultConfig().OldestAllowed
	}

	return cfg, nil
}

func DefaultConfig() Config {
	return Config{
		SourceBlocklist: []string{
			"twittbot.net",
			"easybotter",
			"autotweety.net",
		},
		DomainBlocklist: []string{},
		// First public post on the platform; anything older is a garbage
		// timestamp.
		OldestAllowed: time.Date(2006, time.March, 21, 0, 0, 0, 0, time.UTC),
	}
}
