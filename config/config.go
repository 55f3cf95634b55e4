// Package config loads the TOML cluster description. Replica addresses
// are sorted lexicographically before use; a replica's index in the
// sorted order is its replica number.
package config

import (
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

type Replica struct {
	Address string `toml:"address"`
}

type Config struct {
	Version  uint8     `toml:"version"`
	Replicas []Replica `toml:"replica"`
}

// Load reads and validates a cluster file.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errors.Wrapf(err, "reading cluster config %s", path)
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid cluster config %s", path)
	}
	return &cfg, nil
}

// Parse decodes a cluster file from a string. Test helper.
func Parse(data string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "decoding cluster config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Replicas) == 0 {
		return errors.New("no replicas configured")
	}
	seen := make(map[string]bool, len(c.Replicas))
	for _, r := range c.Replicas {
		if r.Address == "" {
			return errors.New("replica with empty address")
		}
		if seen[r.Address] {
			return errors.Errorf("duplicate replica address %q", r.Address)
		}
		seen[r.Address] = true
	}
	return nil
}

// Addresses is the sorted replica address list, the order that defines
// replica numbers.
func (c *Config) Addresses() []string {
	addrs := make([]string, len(c.Replicas))
	for i, r := range c.Replicas {
		addrs[i] = r.Address
	}
	sort.Strings(addrs)
	return addrs
}
