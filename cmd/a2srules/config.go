// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/xhit/go-str2duration/v2"

	"github.com/schultz-is/a2s-go"
)

// Config is the contents of an a2srules configuration file.
type Config struct {
	LogLevel string      `toml:"log_level"`
	Query    QueryConfig `toml:"query"`
	Serve    ServeConfig `toml:"serve"`
}

type QueryConfig struct {
	Timeout           string `toml:"timeout"`
	ChallengeAttempts int    `toml:"challenge_attempts"`
}

type ServeConfig struct {
	Listen        string       `toml:"listen"`
	MaxPacketSize int          `toml:"max_packet_size"`
	Rules         []RuleConfig `toml:"rules"`
}

// RuleConfig is a single served rule. Entries with an ID are served as mods.
type RuleConfig struct {
	Name  string  `toml:"name"`
	Value string  `toml:"value"`
	ID    *uint32 `toml:"id"`
}

// Returns a default configuration.
func defaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Query: QueryConfig{
			Timeout:           "5s",
			ChallengeAttempts: a2s.DefaultMaxChallengeAttempts,
		},
		Serve: ServeConfig{
			Listen:        "127.0.0.1:27015",
			MaxPacketSize: a2s.DefaultMaxPacketSize,
		},
	}
}

// loadConfig reads the configuration file at path over the defaults. An empty path yields the
// defaults. Unknown keys are rejected so typos don't go unnoticed.
func loadConfig(path string) (*Config, error) {
	conf := defaultConfig()
	if path == "" {
		return conf, nil
	}

	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("reading config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return conf, nil
}

// parseDuration accepts Go durations as well as day and week units, e.g. "1d12h".
func parseDuration(s string) (time.Duration, error) {
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// rules converts the configured rules into the served rule list.
func (c ServeConfig) rules() a2s.Rules {
	rules := make(a2s.Rules, 0, len(c.Rules))
	for _, r := range c.Rules {
		if r.ID != nil {
			rules = append(rules, a2s.Mod{ID: *r.ID, Name: r.Name})
			continue
		}
		rules = append(rules, a2s.Regular{Name: r.Name, Value: r.Value})
	}
	return rules
}
