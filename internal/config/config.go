// Package config loads the declared line table and trigger rules.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/buttond/internal/gpio"
	"github.com/sweeney/buttond/internal/handler"
	"github.com/sweeney/buttond/internal/line"
)

// LineConfig declares one line.
type LineConfig struct {
	Name    string `yaml:"name"`
	Offset  int    `yaml:"offset"`
	Initial string `yaml:"initial,omitempty"` // outputs only: low or high
}

// RuleConfig declares one trigger rule by line name.
type RuleConfig struct {
	Trigger string `yaml:"trigger"`
	Output  string `yaml:"output"`
	When    string `yaml:"when"`
	Set     string `yaml:"set"`
}

// Config is the contents of the config file.
type Config struct {
	Chip    string       `yaml:"chip"`
	Outputs []LineConfig `yaml:"outputs"`
	Inputs  []LineConfig `yaml:"inputs"`
	Rules   []RuleConfig `yaml:"rules"`
}

// Default is one LED with an on button and an off button.
func Default() Config {
	return Config{
		Chip: gpio.DefaultChip,
		Outputs: []LineConfig{
			{Name: "LED 1", Offset: 4, Initial: "low"},
		},
		Inputs: []LineConfig{
			{Name: "LED 1 ON BUTTON", Offset: 17},
			{Name: "LED 1 OFF BUTTON", Offset: 18},
		},
		Rules: []RuleConfig{
			{Trigger: "LED 1 ON BUTTON", Output: "LED 1", When: "low", Set: "high"},
			{Trigger: "LED 1 OFF BUTTON", Output: "LED 1", When: "high", Set: "low"},
		},
	}
}

// Load reads a YAML config file. An empty path returns Default.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML config data.
func Parse(data []byte) (Config, error) {
	cfg := Config{Chip: gpio.DefaultChip}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks names, offsets, levels and rule references.
func (c Config) Validate() error {
	var errs []error
	if c.Chip == "" {
		errs = append(errs, errors.New("chip is required"))
	}
	if len(c.Outputs) == 0 && len(c.Inputs) == 0 {
		errs = append(errs, errors.New("no lines declared"))
	}

	dirs := make(map[string]gpio.Direction)
	offsets := make(map[int]string)
	check := func(l LineConfig, dir gpio.Direction) {
		if l.Name == "" {
			errs = append(errs, fmt.Errorf("%s at offset %d has no name", dir, l.Offset))
		} else if _, dup := dirs[l.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate line name %q", l.Name))
		}
		if l.Offset < 0 {
			errs = append(errs, fmt.Errorf("%s: negative offset %d", l.Name, l.Offset))
		} else if other, dup := offsets[l.Offset]; dup {
			errs = append(errs, fmt.Errorf("%s: offset %d already used by %s", l.Name, l.Offset, other))
		}
		if dir == gpio.Output && l.Initial != "" {
			if _, err := gpio.ParseLevel(l.Initial); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", l.Name, err))
			}
		}
		if dir == gpio.Input && l.Initial != "" {
			errs = append(errs, fmt.Errorf("%s: inputs have no initial level", l.Name))
		}
		dirs[l.Name] = dir
		offsets[l.Offset] = l.Name
	}
	for _, l := range c.Outputs {
		check(l, gpio.Output)
	}
	for _, l := range c.Inputs {
		check(l, gpio.Input)
	}

	type row struct {
		trigger, output string
		when            gpio.Level
	}
	seen := make(map[row]int)
	for i, r := range c.Rules {
		if when, err := gpio.ParseLevel(r.When); err == nil {
			k := row{r.Trigger, r.Output, when}
			if j, dup := seen[k]; dup {
				errs = append(errs, fmt.Errorf("rule %d: shadowed by rule %d for %s on %s", i, j, r.Output, r.Trigger))
			} else {
				seen[k] = i
			}
		}
		if d, ok := dirs[r.Trigger]; !ok || d != gpio.Input {
			errs = append(errs, fmt.Errorf("rule %d: trigger %q is not a declared input", i, r.Trigger))
		}
		if d, ok := dirs[r.Output]; !ok || d != gpio.Output {
			errs = append(errs, fmt.Errorf("rule %d: output %q is not a declared output", i, r.Output))
		}
		if _, err := gpio.ParseLevel(r.When); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: when: %w", i, err))
		}
		if _, err := gpio.ParseLevel(r.Set); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: set: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Table converts the declared lines for the registry. Call after Validate.
func (c Config) Table() line.Table {
	var t line.Table
	for _, l := range c.Outputs {
		lvl := gpio.Low
		if l.Initial != "" {
			lvl, _ = gpio.ParseLevel(l.Initial)
		}
		t.Outputs = append(t.Outputs, gpio.Line{Name: l.Name, Offset: l.Offset, Direction: gpio.Output, Initial: lvl})
	}
	for _, l := range c.Inputs {
		t.Inputs = append(t.Inputs, gpio.Line{Name: l.Name, Offset: l.Offset, Direction: gpio.Input})
	}
	return t
}

// HandlerRules resolves the rules against reg.
func (c Config) HandlerRules(reg *line.Registry) ([]handler.Rule, error) {
	rules := make([]handler.Rule, 0, len(c.Rules))
	for i, r := range c.Rules {
		trig, ok := reg.Lookup(r.Trigger)
		if !ok {
			return nil, fmt.Errorf("rule %d: unknown trigger %q", i, r.Trigger)
		}
		out, ok := reg.Lookup(r.Output)
		if !ok {
			return nil, fmt.Errorf("rule %d: unknown output %q", i, r.Output)
		}
		when, err := gpio.ParseLevel(r.When)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		set, err := gpio.ParseLevel(r.Set)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, handler.Rule{Trigger: trig, Output: out, When: when, Set: set})
	}
	return rules, nil
}
