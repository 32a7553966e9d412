package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
	"gopkg.in/yaml.v3"

	"github.com/launchdarkly/stage-tester/compare"
	"github.com/launchdarkly/stage-tester/randgen"
)

// File is the optional YAML configuration file. Every field that is set overrides the value
// from the environment.
type File struct {
	TimeoutSeconds *int              `yaml:"timeout_seconds,omitempty"`
	Seed           *string           `yaml:"seed,omitempty"`
	Debug          *bool             `yaml:"debug,omitempty"`
	SkipAntiCheat  *bool             `yaml:"skip_anti_cheat,omitempty"`
	HaltOnFailure  *bool             `yaml:"halt_on_failure,omitempty"`
	Comparison     *compare.Rules    `yaml:"comparison,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	TestCases      []FileCase        `yaml:"test_cases,omitempty"`
}

// FileCase is a test case in the YAML file.
type FileCase struct {
	Slug      string `yaml:"slug"`
	Title     string `yaml:"title"`
	LogPrefix string `yaml:"log_prefix"`
	TimeoutMS *int   `yaml:"timeout_ms,omitempty"`
}

// LoadFile reads and parses a YAML configuration file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if f.TimeoutSeconds != nil && *f.TimeoutSeconds <= 0 {
		return nil, fmt.Errorf("parsing config file: timeout_seconds must be positive, got %d", *f.TimeoutSeconds)
	}
	return &f, nil
}

// Apply overrides c with the settings present in f.
func (c *Config) Apply(f *File) error {
	if f == nil {
		return nil
	}
	if f.TimeoutSeconds != nil {
		c.Timeout = time.Duration(*f.TimeoutSeconds) * time.Second
	}
	if f.Seed != nil {
		c.Seed = randgen.ParseSeed(*f.Seed)
	}
	if f.Debug != nil {
		c.Debug = *f.Debug
	}
	if f.SkipAntiCheat != nil {
		c.SkipAntiCheat = *f.SkipAntiCheat
	}
	if f.HaltOnFailure != nil {
		c.HaltOnFailure = *f.HaltOnFailure
	}
	if f.Comparison != nil {
		c.Comparison = *f.Comparison
	}
	if len(f.Env) > 0 {
		if c.Env == nil {
			c.Env = make(map[string]string, len(f.Env))
		}
		for k, v := range f.Env {
			c.Env[k] = v
		}
	}
	if len(f.TestCases) > 0 {
		cases := make([]Case, 0, len(f.TestCases))
		for _, fc := range f.TestCases {
			cases = append(cases, Case{
				Slug:      fc.Slug,
				Title:     fc.Title,
				LogPrefix: fc.LogPrefix,
				TimeoutMS: ldvalue.NewOptionalIntFromPointer(fc.TimeoutMS),
			})
		}
		if err := validateCases(cases); err != nil {
			return err
		}
		c.Cases = cases
	}
	return nil
}
