// Package config builds a tester run configuration from environment variables and an
// optional YAML file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"

	"github.com/launchdarkly/stage-tester/compare"
	"github.com/launchdarkly/stage-tester/framework"
	"github.com/launchdarkly/stage-tester/process"
	"github.com/launchdarkly/stage-tester/randgen"
)

const (
	EnvRepositoryDir  = "TESTER_REPOSITORY_DIR"
	EnvExecutable     = "TESTER_EXECUTABLE"
	EnvTestCasesJSON  = "TESTER_TEST_CASES_JSON"
	EnvDebug          = "TESTER_DEBUG"
	EnvTimeoutSeconds = "TESTER_TIMEOUT_SECONDS"
	EnvSeed           = "TESTER_SEED"
	EnvSkipAntiCheat  = "TESTER_SKIP_ANTI_CHEAT"
	EnvHaltOnFailure  = "TESTER_HALT_ON_FAILURE"

	// DefaultTimeout is the per-stage timeout when TESTER_TIMEOUT_SECONDS is not set.
	DefaultTimeout = 15 * time.Second
)

var (
	// ErrMissingEnv is wrapped when a required environment variable is not set.
	ErrMissingEnv = errors.New("missing required environment variable")

	// ErrExecutableNotFound is wrapped when the repository has no candidate executable.
	ErrExecutableNotFound = errors.New("executable not found")

	// ErrInvalidTestCases is wrapped when the test case list cannot be used.
	ErrInvalidTestCases = errors.New("invalid test cases")
)

// Case selects one stage for the run, as listed in TESTER_TEST_CASES_JSON.
type Case struct {
	Slug      string `json:"slug" yaml:"slug"`
	Title     string `json:"title" yaml:"title"`
	LogPrefix string `json:"log_prefix" yaml:"log_prefix"`

	// TimeoutMS overrides the stage's timeout when defined.
	TimeoutMS ldvalue.OptionalInt `json:"timeout_ms" yaml:"-"`
}

// Config is everything needed to run a tester against one repository.
type Config struct {
	RepositoryDir string

	// Executable is the absolute path of the candidate program.
	Executable string

	Cases         []Case
	Debug         bool
	Timeout       time.Duration
	Seed          int64
	SkipAntiCheat bool
	HaltOnFailure bool

	// Comparison holds the output comparison rules a tester may apply. Only set from a file.
	Comparison compare.Rules

	// Env holds extra environment variables for the candidate. Only set from a file.
	Env map[string]string
}

// Environ returns the process environment as a map, for passing to FromEnv.
func Environ() map[string]string {
	ret := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			ret[k] = v
		}
	}
	return ret
}

// FromEnv reads the configuration from environment variables and locates the candidate
// executable for def.
func FromEnv(env map[string]string, def *framework.Definition) (*Config, error) {
	dir, ok := env[EnvRepositoryDir]
	if !ok || dir == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingEnv, EnvRepositoryDir)
	}
	casesJSON, ok := env[EnvTestCasesJSON]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingEnv, EnvTestCasesJSON)
	}
	cases, err := ParseCases([]byte(casesJSON))
	if err != nil {
		return nil, err
	}

	c := &Config{
		RepositoryDir: dir,
		Cases:         cases,
		Debug:         parseBool(env[EnvDebug], false),
		Timeout:       DefaultTimeout,
		SkipAntiCheat: parseBool(env[EnvSkipAntiCheat], false),
		HaltOnFailure: parseBool(env[EnvHaltOnFailure], true),
	}
	if secs, err := strconv.Atoi(env[EnvTimeoutSeconds]); err == nil && secs > 0 {
		c.Timeout = time.Duration(secs) * time.Second
	}
	if s := env[EnvSeed]; s != "" {
		c.Seed = randgen.ParseSeed(s)
	} else {
		c.Seed = randgen.NewSeed()
	}

	if path := env[EnvExecutable]; path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("%w at %s", ErrExecutableNotFound, path)
		}
		c.Executable = path
	} else {
		c.Executable, err = FindExecutable(dir, def)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ParseCases decodes and checks a JSON list of test cases.
func ParseCases(data []byte) ([]Case, error) {
	var cases []Case
	if err := json.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTestCases, err)
	}
	if err := validateCases(cases); err != nil {
		return nil, err
	}
	return cases, nil
}

func validateCases(cases []Case) error {
	if len(cases) == 0 {
		return fmt.Errorf("%w: no test cases were given", ErrInvalidTestCases)
	}
	for i, c := range cases {
		if c.Slug == "" {
			return fmt.Errorf("%w: test case %d has no slug", ErrInvalidTestCases, i+1)
		}
		if c.TimeoutMS.IsDefined() && c.TimeoutMS.IntValue() <= 0 {
			return fmt.Errorf("%w: test case %q has a timeout of %dms", ErrInvalidTestCases, c.Slug, c.TimeoutMS.IntValue())
		}
	}
	return nil
}

// FindExecutable looks for the definition's executable in dir, falling back to its legacy
// name.
func FindExecutable(dir string, def *framework.Definition) (string, error) {
	var tried []string
	for _, name := range []string{def.ExecutableName, def.LegacyExecutableName} {
		if name == "" {
			continue
		}
		path := filepath.Join(dir, name)
		tried = append(tried, path)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return filepath.Abs(path)
		}
	}
	if len(tried) == 0 {
		return "", fmt.Errorf("%w: the tester does not name an executable", ErrExecutableNotFound)
	}
	return "", fmt.Errorf("%w at %s", ErrExecutableNotFound, strings.Join(tried, " or "))
}

// Selections converts the test cases into stage selections.
func (c *Config) Selections() []framework.Selection {
	ret := make([]framework.Selection, 0, len(c.Cases))
	for _, tc := range c.Cases {
		sel := framework.Selection{Slug: tc.Slug, Title: tc.Title, LogPrefix: tc.LogPrefix}
		if tc.TimeoutMS.IsDefined() {
			sel.Timeout = time.Duration(tc.TimeoutMS.IntValue()) * time.Millisecond
		}
		ret = append(ret, sel)
	}
	return ret
}

// RunConfig returns the settings for framework.Runner.
func (c *Config) RunConfig() framework.RunConfig {
	return framework.RunConfig{
		Seed:              c.Seed,
		DefaultTimeout:    c.Timeout,
		ContinueOnFailure: !c.HaltOnFailure,
		SkipAntiCheat:     c.SkipAntiCheat,
		Selections:        c.Selections(),
	}
}

// ExecutableSpec describes how to start the candidate: from the repository directory, with
// the configured extra environment.
func (c *Config) ExecutableSpec() process.Spec {
	return process.Spec{
		Command: c.Executable,
		Dir:     c.RepositoryDir,
		Env:     c.Env,
	}
}

// Validate checks that every selected test case exists in def.
func (c *Config) Validate(def *framework.Definition) error {
	_, err := def.Plan(c.Selections(), !c.SkipAntiCheat)
	return err
}

func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "repository: %s\n", c.RepositoryDir)
	fmt.Fprintf(&b, "executable: %s\n", c.Executable)
	fmt.Fprintf(&b, "timeout: %s\n", c.Timeout)
	fmt.Fprintf(&b, "seed: %d\n", c.Seed)
	fmt.Fprintf(&b, "skip anti-cheat: %t\n", c.SkipAntiCheat)
	fmt.Fprintf(&b, "halt on failure: %t\n", c.HaltOnFailure)
	for _, tc := range c.Cases {
		fmt.Fprintf(&b, "test case: %s (%q, log prefix %q)\n", tc.Slug, tc.Title, tc.LogPrefix)
	}
	return b.String()
}

func parseBool(s string, defaultValue bool) bool {
	if s == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return defaultValue
	}
	return b
}
