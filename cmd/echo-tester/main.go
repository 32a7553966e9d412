// Command echo-tester checks that a program echoes its input. It is a complete example of a
// tester built on this module.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/launchdarkly/stage-tester/compare"
	"github.com/launchdarkly/stage-tester/config"
	"github.com/launchdarkly/stage-tester/framework"
	"github.com/launchdarkly/stage-tester/logging"
	"github.com/launchdarkly/stage-tester/metrics"
	"github.com/launchdarkly/stage-tester/process"
)

const (
	exitTestFailure = 1
	exitRuntimeErr  = 2

	testerName = "echo-tester"
)

var Version = "dev"

var (
	dirFlag = &cli.StringFlag{
		Name:  "dir",
		Usage: "repository containing the program to test (overrides " + config.EnvRepositoryDir + ")",
	}
	executableFlag = &cli.StringFlag{
		Name:  "executable",
		Usage: "path of the program, relative to the repository (overrides " + config.EnvExecutable + ")",
	}
	seedFlag = &cli.StringFlag{
		Name:  "seed",
		Usage: "seed for random test data, an integer or any string (overrides " + config.EnvSeed + ")",
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML file with settings that override the environment",
	}
	runFlag = &cli.StringSliceFlag{
		Name:  "run",
		Usage: "regex pattern(s) to select stages to run",
	}
	skipFlag = &cli.StringSliceFlag{
		Name:  "skip",
		Usage: "regex pattern(s) to select stages not to run",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "print all log output as it happens",
	}
	reportFlag = &cli.StringFlag{
		Name:  "report-file",
		Usage: "write the JSON run report to this file",
	}
	metricsFlag = &cli.StringFlag{
		Name:  "metrics-file",
		Usage: "write Prometheus metrics for the run to this file",
	}
)

func main() {
	app := newApp()
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			cli.HandleExitCoder(cli.Exit(err.Error(), exitRuntimeErr))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeErr)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = testerName
	app.Version = Version
	app.Usage = "Test a program that echoes its input"
	app.Flags = []cli.Flag{
		dirFlag, executableFlag, seedFlag, configFlag, runFlag, skipFlag, debugFlag, reportFlag, metricsFlag,
	}
	app.Action = run
	return app
}

func run(c *cli.Context) error {
	env := config.Environ()
	for flag, key := range map[*cli.StringFlag]string{
		dirFlag:        config.EnvRepositoryDir,
		executableFlag: config.EnvExecutable,
		seedFlag:       config.EnvSeed,
	} {
		if c.IsSet(flag.Name) {
			env[key] = c.String(flag.Name)
		}
	}
	if c.Bool(debugFlag.Name) {
		env[config.EnvDebug] = "true"
	}
	if _, ok := env[config.EnvTestCasesJSON]; !ok {
		env[config.EnvTestCasesJSON] = allCasesJSON(echoDefinition(compare.Rules{}))
	}

	cfg, err := loadConfig(c, env)
	if errors.Is(err, config.ErrMissingEnv) {
		return cli.Exit(fmt.Sprintf("%s (or pass --%s)", err, dirFlag.Name), exitRuntimeErr)
	}
	if err != nil {
		return cli.Exit(err.Error(), exitRuntimeErr)
	}
	def := echoDefinition(cfg.Comparison)
	if err := cfg.Validate(def); err != nil {
		return cli.Exit(err.Error(), exitRuntimeErr)
	}

	var filters framework.RegexFilters
	for _, pattern := range c.StringSlice(runFlag.Name) {
		if err := filters.MustMatch.Set(pattern); err != nil {
			return cli.Exit(err.Error(), exitRuntimeErr)
		}
	}
	for _, pattern := range c.StringSlice(skipFlag.Name) {
		if err := filters.MustNotMatch.Set(pattern); err != nil {
			return cli.Exit(err.Error(), exitRuntimeErr)
		}
	}

	runID := uuid.New().String()
	if cfg.Debug {
		fmt.Printf("Run %s\n%s\n", runID, cfg)
	}
	framework.PrintFilterDescription(os.Stdout, filters)

	sinkOptions := logging.Options{}
	if cfg.Debug {
		sinkOptions = logging.Options{Output: os.Stdout, Verbose: true}
	}
	sink := logging.NewSink(sinkOptions)
	harnessLogger := sink.Scoped("tester")

	supervisor := process.NewSupervisor(process.Options{Logger: harnessLogger})
	defer supervisor.TerminateAll()

	runner := &framework.Runner{
		Supervisor: supervisor,
		Executable: cfg.ExecutableSpec(),
		Config:     cfg.RunConfig(),
		TestLogger: &framework.ConsoleTestLogger{
			DebugOutputOnFailure: !cfg.Debug,
		},
		Sink:   sink,
		Filter: filters.AsFilter,
	}
	report, err := runner.Run(c.Context, def)
	if err != nil {
		return cli.Exit(err.Error(), exitRuntimeErr)
	}

	fmt.Println()
	framework.PrintReport(os.Stdout, *report)

	if path := c.String(reportFlag.Name); path != "" {
		if err := writeReport(path, report); err != nil {
			return cli.Exit(err.Error(), exitRuntimeErr)
		}
	}
	if path := c.String(metricsFlag.Name); path != "" {
		reg := prometheus.NewRegistry()
		metrics.NewRecorder(reg).RecordReport(testerName, runID, *report)
		if err := prometheus.WriteToTextfile(path, reg); err != nil {
			return cli.Exit(fmt.Sprintf("writing metrics: %s", err), exitRuntimeErr)
		}
	}

	if !report.OK() {
		return cli.Exit("", exitTestFailure)
	}
	return nil
}

func loadConfig(c *cli.Context, env map[string]string) (*config.Config, error) {
	cfg, err := config.FromEnv(env, echoDefinition(compare.Rules{}))
	if err != nil {
		return nil, err
	}
	if path := c.String(configFlag.Name); path != "" {
		f, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if err := cfg.Apply(f); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func writeReport(path string, report *framework.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

// allCasesJSON selects every stage of def, for running without TESTER_TEST_CASES_JSON.
func allCasesJSON(def *framework.Definition) string {
	cases := make([]config.Case, 0, len(def.Stages))
	for i, s := range def.Stages {
		cases = append(cases, config.Case{
			Slug:      s.Slug,
			Title:     fmt.Sprintf("Stage #%d: %s", i+1, s.Name()),
			LogPrefix: fmt.Sprintf("stage-%d", i+1),
		})
	}
	data, _ := json.Marshal(cases)
	return string(data)
}
