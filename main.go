// Package main is the entry point for the spawn CLI.
//
// spawn provisions a cloud instance, makes it reachable over SSH, writes an
// agent's credentials into the instance's shell profile and then runs a
// command or attaches the terminal to the agent.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/anirudhbiyani/spawn/internal/config"
	"github.com/anirudhbiyani/spawn/pkg/spawn"

	// Import providers to register them
	_ "github.com/anirudhbiyani/spawn/pkg/providers/aws"
	_ "github.com/anirudhbiyani/spawn/pkg/providers/digitalocean"
	_ "github.com/anirudhbiyani/spawn/pkg/providers/docker"
	_ "github.com/anirudhbiyani/spawn/pkg/providers/gcp"
	_ "github.com/anirudhbiyani/spawn/pkg/providers/hetzner"
)

const version = "0.3.0"

var (
	flagCloud = &cli.StringFlag{
		Name:    "cloud",
		Aliases: []string{"c"},
		Usage:   "cloud provider (see `spawn providers`)",
	}
	flagAgent = &cli.StringFlag{
		Name:    "agent",
		Aliases: []string{"a"},
		Usage:   "agent to provision",
	}
	flagFile = &cli.StringFlag{
		Name:    "file",
		Aliases: []string{"f"},
		Usage:   "run file (YAML); flags override its fields",
	}
	flagName = &cli.StringFlag{
		Name:  "name",
		Usage: "instance name (default spawn-<agent>-<run>)",
	}
	flagHeadless = &cli.BoolFlag{
		Name:  "headless",
		Usage: "do not attach; print a JSON result on stdout",
	}
	flagDestroyAfter = &cli.BoolFlag{
		Name:  "destroy-after",
		Usage: "delete the instance when the run ends",
	}
	flagCmd = &cli.StringFlag{
		Name:  "cmd",
		Usage: "command to run on the instance instead of attaching",
	}
	flagResults = &cli.StringFlag{
		Name:  "results",
		Usage: "append a cloud/agent:pass|fail line to this file",
	}
	flagParam = &cli.StringSliceFlag{
		Name:  "param",
		Usage: "backend option as key=value (region, size, image...)",
	}
	flagSSHUser = &cli.StringFlag{
		Name:  "ssh-user",
		Usage: "override the backend's login user",
	}
	flagRef = &cli.StringFlag{
		Name:  "ref",
		Usage: "run ID (see `spawn list`)",
	}
	flagOutput = &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Value:   "table",
		Usage:   "output format: table or json",
	}
	flagDebug = &cli.BoolFlag{
		Name:  "debug",
		Usage: "emit structured debug events on stderr",
	}
	flagLogJSON = &cli.BoolFlag{
		Name:  "log-json",
		Usage: "format debug events as JSON",
	}
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	code := 0
	if err := newApp(cancel).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code = spawn.CodeFor(err).ExitCode()
	}
	cancel()
	spawn.DefaultCleanup.Exit(code)
}

func newApp(cancel context.CancelFunc) *cli.App {
	var stopTrap func()
	return &cli.App{
		Name:    "spawn",
		Usage:   "provision a cloud instance and run a coding agent on it",
		Version: version,
		Flags:   []cli.Flag{flagDebug, flagLogJSON},
		Before: func(cCtx *cli.Context) error {
			stopTrap = spawn.DefaultCleanup.InstallTrap(func(sig os.Signal) {
				fmt.Fprintf(os.Stderr, "\nInterrupted (%s), cleaning up\n", sig)
				cancel()
			})
			return nil
		},
		After: func(cCtx *cli.Context) error {
			if stopTrap != nil {
				stopTrap()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "provision an instance and start an agent on it",
				Flags: []cli.Flag{
					flagCloud, flagAgent, flagFile, flagName, flagHeadless,
					flagDestroyAfter, flagCmd, flagResults, flagParam, flagSSHUser,
				},
				Action: cmdRun,
			},
			{
				Name:      "destroy",
				Usage:     "delete the instance of a recorded run",
				ArgsUsage: "[run ID]",
				Flags:     []cli.Flag{flagRef},
				Action:    cmdDestroy,
			},
			{
				Name:   "list",
				Usage:  "list recorded runs",
				Flags:  []cli.Flag{flagCloud, flagAgent, flagOutput},
				Action: cmdList,
			},
			{
				Name:   "providers",
				Usage:  "list available providers and their capabilities",
				Flags:  []cli.Flag{flagOutput},
				Action: cmdProviders,
			},
			{
				Name:   "doctor",
				Usage:  "run preflight checks against a provider",
				Flags:  []cli.Flag{flagCloud, flagOutput},
				Action: cmdDoctor,
			},
			{
				Name:  "save-credential",
				Usage: "store a provider or OpenRouter credential in the spawn home",
				Flags: []cli.Flag{
					flagCloud,
					&cli.BoolFlag{Name: "openrouter", Usage: "store the OpenRouter API key used by agents"},
				},
				Action: cmdSaveCredential,
			},
			{
				Name:  "config",
				Usage: "show the recognised SPAWN_* environment variables",
				Action: func(*cli.Context) error {
					return config.Usage()
				},
			},
			{
				Name:   "version",
				Usage:  "show version information",
				Action: cmdVersion,
			},
		},
	}
}

// session bundles what every command needs.
type session struct {
	settings *config.Settings
	logger   *spawn.Logger
	engine   *spawn.Engine
}

func setup(cCtx *cli.Context, interactive bool) (*session, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := newLogger(settings.Debug || cCtx.Bool(flagDebug.Name), settings.LogJSON || cCtx.Bool(flagLogJSON.Name))

	store, err := spawn.NewFileStateStore(settings.State)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}

	opts := append(settings.EngineOptions(),
		spawn.WithStateStore(store),
		spawn.WithLogger(logger),
		spawn.WithCleanup(spawn.DefaultCleanup),
	)
	if interactive {
		opts = append(opts, spawn.WithCredentialPrompt(promptSecret))
	}
	return &session{
		settings: settings,
		logger:   logger,
		engine:   spawn.NewEngine(opts...),
	}, nil
}

func newLogger(debug, jsonLogs bool) *spawn.Logger {
	if !debug {
		return spawn.NewLogger(os.Stderr, nil)
	}
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return spawn.NewLogger(os.Stderr, slog.New(handler))
}

func promptSecret(_ context.Context, spec spawn.CredentialSpec) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", spawn.ErrAuth(fmt.Sprintf("%s is not set and stdin is not a terminal", spec.EnvVar))
	}
	return readSecret(spec)
}

// readSecret reads one secret from the terminal without echo, or one line
// from a non-terminal stdin.
func readSecret(spec spawn.CredentialSpec) (string, error) {
	label := spec.Label
	if label == "" {
		label = spec.EnvVar
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read %s: %w", label, err)
		}
		return strings.TrimSpace(line), nil
	}
	fmt.Fprintf(os.Stderr, "Enter %s: ", label)
	value, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", label, err)
	}
	return strings.TrimSpace(string(value)), nil
}

func cmdRun(cCtx *cli.Context) error {
	rf := &RunFile{}
	if path := cCtx.String(flagFile.Name); path != "" {
		var err error
		if rf, err = loadRunFile(path); err != nil {
			return err
		}
	}
	if err := applyRunFlags(cCtx, rf); err != nil {
		return err
	}
	if rf.Cloud == "" || rf.Agent == "" {
		return spawn.ErrValidation("--cloud and --agent are required (or set them in the run file)")
	}

	sess, err := setup(cCtx, !rf.Headless)
	if err != nil {
		return err
	}

	var run *spawn.Run
	req, err := rf.request()
	if err == nil {
		req.Stdin, req.Stdout, req.Stderr = os.Stdin, os.Stdout, os.Stderr
		if rf.Headless {
			req.Stdout = os.Stderr
		}
		run, err = sess.engine.Provision(cCtx.Context, req)
	}

	res := spawn.NewResult(rf.Agent, spawn.CloudProvider(rf.Cloud), run, err)
	if rf.Headless {
		if werr := res.WriteJSON(os.Stdout); werr != nil {
			sess.logger.Warn("Failed to write result: %v", werr)
		}
	}
	if path := cCtx.String(flagResults.Name); path != "" {
		if werr := spawn.AppendMatrix(path, res); werr != nil {
			sess.logger.Warn("Failed to append to %s: %v", path, werr)
		}
	}
	if err != nil {
		return err
	}
	if run != nil && !rf.Headless {
		sess.logger.Info("Run %s finished (%s)", run.ID, run.State)
	}
	return nil
}

func applyRunFlags(cCtx *cli.Context, rf *RunFile) error {
	if v := cCtx.String(flagCloud.Name); v != "" {
		rf.Cloud = v
	}
	if v := cCtx.String(flagAgent.Name); v != "" {
		rf.Agent = v
	}
	if v := cCtx.String(flagName.Name); v != "" {
		rf.Name = v
	}
	if v := cCtx.String(flagCmd.Name); v != "" {
		rf.Command = v
	}
	if v := cCtx.String(flagSSHUser.Name); v != "" {
		rf.SSHUser = v
	}
	if cCtx.Bool(flagHeadless.Name) {
		rf.Headless = true
	}
	if cCtx.Bool(flagDestroyAfter.Name) {
		rf.DestroyAfter = true
	}
	for _, kv := range cCtx.StringSlice(flagParam.Name) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return spawn.ErrValidation(fmt.Sprintf("--param expects key=value, got %q", kv))
		}
		if rf.Params == nil {
			rf.Params = make(map[string]string)
		}
		rf.Params[k] = v
	}
	return nil
}

func cmdDestroy(cCtx *cli.Context) error {
	ref := cCtx.String(flagRef.Name)
	if ref == "" {
		ref = cCtx.Args().First()
	}
	if ref == "" {
		return spawn.ErrValidation("run ID required (--ref)")
	}
	sess, err := setup(cCtx, true)
	if err != nil {
		return err
	}
	if err := sess.engine.Destroy(cCtx.Context, ref); err != nil {
		return err
	}
	sess.logger.Info("Destroyed run %s", ref)
	return nil
}

func cmdList(cCtx *cli.Context) error {
	sess, err := setup(cCtx, false)
	if err != nil {
		return err
	}
	records, err := sess.engine.List(cCtx.Context, spawn.ListFilter{
		Provider: spawn.CloudProvider(cCtx.String(flagCloud.Name)),
		Agent:    cCtx.String(flagAgent.Name),
	})
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	switch cCtx.String(flagOutput.Name) {
	case "json":
		return printJSON(records)
	case "table":
		if len(records) == 0 {
			fmt.Println("No runs found")
			return nil
		}
		fmt.Printf("%-36s %-13s %-8s %-28s %-16s %-22s %s\n", "ID", "PROVIDER", "AGENT", "NAME", "ADDRESS", "STATE", "CREATED")
		for _, r := range records {
			fmt.Printf("%-36s %-13s %-8s %-28s %-16s %-22s %s\n",
				r.ID,
				r.Provider,
				truncate(r.Agent, 8),
				truncate(r.Name, 28),
				r.Address,
				r.State,
				r.CreatedAt.Format("2006-01-02 15:04"),
			)
		}
		return nil
	default:
		return spawn.ErrValidation(fmt.Sprintf("unknown output format: %s", cCtx.String(flagOutput.Name)))
	}
}

func cmdProviders(cCtx *cli.Context) error {
	infos := spawn.DefaultRegistry.Describe()
	if cCtx.String(flagOutput.Name) == "json" {
		return printJSON(infos)
	}

	fmt.Printf("%-13s %-8s %-5s %-45s %s\n", "NAME", "DESTROY", "KEYS", "CREDENTIALS", "CAPABILITIES")
	for _, p := range infos {
		caps := make([]string, len(p.Capabilities))
		for i, c := range p.Capabilities {
			caps[i] = string(c)
		}
		creds := strings.Join(p.Credentials, ", ")
		if creds == "" {
			creds = "-"
		}
		fmt.Printf("%-13s %-8s %-5s %-45s %s\n", p.Name, yesNo(p.CanDestroy), yesNo(p.KeyRegistrar), creds, strings.Join(caps, ", "))
	}
	return nil
}

func cmdDoctor(cCtx *cli.Context) error {
	cloud := cCtx.String(flagCloud.Name)
	if cloud == "" {
		return spawn.ErrValidation("--cloud is required")
	}
	sess, err := setup(cCtx, false)
	if err != nil {
		return err
	}
	report, err := sess.engine.Doctor(cCtx.Context, spawn.CloudProvider(cloud), nil)
	if err != nil {
		return err
	}

	if cCtx.String(flagOutput.Name) == "json" {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		for _, c := range report.Checks {
			line := fmt.Sprintf("[%s] %s", strings.ToUpper(string(c.Status)), c.Name)
			switch {
			case c.Status != spawn.CheckStatusFailed:
				sess.logger.Info("%s", line)
			case c.Severity == spawn.SeverityWarning || c.Severity == spawn.SeverityInfo:
				sess.logger.Warn("%s", line)
			default:
				sess.logger.Error("%s", line)
			}
			if c.Status == spawn.CheckStatusFailed && c.Remediation != "" {
				sess.logger.Info("      %s", c.Remediation)
			}
		}
		sess.logger.Info("%d passed, %d failed, %d skipped", report.Passed, report.Failed, report.Skipped)
	}

	if !report.OK() {
		return spawn.ErrValidation(fmt.Sprintf("preflight checks failed for %s", cloud)).WithProvider(spawn.CloudProvider(cloud))
	}
	return nil
}

func cmdSaveCredential(cCtx *cli.Context) error {
	settings, err := config.Load()
	if err != nil {
		return err
	}

	var specs []spawn.CredentialSpec
	var path string
	switch {
	case cCtx.Bool("openrouter"):
		specs = []spawn.CredentialSpec{spawn.SingleCredential("OPENROUTER_API_KEY", "OpenRouter API key")}
		path = filepath.Join(settings.Home, spawn.AgentConfigPath)
	case cCtx.String(flagCloud.Name) != "":
		b, err := spawn.DefaultRegistry.Get(spawn.CloudProvider(cCtx.String(flagCloud.Name)))
		if err != nil {
			return err
		}
		specs = b.Credentials()
		path = filepath.Join(settings.Home, b.ConfigPath())
	default:
		return spawn.ErrValidation("--cloud or --openrouter is required")
	}
	if len(specs) == 0 {
		fmt.Printf("%s needs no credentials\n", cCtx.String(flagCloud.Name))
		return nil
	}

	if len(specs) == 1 {
		value, err := readSecret(specs[0])
		if err != nil {
			return err
		}
		if value == "" {
			return spawn.ErrValidation("empty credential")
		}
		if err := spawn.SaveCredential(path, value); err != nil {
			return err
		}
	} else {
		fields := make(map[string]string, len(specs))
		for _, spec := range specs {
			value, err := readSecret(spec)
			if err != nil {
				return err
			}
			if value == "" {
				return spawn.ErrValidation(fmt.Sprintf("empty %s", spec.EnvVar))
			}
			field := spec.ConfigField
			if field == "" {
				field = spec.EnvVar
			}
			fields[field] = value
		}
		if err := spawn.SaveCredentials(path, fields); err != nil {
			return err
		}
	}
	fmt.Printf("Saved to %s\n", path)
	return nil
}

func cmdVersion(*cli.Context) error {
	fmt.Printf("spawn version %s\n", version)
	names := make([]string, 0)
	for _, p := range spawn.DefaultRegistry.List() {
		names = append(names, string(p))
	}
	fmt.Printf("  Providers: %s\n", strings.Join(names, ", "))
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
