// Conductor is the network side of a TuneSyncMQ control panel.
//
// It joins WiFi (falling back to a provisioning portal when no working
// credentials are stored), holds a session with the TuneSyncMQ broker,
// accepts firmware updates and serves the control-plane API used by the
// bundled web application. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	conductor serve              Run against the system radio
//	conductor emulate            Run with a simulated radio
//	conductor init [dir]         Write an example config and data directory
//	conductor version            Print version and build information
//	conductor -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/csetera/TuneSyncMQ/internal/buildinfo"
	"github.com/csetera/TuneSyncMQ/internal/config"
)

// main constructs the OS-level environment and delegates to [run] so
// the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Logs go to stdout; the caller prints
// the returned error to stderr. Arguments are parsed by hand so run
// can be called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath, false)
	case "emulate":
		return runServe(ctx, stdout, configPath, true)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Conductor - TuneSyncMQ control panel network daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: conductor [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run against the system radio")
	fmt.Fprintln(w, "  emulate      Run with a simulated radio (workstation mode)")
	fmt.Fprintln(w, "  init [dir]   Write an example config and data directory (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/conductor/config.yaml, /etc/conductor/config.yaml")
	return nil
}

// runServe loads the configuration and runs the daemon until ctx is
// cancelled or SIGINT/SIGTERM arrives. In emulate mode the radio is
// simulated and a missing config file falls back to defaults.
func runServe(ctx context.Context, stdout io.Writer, configPath string, emulate bool) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting conductor", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTimestamp())

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		if !emulate || configPath != "" {
			return err
		}
		logger.Warn("no config file found, using defaults", "error", err)
		cfg, cfgPath = config.Default(), "(defaults)"
	}
	if emulate {
		cfg.WiFi.Driver = config.DriverSimulated
		if cfg.Listen.Port == 80 {
			cfg.Listen.Port = 8080
		}
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"driver", cfg.WiFi.Driver,
		"port", cfg.Listen.Port,
		"broker", cfg.MQTT.Broker,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := newDaemon(cfg, stdout)
	if err != nil {
		return err
	}
	defer d.close()

	err = d.orchestrator.Run(ctx, time.Duration(cfg.PollIntervalMs)*time.Millisecond)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	d.logger.Info("conductor stopped")
	return nil
}

// newLogger creates a logger writing to w with the given level and
// format ("text" or "json").
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; otherwise the default locations are
// searched.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func dataPath(cfg *config.Config, name string) string {
	return filepath.Join(cfg.DataDir, name)
}
