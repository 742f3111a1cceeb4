// Package cli wires the serpent command line onto the provisioning
// engine.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/coder/serpent"

	"github.com/coder/nsvlan/network"
	"github.com/coder/nsvlan/privilege"
	"github.com/coder/nsvlan/provision"
)

const (
	defaultConfigPath = "/etc/nsvlan.conf"
	defaultLogLevel   = "warn"
	defaultMode       = "l2"
)

// Config holds all configuration for the CLI.
type Config struct {
	ConfigPath string
	Mode       string
	LogLevel   string
}

// NewCommand creates and returns the root serpent command.
func NewCommand() *serpent.Command {
	var config Config

	return &serpent.Command{
		Use:   "nsvlan [flags] [--] command [args...]",
		Short: "Build an ipvlan network namespace and run a command inside it",
		Long: `nsvlan creates a fresh network namespace containing one ipvlan device per
subnet-owning host interface, assigns each device a collision-free address,
and executes the target command inside the namespace with every elevated
capability dropped.

The subnet configuration file lists one CIDR per line ('#' for comments),
must be owned by root, and must carry no read bits and no owner-write bit.

Examples:
  # Give a shell its own network identity on every configured subnet
  nsvlan

  # Run a specific program
  nsvlan -- /usr/bin/my-daemon --listen :8080

  # ipvlan L3 mode with an alternate subnet list
  nsvlan --config /etc/nsvlan-lab.conf --mode l3 -- /bin/bash`,
		Options: serpent.OptionSet{
			{
				Name:        "config",
				Flag:        "config",
				Env:         "NSVLAN_CONFIG",
				Description: "Path to the subnet configuration file.",
				Value:       serpent.StringOf(&config.ConfigPath),
			},
			{
				Name:        "mode",
				Flag:        "mode",
				Env:         "NSVLAN_MODE",
				Description: "ipvlan operating mode: l2, l3 or l3s.",
				Value:       serpent.StringOf(&config.Mode),
			},
			{
				Name:        "log-level",
				Flag:        "log-level",
				Env:         "NSVLAN_LOG_LEVEL",
				Description: "Set log level (error, warn, info, debug).",
				Value:       serpent.StringOf(&config.LogLevel),
			},
		},
		Handler: func(inv *serpent.Invocation) error {
			return Run(inv.Context(), config, inv.Args)
		},
	}
}

// Run executes the provisioning workflow with the given configuration and
// target argv. On success it never returns: the process image is replaced
// by the target command.
func Run(ctx context.Context, config Config, args []string) error {
	fileCfg, fromPath, err := loadConfigFile()
	if err != nil {
		return err
	}

	configPath := firstOf(config.ConfigPath, fileCfg.Config, defaultConfigPath)
	logLevel := firstOf(config.LogLevel, fileCfg.LogLevel, defaultLogLevel)
	modeStr := firstOf(config.Mode, fileCfg.Mode, defaultMode)

	logger := setupLogging(logLevel)
	if fromPath != "" {
		logger.Debug("loaded defaults", "path", fromPath)
	}

	mode, err := network.ParseIPVlanMode(modeStr)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		args = fileCfg.Command
	}
	if len(args) == 0 {
		args = []string{"/bin/bash"}
	}

	caps, err := privilege.Require()
	if err != nil {
		return fmt.Errorf("capability precondition: %w", err)
	}

	logger.Info("provisioning", "config", configPath, "mode", modeStr, "command", strings.Join(args, " "))
	return provision.Run(provision.Config{
		Logger:     logger,
		Caps:       caps,
		ConfigPath: configPath,
		Mode:       mode,
		Argv:       args,
	})
}

// setupLogging creates a slog logger with the specified level.
func setupLogging(logLevel string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelWarn
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}

// firstOf returns the first non-empty value.
func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
