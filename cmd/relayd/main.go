package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

var configPath string

// exitCodeError carries a process exit status other than 1.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "relayd - telemetry relay from agents to Graphite",
	Long: `relayd accepts measurements pushed by agents over TCP, queues them in
memory and forwards every one of them, in arrival order, to a Graphite
carbon receiver. The carbon connection is retried forever on a fixed
interval, so agents never notice a Graphite outage.

Run "relayd run" to serve in the foreground, or "relayd start" to detach.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "relayd - Telemetry Relay\n")
		fmt.Fprintf(out, "  Version:    %s\n", version)
		fmt.Fprintf(out, "  Commit:     %s\n", commit)
		fmt.Fprintf(out, "  Built:      %s\n", buildTime)
		fmt.Fprintf(out, "  Go version: %s\n", goVersion)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if cfg.ConfigPath != "" {
			fmt.Fprintf(out, "# config file: %s\n", cfg.ConfigPath)
		} else {
			fmt.Fprintln(out, "# config file: none (defaults and environment)")
		}
		_, err = out.Write(data)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default is $HOME/.config/relayd/config.yml)")

	rootCmd.AddCommand(runCmd, startCmd, stopCmd, restartCmd, statusCmd,
		installCmd, uninstallCmd, configCmd, pushCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var coded *exitCodeError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(1)
	}
}
