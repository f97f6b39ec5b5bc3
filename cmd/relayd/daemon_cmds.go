package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinytelemetry/relayd/internal/daemon"
	"github.com/tinytelemetry/relayd/internal/relay"
	"github.com/tinytelemetry/relayd/internal/socketrpc"
)

const startTimeout = 10 * time.Second

var statusJSON bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay in the background",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return startDaemon(cmd.OutOrStdout(), cfg)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background relay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return stopDaemon(cmd.OutOrStdout(), cfg)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop the background relay if it runs, then start it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		out := cmd.OutOrStdout()
		if err := stopDaemon(out, cfg); err != nil && !errors.Is(err, daemon.ErrNotRunning) {
			return err
		}
		return startDaemon(out, cfg)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the relay runs, with live counters",
	Long: `Reports whether relayd is running. When the control socket answers,
live counters are printed too. Exits with status 3 when relayd is not running.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return printStatus(cmd.OutOrStdout(), cfg, statusJSON, serviceState(cfg))
	},
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install relayd as a system service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := serviceManager()
		if err != nil {
			return err
		}
		if err := mgr.Install(); err != nil {
			return fmt.Errorf("installing service: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "relayd service installed")
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the relayd system service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := serviceManager()
		if err != nil {
			return err
		}
		if err := mgr.Uninstall(); err != nil {
			return fmt.Errorf("uninstalling service: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "relayd service removed")
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print counters as JSON")
}

func startDaemon(out io.Writer, cfg appConfig) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	args := []string{"run", "--no-banner"}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return err
		}
		args = append(args, "--config", abs)
	}

	pid, err := daemon.StartDetached(exe, args, cfg.PIDFile, startTimeout)
	if err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			fmt.Fprintf(out, "relayd is already running (pid %d)\n", pid)
		}
		return err
	}
	fmt.Fprintf(out, "relayd started (pid %d), forwarding %s to %s\n", pid, cfg.ListenAddr, cfg.SinkAddr())
	return nil
}

func stopDaemon(out io.Writer, cfg appConfig) error {
	pid, err := daemon.Status(cfg.PIDFile)
	if err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Fprintln(out, "relayd is not running")
		}
		return err
	}
	if err := daemon.Stop(cfg.PIDFile, cfg.StopTimeout); err != nil {
		return err
	}
	fmt.Fprintf(out, "relayd stopped (pid %d)\n", pid)
	return nil
}

// printStatus reports the pidfile state and, when reachable, the live
// counters. svc is the service manager's view; empty hides it.
func printStatus(out io.Writer, cfg appConfig, asJSON bool, svc string) error {
	pid, err := daemon.Status(cfg.PIDFile)
	if err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Fprintln(out, "relayd is not running")
			if svc != "" && !asJSON {
				fmt.Fprintf(out, "  %-11s %s\n", "service", svc)
			}
			return &exitCodeError{code: 3, err: err}
		}
		return err
	}

	stats, serr := queryStats(cfg.SocketPath)
	if asJSON {
		if serr != nil {
			return fmt.Errorf("relayd is running (pid %d) but %w", pid, serr)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Fprintf(out, "relayd is running (pid %d)\n", pid)
	if svc != "" {
		fmt.Fprintf(out, "  %-11s %s\n", "service", svc)
	}
	if serr != nil {
		fmt.Fprintf(out, "  control socket unavailable: %v\n", serr)
		return nil
	}
	writeStats(out, stats)
	return nil
}

func queryStats(socketPath string) (relay.Stats, error) {
	client, err := socketrpc.Dial(socketPath)
	if err != nil {
		return relay.Stats{}, err
	}
	defer client.Close()
	return client.Status()
}

func writeStats(out io.Writer, st relay.Stats) {
	fmt.Fprintf(out, "  %-11s %s\n", "data", st.ListenAddr)
	fmt.Fprintf(out, "  %-11s %s (%s, %s)\n", "sink", st.SinkAddr, st.SinkProtocol, st.Forwarder.State)
	queue := fmt.Sprintf("%d queued", st.QueueLength)
	if st.QueueCapacity > 0 {
		queue = fmt.Sprintf("%d/%d queued", st.QueueLength, st.QueueCapacity)
	}
	fmt.Fprintf(out, "  %-11s %s, %d dropped\n", "queue", queue, st.QueueDropped)
	fmt.Fprintf(out, "  %-11s %d (malformed %d, rejected %d, %d open connections)\n", "received",
		st.Acceptor.Received, st.Acceptor.Malformed, st.Acceptor.Dropped, st.Acceptor.Connections)
	fmt.Fprintf(out, "  %-11s %d (unsuitable %d, write failures %d, connects %d)\n", "forwarded",
		st.Forwarder.Forwarded, st.Forwarder.Unsuitable, st.Forwarder.WriteFailures, st.Forwarder.Connects)
	fmt.Fprintf(out, "  %-11s %s\n", "uptime", (time.Duration(st.UptimeSeconds) * time.Second).String())
	if st.Journal != nil {
		fmt.Fprintf(out, "  %-11s %d bytes, committed through %d\n", "journal", st.Journal.Bytes, st.Journal.Committed)
	}
	if st.Restarts > 0 {
		fmt.Fprintf(out, "  %-11s %d\n", "restarts", st.Restarts)
	}
}

// serviceState asks the system service manager about relayd. It returns an
// empty string when no service manager answers.
func serviceState(cfg appConfig) string {
	mgr, err := daemon.NewServiceManager(serviceConfig(cfg), nil, nil)
	if err != nil {
		return ""
	}
	state, err := mgr.Status()
	if err != nil {
		return ""
	}
	return state
}

func serviceManager() (*daemon.ServiceManager, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			cfg.ConfigPath = abs
		}
	}
	return daemon.NewServiceManager(serviceConfig(cfg), nil, nil)
}
