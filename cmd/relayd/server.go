package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tinytelemetry/relayd/internal/daemon"
	"github.com/tinytelemetry/relayd/internal/forwarder"
	"github.com/tinytelemetry/relayd/internal/graphite"
	"github.com/tinytelemetry/relayd/internal/httpserver"
	"github.com/tinytelemetry/relayd/internal/logging"
	"github.com/tinytelemetry/relayd/internal/queue"
	"github.com/tinytelemetry/relayd/internal/relay"
	"github.com/tinytelemetry/relayd/internal/socketrpc"
	"github.com/tinytelemetry/relayd/internal/tcpserver"
	"github.com/tinytelemetry/relayd/internal/wire"
)

var noBanner bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay in the foreground",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := newConfigViper(configPath, cmd.Flags())
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg, err := decodeConfig(v)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return runServer(cfg, v, !noBanner)
	},
}

func init() {
	runCmd.Flags().String("host", defaultBindHost, "bind host of the data and API ports")
	runCmd.Flags().Int("port", defaultDataPort, "agent data port")
	runCmd.Flags().String("sink-host", defaultSinkHost, "Graphite carbon host")
	runCmd.Flags().Int("sink-port", defaultSinkPort, "Graphite carbon port")
	runCmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	runCmd.Flags().String("log-file", "", "log file (default $HOME/.local/state/relayd/relayd.log)")
	runCmd.Flags().BoolVar(&noBanner, "no-banner", false, "do not print the startup banner")
}

// runServer runs the relay until SIGINT/SIGTERM, or under the system
// service manager when not started from a terminal.
func runServer(cfg appConfig, v *viper.Viper, banner bool) error {
	logger, cleanupLogger, err := logging.New(cfg.loggingConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanupLogger()

	pidfile := daemon.NewPIDFile(cfg.PIDFile)
	if err := pidfile.Acquire(); err != nil {
		return err
	}
	logger.Debug("pidfile locked", zap.String("path", pidfile.Path()))
	defer func() {
		if err := pidfile.Release(); err != nil {
			logger.Warn("releasing pidfile failed", zap.Error(err))
		}
	}()

	watchLogLevel(v, logger)

	if !daemon.Interactive() {
		mgr, err := daemon.NewServiceManager(serviceConfig(cfg), func(ctx context.Context) error {
			return serve(ctx, cfg, logger, false)
		}, logger.Named("service"))
		if err == nil {
			return mgr.Run()
		}
		logger.Warn("no service manager, running standalone", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		if _, ok := <-sigCh; !ok {
			return
		}
		logger.Info("shutting down")
		if banner {
			fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		}
		cancel()

		deadline := time.NewTimer(cfg.StopTimeout)
		defer deadline.Stop()

		select {
		case <-sigCh:
			logger.Warn("forced shutdown")
		case <-deadline.C:
			logger.Warn("shutdown timed out, forcing exit")
		}
		_ = pidfile.Release()
		cleanupSocket(cfg.SocketPath)
		cleanupLogger()
		os.Exit(1)
	}()

	return serve(ctx, cfg, logger, banner)
}

// serve builds the relay with its control surfaces and runs it until ctx
// is done.
func serve(ctx context.Context, cfg appConfig, logger *logging.Logger, banner bool) error {
	codec, err := wire.CodecByName(cfg.WireCodec)
	if err != nil {
		return err
	}
	encoder, err := graphite.NewEncoder(cfg.SinkProtocol, cfg.SinkPrefix)
	if err != nil {
		return err
	}

	rcfg := relay.Config{
		ListenAddr: cfg.ListenAddr,
		Server: tcpserver.ServerConfig{
			MaxFrameSize: cfg.ChunkSize,
			ReadTimeout:  cfg.ReadTimeout,
			Codec:        codec,
		},
		QueueCapacity:  cfg.QueueCapacity,
		OverflowPolicy: queue.Policy(cfg.OverflowPolicy),
		Forwarder: forwarder.Config{
			Addr:          cfg.SinkAddr(),
			RetryInterval: cfg.RetryInterval,
			DialTimeout:   cfg.DialTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		},
		Encoder:         encoder,
		RestartInterval: cfg.RestartInterval,
	}
	if cfg.JournalEnabled {
		rcfg.JournalPath = cfg.JournalPath
	}

	r, err := relay.New(rcfg, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize relay: %w", err)
	}

	if cfg.APIEnabled {
		r.SubmitTask("http-api", func(ctx context.Context) error {
			api := httpserver.NewServer(cfg.APIAddr, r, logger.Named("api"))
			if err := api.Start(); err != nil {
				return fmt.Errorf("start API server: %w", err)
			}
			<-ctx.Done()
			return api.Stop()
		})
	}

	r.SubmitTask("control-socket", func(ctx context.Context) error {
		sock := socketrpc.NewServer(cfg.SocketPath, r, socketrpc.ServerOptions{
			Version: version,
			Levels:  logger,
			Logger:  logger.Named("control"),
		})
		if err := sock.Start(); err != nil {
			return err
		}
		<-ctx.Done()
		sock.Stop()
		return nil
	})

	if banner {
		printStartupBanner(cfg)
	}
	logger.Info("relay starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("sink", cfg.SinkAddr()),
		zap.String("protocol", cfg.SinkProtocol),
		zap.String("codec", cfg.WireCodec),
		zap.String("version", version))

	err = r.Run(ctx)
	logger.Info("relay stopped", zap.Error(err))
	return err
}

func serviceConfig(cfg appConfig) daemon.ServiceConfig {
	args := []string{"run", "--no-banner"}
	if cfg.ConfigPath != "" {
		args = append(args, "--config", cfg.ConfigPath)
	}
	return daemon.ServiceConfig{
		Name:        "relayd",
		DisplayName: "relayd telemetry relay",
		Description: "Relays agent measurements to a Graphite carbon receiver.",
		Arguments:   args,
		StopTimeout: cfg.StopTimeout,
	}
}

func cleanupSocket(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func printStartupBanner(cfg appConfig) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╦═╗╔═╗╦  ╔═╗╦ ╦╔╦╗
    ╠╦╝║╣ ║  ╠═╣╚╦╝ ║║
    ╩╚═╚═╝╩═╝╩ ╩ ╩ ═╩╝`)

	ver := dim.Render("v" + version)

	var lines []string
	lines = append(lines, "")
	lines = append(lines, logo)
	lines = append(lines, "    "+ver)
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Gateway"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Agent Data     %s %s", check, cyan.Render(cfg.ListenAddr), dim.Render(cfg.WireCodec)))
	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, fmt.Sprintf("    %s  Unix Socket    %s", check, cyan.Render(shortenPath(cfg.SocketPath))))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Sink"))
	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("    %s  Carbon         %s %s", check, cyan.Render(cfg.SinkAddr()), dim.Render(cfg.SinkProtocol)))
	if cfg.SinkPrefix != "" {
		lines = append(lines, fmt.Sprintf("    %s  Prefix         %s", check, dim.Render(cfg.SinkPrefix)))
	}
	lines = append(lines, fmt.Sprintf("    %s  Retry Every    %s", check, dim.Render(cfg.RetryInterval.String())))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Queue"))
	lines = append(lines, "")
	capacity := "unbounded"
	if cfg.QueueCapacity > 0 {
		capacity = fmt.Sprintf("%d (%s)", cfg.QueueCapacity, cfg.OverflowPolicy)
	}
	lines = append(lines, fmt.Sprintf("    %s  Capacity       %s", check, dim.Render(capacity)))
	if cfg.JournalEnabled {
		lines = append(lines, fmt.Sprintf("    %s  Journal        %s", check, dim.Render(shortenPath(cfg.JournalPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Journal        %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}
	if cfg.LogFile != "" {
		lines = append(lines, fmt.Sprintf("    %s  Log File       %s", check, dim.Render(shortenPath(cfg.LogFile))))
	}

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
