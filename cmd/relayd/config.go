package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tinytelemetry/relayd/internal/graphite"
	"github.com/tinytelemetry/relayd/internal/logging"
	"github.com/tinytelemetry/relayd/internal/model"
	"github.com/tinytelemetry/relayd/internal/queue"
	"github.com/tinytelemetry/relayd/internal/socketrpc"
	"github.com/tinytelemetry/relayd/internal/wire"
)

const (
	defaultBindHost        = model.DefaultBindHost
	defaultDataPort        = model.DefaultDataPort
	defaultAPIPort         = model.DefaultAPIPort
	defaultChunkSize       = model.DefaultChunkSize
	defaultReadTimeout     = model.DefaultReadTimeout
	defaultSinkHost        = model.DefaultSinkHost
	defaultSinkPort        = model.DefaultSinkPort
	defaultRetryInterval   = model.DefaultRetryInterval
	defaultDialTimeout     = model.DefaultDialTimeout
	defaultWriteTimeout    = model.DefaultWriteTimeout
	defaultRestartInterval = time.Second
	defaultStopTimeout     = 15 * time.Second
	defaultLogMaxSize      = 50 // megabytes
	defaultLogMaxBackups   = 3
	defaultLogMaxAge       = 28 // days
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ListenAddr      string        `mapstructure:"listen-addr" yaml:"listen-addr"`
	ChunkSize       int           `mapstructure:"chunk-size" yaml:"chunk-size"`
	ReadTimeout     time.Duration `mapstructure:"read-timeout" yaml:"read-timeout"`
	WireCodec       string        `mapstructure:"wire-codec" yaml:"wire-codec"`
	SinkHost        string        `mapstructure:"sink-host" yaml:"sink-host"`
	SinkPort        int           `mapstructure:"sink-port" yaml:"sink-port"`
	SinkProtocol    string        `mapstructure:"sink-protocol" yaml:"sink-protocol"`
	SinkPrefix      string        `mapstructure:"sink-prefix" yaml:"sink-prefix"`
	RetryInterval   time.Duration `mapstructure:"retry-interval" yaml:"retry-interval"`
	DialTimeout     time.Duration `mapstructure:"dial-timeout" yaml:"dial-timeout"`
	WriteTimeout    time.Duration `mapstructure:"write-timeout" yaml:"write-timeout"`
	RestartInterval time.Duration `mapstructure:"restart-interval" yaml:"restart-interval"`
	QueueCapacity   int           `mapstructure:"queue-capacity" yaml:"queue-capacity"`
	OverflowPolicy  string        `mapstructure:"overflow-policy" yaml:"overflow-policy"`
	JournalEnabled  bool          `mapstructure:"journal-enabled" yaml:"journal-enabled"`
	JournalPath     string        `mapstructure:"journal-path" yaml:"journal-path"`
	PIDFile         string        `mapstructure:"pidfile" yaml:"pidfile"`
	StopTimeout     time.Duration `mapstructure:"stop-timeout" yaml:"stop-timeout"`
	LogFile         string        `mapstructure:"log-file" yaml:"log-file"`
	LogLevel        string        `mapstructure:"log-level" yaml:"log-level"`
	LogMaxSize      int           `mapstructure:"log-max-size" yaml:"log-max-size"`
	LogMaxBackups   int           `mapstructure:"log-max-backups" yaml:"log-max-backups"`
	LogMaxAge       int           `mapstructure:"log-max-age" yaml:"log-max-age"`
	LogCompress     bool          `mapstructure:"log-compress" yaml:"log-compress"`
	APIEnabled      bool          `mapstructure:"api-enabled" yaml:"api-enabled"`
	APIPort         int           `mapstructure:"api-port" yaml:"api-port"`
	APIAddr         string        `mapstructure:"api-addr" yaml:"api-addr"`
	SocketPath      string        `mapstructure:"socket-path" yaml:"socket-path"`
	ConfigPath      string        `mapstructure:"-" yaml:"-"` // not from config file
}

// SinkAddr is the carbon receiver address.
func (c appConfig) SinkAddr() string {
	return net.JoinHostPort(c.SinkHost, strconv.Itoa(c.SinkPort))
}

func (c appConfig) loggingConfig() logging.Config {
	return logging.Config{
		Level:      c.LogLevel,
		File:       c.LogFile,
		MaxSize:    c.LogMaxSize,
		MaxBackups: c.LogMaxBackups,
		MaxAge:     c.LogMaxAge,
		Compress:   c.LogCompress,
	}
}

// loadConfig reads defaults, the config file, RELAYD_* environment variables
// and any bound flags, in increasing order of precedence.
func loadConfig(configPath string, flags ...*pflag.FlagSet) (appConfig, error) {
	v, err := newConfigViper(configPath, flags...)
	if err != nil {
		return appConfig{}, err
	}
	return decodeConfig(v)
}

func newConfigViper(configPath string, flags ...*pflag.FlagSet) (*viper.Viper, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("finding home directory: %w", err)
	}
	stateDir := filepath.Join(home, ".local", "state", "relayd")

	v := viper.New()
	v.SetEnvPrefix("RELAYD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("host", defaultBindHost)
	v.SetDefault("port", defaultDataPort)
	v.SetDefault("chunk-size", defaultChunkSize)
	v.SetDefault("read-timeout", defaultReadTimeout)
	v.SetDefault("wire-codec", wire.CodecCBOR)
	v.SetDefault("sink-host", defaultSinkHost)
	v.SetDefault("sink-port", defaultSinkPort)
	v.SetDefault("sink-protocol", graphite.ProtocolPickle)
	v.SetDefault("sink-prefix", "")
	v.SetDefault("retry-interval", defaultRetryInterval)
	v.SetDefault("dial-timeout", defaultDialTimeout)
	v.SetDefault("write-timeout", defaultWriteTimeout)
	v.SetDefault("restart-interval", defaultRestartInterval)
	v.SetDefault("queue-capacity", 0)
	v.SetDefault("overflow-policy", string(queue.DropNewest))
	v.SetDefault("journal-enabled", false)
	v.SetDefault("journal-path", filepath.Join(home, ".local", "share", "relayd", "queue.journal"))
	v.SetDefault("pidfile", filepath.Join(stateDir, "relayd.pid"))
	v.SetDefault("stop-timeout", defaultStopTimeout)
	v.SetDefault("log-file", filepath.Join(stateDir, "relayd.log"))
	v.SetDefault("log-level", "info")
	v.SetDefault("log-max-size", defaultLogMaxSize)
	v.SetDefault("log-max-backups", defaultLogMaxBackups)
	v.SetDefault("log-max-age", defaultLogMaxAge)
	v.SetDefault("log-compress", false)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())

	for _, fs := range flags {
		if fs == nil {
			continue
		}
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "relayd", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return v, nil
}

func decodeConfig(v *viper.Viper) (appConfig, error) {
	var cfg appConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	home, _ := os.UserHomeDir()
	for _, p := range []*string{&cfg.JournalPath, &cfg.PIDFile, &cfg.LogFile, &cfg.SocketPath} {
		if home != "" && strings.HasPrefix(*p, "~/") {
			*p = filepath.Join(home, (*p)[2:])
		}
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}
	return cfg, nil
}

func (c appConfig) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.SinkPort <= 0 || c.SinkPort > 65535 {
		return fmt.Errorf("invalid sink-port: %d", c.SinkPort)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("invalid api-port: %d", c.APIPort)
	}
	if c.SinkHost == "" {
		return errors.New("sink-host must not be empty")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk-size: %d", c.ChunkSize)
	}
	for name, d := range map[string]time.Duration{
		"read-timeout":     c.ReadTimeout,
		"retry-interval":   c.RetryInterval,
		"dial-timeout":     c.DialTimeout,
		"write-timeout":    c.WriteTimeout,
		"restart-interval": c.RestartInterval,
		"stop-timeout":     c.StopTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s: %s", name, d)
		}
	}
	if _, err := wire.CodecByName(c.WireCodec); err != nil {
		return fmt.Errorf("invalid wire-codec: %w", err)
	}
	if _, err := graphite.NewEncoder(c.SinkProtocol, c.SinkPrefix); err != nil {
		return fmt.Errorf("invalid sink-protocol: %w", err)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("invalid queue-capacity: %d", c.QueueCapacity)
	}
	policy, err := queue.ParsePolicy(c.OverflowPolicy)
	if err != nil {
		return fmt.Errorf("invalid overflow-policy: %w", err)
	}
	if policy == queue.Block && c.QueueCapacity == 0 {
		return errors.New("overflow-policy block requires queue-capacity > 0")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log-level: %w", err)
	}
	if c.JournalEnabled && c.JournalPath == "" {
		return errors.New("journal-enabled requires journal-path")
	}
	return nil
}

// watchLogLevel applies log-level edits in the config file to a running
// daemon. Other keys take effect on restart.
func watchLogLevel(v *viper.Viper, logger *logging.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	if _, err := os.Stat(v.ConfigFileUsed()); err != nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		level := v.GetString("log-level")
		if err := logger.SetLevel(level); err != nil {
			logger.Warn("config reload: ignoring log-level", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("file", e.Name), zap.String("log_level", level))
	})
	v.WatchConfig()
}
