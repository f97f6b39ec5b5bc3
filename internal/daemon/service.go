package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kardianos/service"
	"go.uber.org/zap"
)

// Runner is the daemon body. It returns once ctx is done.
type Runner func(ctx context.Context) error

// ServiceConfig describes the system service entry.
type ServiceConfig struct {
	Name        string
	DisplayName string
	Description string
	// Arguments are passed to the executable by the service manager.
	Arguments   []string
	StopTimeout time.Duration
}

// program implements service.Interface around a Runner.
type program struct {
	run         Runner
	logger      *zap.Logger
	stopTimeout time.Duration

	cancel context.CancelFunc
	done   chan error
}

func (p *program) Start(service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() {
		p.done <- p.run(ctx)
	}()
	p.logger.Info("service started")
	return nil
}

func (p *program) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.logger.Info("service stopping")
	p.cancel()
	select {
	case err := <-p.done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		p.logger.Info("service stopped")
		return nil
	case <-time.After(p.stopTimeout):
		return fmt.Errorf("daemon: service did not stop within %s", p.stopTimeout)
	}
}

// ServiceManager installs relayd as a system service and runs it under the
// service manager.
type ServiceManager struct {
	service service.Service
	program *program
}

// NewServiceManager creates a manager for the current executable.
func NewServiceManager(cfg ServiceConfig, run Runner, logger *zap.Logger) (*ServiceManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("daemon: locate executable: %w", err)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}

	svcConfig := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   cfg.Arguments,
		Executable:  execPath,
		Option: service.KeyValue{
			// systemd
			"Restart":            "always",
			"RestartSec":         "1",
			"StartLimitInterval": "0",
			// launchd
			"KeepAlive": true,
			"RunAtLoad": true,
		},
	}

	prg := &program{run: run, logger: logger, stopTimeout: cfg.StopTimeout}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		return nil, fmt.Errorf("daemon: create service: %w", err)
	}
	return &ServiceManager{service: s, program: prg}, nil
}

// Install registers the service with the system service manager.
func (m *ServiceManager) Install() error {
	return m.service.Install()
}

// Uninstall stops and removes the service.
func (m *ServiceManager) Uninstall() error {
	_ = m.service.Stop()
	return m.service.Uninstall()
}

// Status reports the service state as seen by the service manager, or
// "not installed".
func (m *ServiceManager) Status() (string, error) {
	return describeStatus(m.service.Status())
}

func describeStatus(st service.Status, err error) (string, error) {
	if errors.Is(err, service.ErrNotInstalled) {
		return "not installed", nil
	}
	if err != nil {
		return "", err
	}
	return statusString(st), nil
}

// Run blocks under the service manager until it stops the service.
func (m *ServiceManager) Run() error {
	return m.service.Run()
}

// Interactive reports whether the process runs from a terminal rather than
// under a service manager.
func Interactive() bool {
	return service.Interactive()
}

func statusString(st service.Status) string {
	switch st {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	case service.StatusUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("status %d", st)
	}
}
