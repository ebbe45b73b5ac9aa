// Package pacsserver assembles a running PACS from the configuration: it
// builds the event bus, constructs the enabled components, runs the
// lifecycle channels, and serves DICOM on the configured port.
package pacsserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/caio-sobreiro/tinypacs/ae"
	"github.com/caio-sobreiro/tinypacs/config"
	"github.com/caio-sobreiro/tinypacs/database"
	"github.com/caio-sobreiro/tinypacs/devices"
	"github.com/caio-sobreiro/tinypacs/eventbus"
	"github.com/caio-sobreiro/tinypacs/interfaces"
	"github.com/caio-sobreiro/tinypacs/pacs"
	"github.com/caio-sobreiro/tinypacs/server"
	"github.com/caio-sobreiro/tinypacs/storage"
)

// constructors maps component names to their factories. Each factory binds
// the component to the bus; the return value is only kept alive.
var constructors = map[string]func(*eventbus.Bus, config.ComponentConfig) any{
	config.ComponentDatabase: func(b *eventbus.Bus, c config.ComponentConfig) any {
		return database.New(b, c)
	},
	config.ComponentDevices: func(b *eventbus.Bus, c config.ComponentConfig) any {
		return devices.New(b, c)
	},
	config.ComponentPACS: func(b *eventbus.Bus, c config.ComponentConfig) any {
		return pacs.New(b, c)
	},
	config.ComponentFileStorage: func(b *eventbus.Bus, c config.ComponentConfig) any {
		return storage.NewFileStorage(b, c)
	},
	config.ComponentInMemoryStorage: func(b *eventbus.Bus, c config.ComponentConfig) any {
		return storage.NewInMemory(b, c)
	},
	config.ComponentTempFileStorage: func(b *eventbus.Bus, c config.ComponentConfig) any {
		return storage.NewTempFile(b, c)
	},
}

// Server is one assembled PACS instance.
type Server struct {
	cfg        *config.Config
	bus        *eventbus.Bus
	frontend   *ae.AE
	components []any
	logger     *slog.Logger
}

// New builds the bus and the enabled components. The server is not yet
// started; Run drives the lifecycle.
func New(cfg *config.Config) (*Server, error) {
	setupLogging(cfg)

	s := &Server{
		cfg:    cfg,
		bus:    eventbus.New(),
		logger: slog.Default().With("component", "Server"),
	}

	for name, compCfg := range cfg.EnabledComponents() {
		if !compCfg.On() {
			continue
		}
		build, ok := constructors[name]
		if !ok {
			return nil, fmt.Errorf("pacsserver: unknown component %q", name)
		}
		s.components = append(s.components, build(s.bus, compCfg))
	}

	s.frontend = ae.New(s.bus, cfg.AE)
	return s, nil
}

// Bus exposes the event bus, mainly for tests and embedders.
func (s *Server) Bus() *eventbus.Bus {
	return s.bus
}

// Handler exposes the DIMSE dispatcher behind the front-end, for embedders
// that bring their own transport.
func (s *Server) Handler() interfaces.ServiceHandler {
	return s.frontend.Handler()
}

// Run starts the components and serves DICOM until the context is cancelled
// or a SIGINT/SIGTERM arrives.
func (s *Server) Run(ctx context.Context) error {
	if _, err := s.bus.Broadcast(eventbus.OnStart); err != nil {
		return fmt.Errorf("pacsserver: startup: %w", err)
	}
	if _, err := s.bus.Broadcast(eventbus.OnStarted); err != nil {
		return fmt.Errorf("pacsserver: startup: %w", err)
	}
	defer s.bus.BroadcastNothrow(eventbus.OnExit)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	address := fmt.Sprintf(":%d", s.cfg.AE.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("pacsserver: listen on %s: %w", address, err)
	}
	defer listener.Close()

	s.logger.Info("PACS running",
		"aet", s.cfg.MainAET(),
		"port", s.cfg.AE.Port)

	srv := server.New(s.cfg.MainAET(), s.frontend.Handler(),
		server.WithValidator(s.frontend),
		server.WithMaxPDULength(s.cfg.AE.MaxPDULength),
		server.WithTransferSyntaxes(s.cfg.AE.SupportedTS),
	)
	return srv.Serve(ctx, listener)
}

// Start runs the lifecycle start channels without serving, for embedding the
// components in-process. The caller is responsible for broadcasting OnExit.
func (s *Server) Start() error {
	if _, err := s.bus.Broadcast(eventbus.OnStart); err != nil {
		return err
	}
	_, err := s.bus.Broadcast(eventbus.OnStarted)
	return err
}

// Stop broadcasts the exit channel. Every component gets to run its cleanup
// even when one of them fails.
func (s *Server) Stop() {
	s.bus.BroadcastNothrow(eventbus.OnExit)
}

func setupLogging(cfg *config.Config) {
	level, ok := cfg.LogLevel()
	if !ok {
		slog.Warn("Unknown log level, using info", "level", cfg.Log.Level)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(level),
	})
	slog.SetDefault(slog.New(handler))
}
