package runtime

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/switchboard/internal/adapters/config/file"
	"github.com/tjfontaine/switchboard/internal/core/ports"
	"github.com/tjfontaine/switchboard/internal/pkg/config"
	"github.com/tjfontaine/switchboard/internal/storage/memory"
	"github.com/tjfontaine/switchboard/internal/storage/sqldb"
	"github.com/tjfontaine/switchboard/internal/target"
	"github.com/tjfontaine/switchboard/internal/telemetry"
)

// Option is a functional option for configuring a Switchboard.
type Option func(*Switchboard) error

// WithFileConfig uses file-based configuration with hot-reload.
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(s *Switchboard) error {
		s.configPath = path
		return nil
	}
}

// WithConfig uses a fixed configuration. Hot reload is disabled.
func WithConfig(cfg *config.Config) Option {
	return func(s *Switchboard) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		s.config = file.NewStatic(cfg)
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(s *Switchboard) error {
		s.config = provider
		return nil
	}
}

// WithSQLite uses SQLite storage, overriding the storage section of the config.
func WithSQLite(path string) Option {
	return func(s *Switchboard) error {
		store, err := sqldb.NewSQLite(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		s.store = store
		return nil
	}
}

// WithPostgres uses PostgreSQL storage, overriding the storage section of the config.
func WithPostgres(dsn string) Option {
	return func(s *Switchboard) error {
		store, err := sqldb.NewPostgres(dsn)
		if err != nil {
			return fmt.Errorf("create postgres storage: %w", err)
		}
		s.store = store
		return nil
	}
}

// WithMemoryStore keeps all state in memory. Nothing survives a restart.
func WithMemoryStore() Option {
	return func(s *Switchboard) error {
		s.store = memory.New()
		return nil
	}
}

// WithStore sets a custom store.
func WithStore(store ports.Store) Option {
	return func(s *Switchboard) error {
		s.store = store
		return nil
	}
}

// WithCollaborator sets the routing collaborator, overriding collaborator config.
func WithCollaborator(c ports.Collaborator) Option {
	return func(s *Switchboard) error {
		s.collaborator = c
		s.collaboratorSet = true
		return nil
	}
}

// WithTransport replaces the HTTP transport used for http-kind targets.
func WithTransport(t ports.Transport) Option {
	return func(s *Switchboard) error {
		s.httpTransport = t
		return nil
	}
}

// WithLocalHandler serves the named local target in-process.
func WithLocalHandler(name string, h target.Handler) Option {
	return func(s *Switchboard) error {
		s.local.Handle(name, h)
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Switchboard) error {
		s.logger = logger
		return nil
	}
}

// WithEventPublisher sets a custom lifecycle event publisher.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(s *Switchboard) error {
		s.events = publisher
		return nil
	}
}

// WithSignalNotifier delivers status signals to interactive channels.
func WithSignalNotifier(n ports.SignalNotifier) Option {
	return func(s *Switchboard) error {
		s.notifier = n
		return nil
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r telemetry.Recorder) Option {
	return func(s *Switchboard) error {
		s.recorder = r
		return nil
	}
}
