package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Pipelex/pipelex-api/internal/adapters/config/file"
	"github.com/Pipelex/pipelex-api/internal/adapters/events/direct"
	"github.com/Pipelex/pipelex-api/internal/adapters/storage/memory"
	"github.com/Pipelex/pipelex-api/internal/adapters/storage/redis"
	"github.com/Pipelex/pipelex-api/internal/adapters/storage/sqlite"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
)

// Option is a functional option for configuring a Server.
type Option func(*Server) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(s *Server) error {
		provider, err := file.NewProvider(path, s.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		s.config = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(s *Server) error {
		s.config = provider
		return nil
	}
}

// WithMemoryStorage keeps runs in process for ttl (0 means the default TTL).
func WithMemoryStorage(ttl time.Duration) Option {
	return func(s *Server) error {
		s.storage = memory.NewProvider(ttl)
		return nil
	}
}

// WithSQLite uses SQLite storage.
func WithSQLite(path string) Option {
	return func(s *Server) error {
		store, err := sqlite.NewProvider(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		s.storage = store
		return nil
	}
}

// WithRedis uses Redis storage. Runs expire after ttl.
func WithRedis(url string, ttl time.Duration) Option {
	return func(s *Server) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := redis.NewProvider(ctx, url, ttl)
		if err != nil {
			return fmt.Errorf("create redis storage: %w", err)
		}
		s.storage = store
		return nil
	}
}

// WithStorageProvider sets a custom storage provider.
func WithStorageProvider(provider ports.StorageProvider) Option {
	return func(s *Server) error {
		s.storage = provider
		return nil
	}
}

// WithDirectEvents writes events directly to storage (default).
func WithDirectEvents() Option {
	return func(s *Server) error {
		if s.storage == nil {
			return fmt.Errorf("storage provider must be set before event publisher")
		}
		publisher, err := direct.NewPublisher(s.storage)
		if err != nil {
			return fmt.Errorf("create direct event publisher: %w", err)
		}
		s.events = publisher
		return nil
	}
}

// WithEventPublisher sets a custom event publisher.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(s *Server) error {
		s.events = publisher
		return nil
	}
}

// WithAuthProvider overrides the strategy picked from auth.use_jwt.
func WithAuthProvider(provider ports.AuthProvider) Option {
	return func(s *Server) error {
		s.auth = provider
		return nil
	}
}

// WithBuilder sets the pipe builder instead of the configured OpenAI one.
func WithBuilder(b ports.Builder) Option {
	return func(s *Server) error {
		s.builder = b
		return nil
	}
}

// WithLogger sets a custom logger. Pass it before options that log.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}
