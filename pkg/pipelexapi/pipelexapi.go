// Package pipelexapi provides the public API for embedding the Pipelex API
// server in another process.
package pipelexapi

import (
	"github.com/Pipelex/pipelex-api/internal/runtime"
)

// Server is the Pipelex API process. See internal/runtime.Server.
type Server = runtime.Server

// Option is a functional option for configuring a Server.
type Option = runtime.Option

// New creates a Server with the given options.
// Example:
//
//	srv, err := pipelexapi.New(
//	    pipelexapi.WithFileConfig("config.yaml"),
//	    pipelexapi.WithSQLite("./data/pipelex.db"),
//	)
var New = runtime.New

var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage
	WithMemoryStorage   = runtime.WithMemoryStorage
	WithSQLite          = runtime.WithSQLite
	WithRedis           = runtime.WithRedis
	WithStorageProvider = runtime.WithStorageProvider

	// Events
	WithDirectEvents   = runtime.WithDirectEvents
	WithEventPublisher = runtime.WithEventPublisher

	// Advanced options
	WithAuthProvider = runtime.WithAuthProvider
	WithBuilder      = runtime.WithBuilder
	WithLogger       = runtime.WithLogger
)
