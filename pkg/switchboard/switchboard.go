// Package switchboard provides the public API for embedding the control plane.
// This is the stable API for external consumers.
package switchboard

import (
	"github.com/tjfontaine/switchboard/internal/runtime"
	"github.com/tjfontaine/switchboard/internal/target"
)

// Switchboard is the main entry point for running the control plane.
// See internal/runtime.Switchboard for full documentation.
type Switchboard = runtime.Switchboard

// Option is a functional option for configuring a Switchboard.
type Option = runtime.Option

// Handler serves a local target in-process.
type Handler = target.Handler

// New creates a new Switchboard with the given options.
// Example:
//
//	sb, err := switchboard.New(
//	    switchboard.WithFileConfig("config.yaml"),
//	    switchboard.WithSQLite("./data/switchboard.db"),
//	    switchboard.WithLocalHandler("general", generalHandler),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfig         = runtime.WithConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage
	WithSQLite      = runtime.WithSQLite
	WithPostgres    = runtime.WithPostgres
	WithMemoryStore = runtime.WithMemoryStore
	WithStore       = runtime.WithStore

	// Routing and targets
	WithCollaborator = runtime.WithCollaborator
	WithTransport    = runtime.WithTransport
	WithLocalHandler = runtime.WithLocalHandler

	// Advanced options
	WithLogger         = runtime.WithLogger
	WithEventPublisher = runtime.WithEventPublisher
	WithSignalNotifier = runtime.WithSignalNotifier
	WithRecorder       = runtime.WithRecorder
)
