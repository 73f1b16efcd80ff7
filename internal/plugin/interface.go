package plugin

import (
	"context"

	"github.com/zero-day-ai/vigil/internal/types"
)

// Plugin is the contract every plugin implementation satisfies. Instances
// are constructed by a registered Factory when the manager activates the
// plugin's manifest, and shut down when the manifest disappears or the
// plugin is force-unloaded.
type Plugin interface {
	// Name returns the plugin's registered name
	Name() string

	// Version returns the implementation version
	Version() string

	// Init prepares the plugin with the manifest's config block. A
	// returned error marks the load as failed.
	Init(ctx context.Context, config map[string]any) error

	// Shutdown releases the plugin's resources
	Shutdown(ctx context.Context) error

	// Health reports the plugin's current health
	Health(ctx context.Context) types.HealthStatus
}

// SelfTester is an optional capability: plugins implementing it are probed
// after every load and reload. A false result or an error counts as one
// consecutive self-test failure; enough in a row force-unloads the plugin.
type SelfTester interface {
	SelfTest(ctx context.Context) (bool, error)
}

// OnLoader is an optional post-load hook, invoked after a successful load
// and self-test.
type OnLoader interface {
	OnLoad(ctx context.Context) error
}

// Registerer is an optional capability for plugins that attach themselves
// to external systems after loading.
type Registerer interface {
	Register(ctx context.Context) error
}

// OnRegisterer is an optional hook invoked after Register succeeds.
type OnRegisterer interface {
	OnRegister(ctx context.Context) error
}

// Factory constructs a fresh plugin instance. Factories must be cheap and
// side-effect free; all setup belongs in Init.
type Factory func() Plugin
