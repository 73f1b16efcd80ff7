package main

import (
	"context"
	"time"

	"github.com/zero-day-ai/vigil/internal/plugin"
	"github.com/zero-day-ai/vigil/internal/types"
)

// builtinRegistry returns the factory registry with the plugins compiled
// into this binary. Deployments embedding vigil as a library supply their
// own registry.
func builtinRegistry() plugin.FactoryRegistry {
	registry := plugin.NewFactoryRegistry()
	// Registration of compiled-in factories cannot fail with unique names.
	_ = registry.Register("heartbeat", func() plugin.Plugin { return &heartbeatPlugin{} })
	return registry
}

// heartbeatPlugin is a minimal built-in plugin: it exists so a fresh
// install can drop heartbeat.yaml into the plugin directory and watch the
// full lifecycle work.
type heartbeatPlugin struct {
	interval time.Duration
	started  time.Time
}

var _ plugin.Plugin = (*heartbeatPlugin)(nil)
var _ plugin.SelfTester = (*heartbeatPlugin)(nil)

func (p *heartbeatPlugin) Name() string    { return "heartbeat" }
func (p *heartbeatPlugin) Version() string { return "1.0.0" }

func (p *heartbeatPlugin) Init(_ context.Context, config map[string]any) error {
	p.interval = time.Minute
	if raw, ok := config["interval"].(string); ok {
		if d, err := time.ParseDuration(raw); err == nil {
			p.interval = d
		}
	}
	p.started = time.Now()
	return nil
}

func (p *heartbeatPlugin) Shutdown(context.Context) error { return nil }

func (p *heartbeatPlugin) SelfTest(context.Context) (bool, error) {
	return p.interval > 0, nil
}

func (p *heartbeatPlugin) Health(context.Context) types.HealthStatus {
	return types.Healthy("beating since " + p.started.UTC().Format(time.RFC3339))
}
