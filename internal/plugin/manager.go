package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zero-day-ai/vigil/internal/events"
	"github.com/zero-day-ai/vigil/internal/observability"
	"github.com/zero-day-ai/vigil/internal/types"
)

const (
	// DefaultPollInterval is the delay between plugin directory scans.
	DefaultPollInterval = 2 * time.Second

	// DefaultSelfTestLimit is the consecutive self-test failure count that
	// force-unloads a plugin.
	DefaultSelfTestLimit = 3
)

// State is a plugin's lifecycle state as tracked by the manager.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoaded   State = "loaded"
	StateFailed   State = "failed"
)

// Status is a point-in-time snapshot of one managed plugin.
type Status struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	Version      string    `json:"version,omitempty"`
	Failures     int       `json:"failures"`
	LastModified time.Time `json:"last_modified"`
}

// managedPlugin is the manager's private record for one manifest.
type managedPlugin struct {
	name         string
	manifestPath string
	lastModified time.Time
	state        State
	failures     int
	failedAt     time.Time
	version      string
	instance     Plugin
}

// Manager watches a directory of plugin manifests and drives the plugin
// lifecycle: load on appearance, reload on modification, unload on removal,
// forced unload after repeated self-test failures. A FAILED plugin is
// terminal until its manifest's mtime changes (or, when a retry cooldown is
// configured, until the cooldown lapses).
//
// All lifecycle state is mutated only by the scan loop; Statuses and Health
// take read snapshots and are safe from other goroutines.
type Manager struct {
	dir      string
	store    *events.Store
	registry FactoryRegistry
	analyzer StaticAnalyzer
	logger   *slog.Logger
	metrics  *observability.Metrics

	pollInterval  time.Duration
	selfTestLimit int
	retryCooldown time.Duration

	// now is swappable for tests
	now func() time.Time

	mu      sync.RWMutex
	plugins map[string]*managedPlugin
}

// ManagerOption is a functional option for configuring a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the structured logger. Default: slog.Default().
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithManagerMetrics sets the metrics recorder. Default: no metrics.
func WithManagerMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithAnalyzer sets the static-analysis gate. Default: NopAnalyzer.
func WithAnalyzer(analyzer StaticAnalyzer) ManagerOption {
	return func(m *Manager) {
		if analyzer != nil {
			m.analyzer = analyzer
		}
	}
}

// WithManagerPollInterval overrides the scan interval.
func WithManagerPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithSelfTestLimit overrides the forced-unload threshold.
func WithSelfTestLimit(limit int) ManagerOption {
	return func(m *Manager) {
		if limit > 0 {
			m.selfTestLimit = limit
		}
	}
}

// WithFailureRetryCooldown enables retrying a FAILED plugin whose manifest
// is untouched after the given interval. Zero keeps FAILED terminal until
// an mtime change.
func WithFailureRetryCooldown(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.retryCooldown = d
		}
	}
}

// NewManager creates a plugin manager over the given directory, creating it
// if needed.
func NewManager(dir string, store *events.Store, registry FactoryRegistry, opts ...ManagerOption) (*Manager, error) {
	if registry == nil {
		return nil, fmt.Errorf("factory registry cannot be nil")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plugin directory %s: %w", dir, err)
	}

	m := &Manager{
		dir:           dir,
		store:         store,
		registry:      registry,
		analyzer:      NopAnalyzer{},
		logger:        slog.Default(),
		pollInterval:  DefaultPollInterval,
		selfTestLimit: DefaultSelfTestLimit,
		now:           time.Now,
		plugins:       make(map[string]*managedPlugin),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Run scans immediately and then on every poll tick until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("plugin manager watching",
		"dir", m.dir, "poll_interval", m.pollInterval, "factories", m.registry.Names())

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		if err := m.Scan(ctx); err != nil {
			m.logger.Error("plugin scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Scan performs one pass over the plugin directory: unloads removed
// plugins, then loads or reloads new and modified manifests. A failure in
// one plugin never stops the scan.
func (m *Manager) Scan(ctx context.Context) error {
	manifests, err := m.listManifests()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current := make(map[string]bool, len(manifests))
	for _, path := range manifests {
		current[manifestStem(path)] = true
	}

	for stem := range m.plugins {
		if !current[stem] {
			m.remove(ctx, stem)
		}
	}

	now := m.now()
	for _, path := range manifests {
		stem := manifestStem(path)
		info, err := os.Stat(path)
		if err != nil {
			// Removed between listing and stat; next scan handles it.
			continue
		}
		mtime := info.ModTime()

		entry, tracked := m.plugins[stem]
		switch {
		case !tracked:
			m.loadOrReload(ctx, stem, path, mtime)
		case mtime.After(entry.lastModified):
			m.loadOrReload(ctx, stem, path, mtime)
		case entry.state == StateFailed && m.retryCooldown > 0 && now.Sub(entry.failedAt) >= m.retryCooldown:
			m.logger.Info("retrying failed plugin after cooldown", "plugin", entry.name)
			m.loadOrReload(ctx, stem, path, mtime)
		}
	}
	return nil
}

// listManifests returns the manifest paths in the plugin directory,
// skipping underscore- and dot-prefixed names.
func (m *Manager) listManifests() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory %s: %w", m.dir, err)
	}

	var manifests []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
			continue
		}
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		manifests = append(manifests, filepath.Join(m.dir, name))
	}
	sort.Strings(manifests)
	return manifests, nil
}

// loadOrReload drives a single plugin through the gate, construct, init,
// self-test, hook sequence. Every failure path records the manifest mtime
// so an unchanged failing plugin is not retried on the next poll.
func (m *Manager) loadOrReload(ctx context.Context, stem, path string, mtime time.Time) {
	entry, tracked := m.plugins[stem]
	if !tracked {
		entry = &managedPlugin{name: stem, state: StateUnloaded}
		m.plugins[stem] = entry
	}
	entry.manifestPath = path
	entry.lastModified = mtime

	manifest, err := LoadManifest(path)
	if err != nil {
		m.fail(ctx, entry, "manifest", err)
		return
	}
	entry.name = manifest.Name

	if err := m.analyzer.Analyze(ctx, path); err != nil {
		m.logger.Error("static analysis blocked plugin load", "plugin", entry.name, "error", err)
		entry.state = StateFailed
		entry.failedAt = m.now()
		entry.failures++
		m.publish(ctx, events.EventPluginStaticAnalysisFailed, map[string]any{
			"plugin": entry.name, "error": err.Error(),
		})
		m.metrics.AddPluginFailure(ctx, entry.name, "static_analysis")
		return
	}

	factory, err := m.registry.Lookup(manifest.Name)
	if err != nil {
		m.fail(ctx, entry, "factory", err)
		return
	}

	reload := entry.instance != nil
	if reload {
		old := entry.instance
		if err := callPlugin(entry.name, "shutdown", func() error { return old.Shutdown(ctx) }); err != nil {
			m.logger.Warn("plugin shutdown before reload failed", "plugin", entry.name, "error", err)
		}
		entry.instance = nil
	}

	var instance Plugin
	err = callPlugin(entry.name, "init", func() error {
		instance = factory()
		if instance == nil {
			return fmt.Errorf("factory for %s returned nil", manifest.Name)
		}
		return instance.Init(ctx, manifest.Config)
	})
	if err != nil {
		m.fail(ctx, entry, "init", err)
		return
	}

	entry.instance = instance
	entry.version = instance.Version()
	entry.state = StateLoaded

	eventType := events.EventPluginLoaded
	if reload {
		eventType = events.EventPluginReloaded
	}
	m.publish(ctx, eventType, map[string]any{"plugin": entry.name, "file": path})
	m.metrics.AddPluginLoad(ctx, entry.name)
	m.logger.Info("plugin "+string(eventType), "plugin", entry.name, "version", entry.version)

	if !m.selfTest(ctx, entry) {
		return
	}

	m.runHooks(ctx, entry)
}

// selfTest probes the optional SelfTester capability. Returns false when
// the plugin was force-unloaded or the self-test failed; the consecutive
// failure counter survives reloads and resets only on a passing test.
func (m *Manager) selfTest(ctx context.Context, entry *managedPlugin) bool {
	tester, ok := entry.instance.(SelfTester)
	if !ok {
		entry.failures = 0
		return true
	}

	var passed bool
	err := callPlugin(entry.name, "self_test", func() error {
		var err error
		passed, err = tester.SelfTest(ctx)
		return err
	})
	if err == nil && passed {
		entry.failures = 0
		return true
	}
	if err == nil {
		err = fmt.Errorf("self-test returned false")
	}

	entry.failures++
	m.logger.Warn("plugin self-test failed",
		"plugin", entry.name, "failures", entry.failures, "limit", m.selfTestLimit, "error", err)
	m.metrics.AddPluginFailure(ctx, entry.name, "self_test")

	if entry.failures >= m.selfTestLimit {
		m.forceUnload(ctx, entry, err)
	}
	return false
}

// runHooks invokes the optional lifecycle hooks in order, each
// independently fault-isolated: a failing hook is logged and the rest
// still run.
func (m *Manager) runHooks(ctx context.Context, entry *managedPlugin) {
	if hook, ok := entry.instance.(OnLoader); ok {
		if err := callPlugin(entry.name, "on_load", func() error { return hook.OnLoad(ctx) }); err != nil {
			m.logger.Warn("plugin on_load hook failed", "plugin", entry.name, "error", err)
			m.metrics.AddPluginFailure(ctx, entry.name, "on_load")
		}
	}
	if hook, ok := entry.instance.(Registerer); ok {
		if err := callPlugin(entry.name, "register", func() error { return hook.Register(ctx) }); err != nil {
			m.logger.Warn("plugin register hook failed", "plugin", entry.name, "error", err)
			m.metrics.AddPluginFailure(ctx, entry.name, "register")
			return
		}
		if hook, ok := entry.instance.(OnRegisterer); ok {
			if err := callPlugin(entry.name, "on_register", func() error { return hook.OnRegister(ctx) }); err != nil {
				m.logger.Warn("plugin on_register hook failed", "plugin", entry.name, "error", err)
				m.metrics.AddPluginFailure(ctx, entry.name, "on_register")
			}
		}
	}
}

// fail records a load failure: the plugin stays tracked in FAILED with the
// manifest mtime recorded, so it is retried only when the file changes.
func (m *Manager) fail(ctx context.Context, entry *managedPlugin, stage string, err error) {
	entry.failures++
	entry.state = StateFailed
	entry.failedAt = m.now()
	entry.instance = nil

	m.logger.Error("plugin load failed",
		"plugin", entry.name, "stage", stage, "failures", entry.failures, "error", err)
	m.publish(ctx, events.EventPluginFailed, map[string]any{
		"plugin": entry.name, "error": err.Error(),
	})
	m.metrics.AddPluginFailure(ctx, entry.name, stage)
}

// forceUnload shuts the plugin down after repeated self-test failures and
// marks it FAILED. The failure is announced twice on purpose: a
// plugin_failed for the unload itself, then the static-analysis failure
// type as the distinguishing marker collaborators alert on.
func (m *Manager) forceUnload(ctx context.Context, entry *managedPlugin, cause error) {
	instance := entry.instance
	if instance != nil {
		if err := callPlugin(entry.name, "shutdown", func() error { return instance.Shutdown(ctx) }); err != nil {
			m.logger.Warn("plugin shutdown during force unload failed", "plugin", entry.name, "error", err)
		}
	}
	entry.instance = nil
	entry.state = StateFailed
	entry.failedAt = m.now()

	m.logger.Error("plugin force-unloaded after repeated self-test failures",
		"plugin", entry.name, "failures", entry.failures, "error", cause)
	m.publish(ctx, events.EventPluginFailed, map[string]any{"plugin": entry.name})
	m.publish(ctx, events.EventPluginStaticAnalysisFailed, map[string]any{
		"plugin": entry.name, "error": cause.Error(),
	})
}

// remove unloads a plugin whose manifest disappeared.
func (m *Manager) remove(ctx context.Context, stem string) {
	entry := m.plugins[stem]
	delete(m.plugins, stem)

	if entry.instance != nil {
		if err := callPlugin(entry.name, "shutdown", func() error { return entry.instance.Shutdown(ctx) }); err != nil {
			m.logger.Warn("plugin shutdown on removal failed", "plugin", entry.name, "error", err)
		}
	}
	m.logger.Info("plugin unloaded", "plugin", entry.name)
	m.publish(ctx, events.EventPluginUnloaded, map[string]any{"plugin": entry.name})
}

// Shutdown stops all loaded plugin instances without emitting lifecycle
// events; it is the process-exit path, not an unload.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, entry := range m.plugins {
		if entry.instance == nil {
			continue
		}
		instance := entry.instance
		if err := callPlugin(entry.name, "shutdown", func() error { return instance.Shutdown(ctx) }); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", entry.name, err))
		}
		entry.instance = nil
		entry.state = StateUnloaded
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Statuses returns a snapshot of every tracked plugin, sorted by name.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]Status, 0, len(m.plugins))
	for _, entry := range m.plugins {
		statuses = append(statuses, Status{
			Name:         entry.name,
			State:        entry.state,
			Version:      entry.version,
			Failures:     entry.failures,
			LastModified: entry.lastModified,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Health returns the aggregate health of the managed plugins.
func (m *Manager) Health(ctx context.Context) types.HealthStatus {
	m.mu.RLock()
	total := len(m.plugins)
	failed := 0
	instances := make(map[string]Plugin)
	for _, entry := range m.plugins {
		if entry.state == StateFailed {
			failed++
		}
		if entry.instance != nil {
			instances[entry.name] = entry.instance
		}
	}
	m.mu.RUnlock()

	if total == 0 {
		return types.Healthy("no plugins loaded")
	}
	for name, instance := range instances {
		health := instance.Health(ctx)
		if health.State == types.HealthStateUnhealthy {
			return types.Unhealthy(fmt.Sprintf("plugin %s is unhealthy: %s", name, health.Message))
		}
	}
	if failed > 0 {
		return types.Degraded(fmt.Sprintf("%d/%d plugins failed", failed, total))
	}
	return types.Healthy(fmt.Sprintf("%d/%d plugins loaded", total-failed, total))
}

// publish emits a lifecycle event, logging on failure. Event delivery is
// best-effort from the manager's perspective.
func (m *Manager) publish(ctx context.Context, eventType events.EventType, data map[string]any) {
	if m.store == nil {
		return
	}
	if _, err := m.store.Publish(ctx, eventType, data); err != nil {
		m.logger.Warn("failed to publish plugin event", "event_type", eventType, "error", err)
	}
}

// callPlugin invokes plugin code with panic isolation.
func callPlugin(name, stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin %s %s panicked: %v", name, stage, r)
		}
	}()
	return fn()
}
