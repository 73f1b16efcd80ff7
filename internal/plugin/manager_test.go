package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/vigil/internal/events"
	"github.com/zero-day-ai/vigil/internal/types"
)

type basePlugin struct {
	name       string
	initErr    error
	initConfig map[string]any
	initCalls  int
	shutdowns  int
}

func (p *basePlugin) Name() string    { return p.name }
func (p *basePlugin) Version() string { return "1.0.0" }

func (p *basePlugin) Init(_ context.Context, config map[string]any) error {
	p.initCalls++
	p.initConfig = config
	return p.initErr
}

func (p *basePlugin) Shutdown(context.Context) error {
	p.shutdowns++
	return nil
}

func (p *basePlugin) Health(context.Context) types.HealthStatus {
	return types.Healthy("ok")
}

// selfTestPlugin shares its result pointer across instances so tests can
// flip the outcome between scans.
type selfTestPlugin struct {
	basePlugin
	result *bool
}

func (p *selfTestPlugin) SelfTest(context.Context) (bool, error) {
	return *p.result, nil
}

type hookPlugin struct {
	basePlugin
	calls       *[]string
	registerErr error
}

func (p *hookPlugin) OnLoad(context.Context) error {
	*p.calls = append(*p.calls, "on_load")
	return nil
}

func (p *hookPlugin) Register(context.Context) error {
	*p.calls = append(*p.calls, "register")
	return p.registerErr
}

func (p *hookPlugin) OnRegister(context.Context) error {
	*p.calls = append(*p.calls, "on_register")
	return nil
}

type blockingAnalyzer struct {
	err error
}

func (a blockingAnalyzer) Analyze(context.Context, string) error { return a.err }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, registry FactoryRegistry, opts ...ManagerOption) (*Manager, *events.Store, string) {
	t.Helper()

	store, err := events.NewStore(filepath.Join(t.TempDir(), "events"))
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "plugins")
	opts = append([]ManagerOption{WithManagerLogger(discardLogger())}, opts...)
	m, err := NewManager(dir, store, registry, opts...)
	require.NoError(t, err)
	return m, store, dir
}

func writeManifest(t *testing.T, dir, name, content string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

func eventKeys(t *testing.T, store *events.Store, eventType events.EventType) []string {
	t.Helper()
	keys, err := store.Keys()
	require.NoError(t, err)
	prefix := "event_" + eventType.String() + "_"
	var matched []string
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	return matched
}

func TestManager_LoadReloadUnload(t *testing.T) {
	registry := NewFactoryRegistry()
	require.NoError(t, registry.Register("foo", func() Plugin {
		return &basePlugin{name: "foo"}
	}))
	m, store, dir := newTestManager(t, registry)
	ctx := context.Background()

	t0 := time.Now().Add(-time.Hour)
	path := writeManifest(t, dir, "foo.yaml", "", t0)

	require.NoError(t, m.Scan(ctx))
	assert.Len(t, eventKeys(t, store, events.EventPluginLoaded), 1)

	statuses := m.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "foo", statuses[0].Name)
	assert.Equal(t, StateLoaded, statuses[0].State)
	assert.Equal(t, "1.0.0", statuses[0].Version)

	// Unchanged manifest: no re-load.
	require.NoError(t, m.Scan(ctx))
	assert.Len(t, eventKeys(t, store, events.EventPluginLoaded), 1)
	assert.Empty(t, eventKeys(t, store, events.EventPluginReloaded))

	// mtime bump reloads.
	t1 := t0.Add(time.Minute)
	require.NoError(t, os.Chtimes(path, t1, t1))
	require.NoError(t, m.Scan(ctx))
	assert.Len(t, eventKeys(t, store, events.EventPluginReloaded), 1)

	// Removal unloads.
	require.NoError(t, os.Remove(path))
	require.NoError(t, m.Scan(ctx))
	assert.Len(t, eventKeys(t, store, events.EventPluginUnloaded), 1)
	assert.Empty(t, m.Statuses())
}

func TestManager_ManifestSelectsFactoryAndPassesConfig(t *testing.T) {
	loaded := &basePlugin{name: "greeter"}
	registry := NewFactoryRegistry()
	require.NoError(t, registry.Register("greeter", func() Plugin { return loaded }))
	m, _, dir := newTestManager(t, registry)

	manifest := "name: greeter\nversion: 2.1.0\nconfig:\n  greeting: hello\n  retries: 2\n"
	writeManifest(t, dir, "custom-stem.yaml", manifest, time.Now().Add(-time.Hour))

	require.NoError(t, m.Scan(context.Background()))
	require.Equal(t, 1, loaded.initCalls)
	assert.Equal(t, "hello", loaded.initConfig["greeting"])
	assert.Equal(t, 2, loaded.initConfig["retries"])

	statuses := m.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "greeter", statuses[0].Name)
}

func TestManager_SelfTestThreeStrikesForcesUnload(t *testing.T) {
	result := false
	registry := NewFactoryRegistry()
	require.NoError(t, registry.Register("flaky", func() Plugin {
		return &selfTestPlugin{basePlugin: basePlugin{name: "flaky"}, result: &result}
	}))
	m, store, dir := newTestManager(t, registry)
	ctx := context.Background()

	t0 := time.Now().Add(-time.Hour)
	path := writeManifest(t, dir, "flaky.yaml", "", t0)

	// Three touched polls, three consecutive self-test failures.
	for i := 0; i < 3; i++ {
		touched := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, touched, touched))
		require.NoError(t, m.Scan(ctx))
	}

	statuses := m.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, StateFailed, statuses[0].State)
	assert.Equal(t, 3, statuses[0].Failures)
	assert.Len(t, eventKeys(t, store, events.EventPluginFailed), 1, "forced unload announces plugin_failed")
	assert.Len(t, eventKeys(t, store, events.EventPluginStaticAnalysisFailed), 1,
		"forced unload carries the distinguishing failure type")

	// FAILED is terminal while the manifest is untouched.
	loadsBefore := len(eventKeys(t, store, events.EventPluginLoaded)) + len(eventKeys(t, store, events.EventPluginReloaded))
	require.NoError(t, m.Scan(ctx))
	require.NoError(t, m.Scan(ctx))
	loadsAfter := len(eventKeys(t, store, events.EventPluginLoaded)) + len(eventKeys(t, store, events.EventPluginReloaded))
	assert.Equal(t, loadsBefore, loadsAfter)

	// A fourth touch with a passing self-test recovers cleanly.
	result = true
	t4 := t0.Add(10 * time.Minute)
	require.NoError(t, os.Chtimes(path, t4, t4))
	require.NoError(t, m.Scan(ctx))

	statuses = m.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, StateLoaded, statuses[0].State)
	assert.Equal(t, 0, statuses[0].Failures)
}

func TestManager_FailureRetryCooldown(t *testing.T) {
	registry := NewFactoryRegistry()
	require.NoError(t, registry.Register("broken", func() Plugin {
		return &basePlugin{name: "broken", initErr: errors.New("boom")}
	}))
	m, store, dir := newTestManager(t, registry, WithFailureRetryCooldown(5*time.Minute))
	ctx := context.Background()

	clock := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	writeManifest(t, dir, "broken.yaml", "", clock.Add(-time.Hour))
	require.NoError(t, m.Scan(ctx))
	require.Len(t, eventKeys(t, store, events.EventPluginFailed), 1)

	// Inside the cooldown: no retry.
	require.NoError(t, m.Scan(ctx))
	assert.Len(t, eventKeys(t, store, events.EventPluginFailed), 1)

	// Past the cooldown: retried despite the untouched manifest.
	clock = clock.Add(5 * time.Minute)
	require.NoError(t, m.Scan(ctx))
	assert.Len(t, eventKeys(t, store, events.EventPluginFailed), 2)
}

func TestManager_FaultIsolationAcrossPlugins(t *testing.T) {
	registry := NewFactoryRegistry()
	require.NoError(t, registry.Register("bad", func() Plugin {
		return &basePlugin{name: "bad", initErr: errors.New("init exploded")}
	}))
	require.NoError(t, registry.Register("good", func() Plugin {
		return &basePlugin{name: "good"}
	}))
	m, store, dir := newTestManager(t, registry)

	mtime := time.Now().Add(-time.Hour)
	writeManifest(t, dir, "bad.yaml", "", mtime)
	writeManifest(t, dir, "good.yaml", "", mtime)

	require.NoError(t, m.Scan(context.Background()))

	assert.Len(t, eventKeys(t, store, events.EventPluginFailed), 1)
	assert.Len(t, eventKeys(t, store, events.EventPluginLoaded), 1, "healthy plugin loads despite the broken one")

	byName := make(map[string]Status)
	for _, s := range m.Statuses() {
		byName[s.Name] = s
	}
	assert.Equal(t, StateFailed, byName["bad"].State)
	assert.Equal(t, StateLoaded, byName["good"].State)
}

func TestManager_MissingFactoryFails(t *testing.T) {
	m, store, dir := newTestManager(t, NewFactoryRegistry())

	writeManifest(t, dir, "ghost.yaml", "", time.Now().Add(-time.Hour))
	require.NoError(t, m.Scan(context.Background()))

	keys := eventKeys(t, store, events.EventPluginFailed)
	require.Len(t, keys, 1)
	event, err := store.Read(keys[0])
	require.NoError(t, err)
	assert.Equal(t, "ghost", event.Data["plugin"])
	assert.Contains(t, event.Data["error"], "not registered")
}

func TestManager_AnalyzerBlocksLoadWithoutConstructing(t *testing.T) {
	registry := NewFactoryRegistry()
	require.NoError(t, registry.Register("gated", func() Plugin {
		t.Fatal("factory must not run when static analysis blocks the load")
		return nil
	}))
	m, store, dir := newTestManager(t, registry,
		WithAnalyzer(blockingAnalyzer{err: errors.New("banned import")}))

	writeManifest(t, dir, "gated.yaml", "", time.Now().Add(-time.Hour))
	require.NoError(t, m.Scan(context.Background()))

	assert.Len(t, eventKeys(t, store, events.EventPluginStaticAnalysisFailed), 1)
	assert.Empty(t, eventKeys(t, store, events.EventPluginLoaded))

	statuses := m.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, StateFailed, statuses[0].State)
}

func TestManager_MissingAnalyzerToolPasses(t *testing.T) {
	registry := NewFactoryRegistry()
	require.NoError(t, registry.Register("foo", func() Plugin {
		return &basePlugin{name: "foo"}
	}))
	analyzer := NewExecAnalyzer("vigil-test-no-such-analyzer-tool", nil,
		WithAnalyzerLogger(discardLogger()))
	m, store, dir := newTestManager(t, registry, WithAnalyzer(analyzer))

	writeManifest(t, dir, "foo.yaml", "", time.Now().Add(-time.Hour))
	require.NoError(t, m.Scan(context.Background()))

	assert.Len(t, eventKeys(t, store, events.EventPluginLoaded), 1)
	assert.Empty(t, eventKeys(t, store, events.EventPluginStaticAnalysisFailed))
}

func TestManager_SkipsInternalAndForeignFiles(t *testing.T) {
	m, store, dir := newTestManager(t, NewFactoryRegistry())

	mtime := time.Now().Add(-time.Hour)
	writeManifest(t, dir, "_private.yaml", "", mtime)
	writeManifest(t, dir, ".hidden.yaml", "", mtime)
	writeManifest(t, dir, "notes.txt", "", mtime)

	require.NoError(t, m.Scan(context.Background()))
	assert.Empty(t, m.Statuses())
	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestManager_HooksRunInOrderAndAreIsolated(t *testing.T) {
	var calls []string
	registry := NewFactoryRegistry()
	require.NoError(t, registry.Register("hooked", func() Plugin {
		return &hookPlugin{basePlugin: basePlugin{name: "hooked"}, calls: &calls}
	}))
	m, _, dir := newTestManager(t, registry)

	writeManifest(t, dir, "hooked.yaml", "", time.Now().Add(-time.Hour))
	require.NoError(t, m.Scan(context.Background()))

	assert.Equal(t, []string{"on_load", "register", "on_register"}, calls)

	// A failing Register skips OnRegister but leaves the plugin loaded.
	calls = nil
	registry2 := NewFactoryRegistry()
	require.NoError(t, registry2.Register("hooked", func() Plugin {
		return &hookPlugin{
			basePlugin:  basePlugin{name: "hooked"},
			calls:       &calls,
			registerErr: errors.New("registration refused"),
		}
	}))
	m2, _, dir2 := newTestManager(t, registry2)
	writeManifest(t, dir2, "hooked.yaml", "", time.Now().Add(-time.Hour))
	require.NoError(t, m2.Scan(context.Background()))

	assert.Equal(t, []string{"on_load", "register"}, calls)
	statuses := m2.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, StateLoaded, statuses[0].State)
}

func TestManager_RunLoopPicksUpNewManifest(t *testing.T) {
	registry := NewFactoryRegistry()
	require.NoError(t, registry.Register("late", func() Plugin {
		return &basePlugin{name: "late"}
	}))
	m, store, dir := newTestManager(t, registry, WithManagerPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	writeManifest(t, dir, "late.yaml", "", time.Now())

	deadline := time.After(3 * time.Second)
	for len(eventKeys(t, store, events.EventPluginLoaded)) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for plugin load")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestManager_HealthAggregation(t *testing.T) {
	registry := NewFactoryRegistry()
	require.NoError(t, registry.Register("ok", func() Plugin {
		return &basePlugin{name: "ok"}
	}))
	require.NoError(t, registry.Register("broken", func() Plugin {
		return &basePlugin{name: "broken", initErr: errors.New("boom")}
	}))
	m, _, dir := newTestManager(t, registry)
	ctx := context.Background()

	require.True(t, m.Health(ctx).IsHealthy(), "empty manager is healthy")

	mtime := time.Now().Add(-time.Hour)
	writeManifest(t, dir, "ok.yaml", "", mtime)
	require.NoError(t, m.Scan(ctx))
	assert.True(t, m.Health(ctx).IsHealthy())

	writeManifest(t, dir, "broken.yaml", "", mtime)
	require.NoError(t, m.Scan(ctx))
	health := m.Health(ctx)
	assert.Equal(t, types.HealthStateDegraded, health.State)
	assert.Contains(t, health.Message, "1/2")
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()

	t.Run("full manifest", func(t *testing.T) {
		path := filepath.Join(dir, "full.yaml")
		content := "name: custom\nversion: 3.0.0\ndescription: a test plugin\nconfig:\n  key: value\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		manifest, err := LoadManifest(path)
		require.NoError(t, err)
		assert.Equal(t, "custom", manifest.Name)
		assert.Equal(t, "3.0.0", manifest.Version)
		assert.Equal(t, "value", manifest.Config["key"])
	})

	t.Run("name defaults to stem", func(t *testing.T) {
		path := filepath.Join(dir, "stem-name.yaml")
		require.NoError(t, os.WriteFile(path, []byte("version: 1.0.0\n"), 0o644))

		manifest, err := LoadManifest(path)
		require.NoError(t, err)
		assert.Equal(t, "stem-name", manifest.Name)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("name: [unclosed\n"), 0o644))

		_, err := LoadManifest(path)
		assert.Error(t, err)
	})
}

func TestFactoryRegistry(t *testing.T) {
	registry := NewFactoryRegistry()
	factory := func() Plugin { return &basePlugin{name: "a"} }

	require.NoError(t, registry.Register("a", factory))
	assert.Error(t, registry.Register("a", factory), "duplicate registration")
	assert.Error(t, registry.Register("", factory))
	assert.Error(t, registry.Register("nil", nil))

	got, err := registry.Lookup("a")
	require.NoError(t, err)
	require.NotNil(t, got)

	_, err = registry.Lookup("missing")
	assert.True(t, errors.Is(err, ErrFactoryNotRegistered), fmt.Sprintf("got %v", err))

	require.NoError(t, registry.Register("z", factory))
	assert.Equal(t, []string{"a", "z"}, registry.Names())
}
