package database

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "vigil.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_OpenAndHealth(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Health(context.Background()))
}

func TestIncidentDAO_AppendAndList(t *testing.T) {
	db := newTestDB(t)
	dao := NewIncidentDAO(db)
	ctx := context.Background()

	eventsBlob, err := json.Marshal([]map[string]any{{"type": "test_failed"}})
	require.NoError(t, err)

	incident := &IncidentRecord{
		Agent:            "deployer",
		EventType:        "test_failed",
		Count:            3,
		Window:           30 * time.Minute,
		FirstFailureTime: "2026-08-23T10:00:00Z",
		Events:           eventsBlob,
		Parent:           "deploy",
		Context:          map[string]any{"branch": "main"},
		DetectedAt:       "2026-08-23T10:05:00Z",
		RootCauseHint:    "Likely caused by recent deploy at 2026-08-23T09:59:00Z",
	}
	require.NoError(t, dao.Append(ctx, incident))
	assert.False(t, incident.ID.IsZero(), "Append should assign an ID")

	later := &IncidentRecord{
		Agent:      "coder",
		EventType:  "upgrade_failed",
		Count:      3,
		Window:     30 * time.Minute,
		DetectedAt: "2026-08-23T11:00:00Z",
	}
	require.NoError(t, dao.Append(ctx, later))

	all, err := dao.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "coder", all[0].Agent, "list should be newest first")

	deployerOnly, err := dao.List(ctx, "deployer", 0)
	require.NoError(t, err)
	require.Len(t, deployerOnly, 1)
	got := deployerOnly[0]
	assert.Equal(t, incident.Agent, got.Agent)
	assert.Equal(t, incident.Count, got.Count)
	assert.Equal(t, incident.Window, got.Window)
	assert.Equal(t, incident.FirstFailureTime, got.FirstFailureTime)
	assert.Equal(t, incident.RootCauseHint, got.RootCauseHint)
	assert.Equal(t, incident.Parent, got.Parent)
	assert.JSONEq(t, string(eventsBlob), string(got.Events))
	assert.Equal(t, "main", got.Context["branch"])

	count, err := dao.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestIncidentDAO_AppendRequiresAgent(t *testing.T) {
	db := newTestDB(t)
	dao := NewIncidentDAO(db)

	err := dao.Append(context.Background(), &IncidentRecord{EventType: "test_failed"})
	assert.Error(t, err)
}

func TestIncidentDAO_MetricsSnapshotOverwrite(t *testing.T) {
	db := newTestDB(t)
	dao := NewIncidentDAO(db)
	ctx := context.Background()

	// No snapshot yet.
	snapshot, err := dao.ReadMetrics(ctx)
	require.NoError(t, err)
	assert.Nil(t, snapshot)

	require.NoError(t, dao.WriteMetrics(ctx, MetricsSnapshot{
		TotalIncidents:     1,
		LastIncidentTime:   "2026-08-23T10:05:00Z",
		AgentFailureCounts: map[string]int{"deployer": 0, "coder": 2},
	}))

	require.NoError(t, dao.WriteMetrics(ctx, MetricsSnapshot{
		TotalIncidents:     2,
		LastIncidentTime:   "2026-08-23T11:00:00Z",
		AgentFailureCounts: map[string]int{"deployer": 1},
	}))

	snapshot, err = dao.ReadMetrics(ctx)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, 2, snapshot.TotalIncidents)
	assert.Equal(t, "2026-08-23T11:00:00Z", snapshot.LastIncidentTime)
	assert.Equal(t, map[string]int{"deployer": 1}, snapshot.AgentFailureCounts)
	assert.False(t, snapshot.UpdatedAt.IsZero())
}

func TestIncidentDAO_CooldownRoundTrip(t *testing.T) {
	db := newTestDB(t)
	dao := NewIncidentDAO(db)
	ctx := context.Background()

	first := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	second := first.Add(20 * time.Minute)

	require.NoError(t, dao.SetLastNotified(ctx, "deployer", first))
	require.NoError(t, dao.SetLastNotified(ctx, "coder", first))
	require.NoError(t, dao.SetLastNotified(ctx, "deployer", second))

	cooldowns, err := dao.LastNotified(ctx)
	require.NoError(t, err)
	require.Len(t, cooldowns, 2)
	assert.True(t, cooldowns["deployer"].Equal(second), "upsert should keep the latest time")
	assert.True(t, cooldowns["coder"].Equal(first))

	assert.Error(t, dao.SetLastNotified(ctx, "", time.Now()))
}
