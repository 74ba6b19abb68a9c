package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/infrastructure/database"
	"github.com/UnimibEsami/ditto/migrations"
)

func newRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := database.Open(database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background(), migrations.FS))

	repo := NewSQLiteRepository(db)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return repo
}

func mqttConnection(id string) *connectivity.Connection {
	return &connectivity.Connection{
		ID:            id,
		Name:          "Lamps",
		Type:          connectivity.TypeMQTT,
		URI:           "tcp://broker:1883",
		DesiredStatus: connectivity.StatusOpen,
		Sources: []connectivity.Source{
			{Addresses: []string{"lamps/+/state"}, ConsumerCount: 2, QoS: 1},
		},
		SpecificConfig: map[string]string{"client_id": "gw"},
	}
}

func TestRepository_CRUD(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, mqttConnection("c1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Revision)

	_, err = repo.Create(ctx, mqttConnection("c1"))
	assert.ErrorIs(t, err, ErrConnectionExists)

	got, err := repo.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, mqttConnection("c1"), got.Connection)
	assert.Equal(t, created.CreatedAt, got.CreatedAt)

	updated := mqttConnection("c1")
	updated.URI = "tcp://other:1883"
	rec, err := repo.Update(ctx, updated)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Revision)
	assert.Equal(t, "tcp://other:1883", rec.Connection.URI)
	assert.True(t, rec.UpdatedAt.After(rec.CreatedAt))

	_, err = repo.Update(ctx, mqttConnection("missing"))
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	_, err = repo.Create(ctx, mqttConnection("a0"))
	require.NoError(t, err)
	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a0", all[0].Connection.ID)

	require.NoError(t, repo.Delete(ctx, "c1"))
	_, err = repo.Get(ctx, "c1")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "c1"), ErrConnectionNotFound)
}

func TestRepository_SetDesiredStatus(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	_, err := repo.Create(ctx, mqttConnection("c1"))
	require.NoError(t, err)

	require.NoError(t, repo.SetDesiredStatus(ctx, "c1", connectivity.StatusClosed))
	rec, err := repo.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, connectivity.StatusClosed, rec.Connection.DesiredStatus)
	assert.Equal(t, int64(2), rec.Revision)

	assert.ErrorIs(t, repo.SetDesiredStatus(ctx, "nope", connectivity.StatusOpen), ErrConnectionNotFound)
}

func TestRepository_Events(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	_, err := repo.Create(ctx, mqttConnection("c1"))
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	steps := []connectivity.Transition{
		{ConnectionID: "c1", From: connectivity.StateDisconnected, To: connectivity.StateConnecting, Status: connectivity.StatusClosed, At: at},
		{ConnectionID: "c1", From: connectivity.StateConnecting, To: connectivity.StateConnected, Status: connectivity.StatusOpen, Detail: "Connected since", At: at.Add(time.Second)},
		{ConnectionID: "c1", From: connectivity.StateConnected, To: connectivity.StateDisconnecting, Status: connectivity.StatusOpen},
	}
	for _, tr := range steps {
		require.NoError(t, repo.AppendEvent(ctx, tr))
	}

	events, err := repo.Events(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, connectivity.StateDisconnecting, events[0].To)
	assert.False(t, events[0].At.IsZero())
	assert.Equal(t, steps[1], events[1])

	err = repo.AppendEvent(ctx, connectivity.Transition{ConnectionID: "ghost"})
	assert.ErrorIs(t, err, ErrConnectionNotFound)

	require.NoError(t, repo.Delete(ctx, "c1"))
	events, err = repo.Events(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
