package placement

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelhq/fleet/internal/model"
	"github.com/kestrelhq/fleet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putWorker(t *testing.T, ent *store.Entities, id int64, status model.WorkerStatus, cpu float64, hb time.Time) {
	t.Helper()
	require.NoError(t, ent.PutWorker(context.Background(), &model.Worker{
		ID:            id,
		Hostname:      "host",
		Status:        status,
		Load:          model.Load{CPUUsage: cpu},
		LastHeartbeat: hb,
	}))
}

func TestSelectWorkers_FiltersAndSortsByLoad(t *testing.T) {
	ent := store.NewEntities(store.NewMemory())
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	putWorker(t, ent, 1, model.WorkerActive, 90, base)       // excluded: over ceiling
	putWorker(t, ent, 2, model.WorkerInactive, 10, base)     // excluded: not active
	putWorker(t, ent, 3, model.WorkerActive, 50, base)
	putWorker(t, ent, 4, model.WorkerActive, 20, base)

	eng := New(ent)
	workers, err := eng.SelectWorkers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, int64(4), workers[0].ID)
	assert.Equal(t, int64(3), workers[1].ID)
}

func TestSelectWorkers_TieBreaksByEarlierHeartbeat(t *testing.T) {
	ent := store.NewEntities(store.NewMemory())
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	putWorker(t, ent, 1, model.WorkerActive, 30, base.Add(time.Minute))
	putWorker(t, ent, 2, model.WorkerActive, 30, base)

	eng := New(ent)
	workers, err := eng.SelectWorkers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, int64(2), workers[0].ID)
}

func TestSelectWorkers_CapsAtN(t *testing.T) {
	ent := store.NewEntities(store.NewMemory())
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 5; i++ {
		putWorker(t, ent, i, model.WorkerActive, float64(i), base)
	}

	eng := New(ent)
	workers, err := eng.SelectWorkers(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, workers, 2)
}

func TestFindOne_NoneQualify(t *testing.T) {
	ent := store.NewEntities(store.NewMemory())
	ctx := context.Background()
	putWorker(t, ent, 1, model.WorkerActive, 95, time.Now())

	eng := New(ent)
	w, err := eng.FindOne(ctx)
	require.NoError(t, err)
	assert.Nil(t, w)
}
