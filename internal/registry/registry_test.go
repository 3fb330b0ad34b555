package registry

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelhq/fleet/internal/clock"
	"github.com/kestrelhq/fleet/internal/model"
	"github.com/kestrelhq/fleet/internal/store"
	"github.com/kestrelhq/fleet/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopRouter struct{}

func (noopRouter) RouteTo(int64, transport.Type, any) error { return nil }

func newTestRegistry(t *testing.T) (*Registry, *store.Entities, *clock.Fake) {
	t.Helper()
	ent := store.NewEntities(store.NewMemory())
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := New(Config{
		Entities:        ent,
		Router:          noopRouter{},
		Clock:           fc,
		InactiveTimeout: time.Minute,
		SweepInterval:   time.Second,
	})
	return r, ent, fc
}

func TestRegister_SupersedesSameHostname(t *testing.T) {
	r, ent, _ := newTestRegistry(t)
	ctx := context.Background()

	id1, err := r.Register(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id1)

	id2, err := r.Register(ctx, "host-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), id2)
	assert.NotEqual(t, id1, id2)

	_, err = ent.GetWorker(ctx, id1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	w2, err := ent.GetWorker(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, "host-a", w2.Hostname)
}

func TestUpdateStatus_RejectsUnknownWorker(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	err := r.UpdateStatus(context.Background(), 999, model.WorkerActive, model.Load{})
	assert.Error(t, err)
}

func TestUpdateStatus_NotifiesOnChange(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Register(ctx, "host-b")
	require.NoError(t, err)

	var got []StatusChangedEvent
	r.Subscribe(observerFunc(func(e StatusChangedEvent) { got = append(got, e) }))

	require.NoError(t, r.UpdateStatus(ctx, id, model.WorkerBusy, model.Load{CPUUsage: 65}))
	require.NoError(t, r.UpdateStatus(ctx, id, model.WorkerBusy, model.Load{CPUUsage: 66}))

	require.Len(t, got, 1)
	assert.Equal(t, model.WorkerActive, got[0].PreviousStatus)
	assert.Equal(t, model.WorkerBusy, got[0].CurrentStatus)
}

func TestSweep_RemovesStaleWorkers(t *testing.T) {
	r, ent, fc := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Register(ctx, "host-c")
	require.NoError(t, err)

	fc.Advance(2 * time.Minute)
	r.sweep(ctx)

	_, err = ent.GetWorker(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweep_KeepsFreshWorkers(t *testing.T) {
	r, ent, fc := newTestRegistry(t)
	ctx := context.Background()

	id, err := r.Register(ctx, "host-d")
	require.NoError(t, err)

	fc.Advance(30 * time.Second)
	r.sweep(ctx)

	_, err = ent.GetWorker(ctx, id)
	assert.NoError(t, err)
}

type observerFunc func(StatusChangedEvent)

func (f observerFunc) OnEvent(e StatusChangedEvent) { f(e) }
