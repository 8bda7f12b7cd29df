package timeout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_DeadlineFires(t *testing.T) {
	m := NewManager()
	ctx, h := m.Create(context.Background(), "r1", 20*time.Millisecond)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("deadline did not fire")
	}
	assert.True(t, h.TimedOut())
	assert.Equal(t, 1, m.Active())

	m.Cleanup("r1")
	assert.Equal(t, 0, m.Active())
}

func TestCreate_ParentCancelIsNotTimeout(t *testing.T) {
	m := NewManager()
	parent, cancel := context.WithCancel(context.Background())
	ctx, h := m.Create(parent, "r1", time.Minute)

	cancel()
	<-ctx.Done()
	assert.False(t, h.TimedOut())
	m.Cleanup("r1")
}

func TestCreate_ReplacesExistingHandle(t *testing.T) {
	m := NewManager()
	first, _ := m.Create(context.Background(), "r1", time.Minute)
	second, h := m.Create(context.Background(), "r1", time.Minute)

	require.Error(t, first.Err(), "replaced handle must be cancelled")
	assert.NoError(t, second.Err())
	assert.Equal(t, 1, m.Active())
	assert.Equal(t, "r1", h.ID())

	m.Cleanup("r1")
	assert.Error(t, second.Err())
}

func TestCleanup_Idempotent(t *testing.T) {
	m := NewManager()
	m.Create(context.Background(), "r1", time.Minute)

	m.Cleanup("r1")
	m.Cleanup("r1")
	m.Cleanup("unknown")
	assert.Equal(t, 0, m.Active())
}

func TestRelease_KeepsNewerHandle(t *testing.T) {
	m := NewManager()
	_, stale := m.Create(context.Background(), "r1", time.Minute)
	fresh, _ := m.Create(context.Background(), "r1", time.Minute)

	m.Release(stale)
	assert.Equal(t, 1, m.Active())
	assert.NoError(t, fresh.Err())

	m.Release(nil)
	m.Cleanup("r1")
	assert.Equal(t, 0, m.Active())
}

func TestZeroTimeoutHasNoDeadline(t *testing.T) {
	m := NewManager()
	ctx, _ := m.Create(context.Background(), "r1", 0)
	_, ok := ctx.Deadline()
	assert.False(t, ok)
	m.Cleanup("r1")
}

func TestClose_CancelsEverything(t *testing.T) {
	m := NewManager()
	var ctxs []context.Context
	for _, id := range []string{"a", "b", "c"} {
		ctx, _ := m.Create(context.Background(), id, time.Minute)
		ctxs = append(ctxs, ctx)
	}
	require.Equal(t, 3, m.Active())

	m.Close()
	assert.Equal(t, 0, m.Active())
	for _, ctx := range ctxs {
		assert.Error(t, ctx.Err())
	}
}
