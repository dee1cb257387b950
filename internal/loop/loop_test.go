package loop

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) (*Loop, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	l := New(logrus.New())
	l.Start(ctx)
	return l, ctx
}

func TestLoop_RunsInPostOrder(t *testing.T) {
	l, ctx := startLoop(t)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}

	require.NoError(t, l.Quiesce(ctx))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestLoop_PostFromInsideLoopRunsAfterCurrentTask(t *testing.T) {
	l, ctx := startLoop(t)

	var got []string
	l.Post(func() {
		got = append(got, "outer-start")
		l.Post(func() { got = append(got, "inner") })
		got = append(got, "outer-end")
	})

	require.NoError(t, l.Quiesce(ctx))
	assert.Equal(t, []string{"outer-start", "outer-end", "inner"}, got)
}

func TestLoop_PanicDoesNotStopLoop(t *testing.T) {
	l, ctx := startLoop(t)

	ran := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ran = true })

	require.NoError(t, l.Quiesce(ctx))
	assert.True(t, ran, "task after a panicking task MUST still run")
}

func TestLoop_AfterFunc(t *testing.T) {
	l, ctx := startLoop(t)

	fired := make(chan struct{})
	l.AfterFunc(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-ctx.Done():
		t.Fatal("timer never fired")
	}

	cancelled := false
	cancel := l.AfterFunc(time.Hour, func() { cancelled = true })
	assert.True(t, cancel(), "pending timer MUST be cancellable")
	require.NoError(t, l.Quiesce(ctx))
	assert.False(t, cancelled)
}

func TestLoop_StoppedLoopRejectsWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(nil)
	l.Start(ctx)
	cancel()
	<-l.Done()

	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Sync(context.Background(), func() {}), ErrStopped)
}
