package bluez

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_CompletesAtMostOnce(t *testing.T) {
	f := NewFuture[int]()

	var got []int
	f.Then(func(v int, err error) { got = append(got, v) })

	assert.True(t, f.Complete(1, nil))
	assert.False(t, f.Complete(2, nil))
	assert.False(t, f.Complete(0, errors.New("late")))

	res, done := f.Result()
	require.True(t, done)
	assert.Equal(t, Result[int]{Value: 1}, res)
	assert.Equal(t, []int{1}, got)
}

func TestFuture_ThenAfterCompletionRunsImmediately(t *testing.T) {
	f := Failed[string](ErrNotReady)

	called := false
	f.Then(func(_ string, err error) {
		called = true
		assert.ErrorIs(t, err, ErrNotReady)
	})
	assert.True(t, called)
}

func TestMap(t *testing.T) {
	ok := Map(Resolved(21), func(v int) (int, error) { return v * 2, nil })
	res, _ := ok.Result()
	assert.Equal(t, 42, res.Value)

	called := false
	failed := Map(Failed[int](ErrObjectRemoved), func(v int) (int, error) {
		called = true
		return v, nil
	})
	res, _ = failed.Result()
	assert.ErrorIs(t, res.Err, ErrObjectRemoved)
	assert.False(t, called, "fn MUST NOT run for a failed future")
}

func TestFuture_Wait(t *testing.T) {
	f := NewFuture[int]()
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.Complete(7, nil)
	}()

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewFuture[int]().Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestErrors_Classification(t *testing.T) {
	res := &ResolutionError{Path: "/org/bluez/hci0", Interface: AdapterInterface, Err: ErrObjectRemoved}
	assert.ErrorIs(t, res, ErrResolution)
	assert.ErrorIs(t, res, ErrObjectRemoved)
	assert.NotErrorIs(t, res, ErrRemoteOperation)
	assert.Equal(t, "resolve org.bluez.Adapter1 on /org/bluez/hci0: object removed", res.Error())

	op := &RemoteOperationError{Path: "/org/bluez/hci0", Method: "StartDiscovery", Err: ErrNotReady}
	assert.ErrorIs(t, op, ErrRemoteOperation)
	assert.Equal(t, "StartDiscovery on /org/bluez/hci0: proxy not ready", op.Error())
	assert.False(t, IsTransient(op))
	assert.True(t, IsTransient(ErrTransientUnavailable))
}

func TestObjectPath_IsChildOf(t *testing.T) {
	tests := []struct {
		path, parent ObjectPath
		want         bool
	}{
		{"/org/bluez/hci0", "/", true},
		{"/", "/", false},
		{"/org/bluez/hci0/dev_AA", "/org/bluez/hci0", true},
		{"/org/bluez/hci0/dev_AA/service0010", "/org/bluez/hci0/dev_AA", true},
		{"/org/bluez/hci01", "/org/bluez/hci0", false},
		{"/org/bluez/hci0", "/org/bluez/hci0", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.path)+"_"+string(tt.parent), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.path.IsChildOf(tt.parent))
		})
	}
}
