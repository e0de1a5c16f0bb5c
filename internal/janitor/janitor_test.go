package janitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSweepOnce(t *testing.T) {
	j := New(time.Hour, time.Second, nil)
	j.Add("windows", SweepFunc(func(context.Context) (int, error) { return 3, nil }))
	j.Add("broken", SweepFunc(func(context.Context) (int, error) { return 0, errors.New("redis down") }))
	j.Add("panics", SweepFunc(func(context.Context) (int, error) { panic("boom") }))

	got := j.SweepOnce(context.Background())
	assert.Equal(t, 3, got["windows"])
	assert.Equal(t, 0, got["broken"])
	assert.Equal(t, 0, got["panics"])
}

func TestStartStop(t *testing.T) {
	var calls atomic.Int32
	j := New(5*time.Millisecond, time.Second, nil)
	j.Add("count", SweepFunc(func(context.Context) (int, error) {
		calls.Add(1)
		return 0, nil
	}))

	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, j.Running())

	j.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
	assert.False(t, j.Running())
}
