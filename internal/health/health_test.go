package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry(0).CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOrderAndAggregate(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("profile_store", FromPinger("ignored", pingFunc(func(context.Context) error { return nil })))
	r.Register("scorer", FromPinger("scorer", pingFunc(func(context.Context) error { return errors.New("circuit open") })))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "profile_store", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "scorer", statuses[1].Name)
	assert.Equal(t, "circuit open", statuses[1].Detail)
}

func TestRegistryTimeoutBoundsSlowCheck(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", FromPinger("slow", pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})))

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, statuses[0].Detail, "deadline")
}
