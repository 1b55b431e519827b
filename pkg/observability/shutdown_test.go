package observability

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_RunsFuncsInOrder(t *testing.T) {
	sm := NewShutdownManager(NewNopLogger(), nil, 0)
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout)

	var order []string
	sm.RegisterShutdownFunc("workers", func(ctx context.Context) error {
		order = append(order, "workers")
		return nil
	})
	sm.RegisterShutdownFunc("redis", func(ctx context.Context) error {
		order = append(order, "redis")
		return nil
	})

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, []string{"workers", "redis"}, order)
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NewNopLogger(), nil, time.Second)
	ran := false
	sm.RegisterShutdownFunc("bad", func(ctx context.Context) error { return errors.New("boom") })
	sm.RegisterShutdownFunc("good", func(ctx context.Context) error {
		ran = true
		return nil
	})

	err := sm.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.True(t, ran)
}

func TestShutdownManager_WaitForShutdownOnContextCancel(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:0"}
	sm := NewShutdownManager(NewNopLogger(), server, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sm.WaitForShutdown(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForShutdown did not return after cancel")
	}
}
