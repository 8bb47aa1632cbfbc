package hub

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMonitorRunsPeriodicChecks(t *testing.T) {
	c, _ := openTestHub(t)
	_, err := c.Register(context.Background(), "http://127.0.0.1:8081/bookstores/")
	require.NoError(t, err)

	var probes int32
	c.SetPingFunc(func(ctx context.Context, addr string) bool {
		atomic.AddInt32(&probes, 1)
		return true
	})

	m := NewMonitor(c, 10*time.Millisecond, zap.NewNop())
	go m.Start()

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&probes) >= 3
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	settled := atomic.LoadInt32(&probes)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, atomic.LoadInt32(&probes))
}

func TestMonitorStopBeforeFirstTick(t *testing.T) {
	c, _ := openTestHub(t)

	m := NewMonitor(c, time.Hour, zap.NewNop())
	done := make(chan struct{})
	go func() {
		m.Start()
		close(done)
	}()

	m.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
