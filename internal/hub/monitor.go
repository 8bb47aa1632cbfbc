package hub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor runs the hub's scheduled leader health check on a fixed
// interval, decoupled from request handling. Check failures are
// self-contained: they trigger a re-election inside CheckLeader and never
// propagate.
type Monitor struct {
	coord    *Coordinator
	interval time.Duration
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor checking the leader every interval.
func NewMonitor(coord *Coordinator, interval time.Duration, log *zap.Logger) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		coord:    coord,
		interval: interval,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the check loop in the current goroutine and blocks until
// Stop is called. An initial check runs immediately.
func (m *Monitor) Start() {
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("leader monitor started", zap.Duration("interval", m.interval))
	m.coord.CheckLeader(m.ctx)

	for {
		select {
		case <-ticker.C:
			m.coord.CheckLeader(m.ctx)
		case <-m.ctx.Done():
			m.log.Info("leader monitor stopped")
			return
		}
	}
}

// Stop cancels the check loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}
