// Package connection tracks whether the archiver's single MTProto session is
// currently reachable, and lets the discovery/backfill/listener/import
// workers block on WaitOnline instead of hammering a dead connection.
//
// Unlike the package this was adapted from, Monitor is an explicit value
// owned by the Telegram client adapter — no package-level singleton — so the
// same process could in principle run more than one session without the
// monitors colliding.
package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/archivist/tgarchiver/internal/infra/logger"

	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
	"github.com/gotd/td/telegram"
)

const (
	reconnectPingInterval = 10 * time.Second
	reconnectPingTimeout  = 5 * time.Second
)

// Monitor tracks the online/offline state of one Telegram client and wakes up
// any WaitOnline callers once connectivity is restored.
type Monitor struct {
	client *telegram.Client
	ctx    context.Context

	connected atomic.Bool

	mu            sync.RWMutex
	waitCh        chan struct{}
	monitorCancel context.CancelFunc
}

// NewMonitor creates a Monitor in the online state: WaitOnline callers never
// block until the first MarkDisconnected.
func NewMonitor(ctx context.Context, client *telegram.Client) *Monitor {
	m := &Monitor{client: client, ctx: ctx}
	m.connected.Store(true)
	ready := make(chan struct{})
	close(ready)
	m.waitCh = ready
	return m
}

// MarkConnected transitions to online, stops any reconnect monitor loop, and
// releases every WaitOnline caller blocked on the current generation.
func (m *Monitor) MarkConnected() {
	if m == nil || m.connected.Swap(true) {
		return
	}

	m.mu.Lock()
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
	ch := m.waitCh
	if ch == nil {
		ch = make(chan struct{})
		m.waitCh = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
	m.mu.Unlock()

	logger.Info("connection: restored")
}

// MarkDisconnected transitions to offline (idempotent) and starts a
// background monitor loop that polls until the session comes back.
func (m *Monitor) MarkDisconnected() {
	if m == nil || !m.connected.CompareAndSwap(true, false) {
		return
	}

	m.mu.Lock()
	if m.monitorCancel != nil {
		m.monitorCancel()
	}
	m.waitCh = make(chan struct{})
	monitorCtx, cancel := context.WithCancel(m.ctx)
	m.monitorCancel = cancel
	m.mu.Unlock()

	logger.Debug("connection: lost, monitoring for restore")
	go m.monitorLoop(monitorCtx)
}

// WaitOnline blocks until the session is reachable again or ctx is done.
func (m *Monitor) WaitOnline(ctx context.Context) {
	if m == nil || ctx == nil || ctx.Err() != nil {
		return
	}
	if m.connected.Load() {
		return
	}

	for {
		ch := m.currentWaitCh()
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if ch == m.currentWaitCh() {
				return
			}
		}
	}
}

// HandleError inspects err and marks the monitor offline if it looks like a
// connection failure. Returns true if it did.
func (m *Monitor) HandleError(err error) bool {
	if !isNetworkError(err) {
		return false
	}
	m.MarkDisconnected()
	return true
}

// Shutdown stops the monitor loop and releases any blocked waiters.
func (m *Monitor) Shutdown() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}
	wait := m.waitCh
	m.waitCh = nil
	m.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		default:
			close(wait)
		}
	}
}

func (m *Monitor) currentWaitCh() <-chan struct{} {
	m.mu.RLock()
	ch := m.waitCh
	m.mu.RUnlock()
	if ch == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return ch
}

func (m *Monitor) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(reconnectPingInterval)
	defer ticker.Stop()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		attempt++
		start := time.Now()

		pingCtx, cancel := context.WithTimeout(ctx, reconnectPingTimeout)
		err := m.safeRPCPing(pingCtx)
		cancel()

		if err == nil {
			logger.Debugf("connection: probe ok (attempt=%d, duration=%v)", attempt, time.Since(start))
			m.MarkConnected()
			return
		}
		logger.Debugf("connection: probe failed (attempt=%d, duration=%v): %v", attempt, time.Since(start), err)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// safeRPCPing uses Self() as the liveness probe: it requires a fully
// established MTProto session, unlike a bare transport ping.
func (m *Monitor) safeRPCPing(ctx context.Context) (err error) {
	if m.client == nil {
		return net.ErrClosed
	}
	defer func() {
		if r := recover(); r != nil {
			err = net.ErrClosed
		}
	}()
	_, err = m.client.Self(ctx)
	return err
}

func isNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, pool.ErrConnDead) || errors.Is(err, rpc.ErrEngineClosed) {
		return true
	}
	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
