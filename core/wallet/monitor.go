package wallet

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	"github.com/sirupsen/logrus"

	"github.com/amosehiguese/soltrader/core/apperr"
	"github.com/amosehiguese/soltrader/core/redis"
	"github.com/amosehiguese/soltrader/utils/logger"
)

const (
	subscribeAttempts    = 3
	subscribeBackoffBase = 2 * time.Second
	watchdogInterval     = 60 * time.Second
)

type monitorEntry struct {
	address string
	pub     solana.PublicKey
	cb      func(lamports uint64)
	cancel  context.CancelFunc
	done    chan struct{}

	mu         sync.Mutex
	polling    bool
	inCallback bool
}

func (e *monitorEntry) setPolling(v bool) {
	e.mu.Lock()
	e.polling = v
	e.mu.Unlock()
}

func (e *monitorEntry) isPolling() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.polling
}

// invoke runs the callback with the in-callback flag set so StopMonitoring
// can tell it is being re-entered from the monitor goroutine itself.
func (e *monitorEntry) invoke(lamports uint64) {
	e.mu.Lock()
	e.inCallback = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inCallback = false
		e.mu.Unlock()
	}()
	e.cb(lamports)
}

func (e *monitorEntry) callbackActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inCallback
}

// MonitorBalance delivers an immediate snapshot and then pushes updates via
// an account-change subscription, falling back to fixed-interval polling when
// subscribing keeps failing. One registration per address.
func (m *Manager) MonitorBalance(address string, cb func(lamports uint64)) error {
	pub, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return apperr.NewValidation("address", "invalid address %s: %v", address, err)
	}

	m.mu.Lock()
	if _, exists := m.monitors[address]; exists {
		m.mu.Unlock()
		return apperr.NewValidation("address", "balance monitor already registered for %s", address)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entry := &monitorEntry{
		address: address,
		pub:     pub,
		cb:      cb,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	m.monitors[address] = entry
	m.mu.Unlock()

	go func() {
		defer close(entry.done)
		if bal, err := m.GetBalance(ctx, address); err == nil {
			entry.invoke(bal)
		}
		m.runMonitor(ctx, entry)
	}()

	return nil
}

// StopMonitoring tears down whichever is active for the address, the
// subscription or the polling fallback. It is safe to call from inside the
// monitor callback: the wait for the monitor goroutine is skipped there,
// since that goroutine is the one running the callback and cannot exit
// until the callback returns. Cancellation still makes it wind down right
// after.
func (m *Manager) StopMonitoring(address string) {
	m.mu.Lock()
	entry, ok := m.monitors[address]
	if ok {
		delete(m.monitors, address)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	entry.cancel()
	if !entry.callbackActive() {
		<-entry.done
	}
	logger.Logrus.WithFields(logrus.Fields{"Address": address}).Info("balance monitor stopped")
}

func (m *Manager) runMonitor(ctx context.Context, entry *monitorEntry) {
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}

		if attempt > subscribeAttempts {
			entry.setPolling(true)
			logger.Logrus.WithFields(logrus.Fields{"Address": entry.address}).Warn("subscription attempts exhausted, falling back to polling")
			m.pollLoop(ctx, entry)
			return
		}

		if ok := m.runSubscription(ctx, entry); ok {
			// the stream was live and then dropped; start a fresh attempt chain
			attempt = 0
			continue
		}

		backoff := subscribeBackoffBase * time.Duration(1<<uint(attempt-1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// runSubscription reports whether the subscription was established (even if
// it later dropped). false means the attempt never got a live stream.
func (m *Manager) runSubscription(ctx context.Context, entry *monitorEntry) bool {
	_, url, wsURL := m.pool.GetConnectionForSubscription()
	if wsURL == "" {
		return false
	}
	defer m.pool.ReleaseSubscription(url)

	wsClient, err := ws.Connect(ctx, wsURL)
	if err != nil {
		m.pool.RecordFailure(url)
		logger.Logrus.WithFields(logrus.Fields{"Address": entry.address, "URL": wsURL, "ErrMsg": err}).Debug("ws connect failed")
		return false
	}
	defer wsClient.Close()

	sub, err := wsClient.AccountSubscribe(entry.pub, rpc.CommitmentConfirmed)
	if err != nil {
		m.pool.RecordFailure(url)
		logger.Logrus.WithFields(logrus.Fields{"Address": entry.address, "ErrMsg": err}).Debug("account subscribe failed")
		return false
	}
	defer sub.Unsubscribe()

	m.pool.RecordSuccess(url, 0)
	logger.Logrus.WithFields(logrus.Fields{"Address": entry.address, "URL": url}).Info("balance subscription established")

	for {
		res, err := sub.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Logrus.WithFields(logrus.Fields{"Address": entry.address, "ErrMsg": err}).Warn("balance subscription dropped")
			}
			return true
		}
		if res == nil {
			continue
		}

		lamports := res.Value.Lamports
		_ = redis.Set(ctx, balanceCacheKey(entry.address), strconv.FormatUint(lamports, 10), time.Hour)
		entry.invoke(lamports)
	}
}

func (m *Manager) pollLoop(ctx context.Context, entry *monitorEntry) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var last uint64
	seeded := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		bal, err := m.GetBalance(ctx, entry.address)
		if err != nil {
			continue
		}
		if !seeded || bal != last {
			seeded = true
			last = bal
			entry.invoke(bal)
		}
	}
}

// Start launches the connection-loss detector: a periodic probe that, when
// connectivity returns after an outage, transparently resubscribes every
// monitored address. Stop tears down the detector and all monitors.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.watchCancel = cancel
	m.watchDone = make(chan struct{})

	go func() {
		defer close(m.watchDone)
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()

		wasDown := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			client, url := m.pool.Acquire("")
			probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
			_, err := client.GetSlot(probeCtx, rpc.CommitmentProcessed)
			probeCancel()

			if err != nil {
				m.pool.RecordFailure(url)
				wasDown = true
				continue
			}
			m.pool.RecordSuccess(url, 0)

			if wasDown {
				wasDown = false
				m.resubscribeAll()
				continue
			}
			m.restartPollingMonitors()
		}
	}()
}

func (m *Manager) Stop() {
	if m.watchCancel != nil {
		m.watchCancel()
		<-m.watchDone
	}

	m.mu.Lock()
	addrs := make([]string, 0, len(m.monitors))
	for addr := range m.monitors {
		addrs = append(addrs, addr)
	}
	m.mu.Unlock()

	for _, addr := range addrs {
		m.StopMonitoring(addr)
	}
}

func (m *Manager) resubscribeAll() {
	m.mu.Lock()
	entries := make([]*monitorEntry, 0, len(m.monitors))
	for _, e := range m.monitors {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	logger.Logrus.WithFields(logrus.Fields{"Count": len(entries)}).Info("connectivity restored, resubscribing balance monitors")

	for _, e := range entries {
		addr, cb := e.address, e.cb
		m.StopMonitoring(addr)
		if err := m.MonitorBalance(addr, cb); err != nil {
			logger.Logrus.WithFields(logrus.Fields{"Address": addr, "ErrMsg": err}).Error("resubscribe failed")
		}
	}
}

// restartPollingMonitors gives monitors stuck on the polling fallback a
// fresh chain of subscription attempts while the probed endpoint is healthy.
func (m *Manager) restartPollingMonitors() {
	m.mu.Lock()
	entries := make([]*monitorEntry, 0, len(m.monitors))
	for _, e := range m.monitors {
		if e.isPolling() {
			entries = append(entries, e)
		}
	}
	m.mu.Unlock()

	if len(entries) == 0 {
		return
	}
	logger.Logrus.WithFields(logrus.Fields{"Count": len(entries)}).Info("retrying subscriptions for polling balance monitors")

	for _, e := range entries {
		addr, cb := e.address, e.cb
		m.StopMonitoring(addr)
		if err := m.MonitorBalance(addr, cb); err != nil {
			logger.Logrus.WithFields(logrus.Fields{"Address": addr, "ErrMsg": err}).Error("subscription retry failed")
		}
	}
}
