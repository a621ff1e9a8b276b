// Package rpcpool owns the set of weighted upstream RPC endpoints: weighted
// health-aware selection, subscription-capacity accounting and a background
// liveness probe.
package rpcpool

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/sirupsen/logrus"

	"github.com/amosehiguese/soltrader/config"
	"github.com/amosehiguese/soltrader/utils/logger"
)

const (
	capacityWarnPct = 75
	capacityCritPct = 90
)

type endpoint struct {
	url        string
	weight     int64
	client     *rpc.Client
	wsURL      string
	healthy    bool
	failures   int64
	activeSubs int64
	avgRTTMs   float64
}

type EndpointStats struct {
	URL        string  `json:"url"`
	Weight     int64   `json:"weight"`
	Healthy    bool    `json:"healthy"`
	Failures   int64   `json:"failures"`
	ActiveSubs int64   `json:"activeSubs"`
	AvgRTTMs   float64 `json:"avgRttMs"`
}

type Pool struct {
	mu        sync.Mutex
	endpoints []*endpoint
	rrIdx     int
	rnd       *rand.Rand

	failureThreshold int64
	maxSubs          int64
	probeTimeout     time.Duration
	healthInterval   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.RPCConfig) *Pool {
	p := &Pool{
		rnd:              rand.New(rand.NewSource(time.Now().UnixNano())),
		failureThreshold: cfg.FailureThreshold,
		maxSubs:          cfg.MaxSubsPerEndpoint,
		probeTimeout:     time.Duration(cfg.ProbeTimeoutSec) * time.Second,
		healthInterval:   time.Duration(cfg.HealthCheckSec) * time.Second,
	}
	if p.failureThreshold <= 0 {
		p.failureThreshold = 3
	}
	if p.maxSubs <= 0 {
		p.maxSubs = 40
	}
	if p.probeTimeout <= 0 {
		p.probeTimeout = 5 * time.Second
	}
	if p.healthInterval <= 0 {
		p.healthInterval = 30 * time.Second
	}

	for _, e := range cfg.Endpoints {
		w := e.Weight
		if w <= 0 {
			w = 1
		}
		p.endpoints = append(p.endpoints, &endpoint{
			url:     e.URL,
			weight:  w,
			client:  rpc.New(e.URL),
			wsURL:   WebsocketURL(e.URL),
			healthy: true,
		})
	}
	return p
}

// Start launches the background health loop. Stop tears it down.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.healthCheck(ctx)
			}
		}
	}()
}

func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// GetConnection returns the preferred endpoint's client when it is currently
// healthy, else a weighted random healthy endpoint, else round-robin, else
// the first configured endpoint even if unhealthy.
func (p *Pool) GetConnection(preferredURL string) *rpc.Client {
	e := p.pickEndpoint(preferredURL)
	if e == nil {
		return nil
	}
	return e.client
}

// Acquire is GetConnection plus the endpoint url, for callers that report
// RecordSuccess/RecordFailure afterwards.
func (p *Pool) Acquire(preferredURL string) (*rpc.Client, string) {
	e := p.pickEndpoint(preferredURL)
	if e == nil {
		return nil, ""
	}
	return e.client, e.url
}

func (p *Pool) pickEndpoint(preferredURL string) *endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.endpoints) == 0 {
		return nil
	}

	if preferredURL != "" {
		for _, e := range p.endpoints {
			if e.url == preferredURL && e.healthy {
				return e
			}
		}
	}

	var healthy []*endpoint
	var totalWeight int64
	for _, e := range p.endpoints {
		if e.healthy {
			healthy = append(healthy, e)
			totalWeight += e.weight
		}
	}

	if len(healthy) == 0 {
		return p.endpoints[0]
	}

	if totalWeight > 0 {
		r := p.rnd.Int63n(totalWeight)
		for _, e := range healthy {
			r -= e.weight
			if r < 0 {
				return e
			}
		}
	}

	// weighted pick inconclusive, fall back to round-robin
	p.rrIdx = (p.rrIdx + 1) % len(healthy)
	return healthy[p.rrIdx]
}

// GetConnectionForSubscription returns the healthy endpoint with the fewest
// active push subscriptions below the per-endpoint cap, or the least-loaded
// endpoint in degraded mode when all are at cap. The returned URL must be
// handed back via ReleaseSubscription when the subscription is torn down.
func (p *Pool) GetConnectionForSubscription() (*rpc.Client, string, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.endpoints) == 0 {
		return nil, "", ""
	}

	var best *endpoint
	for _, e := range p.endpoints {
		if !e.healthy || e.activeSubs >= p.maxSubs {
			continue
		}
		if best == nil || e.activeSubs < best.activeSubs {
			best = e
		}
	}

	if best == nil {
		// degraded mode: everything at cap or unhealthy, take the least loaded
		for _, e := range p.endpoints {
			if best == nil || e.activeSubs < best.activeSubs {
				best = e
			}
		}
		logger.Logrus.WithFields(logrus.Fields{"URL": best.url, "ActiveSubs": best.activeSubs}).Warn("all rpc endpoints at subscription capacity, using least loaded")
	}

	best.activeSubs++
	return best.client, best.url, best.wsURL
}

func (p *Pool) ReleaseSubscription(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.endpoints {
		if e.url == url && e.activeSubs > 0 {
			e.activeSubs--
			return
		}
	}
}

func (p *Pool) RecordFailure(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.endpoints {
		if e.url != url {
			continue
		}
		e.failures++
		if e.failures >= p.failureThreshold && e.healthy {
			e.healthy = false
			logger.Logrus.WithFields(logrus.Fields{"URL": e.url, "Failures": e.failures}).Warn("rpc endpoint marked unhealthy")
		}
		return
	}
}

func (p *Pool) RecordSuccess(url string, rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.endpoints {
		if e.url != url {
			continue
		}
		e.failures = 0
		e.healthy = true
		if rtt > 0 {
			ms := float64(rtt.Milliseconds())
			if e.avgRTTMs == 0 {
				e.avgRTTMs = ms
			} else {
				e.avgRTTMs = e.avgRTTMs*0.8 + ms*0.2
			}
		}
		return
	}
}

func (p *Pool) Stats() []EndpointStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EndpointStats, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		out = append(out, EndpointStats{
			URL:        e.url,
			Weight:     e.weight,
			Healthy:    e.healthy,
			Failures:   e.failures,
			ActiveSubs: e.activeSubs,
			AvgRTTMs:   e.avgRTTMs,
		})
	}
	return out
}

// healthCheck probes every endpoint with the current slot, a cheap liveness
// call, on a timeout shorter than operational calls so one slow probe cannot
// stall the pool.
func (p *Pool) healthCheck(ctx context.Context) {
	p.mu.Lock()
	eps := make([]*endpoint, len(p.endpoints))
	copy(eps, p.endpoints)
	p.mu.Unlock()

	for _, e := range eps {
		probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
		start := time.Now()
		_, err := e.client.GetSlot(probeCtx, rpc.CommitmentProcessed)
		cancel()

		if err != nil {
			p.RecordFailure(e.url)
			logger.Logrus.WithFields(logrus.Fields{"URL": e.url, "ErrMsg": err}).Debug("rpc health probe failed")
			continue
		}
		p.RecordSuccess(e.url, time.Since(start))
	}

	p.reportUtilization()
}

func (p *Pool) reportUtilization() {
	p.mu.Lock()
	var subs, capacity int64
	healthyCount := 0
	for _, e := range p.endpoints {
		subs += e.activeSubs
		capacity += p.maxSubs
		if e.healthy {
			healthyCount++
		}
	}
	p.mu.Unlock()

	if capacity == 0 {
		return
	}
	pct := subs * 100 / capacity

	fields := logrus.Fields{"ActiveSubs": subs, "Capacity": capacity, "UtilizationPct": pct, "HealthyEndpoints": healthyCount}
	switch {
	case pct >= capacityCritPct:
		logger.Logrus.WithFields(fields).Error("rpc subscription capacity critical")
	case pct >= capacityWarnPct:
		logger.Logrus.WithFields(fields).Warn("rpc subscription capacity high")
	default:
		logger.Logrus.WithFields(fields).Debug("rpc pool utilization")
	}
}
