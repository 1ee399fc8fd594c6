package providers

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// PoolConfig holds connection pool tuning knobs for one adapter's upstream.
type PoolConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration
}

// DefaultPoolConfig returns production defaults grounded on the scale of a
// batched executor run (§4.5): up to BATCH_SIZE in-flight requests per
// adapter, so MaxConnsPerHost comfortably exceeds the default batch size.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   64,
		MaxConnsPerHost:       64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// adapterMetrics tracks connection pool utilization per adapter name.
type adapterMetrics struct {
	activeConnections sync.Map // map[string]*int64
	totalRequests     sync.Map // map[string]*int64
	totalErrors       sync.Map // map[string]*int64
	connectionReuses  sync.Map // map[string]*int64
}

// ConnectionPool manages shared HTTP transports and clients, one per
// adapter, so repeated adapter calls reuse idle connections instead of
// dialing fresh per call.
type ConnectionPool struct {
	mu         sync.RWMutex
	transports map[string]*http.Transport
	clients    map[string]*http.Client
	configs    map[string]PoolConfig
	defaults   PoolConfig
	metrics    *adapterMetrics
}

// NewConnectionPool creates a pool using defaults for any adapter without an
// explicit Configure call.
func NewConnectionPool(defaults PoolConfig) *ConnectionPool {
	return &ConnectionPool{
		transports: make(map[string]*http.Transport),
		clients:    make(map[string]*http.Client),
		configs:    make(map[string]PoolConfig),
		defaults:   defaults,
		metrics:    &adapterMetrics{},
	}
}

// Configure sets a custom pool config for one adapter, invalidating any
// transport already built for it.
func (p *ConnectionPool) Configure(adapterName string, cfg PoolConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs[adapterName] = cfg
	delete(p.transports, adapterName)
	delete(p.clients, adapterName)
}

// GetClient returns the shared HTTP client for adapterName with the given
// per-request timeout, building it (and its transport) on first access.
func (p *ConnectionPool) GetClient(adapterName string, timeout time.Duration) *http.Client {
	p.mu.RLock()
	if c, ok := p.clients[adapterName]; ok {
		p.mu.RUnlock()
		return c
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[adapterName]; ok {
		return c
	}

	cfg := p.configFor(adapterName)
	transport := p.createTransport(cfg)
	p.transports[adapterName] = transport

	client := &http.Client{
		Transport: &metricsRoundTripper{inner: transport, adapterName: adapterName, metrics: p.metrics},
		Timeout:   timeout,
	}
	p.clients[adapterName] = client
	return client
}

// Metrics returns a snapshot of per-adapter connection counters.
func (p *ConnectionPool) Metrics() map[string]map[string]int64 {
	result := make(map[string]map[string]int64)
	collect := func(m *sync.Map, field string) {
		m.Range(func(key, value interface{}) bool {
			name := key.(string)
			if _, ok := result[name]; !ok {
				result[name] = make(map[string]int64)
			}
			result[name][field] = atomic.LoadInt64(value.(*int64))
			return true
		})
	}
	collect(&p.metrics.totalRequests, "total_requests")
	collect(&p.metrics.totalErrors, "total_errors")
	collect(&p.metrics.activeConnections, "active_connections")
	collect(&p.metrics.connectionReuses, "connection_reuses")
	return result
}

// Close releases idle connections across all adapters.
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		t.CloseIdleConnections()
	}
}

func (p *ConnectionPool) configFor(adapterName string) PoolConfig {
	if cfg, ok := p.configs[adapterName]; ok {
		return cfg
	}
	return p.defaults
}

func (p *ConnectionPool) createTransport(cfg PoolConfig) *http.Transport {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
	}
}

type metricsRoundTripper struct {
	inner       http.RoundTripper
	adapterName string
	metrics     *adapterMetrics
}

func (m *metricsRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	active := m.counter(&m.metrics.activeConnections)
	atomic.AddInt64(active, 1)
	defer atomic.AddInt64(active, -1)
	atomic.AddInt64(m.counter(&m.metrics.totalRequests), 1)

	resp, err := m.inner.RoundTrip(req)
	if err != nil {
		atomic.AddInt64(m.counter(&m.metrics.totalErrors), 1)
		return nil, err
	}
	if !resp.Close {
		atomic.AddInt64(m.counter(&m.metrics.connectionReuses), 1)
	}
	return resp, nil
}

func (m *metricsRoundTripper) counter(store *sync.Map) *int64 {
	if val, ok := store.Load(m.adapterName); ok {
		return val.(*int64)
	}
	counter := new(int64)
	actual, _ := store.LoadOrStore(m.adapterName, counter)
	return actual.(*int64)
}
