// Package proxy maintains the shared pool of outbound proxies and ranks them by observed reliability.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

// ErrNoProxies is returned by Select when the pool is empty.
var ErrNoProxies = errors.New("proxy pool is empty")

const latencyAlpha = 0.3

// Config controls selection and health probing.
type Config struct {
	Addresses        []string
	TopK             int
	FailureThreshold int
	RecentWindow     time.Duration
	RecentPenalty    float64
	ProbeURL         string
	ProbeTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 3
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 2 * time.Second
	}
	if c.RecentPenalty <= 0 {
		c.RecentPenalty = 5
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	return c
}

// Info is the rotation state of one proxy.
type Info struct {
	Address             string        `json:"address"`
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	AvgLatency          time.Duration `json:"avg_latency"`
	LastUsed            time.Time     `json:"last_used"`
	LastError           string        `json:"last_error,omitempty"`
}

type probeFunc func(ctx context.Context, address string) error

// Manager selects proxies and tracks their health. All state sits behind mu.
type Manager struct {
	cfg    Config
	clock  scraper.Clock
	logger *zap.Logger

	mu      sync.Mutex
	proxies map[string]*Info
	order   []string
	rng     *rand.Rand
	probe   probeFunc
}

// New builds a Manager over cfg.Addresses. Duplicate addresses are collapsed.
func New(cfg Config, clock scraper.Clock, logger *zap.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		proxies: make(map[string]*Info),
		rng:     rand.New(rand.NewPCG(uint64(clock.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, raw := range cfg.Addresses {
		addr, err := normalize(raw)
		if err != nil {
			return nil, err
		}
		if _, ok := m.proxies[addr]; ok {
			continue
		}
		m.proxies[addr] = &Info{Address: addr, Healthy: true}
		m.order = append(m.order, addr)
	}
	m.probe = m.httpProbe
	return m, nil
}

func normalize(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return "", fmt.Errorf("proxy address is empty")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid proxy address %q", raw)
	}
	return u.String(), nil
}

// Len returns the pool size.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Select returns a proxy drawn from the top-K healthy candidates by score.
// When nothing is healthy the whole pool is reset first.
func (m *Manager) Select() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order) == 0 {
		return "", ErrNoProxies
	}
	now := m.clock.Now()
	candidates := m.healthyLocked()
	if len(candidates) == 0 {
		m.logger.Warn("all proxies unhealthy; resetting pool", zap.Int("pool_size", len(m.order)))
		m.resetLocked()
		candidates = m.healthyLocked()
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return m.scoreLocked(candidates[i], now) > m.scoreLocked(candidates[j], now)
	})
	k := min(m.cfg.TopK, len(candidates))
	chosen := candidates[m.rng.IntN(k)]
	chosen.LastUsed = now
	return chosen.Address, nil
}

func (m *Manager) healthyLocked() []*Info {
	out := make([]*Info, 0, len(m.order))
	for _, addr := range m.order {
		if info := m.proxies[addr]; info.Healthy {
			out = append(out, info)
		}
	}
	return out
}

func (m *Manager) scoreLocked(info *Info, now time.Time) float64 {
	score := float64(info.Successes) - 3*float64(info.Failures)
	if !info.LastUsed.IsZero() && now.Sub(info.LastUsed) < m.cfg.RecentWindow {
		score -= m.cfg.RecentPenalty
	}
	return score
}

// ReportSuccess records a successful attempt through address.
func (m *Manager) ReportSuccess(address string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.proxies[address]
	if !ok {
		return
	}
	info.Successes++
	info.ConsecutiveFailures = 0
	info.Healthy = true
	if info.AvgLatency == 0 {
		info.AvgLatency = latency
	} else {
		info.AvgLatency = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(info.AvgLatency))
	}
}

// ReportFailure records a failed attempt. Reaching the failure threshold marks the proxy unhealthy.
func (m *Manager) ReportFailure(address string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.proxies[address]
	if !ok {
		return
	}
	info.Failures++
	info.ConsecutiveFailures++
	info.LastError = reason
	if info.Healthy && info.ConsecutiveFailures >= m.cfg.FailureThreshold {
		info.Healthy = false
		m.logger.Warn("proxy marked unhealthy",
			zap.String("proxy", address),
			zap.Int("consecutive_failures", info.ConsecutiveFailures),
			zap.String("reason", reason),
		)
	}
}

// HealthCheck probes address and feeds the outcome back through the report path.
func (m *Manager) HealthCheck(ctx context.Context, address string) bool {
	m.mu.Lock()
	_, known := m.proxies[address]
	probe := m.probe
	m.mu.Unlock()
	if !known {
		return false
	}

	start := time.Now()
	if err := probe(ctx, address); err != nil {
		m.ReportFailure(address, "health check: "+err.Error())
		return false
	}
	m.ReportSuccess(address, time.Since(start))
	return true
}

// RecheckUnhealthy probes every unhealthy proxy and returns how many recovered.
func (m *Manager) RecheckUnhealthy(ctx context.Context) int {
	m.mu.Lock()
	var targets []string
	for _, addr := range m.order {
		if !m.proxies[addr].Healthy {
			targets = append(targets, addr)
		}
	}
	m.mu.Unlock()

	recovered := 0
	for _, addr := range targets {
		if ctx.Err() != nil {
			break
		}
		if m.HealthCheck(ctx, addr) {
			recovered++
		}
	}
	return recovered
}

// Reset marks every proxy healthy and clears consecutive failures.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked()
}

func (m *Manager) resetLocked() {
	for _, info := range m.proxies {
		info.Healthy = true
		info.ConsecutiveFailures = 0
	}
}

// Snapshot returns a copy of every proxy's state in configuration order.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.order))
	for _, addr := range m.order {
		out = append(out, *m.proxies[addr])
	}
	return out
}

func (m *Manager) httpProbe(ctx context.Context, address string) error {
	if m.cfg.ProbeURL == "" {
		return fmt.Errorf("probe url not configured")
	}
	proxyURL, err := url.Parse(address)
	if err != nil {
		return fmt.Errorf("parse proxy url: %w", err)
	}
	client := &http.Client{
		Timeout:   m.cfg.ProbeTimeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL), DisableKeepAlives: true},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.ProbeURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}
