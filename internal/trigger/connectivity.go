package trigger

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Prober reports whether the tally server is reachable right now.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// HTTPProber treats any HTTP response from url as "network present".
type HTTPProber struct {
	client *http.Client
	url    string
}

func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{client: &http.Client{Timeout: timeout}, url: url}
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Connectivity polls a Prober and calls onRestore on every offline to online transition.
// The first observation only sets the baseline.
type Connectivity struct {
	prober    Prober
	interval  time.Duration
	onRestore func()
	logger    *slog.Logger

	mu     sync.RWMutex
	known  bool
	online bool
}

func NewConnectivity(p Prober, interval time.Duration, onRestore func(), logger *slog.Logger) *Connectivity {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connectivity{prober: p, interval: interval, onRestore: onRestore, logger: logger}
}

// Online reports the last observed state. Unknown counts as offline.
func (c *Connectivity) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.known && c.online
}

// Observe records one probe result and fires onRestore on a restore transition.
func (c *Connectivity) Observe(online bool) {
	c.mu.Lock()
	restored := c.known && !c.online && online
	changed := !c.known || c.online != online
	c.known = true
	c.online = online
	c.mu.Unlock()

	if changed {
		c.logger.Info("connectivity changed", "online", online)
	}
	if restored && c.onRestore != nil {
		c.onRestore()
	}
}

// Run probes until ctx is done.
func (c *Connectivity) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.Observe(c.prober.Probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Observe(c.prober.Probe(ctx))
		}
	}
}
