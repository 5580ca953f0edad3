package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/kimhsiao/posync/backend/internal/logging"
)

// Prober periodically checks a URL and feeds the result into a Monitor.
// Any HTTP response counts as reachable; only transport failures count as offline.
type Prober struct {
	monitor  *Monitor
	url      string
	interval time.Duration
	client   *http.Client
}

// ProberConfig holds prober configuration.
type ProberConfig struct {
	URL      string
	Interval time.Duration // default: 10 seconds
	Timeout  time.Duration // default: 3 seconds
}

// NewProber creates a Prober for monitor.
func NewProber(monitor *Monitor, config ProberConfig) *Prober {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	return &Prober{
		monitor:  monitor,
		url:      config.URL,
		interval: config.Interval,
		client:   &http.Client{Timeout: config.Timeout},
	}
}

// Probe performs one check and updates the monitor. It returns the observed state.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.reachable(ctx)
	p.monitor.SetOnline(online)
	return online
}

func (p *Prober) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		logging.Error("Invalid probe URL", err, map[string]interface{}{"url": p.url})
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		logging.Debug("Probe failed", map[string]interface{}{"url": p.url, "error": err.Error()})
		return false
	}
	resp.Body.Close()
	return true
}

// Run probes immediately and then every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.Probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
