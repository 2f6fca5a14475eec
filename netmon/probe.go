package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// ProbeConfig configures a Probe monitor.
type ProbeConfig struct {
	// URL is the reachability endpoint. A HEAD request that completes with
	// any HTTP response counts as online; transport errors count as offline.
	URL string

	// Interval between probes. Defaults to 30 seconds.
	Interval time.Duration

	// Timeout per probe request. Defaults to 5 seconds.
	Timeout time.Duration

	// Client is the HTTP client to probe with. Defaults to http.DefaultClient.
	Client *http.Client
}

// Probe is a Monitor that determines connectivity by periodically issuing
// HEAD requests against a reachability URL.
type Probe struct {
	*notifier

	cfg      ProbeConfig
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

var _ Monitor = (*Probe)(nil)

// NewProbe creates a Probe monitor. The monitor is offline until the first
// successful probe; call Start to begin probing.
func NewProbe(cfg ProbeConfig) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}

	return &Probe{
		notifier: newNotifier(false),
		cfg:      cfg,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start probes once immediately, then at the configured interval until the
// context is cancelled or Stop is called.
func (p *Probe) Start(ctx context.Context) {
	go func() {
		defer close(p.done)

		p.set(p.check(ctx))

		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.set(p.check(ctx))
			}
		}
	}()
}

// Stop halts probing and waits for the probe goroutine to exit.
func (p *Probe) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Probe) check(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, p.cfg.URL, nil)
	if err != nil {
		return false
	}

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
