package connectivity

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/eventbus"
	logx "chatrelay/pkg/logx"
)

// Config controls connectivity probing.
type Config struct {
	// ProbeURL is fetched (HEAD) to decide the online state. Any HTTP
	// response counts as online; only transport errors count as
	// offline. Default: https://www.gstatic.com/generate_204.
	ProbeURL string

	// Interval between probes. Default: 15s.
	Interval time.Duration

	// Timeout per probe. Default: 3s.
	Timeout time.Duration

	// FlipAfter is how many consecutive contrary probes are needed
	// before the state flips (debounce). Default: 1.
	FlipAfter int
}

func (c Config) withDefaults() Config {
	if c.ProbeURL == "" {
		c.ProbeURL = "https://www.gstatic.com/generate_204"
	}
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.FlipAfter <= 0 {
		c.FlipAfter = 1
	}
	return c
}

// Monitor tracks the online/offline state of the host and publishes
// transitions on the event bus (net.online / net.offline).
//
// The queue subscribes to these events to trigger drains; the gateway
// reads Online() synchronously to decide between surfacing an error
// and deferring a message.
type Monitor struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	online atomic.Bool

	mu       sync.Mutex
	contrary int // consecutive probes disagreeing with the current state

	// probe is injectable for tests.
	probe func(ctx context.Context) bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Monitor{
		cfg: cfg.withDefaults(),
		log: log,
		bus: bus,
	}
	m.probe = m.httpProbe
	// Assume online until the first probe says otherwise; starting
	// pessimistic would queue messages needlessly on boot.
	m.online.Store(true)
	return m
}

// SetProbe overrides the probe function. Intended for tests.
func (m *Monitor) SetProbe(probe func(ctx context.Context) bool) {
	if probe != nil {
		m.probe = probe
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool { return m.online.Load() }

// SetOnline forces the state (manual override from the UI or tests)
// and publishes the transition if it changed.
func (m *Monitor) SetOnline(v bool) {
	m.mu.Lock()
	m.contrary = 0
	changed := m.online.Swap(v) != v
	m.mu.Unlock()
	if changed {
		m.announce(v)
	}
}

// Run probes until ctx is cancelled. Call it under the app supervisor.
func (m *Monitor) Run(ctx context.Context) error {
	m.observe(m.probe(ctx))

	tick := time.NewTicker(m.cfg.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			m.observe(m.probe(ctx))
		}
	}
}

func (m *Monitor) observe(online bool) {
	m.mu.Lock()
	cur := m.online.Load()
	if online == cur {
		m.contrary = 0
		m.mu.Unlock()
		return
	}
	m.contrary++
	if m.contrary < m.cfg.FlipAfter {
		m.mu.Unlock()
		return
	}
	m.contrary = 0
	m.online.Store(online)
	m.mu.Unlock()

	m.announce(online)
}

func (m *Monitor) announce(online bool) {
	typ := eventbus.TypeNetOffline
	if online {
		typ = eventbus.TypeNetOnline
	}
	m.log.Info("connectivity changed", logx.Bool("online", online))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: typ})
	}
}

func (m *Monitor) httpProbe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodHead, m.cfg.ProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		// Transport-level failure: no route, DNS, refused. Status codes
		// of any kind still mean the network path works.
		return false
	}
	_ = resp.Body.Close()
	return true
}
