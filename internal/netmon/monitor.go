// Package netmon tracks network reachability for the sync core.
// Offline transitions are reported immediately; online transitions are
// debounced so a flapping link does not trigger drain thrash.
package netmon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/kimhsiao/syncbox/internal/logging"
)

// Prober answers a single reachability question. Implementations must be
// safe for concurrent use.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) bool

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// TCPProber dials a host:port to decide reachability.
type TCPProber struct {
	Address string
	Timeout time.Duration
}

// Probe implements Prober via a TCP dial.
func (p *TCPProber) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", p.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Listener receives connectivity transitions. online is the new state.
type Listener func(online bool)

// Config holds monitor configuration.
type Config struct {
	Debounce      time.Duration // How long online must hold before listeners fire (default: 2s)
	ProbeInterval time.Duration // Background probe cadence (default: 15s)
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() *Config {
	return &Config{
		Debounce:      2 * time.Second,
		ProbeInterval: 15 * time.Second,
	}
}

// Monitor watches connectivity through a Prober and notifies listeners
// on transitions.
type Monitor struct {
	prober        Prober
	debounce      time.Duration
	probeInterval time.Duration

	mu           sync.RWMutex
	online       bool
	candidateUp  bool      // Raw probe said online, waiting out the debounce
	candidateAt  time.Time // When the raw probe first said online
	listeners    map[int]Listener
	nextListener int
	isRunning    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewMonitor creates a Monitor over the given prober. The monitor starts
// offline until the first probe succeeds and the debounce window passes.
func NewMonitor(prober Prober, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	return &Monitor{
		prober:        prober,
		debounce:      config.Debounce,
		probeInterval: config.ProbeInterval,
		listeners:     make(map[int]Listener),
		stopCh:        make(chan struct{}),
		now:           time.Now,
	}
}

// IsOnline reports the debounced connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnChange registers a listener for connectivity transitions and returns
// an unsubscribe function. Listeners are called synchronously from the
// goroutine that observed the transition.
func (m *Monitor) OnChange(listener Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextListener
	m.nextListener++
	m.listeners[id] = listener

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Check forces a probe and applies the result, returning the debounced
// state afterwards.
func (m *Monitor) Check(ctx context.Context) bool {
	reachable := m.prober.Probe(ctx)
	m.apply(reachable)
	return m.IsOnline()
}

// Start launches the background probe loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.probeLoop(ctx)

	logging.Info("Network monitor started", map[string]interface{}{
		"probe_interval": m.probeInterval.String(),
		"debounce":       m.debounce.String(),
	})
}

// Stop halts the background probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	logging.Info("Network monitor stopped", nil)
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	// Probe once immediately so startup does not wait a full interval.
	m.apply(m.prober.Probe(ctx))

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.apply(m.prober.Probe(ctx))
		}
	}
}

// apply folds a raw probe result into the debounced state and fires
// listeners on transitions.
func (m *Monitor) apply(reachable bool) {
	m.mu.Lock()

	var fired []Listener
	var newState bool

	switch {
	case !reachable:
		// Offline is reported instantly and clears any online candidate.
		m.candidateUp = false
		if m.online {
			m.online = false
			newState = false
			fired = m.snapshotListeners()
		}
	case m.online:
		// Already online, nothing to debounce.
		m.candidateUp = false
	case !m.candidateUp:
		// First online probe after an offline stretch opens the window.
		m.candidateUp = true
		m.candidateAt = m.now()
		if m.debounce == 0 {
			m.candidateUp = false
			m.online = true
			newState = true
			fired = m.snapshotListeners()
		}
	case m.now().Sub(m.candidateAt) >= m.debounce:
		m.candidateUp = false
		m.online = true
		newState = true
		fired = m.snapshotListeners()
	}

	m.mu.Unlock()

	if fired != nil {
		logging.Info("Connectivity changed", map[string]interface{}{"online": newState})
		for _, l := range fired {
			l(newState)
		}
	}
}

// snapshotListeners copies listeners under the lock so they can be
// invoked after it is released.
func (m *Monitor) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	return out
}
