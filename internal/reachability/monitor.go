// Package reachability observes network connectivity transitions. The
// orchestrator subscribes to suppress remote calls while offline and to
// trigger a debounced resync on reconnect.
package reachability

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the observed connectivity state.
type Status string

const (
	// StatusOnline means the probe target is reachable.
	StatusOnline Status = "online"
	// StatusOffline means the last probe failed.
	StatusOffline Status = "offline"
)

// Monitor exposes the current connectivity status and transition events.
type Monitor interface {
	Status() Status
	Subscribe(handler func(Status))
}

const (
	defaultProbeInterval = 15 * time.Second
	defaultDialTimeout   = 5 * time.Second
)

var (
	errMissingProbeAddress = errors.New("probe address is required")
	noOpLogger             = zap.NewNop()
)

// ProbeMonitorConfig configures the TCP probe monitor.
type ProbeMonitorConfig struct {
	// ProbeAddress is the host:port dialed to test connectivity, typically
	// the remote backend itself.
	ProbeAddress  string
	ProbeInterval time.Duration
	DialTimeout   time.Duration
	// Dial overrides the dialer in tests.
	Dial   func(ctx context.Context, address string) error
	Logger *zap.Logger
}

// ProbeMonitor derives connectivity from periodic TCP dials and publishes
// transitions to subscribers.
type ProbeMonitor struct {
	probeAddress  string
	probeInterval time.Duration
	dial          func(ctx context.Context, address string) error
	logger        *zap.Logger

	mu          sync.Mutex
	status      Status
	subscribers []func(Status)
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewProbeMonitor validates the configuration and returns a monitor. The
// monitor starts offline until the first successful probe.
func NewProbeMonitor(cfg ProbeMonitorConfig) (*ProbeMonitor, error) {
	address := strings.TrimSpace(cfg.ProbeAddress)
	if address == "" && cfg.Dial == nil {
		return nil, errMissingProbeAddress
	}
	interval := cfg.ProbeInterval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	dial := cfg.Dial
	if dial == nil {
		timeout := cfg.DialTimeout
		if timeout <= 0 {
			timeout = defaultDialTimeout
		}
		dialer := &net.Dialer{Timeout: timeout}
		dial = func(ctx context.Context, addr string) error {
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ProbeMonitor{
		probeAddress:  address,
		probeInterval: interval,
		dial:          dial,
		logger:        logger,
		status:        StatusOffline,
	}, nil
}

// Status returns the last observed connectivity state.
func (m *ProbeMonitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers a handler invoked on every status transition.
func (m *ProbeMonitor) Subscribe(handler func(Status)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, handler)
}

// Start begins probing until Stop is called or ctx is cancelled.
func (m *ProbeMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	probeCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.probeInterval)
		defer ticker.Stop()

		m.probe(probeCtx)
		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C:
				m.probe(probeCtx)
			}
		}
	}()
}

// Stop halts probing and waits for the probe goroutine to exit.
func (m *ProbeMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (m *ProbeMonitor) probe(ctx context.Context) {
	status := StatusOnline
	if err := m.dial(ctx, m.probeAddress); err != nil {
		status = StatusOffline
	}
	m.publish(status)
}

func (m *ProbeMonitor) publish(status Status) {
	m.mu.Lock()
	if m.status == status {
		m.mu.Unlock()
		return
	}
	m.status = status
	handlers := make([]func(Status), len(m.subscribers))
	copy(handlers, m.subscribers)
	m.mu.Unlock()

	m.logger.Info("reachability transition", zap.String("status", string(status)))
	for _, handler := range handlers {
		handler(status)
	}
}

// ManualMonitor is a Monitor driven directly by tests or platform hooks that
// already know the connectivity state.
type ManualMonitor struct {
	mu          sync.Mutex
	status      Status
	subscribers []func(Status)
}

// NewManualMonitor returns a monitor starting in the given state.
func NewManualMonitor(initial Status) *ManualMonitor {
	return &ManualMonitor{status: initial}
}

// Status returns the current state.
func (m *ManualMonitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers a transition handler.
func (m *ManualMonitor) Subscribe(handler func(Status)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, handler)
}

// Set transitions the monitor, notifying subscribers on change.
func (m *ManualMonitor) Set(status Status) {
	m.mu.Lock()
	if m.status == status {
		m.mu.Unlock()
		return
	}
	m.status = status
	handlers := make([]func(Status), len(m.subscribers))
	copy(handlers, m.subscribers)
	m.mu.Unlock()

	for _, handler := range handlers {
		handler(status)
	}
}
