package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/culvert-dev/culvert/internal/proxy"
)

// Default supervisor timings. They are overridable through Config for tests
// and command-line flags.
const (
	DefaultRetryDelay   = 5 * time.Second
	DefaultPollInterval = 1 * time.Second
	DefaultStopTimeout  = 3 * time.Second
)

// ConnectFunc establishes an authenticated SSH session for spec. The default
// implementation dials through the configured upstream proxy; tests swap in
// fakes.
type ConnectFunc func(ctx context.Context, spec Spec, cfg Config) (proxy.Session, error)

// BuildFunc constructs the forwarder variant for spec on top of sess.
type BuildFunc func(spec Spec, sess proxy.Session, verbose bool) (proxy.Forwarder, error)

// Config tunes the registry and its per-tunnel workers.
type Config struct {
	// RetryDelay is the pause between reconnect attempts.
	RetryDelay time.Duration
	// PollInterval is how often a running tunnel is checked for liveness.
	PollInterval time.Duration
	// StopTimeout bounds how long Stop waits for a worker to exit.
	StopTimeout time.Duration

	// DialTimeout bounds the TCP connection to the SSH server (or proxy).
	DialTimeout time.Duration
	// HandshakeTimeout bounds the SSH handshake.
	HandshakeTimeout time.Duration
	// KnownHostsPath is the known_hosts file for host key verification.
	// Empty disables host key checking.
	KnownHostsPath string
	// Verbose enables per-connection logging in forwarders.
	Verbose bool

	// Connect and Build default to the real SSH implementations.
	Connect ConnectFunc
	Build   BuildFunc
}

func (c *Config) applyDefaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.Connect == nil {
		c.Connect = Connect
	}
	if c.Build == nil {
		c.Build = BuildForwarder
	}
}

// Registry owns all tunnel workers and serializes starts and stops. Status
// transitions are published on the event stream; the stream is never closed
// and slow consumers lose events rather than blocking workers.
type Registry struct {
	cfg    Config
	events chan Event

	mu      sync.Mutex
	workers map[string]*worker
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg Config) *Registry {
	cfg.applyDefaults()
	return &Registry{
		cfg:     cfg,
		events:  make(chan Event, 64),
		workers: make(map[string]*worker),
	}
}

// Events returns the status event stream.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Start launches a worker for spec. It returns false if a worker for the
// same tunnel is still alive, so double starts are harmless.
func (r *Registry) Start(spec Spec) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[spec.ID]; ok {
		select {
		case <-w.done:
			// Previous worker finished; replace it.
		default:
			return false
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		spec:   spec,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateConnecting,
	}
	r.workers[spec.ID] = w

	go r.run(ctx, w)
	return true
}

// Stop cancels the tunnel's worker and waits for it to exit, bounded by the
// configured stop timeout. It returns false if no live worker exists.
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	w, ok := r.workers[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
	}

	w.cancel()

	select {
	case <-w.done:
	case <-time.After(r.cfg.StopTimeout):
		// The worker closes its forwarder and session on cancel; if it is
		// still wedged past the timeout, force the teardown from here too.
		w.forceClose()
		select {
		case <-w.done:
		case <-time.After(r.cfg.StopTimeout):
		}
	}
	return true
}

// StartAll launches workers for every spec, skipping tunnels already running.
func (r *Registry) StartAll(specs []Spec) int {
	started := 0
	for _, s := range specs {
		if r.Start(s) {
			started++
		}
	}
	return started
}

// StopAll stops every live worker and waits for each.
func (r *Registry) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Stop(id)
	}
}

// Running reports whether the tunnel currently has a live worker.
func (r *Registry) Running(id string) bool {
	r.mu.Lock()
	w, ok := r.workers[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Status returns a snapshot of the state of every known tunnel.
func (r *Registry) Status() map[string]State {
	r.mu.Lock()
	workers := make(map[string]*worker, len(r.workers))
	for id, w := range r.workers {
		workers[id] = w
	}
	r.mu.Unlock()

	out := make(map[string]State, len(workers))
	for id, w := range workers {
		out[id] = w.currentState()
	}
	return out
}

// emit publishes a status event without ever blocking a worker.
func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
	}
}
