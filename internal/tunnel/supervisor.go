package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/culvert-dev/culvert/internal/proxy"
	"github.com/culvert-dev/culvert/internal/sshtun"
)

// worker is the supervisor goroutine state for one tunnel. The run loop is
// the only writer of state and the runtime fields; everything else takes the
// mutex and reads.
type worker struct {
	spec   Spec
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state State
	sess  proxy.Session
	fwd   proxy.Forwarder
}

func (w *worker) currentState() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *worker) setRuntime(sess proxy.Session, fwd proxy.Forwarder) {
	w.mu.Lock()
	w.sess = sess
	w.fwd = fwd
	w.mu.Unlock()
}

// teardown stops the forwarder and closes the session, then clears both so a
// later reconnect starts clean.
func (w *worker) teardown() {
	w.mu.Lock()
	sess, fwd := w.sess, w.fwd
	w.sess, w.fwd = nil, nil
	w.mu.Unlock()

	if fwd != nil {
		fwd.Stop()
	}
	if sess != nil {
		_ = sess.Close()
	}
}

// forceClose is teardown callable from outside the worker, used when a stop
// request outlives its timeout.
func (w *worker) forceClose() {
	w.teardown()
}

// run is the per-tunnel supervisor loop: connect, start the forwarder, then
// poll liveness until the tunnel dies or the worker is canceled. With
// auto-reconnect the loop goes around again after a retry delay; without it
// any failure is final. Authentication rejections are always final since
// retrying the same bad credential can lock the account.
func (r *Registry) run(ctx context.Context, w *worker) {
	defer close(w.done)
	defer func() {
		w.teardown()
		r.setState(w, StateStopped, "")
	}()

	for {
		r.setState(w, StateConnecting, "")

		sess, err := r.cfg.Connect(ctx, w.spec, r.cfg)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, sshtun.ErrAuthentication) {
				r.setState(w, StateError, fmt.Sprintf("authentication failed: %v", err))
				return
			}
			if !r.retry(ctx, w, fmt.Sprintf("connection failed: %v", err)) {
				return
			}
			continue
		}

		fwd, err := r.cfg.Build(w.spec, sess, r.cfg.Verbose)
		if err != nil {
			_ = sess.Close()
			r.setState(w, StateError, fmt.Sprintf("invalid tunnel: %v", err))
			return
		}

		if err := fwd.Start(); err != nil {
			_ = sess.Close()
			if ctx.Err() != nil {
				return
			}
			if !r.retry(ctx, w, fmt.Sprintf("forwarder start failed: %v", err)) {
				return
			}
			continue
		}

		w.setRuntime(sess, fwd)
		r.setState(w, StateRunning, "")
		log.Printf("tunnel %s: running (%s)", w.spec.Name, w.spec.ForwardingRule())

		if !r.watch(ctx, fwd) {
			w.teardown()
			return
		}

		w.teardown()
		if !r.retry(ctx, w, "connection lost") {
			return
		}
	}
}

// watch polls the forwarder until it goes inactive (returns true) or the
// worker is canceled (returns false).
func (r *Registry) watch(ctx context.Context, fwd proxy.Forwarder) bool {
	t := time.NewTicker(r.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			if !fwd.Active() {
				return true
			}
		}
	}
}

// retry publishes the error and, when auto-reconnect is on, sleeps out the
// retry delay. It returns false when the worker should exit instead of
// reconnecting.
func (r *Registry) retry(ctx context.Context, w *worker, msg string) bool {
	if !w.spec.AutoReconnect {
		r.setState(w, StateError, msg)
		return false
	}

	r.setState(w, StateError, msg+", reconnecting")
	log.Printf("tunnel %s: %s, retrying in %s", w.spec.Name, msg, r.cfg.RetryDelay)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.cfg.RetryDelay):
		return true
	}
}

func (r *Registry) setState(w *worker, s State, msg string) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	r.emit(Event{ID: w.spec.ID, State: s, Message: msg})
}
