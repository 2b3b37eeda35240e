package session

import (
	"sync"
	"time"

	"github.com/openclaw/voicebridge/pkg/voice"
)

// stateWatcher is the single reader of a connection's state
// transitions. Waiters block on a condition variable instead of
// competing for the channel; once armed, a drop triggers onDrop.
type stateWatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	state  voice.ConnState
	armed  bool
	closed bool
}

func newStateWatcher(conn voice.Connection, quit chan struct{}, onDrop func()) *stateWatcher {
	w := &stateWatcher{state: conn.State()}
	w.cond = sync.NewCond(&w.mu)
	go func() {
		for {
			select {
			case <-quit:
				w.close()
				return
			case st, ok := <-conn.StateChanges():
				if !ok {
					w.close()
					return
				}
				w.mu.Lock()
				w.state = st
				armed := w.armed
				w.cond.Broadcast()
				w.mu.Unlock()
				if armed && st == voice.StateDisconnected && onDrop != nil {
					onDrop()
				}
			}
		}
	}()
	return w
}

// arm enables drop notifications. Called after the initial Ready so the
// normal Signalling->Ready progression cannot trigger a reconnect.
func (w *stateWatcher) arm() {
	w.mu.Lock()
	w.armed = true
	w.mu.Unlock()
}

func (w *stateWatcher) close() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

// waitFor blocks until the connection reaches want or timeout elapses.
func (w *stateWatcher) waitFor(want voice.ConnState, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	wake := time.AfterFunc(timeout, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer wake.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.state != want && !w.closed && time.Now().Before(deadline) {
		w.cond.Wait()
	}
	return w.state == want
}
