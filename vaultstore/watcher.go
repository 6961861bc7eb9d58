package vaultstore

import "sync"

// Watcher is a simple channel-based fan-out broadcaster, embedded by
// concrete Store implementations, grounded on the teacher's preference for
// explicit channels over hidden callback registries.
type Watcher struct {
	mu     sync.Mutex
	subs   []chan ChangeNotification
	closed bool
}

// Subscribe registers a new notification channel. Buffered to 16 so a slow
// reader cannot block a writer's commit path; a full channel drops the
// notification rather than blocking.
func (w *Watcher) Subscribe() <-chan ChangeNotification {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan ChangeNotification, 16)
	w.subs = append(w.subs, ch)
	return ch
}

// Notify fans a committed write out to every subscriber.
func (w *Watcher) Notify(n ChangeNotification) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	for _, ch := range w.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Close closes every subscriber channel. Safe to call once.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for _, ch := range w.subs {
		close(ch)
	}
}
