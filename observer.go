package jobtracker

import "sync"

// Subscription delivers ledger snapshots after every mutation.
// Only the most recent snapshot is kept for a slow reader; intermediate
// snapshots may be skipped, but the latest state is never lost.
type Subscription struct {
	id uint64
	ch chan Snapshot
}

// C returns the channel snapshots are delivered on. It is closed when the
// subscription is cancelled or the manager is closed.
func (s *Subscription) C() <-chan Snapshot {
	return s.ch
}

// observers fans snapshots out to subscriptions.
type observers struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

func newObservers() *observers {
	return &observers{subs: make(map[uint64]*Subscription)}
}

func (o *observers) subscribe(initial Snapshot) *Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextID++
	sub := &Subscription{id: o.nextID, ch: make(chan Snapshot, 1)}
	if o.closed {
		close(sub.ch)
		return sub
	}
	sub.ch <- initial
	o.subs[sub.id] = sub
	return sub
}

func (o *observers) unsubscribe(sub *Subscription) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.subs[sub.id]; !ok {
		return
	}
	delete(o.subs, sub.id)
	close(sub.ch)
}

// publish delivers snap to every subscription without blocking, replacing
// a snapshot the reader has not consumed yet.
func (o *observers) publish(snap Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, sub := range o.subs {
		select {
		case sub.ch <- snap:
			continue
		default:
		}
		// Channel full - drop the stale snapshot
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- snap:
		default:
		}
	}
}

func (o *observers) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

func (o *observers) closeAll() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	for id, sub := range o.subs {
		close(sub.ch)
		delete(o.subs, id)
	}
}
