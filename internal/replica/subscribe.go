package replica

import (
	"sync"

	"github.com/roach88/replica/internal/ir"
)

// Origin says where a change came from.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Change is delivered to subscribers after a write commits. A deleted
// record has Record.Deleted set.
type Change struct {
	Table  string
	Tenant string
	Record ir.Record
	Origin Origin
}

// Subscription is returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe stops delivery. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Subscribe registers fn for every committed change of the table. fn runs
// on the writer's goroutine and must not block.
func (t *Table) Subscribe(fn func(Change)) *Subscription {
	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.subMu.Unlock()

	return &Subscription{cancel: func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}}
}

// Publish delivers c to every subscriber.
func (t *Table) Publish(c Change) {
	t.subMu.RLock()
	fns := make([]func(Change), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.subMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
