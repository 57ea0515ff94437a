// Package orphan temporarily holds visits that cite an opener tab the
// service has not yet seen, so they can be reparented once it appears.
package orphan

import (
	"sync"
	"time"

	"pkmd/internal/logging"
	"pkmd/internal/visit"
)

const (
	// MaxRetries bounds reparenting attempts per orphan.
	MaxRetries = 5
	// TTL bounds orphan wall-clock age.
	TTL = 60 * time.Second
	// RetryInterval is how often the queue ticker scans for retryable orphans.
	RetryInterval = 5 * time.Second
)

// Orphan is a visit waiting for its opener.
type Orphan struct {
	Visit       visit.Visit
	OpenerTabID int
	ArrivedAt   time.Time
	Retries     int
}

// Stats summarizes manager activity.
type Stats struct {
	Waiting    int
	Reparented int
	Expired    int
	Exhausted  int
}

// Manager owns the only mutable orphan map. A single mutex covers every
// public operation; cardinality is bounded by active tabs, so no indexing
// beyond the opener key is needed.
type Manager struct {
	mu       sync.Mutex
	byOpener map[int][]*Orphan
	logger   logging.Logger
	now      func() time.Time

	reparented int
	expired    int
	exhausted  int

	// onDrop receives visits whose orphan was expired or exhausted so they
	// can still be persisted as roots. Data is never lost.
	onDrop func(visit.Visit, string)
}

// NewManager constructs a manager. onDrop may be nil.
func NewManager(logger logging.Logger, onDrop func(v visit.Visit, reason string)) *Manager {
	return &Manager{
		byOpener: make(map[int][]*Orphan),
		logger:   logging.OrNop(logger),
		now:      time.Now,
		onDrop:   onDrop,
	}
}

// Add registers a visit waiting for openerTabID.
func (m *Manager) Add(v visit.Visit, openerTabID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()

	m.byOpener[openerTabID] = append(m.byOpener[openerTabID], &Orphan{
		Visit:       v,
		OpenerTabID: openerTabID,
		ArrivedAt:   m.now(),
	})
	m.logger.Debug("orphan added for opener tab %d: %s", openerTabID, v.URL)
}

// TakeFor returns and removes all orphans waiting for openerTabID.
func (m *Manager) TakeFor(openerTabID int) []visit.Visit {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()

	waiting := m.byOpener[openerTabID]
	if len(waiting) == 0 {
		return nil
	}
	delete(m.byOpener, openerTabID)
	m.reparented += len(waiting)

	visits := make([]visit.Visit, len(waiting))
	for i, o := range waiting {
		visits[i] = o.Visit
	}
	return visits
}

// Retryable returns orphans still within the retry and TTL bounds.
func (m *Manager) Retryable() []*Orphan {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()

	var out []*Orphan
	for _, list := range m.byOpener {
		for _, o := range list {
			if o.Retries < MaxRetries {
				out = append(out, o)
			}
		}
	}
	return out
}

// Bump increments an orphan's retry count, removing it when the limit is
// hit. Returns true when the orphan was dropped. An orphan that a sweep or
// TakeFor already removed between the Retryable scan and this call is left
// alone, so onDrop never fires twice for one visit.
func (m *Manager) Bump(o *Orphan) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.heldLocked(o) {
		return false
	}
	o.Retries++
	if o.Retries < MaxRetries {
		return false
	}
	m.removeLocked(o)
	m.exhausted++
	m.logger.Info("orphan retries exhausted for %s (opener tab %d)", o.Visit.URL, o.OpenerTabID)
	if m.onDrop != nil {
		m.onDrop(o.Visit, "retry_exhausted")
	}
	return true
}

// Stats reports counters. The sweep runs first so Waiting is current.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()

	waiting := 0
	for _, list := range m.byOpener {
		waiting += len(list)
	}
	return Stats{
		Waiting:    waiting,
		Reparented: m.reparented,
		Expired:    m.expired,
		Exhausted:  m.exhausted,
	}
}

func (m *Manager) heldLocked(target *Orphan) bool {
	for _, o := range m.byOpener[target.OpenerTabID] {
		if o == target {
			return true
		}
	}
	return false
}

func (m *Manager) removeLocked(target *Orphan) {
	list := m.byOpener[target.OpenerTabID]
	kept := list[:0]
	for _, o := range list {
		if o != target {
			kept = append(kept, o)
		}
	}
	if len(kept) == 0 {
		delete(m.byOpener, target.OpenerTabID)
	} else {
		m.byOpener[target.OpenerTabID] = kept
	}
}

// sweepLocked eagerly drops orphans older than TTL. Expiry is an
// information-level event, not an error.
func (m *Manager) sweepLocked() {
	cutoff := m.now().Add(-TTL)
	for opener, list := range m.byOpener {
		kept := list[:0]
		for _, o := range list {
			if o.ArrivedAt.Before(cutoff) {
				m.expired++
				m.logger.Info("orphan expired: %s (opener tab %d, age > %s)", o.Visit.URL, o.OpenerTabID, TTL)
				if m.onDrop != nil {
					m.onDrop(o.Visit, "expired")
				}
				continue
			}
			kept = append(kept, o)
		}
		if len(kept) == 0 {
			delete(m.byOpener, opener)
		} else {
			m.byOpener[opener] = kept
		}
	}
}
