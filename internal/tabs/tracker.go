// Package tabs reconstructs per-tab navigation state from asynchronous
// browser events so the true referrer of a visit can be recovered even when
// tab-open, opener, and URL-change notifications arrive out of order.
package tabs

import (
	"sync"
	"time"

	"pkmd/internal/logging"
)

const aboutBlank = "about:blank"

// History is the per-tab ordered URL chain. PreviousURL only advances when
// the tab navigates to a different URL, so repeated identical navigations do
// not shift the referrer.
type History struct {
	CurrentURL  string
	PreviousURL string
	CurrentAt   time.Time
	PreviousAt  time.Time
	OpenerTabID int // <= 0 means none
}

// Tracker owns all TabHistory state. Mutations happen on the intake
// goroutine; the workflow reads through Snapshot copies only.
type Tracker struct {
	mu     sync.Mutex
	tabs   map[int]*History
	logger logging.Logger
	now    func() time.Time
}

// NewTracker constructs an empty tracker.
func NewTracker(logger logging.Logger) *Tracker {
	return &Tracker{
		tabs:   make(map[int]*History),
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// TabCreated registers a new tab. url may be empty or about:blank for tabs
// whose first navigation arrives later. When the opener is known its current
// URL seeds this tab's previous URL.
func (t *Tracker) TabCreated(tabID int, url string, openerTabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	h := &History{CurrentURL: url, CurrentAt: now, OpenerTabID: openerTabID}
	if openerTabID > 0 {
		if opener, ok := t.tabs[openerTabID]; ok && opener.CurrentURL != "" {
			h.PreviousURL = opener.CurrentURL
			h.PreviousAt = opener.CurrentAt
		} else if !ok {
			t.logger.Debug("tab %d created with unknown opener %d", tabID, openerTabID)
		}
	}
	t.tabs[tabID] = h
}

// TabUpdated handles URL changes and late-arriving opener information.
// The prior current URL is promoted to previous only when it differs from
// the new URL.
func (t *Tracker) TabUpdated(tabID int, newURL string, openerTabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.tabs[tabID]
	if !ok {
		h = &History{}
		t.tabs[tabID] = h
	}

	if openerTabID > 0 && h.OpenerTabID <= 0 {
		h.OpenerTabID = openerTabID
		if h.PreviousURL == "" || h.PreviousURL == aboutBlank {
			if opener, ok := t.tabs[openerTabID]; ok && opener.CurrentURL != "" {
				h.PreviousURL = opener.CurrentURL
				h.PreviousAt = opener.CurrentAt
			}
		}
	}

	if newURL == "" || newURL == h.CurrentURL {
		return
	}
	if h.CurrentURL != "" {
		h.PreviousURL = h.CurrentURL
		h.PreviousAt = h.CurrentAt
	}
	h.CurrentURL = newURL
	h.CurrentAt = t.now()
}

// InPageNavigation records a client-side navigation that did not trigger a
// full load. The prior current URL is always promoted.
func (t *Tracker) InPageNavigation(tabID int, newURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.tabs[tabID]
	if !ok {
		h = &History{}
		t.tabs[tabID] = h
	}
	if h.CurrentURL != "" {
		h.PreviousURL = h.CurrentURL
		h.PreviousAt = h.CurrentAt
	}
	h.CurrentURL = newURL
	h.CurrentAt = t.now()
}

// TabRemoved deletes the tab's history.
func (t *Tracker) TabRemoved(tabID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tabs, tabID)
}

// Referrer returns the previous URL and its timestamp for a tab. When the
// previous URL is empty or about:blank and an opener exists, the opener's
// current URL is used instead. Opener lookup is at most one hop.
func (t *Tracker) Referrer(tabID int) (string, time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.tabs[tabID]
	if !ok {
		return "", time.Time{}, false
	}
	if h.PreviousURL != "" && h.PreviousURL != aboutBlank {
		return h.PreviousURL, h.PreviousAt, true
	}
	if h.OpenerTabID > 0 {
		if opener, ok := t.tabs[h.OpenerTabID]; ok && opener.CurrentURL != "" {
			return opener.CurrentURL, opener.CurrentAt, true
		}
		t.logger.Debug("referrer lookup: opener tab %d missing for tab %d", h.OpenerTabID, tabID)
	}
	return "", time.Time{}, false
}

// Snapshot returns a copy of the tab's history; no internal references
// escape the tracker.
func (t *Tracker) Snapshot(tabID int) (History, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.tabs[tabID]
	if !ok {
		return History{}, false
	}
	return *h, true
}

// Known reports whether the tracker has state for a tab.
func (t *Tracker) Known(tabID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tabs[tabID]
	return ok
}
