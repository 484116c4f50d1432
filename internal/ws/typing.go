package ws

import (
	"sync"
	"time"
)

type typingKey struct {
	sessionID int
	userID    int
}

type typingEntry struct {
	gen   uint64
	timer *time.Timer
}

// TypingTracker keeps the set of users currently typing in each session.
// A user stays typing until Stop is called or no Start arrives within the
// timeout.
type TypingTracker struct {
	mu      sync.Mutex
	timeout time.Duration
	active  map[typingKey]*typingEntry
	publish func(sessionID, userID int, typing bool)
}

// NewTypingTracker calls publish on every transition. publish runs without
// the tracker lock held and may be called from timer goroutines.
func NewTypingTracker(timeout time.Duration, publish func(sessionID, userID int, typing bool)) *TypingTracker {
	return &TypingTracker{
		timeout: timeout,
		active:  make(map[typingKey]*typingEntry),
		publish: publish,
	}
}

// Start marks the user typing and refreshes the expiry. Only the first call
// of a typing run publishes.
func (t *TypingTracker) Start(sessionID, userID int) {
	key := typingKey{sessionID: sessionID, userID: userID}

	t.mu.Lock()
	e, running := t.active[key]
	if running {
		e.timer.Stop()
		e.gen++
	} else {
		e = &typingEntry{}
		t.active[key] = e
	}
	gen := e.gen
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(key, gen) })
	t.mu.Unlock()

	if !running {
		t.publish(sessionID, userID, true)
	}
}

// Stop ends a typing run. Stopping a user that is not typing is a no-op.
func (t *TypingTracker) Stop(sessionID, userID int) {
	if t.remove(typingKey{sessionID: sessionID, userID: userID}) {
		t.publish(sessionID, userID, false)
	}
}

// Drop ends the user's typing runs in the given sessions without publishing
// and returns the sessions that had one.
func (t *TypingTracker) Drop(userID int, sessionIDs []int) []int {
	var stopped []int
	for _, sid := range sessionIDs {
		if t.remove(typingKey{sessionID: sid, userID: userID}) {
			stopped = append(stopped, sid)
		}
	}
	return stopped
}

func (t *TypingTracker) IsTyping(sessionID, userID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[typingKey{sessionID: sessionID, userID: userID}]
	return ok
}

// Close cancels every pending expiry.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, e := range t.active {
		e.timer.Stop()
		delete(t.active, key)
	}
}

func (t *TypingTracker) remove(key typingKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.active[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.active, key)
	return true
}

func (t *TypingTracker) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	e, ok := t.active[key]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.active, key)
	t.mu.Unlock()

	t.publish(key.sessionID, key.userID, false)
}
