package auth

import (
	"context"
	"sync"
	"time"
)

// pendingAuth is the transient per-user login attempt. In-memory only:
// discarded on success, cancel, or expiry.
type pendingAuth struct {
	userID int64
	stage  Stage

	// phone and phoneCodeHash belong to the phone flow.
	phone         string
	phoneCodeHash string

	// codeAttempts counts SubmitCode calls against the attempt budget.
	codeAttempts int

	// qrCancel stops the QR poller goroutine, when one is running.
	qrCancel context.CancelFunc

	expiresAt time.Time
}

func (p *pendingAuth) expired(now time.Time) bool {
	return now.After(p.expiresAt)
}

// pendingSet is the mutex-guarded map of in-flight login attempts.
// Invariant: at most one pendingAuth (and so at most one QR poller) per user.
type pendingSet struct {
	mu sync.Mutex
	m  map[int64]*pendingAuth
}

func newPendingSet() *pendingSet {
	return &pendingSet{m: make(map[int64]*pendingAuth)}
}

// put replaces the user's pending attempt, tearing down the previous one's
// QR poller if any.
func (s *pendingSet) put(p *pendingAuth) {
	s.mu.Lock()
	prev := s.m[p.userID]
	s.m[p.userID] = p
	s.mu.Unlock()

	if prev != nil && prev.qrCancel != nil {
		prev.qrCancel()
	}
}

// get returns the user's live attempt, dropping it when expired.
func (s *pendingSet) get(userID int64, now time.Time) (*pendingAuth, bool) {
	s.mu.Lock()
	p, ok := s.m[userID]
	if ok && p.expired(now) {
		delete(s.m, userID)
		s.mu.Unlock()
		if p.qrCancel != nil {
			p.qrCancel()
		}
		return nil, false
	}
	s.mu.Unlock()
	return p, ok
}

// drop removes and tears down the user's attempt.
func (s *pendingSet) drop(userID int64) {
	s.mu.Lock()
	p, ok := s.m[userID]
	delete(s.m, userID)
	s.mu.Unlock()

	if ok && p.qrCancel != nil {
		p.qrCancel()
	}
}

// mutate runs fn on the user's attempt under the lock.
func (s *pendingSet) mutate(userID int64, fn func(*pendingAuth)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[userID]
	if !ok {
		return false
	}
	fn(p)
	return true
}
