// Package session keeps each browser's connect state: the identity it last
// connected as, and the one execution it is currently watching.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/den/gmail-workflow-connect/internal/database"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// ErrSuperseded is returned when a correlation result arrives for a connect
// cycle that a newer cycle (or an account switch) has replaced.
var ErrSuperseded = errors.New("connect cycle superseded")

// Session is a snapshot of one browser's state.
type Session struct {
	BrowserID   string          `json:"-"`
	UserEmail   string          `json:"user_email,omitempty"`
	ExecutionID int64           `json:"execution_id,omitempty"`
	Status      database.Status `json:"status,omitempty"`
	Verified    bool            `json:"verified"`
	Notified    bool            `json:"-"` // terminal notification already delivered
	Cycle       string          `json:"-"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Watching reports whether an execution is attached.
func (s Session) Watching() bool { return s.ExecutionID != 0 }

// Store is an in-memory registry of sessions with idle expiry. All mutations
// are serialised so read-modify-write sequences stay atomic.
type Store struct {
	mu    sync.Mutex
	cache *gocache.Cache
	now   func() time.Time
}

// NewStore creates a registry whose entries expire after ttl of inactivity
func NewStore(ttl time.Duration) *Store {
	return &Store{
		cache: gocache.New(ttl, 10*time.Minute),
		now:   time.Now,
	}
}

// NewBrowserID returns a fresh browser identifier.
func NewBrowserID() string {
	return uuid.NewString()
}

// Get returns the session for browserID, empty if unknown.
func (s *Store) Get(browserID string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(browserID)
}

// Restore seeds the persisted email for a browser the registry no longer
// remembers, e.g. after a restart. Existing state wins.
func (s *Store) Restore(browserID, email string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.load(browserID)
	if sess.UserEmail == "" && email != "" {
		sess.UserEmail = email
		s.save(&sess)
	}
	return sess
}

// BeginCycle starts a new connect cycle. The watched execution and its
// status are discarded; the known email is kept as the prior identity.
func (s *Store) BeginCycle(browserID string) (cycle string, prior Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.load(browserID)
	prior = sess

	sess.Cycle = uuid.NewString()
	sess.ExecutionID = 0
	sess.Status = ""
	sess.Verified = false
	sess.Notified = false
	s.save(&sess)

	return sess.Cycle, prior
}

// Current reports whether cycle is still the browser's latest connect cycle.
func (s *Store) Current(browserID, cycle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cycle != "" && s.load(browserID).Cycle == cycle
}

// ApplyCorrelation records a successful correlation for cycle. An empty email
// (unverified match) leaves the known identity untouched.
func (s *Store) ApplyCorrelation(browserID, cycle, email string, executionID int64, verified bool) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.load(browserID)
	if cycle == "" || sess.Cycle != cycle {
		return sess, ErrSuperseded
	}

	if email != "" {
		sess.UserEmail = email
	}
	sess.ExecutionID = executionID
	sess.Status = database.StatusProcessing
	sess.Verified = verified
	sess.Notified = false
	s.save(&sess)
	return sess, nil
}

// Attach points an idle session at an execution found on resume. It is a
// no-op if the session started watching something else meanwhile.
func (s *Store) Attach(browserID string, executionID int64, status database.Status) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.load(browserID)
	if sess.Watching() {
		return sess, false
	}
	sess.ExecutionID = executionID
	sess.Status = status
	sess.Verified = true
	sess.Notified = false
	s.save(&sess)
	return sess, true
}

// SetStatus caches status if executionID is still the watched execution.
func (s *Store) SetStatus(browserID string, executionID int64, status database.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.load(browserID)
	if sess.ExecutionID != executionID {
		return false
	}
	sess.Status = status
	s.save(&sess)
	return true
}

// MarkNotified records that the completion of executionID was announced. It
// returns true only the first time, so reloads and resumed watches do not
// announce it again.
func (s *Store) MarkNotified(browserID string, executionID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.load(browserID)
	if sess.ExecutionID != executionID || sess.Notified {
		return false
	}
	sess.Notified = true
	s.save(&sess)
	return true
}

// ResetWatch clears the watched execution if it is still executionID.
func (s *Store) ResetWatch(browserID string, executionID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.load(browserID)
	if sess.ExecutionID != executionID {
		return false
	}
	sess.ExecutionID = 0
	sess.Status = ""
	sess.Verified = false
	sess.Notified = false
	s.save(&sess)
	return true
}

// Clear forgets the browser entirely ("switch account"). Any in-flight cycle
// becomes superseded.
func (s *Store) Clear(browserID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(browserID)
}

func (s *Store) load(browserID string) Session {
	if v, ok := s.cache.Get(browserID); ok {
		return v.(Session)
	}
	return Session{BrowserID: browserID}
}

func (s *Store) save(sess *Session) {
	sess.UpdatedAt = s.now()
	s.cache.Set(sess.BrowserID, *sess, gocache.DefaultExpiration)
}
