package session

import (
	"net/http"

	"github.com/gorilla/sessions"
)

const (
	cookieName   = "session"
	keyBrowserID = "browser_id"
	keyUserEmail = "user_email"
	keyState     = "oauth_state"
)

// CookiePersistence keeps the browser identifier and the last resolved email
// in a signed cookie so both survive reloads and service restarts.
type CookiePersistence struct {
	store *sessions.CookieStore
}

// NewCookiePersistence creates cookie persistence signed with secret
func NewCookiePersistence(secret string, maxAge int, secure bool) *CookiePersistence {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &CookiePersistence{store: store}
}

// Load returns the browser ID (minting one if absent) and the persisted email.
// fresh is true when the ID was just minted and must be saved.
func (p *CookiePersistence) Load(r *http.Request) (browserID, email string, fresh bool) {
	// A cookie that fails verification yields a new, empty session.
	sess, _ := p.store.Get(r, cookieName)

	browserID, _ = sess.Values[keyBrowserID].(string)
	email, _ = sess.Values[keyUserEmail].(string)
	if browserID == "" {
		return NewBrowserID(), email, true
	}
	return browserID, email, false
}

// Save writes the browser ID and email. An empty email removes the key.
func (p *CookiePersistence) Save(w http.ResponseWriter, r *http.Request, browserID, email string) error {
	sess, _ := p.store.Get(r, cookieName)
	sess.Values[keyBrowserID] = browserID
	if email == "" {
		delete(sess.Values, keyUserEmail)
	} else {
		sess.Values[keyUserEmail] = email
	}
	return sess.Save(r, w)
}

// ClearEmail drops the persisted email but keeps the browser ID, so a stale
// in-flight cycle for this browser still finds itself superseded.
func (p *CookiePersistence) ClearEmail(w http.ResponseWriter, r *http.Request, browserID string) error {
	return p.Save(w, r, browserID, "")
}

// SetState remembers the OAuth state parameter for the callback.
func (p *CookiePersistence) SetState(w http.ResponseWriter, r *http.Request, state string) error {
	sess, _ := p.store.Get(r, cookieName)
	sess.Values[keyState] = state
	return sess.Save(r, w)
}

// TakeState returns the remembered OAuth state and forgets it.
func (p *CookiePersistence) TakeState(w http.ResponseWriter, r *http.Request) (string, error) {
	sess, _ := p.store.Get(r, cookieName)
	state, _ := sess.Values[keyState].(string)
	delete(sess.Values, keyState)
	return state, sess.Save(r, w)
}
