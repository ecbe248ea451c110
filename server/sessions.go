package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"oauth2d/oauth"
)

const (
	sessionCookieName = "oauth2d_session"
	sessionIDBytes    = 32
	loginStateTTL     = 10 * time.Minute
)

// Session captures a logged-in browser session bound to a cookie.
type Session struct {
	ID        string
	UserID    string
	IDP       string
	AuthTime  time.Time
	ExpiresAt time.Time
	// CSRFToken guards the approval form.
	CSRFToken string
}

// loginState carries an upstream login round trip.
type loginState struct {
	Provider string
	ReturnTo string
	Nonce    string
	Verifier string
}

// SessionManager handles cookie-backed sessions held in an expiring cache.
type SessionManager struct {
	cache        *gocache.Cache
	stateMu      sync.Mutex
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, logger *slog.Logger) *SessionManager {
	ttl := cfg.Sessions.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	// Lax so the session survives the top-level redirect back from an upstream IdP.
	sameSite := http.SameSiteLaxMode
	return &SessionManager{
		cache:        gocache.New(ttl, time.Minute),
		logger:       logger,
		ttl:          ttl,
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns the session associated with the request cookie if present.
func (sm *SessionManager) Fetch(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	v, ok := sm.cache.Get(sessionKey(cookie.Value))
	if !ok {
		return nil
	}
	sess := v.(Session)
	if time.Now().After(sess.ExpiresAt) {
		sm.cache.Delete(sessionKey(sess.ID))
		return nil
	}

	// Sliding expiration: extend on activity.
	sess.ExpiresAt = time.Now().Add(sm.ttl)
	sm.cache.Set(sessionKey(sess.ID), sess, sm.ttl)
	return &sess
}

// Create establishes a new session and sets the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter, userID, idp string) (*Session, error) {
	id, err := oauth.RandomToken(sessionIDBytes)
	if err != nil {
		return nil, err
	}
	csrf, err := oauth.RandomToken(sessionIDBytes)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	sess := Session{
		ID:        id,
		UserID:    userID,
		IDP:       idp,
		AuthTime:  now,
		ExpiresAt: now.Add(sm.ttl),
		CSRFToken: csrf,
	}
	sm.cache.Set(sessionKey(id), sess, sm.ttl)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
	sm.logger.Info("session.created", "user_id", userID, "idp", idp)
	return &sess, nil
}

// Destroy drops the request's session and clears the cookie.
func (sm *SessionManager) Destroy(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		sm.cache.Delete(sessionKey(cookie.Value))
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}

// ValidCSRF compares a submitted token with the session's in constant time.
func (s *Session) ValidCSRF(token string) bool {
	if s == nil || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.CSRFToken), []byte(token)) == 1
}

func (sm *SessionManager) saveLoginState(state string, ls loginState) {
	sm.cache.Set(loginStateKey(state), ls, loginStateTTL)
}

// takeLoginState returns the pending login for state and forgets it.
func (sm *SessionManager) takeLoginState(state string) (loginState, bool) {
	sm.stateMu.Lock()
	defer sm.stateMu.Unlock()
	key := loginStateKey(state)
	v, ok := sm.cache.Get(key)
	if !ok {
		return loginState{}, false
	}
	sm.cache.Delete(key)
	return v.(loginState), true
}

func sessionKey(id string) string       { return "session:" + id }
func loginStateKey(state string) string { return "login:" + state }

func buildUserID(provider, subject string) string {
	return provider + ":" + strings.TrimSpace(subject)
}
