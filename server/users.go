package server

import (
	"context"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"oauth2d/oauth"
)

// UserDirectory holds local users and users who signed in through an upstream provider.
type UserDirectory struct {
	mu         sync.RWMutex
	byID       map[string]*oauth.User
	byUsername map[string]string
	passwords  map[string]string
	devMode    bool
}

// NewUserDirectory loads the configured local users.
func NewUserDirectory(users []UserConfig, devMode bool) (*UserDirectory, error) {
	d := &UserDirectory{
		byID:       make(map[string]*oauth.User, len(users)),
		byUsername: make(map[string]string, len(users)),
		passwords:  make(map[string]string, len(users)),
		devMode:    devMode,
	}
	for _, u := range users {
		if u.ID == "" || u.Username == "" {
			return nil, errors.New("user id and username required")
		}
		if u.PasswordHash != "" {
			if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
				return nil, errors.New("user " + u.Username + ": invalid password_hash")
			}
		}
		d.byID[u.ID] = &oauth.User{
			ID:         u.ID,
			Username:   u.Username,
			Name:       u.Name,
			Email:      u.Email,
			ProfileURL: u.ProfileURL,
		}
		d.byUsername[strings.ToLower(u.Username)] = u.ID
		d.passwords[u.ID] = u.PasswordHash
	}
	return d, nil
}

// LookupUser returns the profile for id.
func (d *UserDirectory) LookupUser(_ context.Context, id string) (*oauth.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.byID[id]
	if !ok {
		return nil, oauth.ErrNotFound
	}
	out := *u
	return &out, nil
}

// Verify checks a local username and password. Users without a password hash
// may only sign in in dev mode.
func (d *UserDirectory) Verify(username, password string) (*oauth.User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, false
	}
	hash := d.passwords[id]
	if hash == "" {
		if !d.devMode {
			return nil, false
		}
	} else if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, false
	}
	out := *d.byID[id]
	return &out, true
}

// Upsert records a user seen through an upstream provider.
func (d *UserDirectory) Upsert(user *oauth.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *user
	d.byID[user.ID] = &cp
}

// HasLocalUsers reports whether password sign-in is available.
func (d *UserDirectory) HasLocalUsers() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byUsername) > 0
}
