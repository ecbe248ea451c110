package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"oauth2d/oauth"
)

// DefaultScopes is the catalog used when none is configured.
var DefaultScopes = []oauth.Scope{
	{ID: "read", Description: "Read your profile information"},
	{ID: "write", Description: "Modify your profile information"},
	{ID: "profile", Description: "Access your basic profile information"},
}

// ScopeCatalog is a fixed, closed scope catalog.
type ScopeCatalog struct {
	scopes   map[string]oauth.Scope
	defaults []string
}

// NewScopeCatalog builds a catalog. Every default must be a catalog member.
func NewScopeCatalog(scopes []oauth.Scope, defaults []string) (*ScopeCatalog, error) {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	byID := make(map[string]oauth.Scope, len(scopes))
	for _, s := range scopes {
		if s.ID == "" {
			return nil, errors.New("scope with empty id")
		}
		byID[s.ID] = s
	}
	for _, d := range defaults {
		if _, ok := byID[d]; !ok {
			return nil, fmt.Errorf("default scope %q is not in the catalog", d)
		}
	}
	return &ScopeCatalog{scopes: byID, defaults: defaults}, nil
}

// ResolveScope looks up a catalog entry.
func (c *ScopeCatalog) ResolveScope(_ context.Context, id string) (*oauth.Scope, error) {
	s, ok := c.scopes[id]
	if !ok {
		return nil, oauth.ErrNotFound
	}
	return &s, nil
}

// FinalizeScopes returns requested unchanged, or the defaults the client is
// allowed when nothing was requested.
func (c *ScopeCatalog) FinalizeScopes(_ context.Context, requested []oauth.Scope, _ string, client *oauth.Client, _, _ string) ([]oauth.Scope, error) {
	if len(requested) > 0 {
		return requested, nil
	}
	out := make([]oauth.Scope, 0, len(c.defaults))
	for _, id := range c.defaults {
		if client.AllowsScope(id) {
			out = append(out, c.scopes[id])
		}
	}
	return out, nil
}

// All returns the catalog sorted by identifier.
func (c *ScopeCatalog) All() []oauth.Scope {
	out := make([]oauth.Scope, 0, len(c.scopes))
	for _, s := range c.scopes {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b oauth.Scope) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
