package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ParseScopes splits a space-delimited scope parameter, dropping duplicates.
func ParseScopes(raw string) []string {
	fields := strings.Fields(raw)
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// ScopeIDs returns the identifiers of scopes in order.
func ScopeIDs(scopes []Scope) []string {
	ids := make([]string, 0, len(scopes))
	for _, s := range scopes {
		ids = append(ids, s.ID)
	}
	return ids
}

// JoinScopes renders scope identifiers as a space-delimited string.
func JoinScopes(ids []string) string {
	return strings.Join(ids, " ")
}

// resolveScopes maps identifiers to catalog entries the client is allowed.
func resolveScopes(ctx context.Context, catalog ScopeCatalog, client *Client, ids []string) ([]Scope, error) {
	out := make([]Scope, 0, len(ids))
	for _, id := range ids {
		scope, err := catalog.ResolveScope(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidScope(fmt.Sprintf("unknown scope %q", id))
		}
		if err != nil {
			return nil, ErrServerError(fmt.Errorf("resolve scope %q: %w", id, err))
		}
		if !client.AllowsScope(scope.ID) {
			return nil, ErrInvalidScope(fmt.Sprintf("scope %q is not allowed for this client", id))
		}
		out = append(out, *scope)
	}
	return out, nil
}

// finalizeScopes runs the catalog hook and normalizes its errors.
func finalizeScopes(ctx context.Context, catalog ScopeCatalog, requested []Scope, grantType string, client *Client, userID, codeID string) ([]Scope, error) {
	scopes, err := catalog.FinalizeScopes(ctx, requested, grantType, client, userID, codeID)
	if err != nil {
		var oe *Error
		if errors.As(err, &oe) {
			return nil, oe
		}
		return nil, ErrServerError(fmt.Errorf("finalize scopes: %w", err))
	}
	return scopes, nil
}
