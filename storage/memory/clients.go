package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"oauth2d/oauth"
)

// ClientRegistry holds registered OAuth clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*oauth.Client
}

// NewClientRegistry builds the registry. Confidential clients must carry a bcrypt hash.
func NewClientRegistry(clients []*oauth.Client) (*ClientRegistry, error) {
	registry := &ClientRegistry{clients: make(map[string]*oauth.Client, len(clients))}
	for _, c := range clients {
		if err := registry.Add(c); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Add registers or replaces a client.
func (cr *ClientRegistry) Add(client *oauth.Client) error {
	if client.ID == "" {
		return errors.New("client_id required")
	}
	if client.Confidential {
		if _, err := bcrypt.Cost([]byte(client.SecretHash)); err != nil {
			return fmt.Errorf("client %s: secret hash: %w", client.ID, err)
		}
	}
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.clients[client.ID] = client
	return nil
}

// GetClient retrieves a client definition.
func (cr *ClientRegistry) GetClient(_ context.Context, id string) (*oauth.Client, error) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	client, ok := cr.clients[id]
	if !ok {
		return nil, oauth.ErrNotFound
	}
	return client, nil
}

// AuthenticateClient checks a confidential client's secret. Public clients
// hold no secret and are accepted only for the authorization_code grant, where
// the redirect URI and PKCE binding stand in for authentication.
func (cr *ClientRegistry) AuthenticateClient(ctx context.Context, id, secret, grantType string) (bool, error) {
	client, err := cr.GetClient(ctx, id)
	if errors.Is(err, oauth.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !client.Confidential {
		return grantType == oauth.GrantAuthorizationCode, nil
	}
	if secret == "" {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)) == nil, nil
}

// HashSecret bcrypts a client secret for configuration.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}
