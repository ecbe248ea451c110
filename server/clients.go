package server

import (
	"fmt"

	"oauth2d/oauth"
	"oauth2d/storage/memory"
)

// NewClientRegistry builds the registry from configuration. Plain secrets are
// hashed at load time so only bcrypt hashes are held in memory.
func NewClientRegistry(cfgs []ClientConfig) (*memory.ClientRegistry, error) {
	clients := make([]*oauth.Client, 0, len(cfgs))
	for _, cfg := range cfgs {
		client, err := cfg.toClient()
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	return memory.NewClientRegistry(clients)
}

func (cc ClientConfig) toClient() (*oauth.Client, error) {
	client := &oauth.Client{
		ID:           cc.ClientID,
		Name:         cc.Name,
		RedirectURIs: cc.RedirectURIs,
		Confidential: !cc.Public,
		GrantTypes:   cc.grantTypes(),
		Scopes:       cc.Scopes,
		SkipConsent:  cc.SkipConsent,
	}
	if client.Name == "" {
		client.Name = cc.ClientID
	}
	if cc.Public {
		return client, nil
	}

	switch {
	case cc.ClientSecretHash != "":
		client.SecretHash = cc.ClientSecretHash
	case cc.ClientSecret != "":
		hash, err := memory.HashSecret(cc.ClientSecret)
		if err != nil {
			return nil, fmt.Errorf("client %s: %w", cc.ClientID, err)
		}
		client.SecretHash = hash
	default:
		return nil, fmt.Errorf("client %s: confidential client needs a secret", cc.ClientID)
	}
	return client, nil
}
