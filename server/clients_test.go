package server

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"oauth2d/oauth"
)

func TestNewClientRegistryMapsConfig(t *testing.T) {
	registry, err := NewClientRegistry([]ClientConfig{
		{ClientID: "web", Public: true, RedirectURIs: []string{"http://localhost/callback"}},
		{ClientID: "svc", Name: "Backend", ClientSecret: "topsecret", GrantTypes: []string{"client_credentials"}},
	})
	if err != nil {
		t.Fatalf("NewClientRegistry returned error: %v", err)
	}

	web, err := registry.GetClient(context.Background(), "web")
	if err != nil {
		t.Fatalf("client not registered: %v", err)
	}
	if web.Confidential {
		t.Fatalf("public client marked confidential")
	}
	if web.Name != "web" {
		t.Fatalf("name should fall back to client id, got %q", web.Name)
	}
	if !web.AllowsGrant(oauth.GrantAuthorizationCode) || !web.AllowsGrant(oauth.GrantRefreshToken) {
		t.Fatalf("default grants missing: %v", web.GrantTypes)
	}

	svc, err := registry.GetClient(context.Background(), "svc")
	if err != nil {
		t.Fatalf("client not registered: %v", err)
	}
	if !svc.Confidential || svc.SecretHash == "topsecret" || svc.SecretHash == "" {
		t.Fatalf("secret should be held as a bcrypt hash")
	}

	if _, err := registry.GetClient(context.Background(), "missing"); !errors.Is(err, oauth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuthenticateValidatesSecret(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	registry, err := NewClientRegistry([]ClientConfig{
		{ClientID: "svc", ClientSecret: "topsecret"},
		{ClientID: "pre", ClientSecretHash: string(hash)},
		{ClientID: "spa", Public: true, RedirectURIs: []string{"http://localhost/cb"}},
	})
	if err != nil {
		t.Fatalf("registry init: %v", err)
	}
	ctx := context.Background()

	cases := []struct {
		id, secret, grant string
		want              bool
	}{
		{"svc", "topsecret", oauth.GrantClientCredentials, true},
		{"svc", "wrong", oauth.GrantClientCredentials, false},
		{"svc", "", oauth.GrantClientCredentials, false},
		{"pre", "hashed", oauth.GrantRefreshToken, true},
		{"spa", "", oauth.GrantAuthorizationCode, true},
		{"spa", "ignored", oauth.GrantAuthorizationCode, true},
		{"spa", "", oauth.GrantRefreshToken, false},
		{"missing", "x", oauth.GrantClientCredentials, false},
	}
	for _, tc := range cases {
		ok, err := registry.AuthenticateClient(ctx, tc.id, tc.secret, tc.grant)
		if err != nil {
			t.Fatalf("AuthenticateClient(%s): %v", tc.id, err)
		}
		if ok != tc.want {
			t.Errorf("AuthenticateClient(%s, %q, %s) = %v, want %v", tc.id, tc.secret, tc.grant, ok, tc.want)
		}
	}
}
