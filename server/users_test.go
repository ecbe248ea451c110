package server

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"oauth2d/oauth"
)

func TestUserDirectoryVerify(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	users := []UserConfig{
		{ID: "u-1", Username: "Alice", PasswordHash: string(hash)},
		{ID: "u-2", Username: "bob"},
	}

	prod, err := NewUserDirectory(users, false)
	if err != nil {
		t.Fatalf("NewUserDirectory: %v", err)
	}
	if u, ok := prod.Verify(" alice ", "hunter2"); !ok || u.ID != "u-1" {
		t.Fatalf("expected case-insensitive sign in, got %+v %v", u, ok)
	}
	if _, ok := prod.Verify("alice", "wrong"); ok {
		t.Fatalf("wrong password accepted")
	}
	if _, ok := prod.Verify("bob", ""); ok {
		t.Fatalf("passwordless user accepted outside dev mode")
	}
	if _, ok := prod.Verify("carol", "x"); ok {
		t.Fatalf("unknown user accepted")
	}

	dev, err := NewUserDirectory(users, true)
	if err != nil {
		t.Fatalf("NewUserDirectory: %v", err)
	}
	if _, ok := dev.Verify("bob", ""); !ok {
		t.Fatalf("passwordless user rejected in dev mode")
	}
}

func TestUserDirectoryRejectsBadConfig(t *testing.T) {
	if _, err := NewUserDirectory([]UserConfig{{ID: "u-1"}}, false); err == nil {
		t.Fatalf("expected error for missing username")
	}
	if _, err := NewUserDirectory([]UserConfig{{ID: "u-1", Username: "a", PasswordHash: "plain"}}, false); err == nil {
		t.Fatalf("expected error for non-bcrypt hash")
	}
}

func TestUserDirectoryUpsertAndLookup(t *testing.T) {
	d, err := NewUserDirectory(nil, false)
	if err != nil {
		t.Fatalf("NewUserDirectory: %v", err)
	}
	if d.HasLocalUsers() {
		t.Fatalf("expected no local users")
	}
	if _, err := d.LookupUser(context.Background(), "corp:1"); !errors.Is(err, oauth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	d.Upsert(&oauth.User{ID: "corp:1", Username: "dana", Email: "dana@example.com"})
	u, err := d.LookupUser(context.Background(), "corp:1")
	if err != nil || u.Email != "dana@example.com" {
		t.Fatalf("LookupUser = %+v, %v", u, err)
	}
	u.Email = "mutated"
	again, _ := d.LookupUser(context.Background(), "corp:1")
	if again.Email != "dana@example.com" {
		t.Fatalf("LookupUser must return a copy")
	}
	// Upstream users cannot sign in with a password.
	if _, ok := d.Verify("dana", ""); ok {
		t.Fatalf("upstream user verified locally")
	}
}
