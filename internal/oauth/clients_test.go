package oauth

import (
	"context"
	"errors"
	"testing"

	"slackmcp/internal/storage"
)

func newTestRegistry(t *testing.T) *clientRegistry {
	t.Helper()
	backend := storage.NewMemoryBackend()
	t.Cleanup(backend.Stop)
	return newClientRegistry(backend)
}

func TestRegisterAndGetClient(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	reg, err := registry.Register(ctx, &RegistrationRequest{
		ClientName:   "test-client",
		RedirectURIs: []string{"http://localhost:3000/callback"},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if reg.ClientID == "" || reg.ClientSecret == "" {
		t.Fatal("Expected generated client credentials")
	}

	got, err := registry.Get(ctx, reg.ClientID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ClientName != "test-client" {
		t.Errorf("Expected client name test-client, got %q", got.ClientName)
	}
	if len(got.GrantTypes) != 2 {
		t.Errorf("Expected default grant types, got %v", got.GrantTypes)
	}
}

func TestRegisterFiltersUnsupportedGrantTypes(t *testing.T) {
	registry := newTestRegistry(t)

	reg, err := registry.Register(context.Background(), &RegistrationRequest{
		RedirectURIs: []string{"http://localhost:3000/callback"},
		GrantTypes: []string{
			"authorization_code",
			"urn:ietf:params:oauth:grant-type:device_code",
			"refresh_token",
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if len(reg.GrantTypes) != 2 {
		t.Fatalf("Expected 2 grant types after filtering, got %v", reg.GrantTypes)
	}
	for _, g := range reg.GrantTypes {
		if g != "authorization_code" && g != "refresh_token" {
			t.Errorf("Unsupported grant type survived filtering: %s", g)
		}
	}
}

func TestRegisterRejectsOnlyUnsupportedGrants(t *testing.T) {
	registry := newTestRegistry(t)

	_, err := registry.Register(context.Background(), &RegistrationRequest{
		RedirectURIs: []string{"http://localhost:3000/callback"},
		GrantTypes:   []string{"urn:ietf:params:oauth:grant-type:device_code"},
	})
	if err == nil {
		t.Fatal("Expected registration with no supported grants to fail")
	}
}

func TestRegisterRequiresRedirectURI(t *testing.T) {
	registry := newTestRegistry(t)

	_, err := registry.Register(context.Background(), &RegistrationRequest{})
	if err == nil {
		t.Fatal("Expected registration without redirect URIs to fail")
	}
}

func TestGetUnknownClient(t *testing.T) {
	registry := newTestRegistry(t)

	_, err := registry.Get(context.Background(), "not-registered")
	if !errors.Is(err, ErrUnknownClient) {
		t.Errorf("Expected ErrUnknownClient, got %v", err)
	}
}
