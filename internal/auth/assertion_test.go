package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/Shin0205go/mycelium-sub001/pkg/manifest"
)

func TestAssertionRoundTrip(t *testing.T) {
	service := NewAssertionService("assertion-secret", time.Hour)
	token, err := service.Generate(manifest.Identity{
		Name:   "ci-runner",
		Skills: []string{"code-review", "deployment"},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	id, err := service.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if id.Name != "ci-runner" {
		t.Fatalf("expected name ci-runner, got %q", id.Name)
	}
	if len(id.Skills) != 2 || id.Skills[0] != "code-review" || id.Skills[1] != "deployment" {
		t.Fatalf("unexpected skills %v", id.Skills)
	}
}

func TestAssertionWrongSecret(t *testing.T) {
	issuer := NewAssertionService("secret-a", time.Hour)
	verifier := NewAssertionService("secret-b", time.Hour)

	token, err := issuer.Generate(manifest.Identity{Name: "agent"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := verifier.Validate(token); !errors.Is(err, ErrInvalidAssertion) {
		t.Fatalf("expected ErrInvalidAssertion, got %v", err)
	}
}

func TestAssertionExpired(t *testing.T) {
	service := NewAssertionService("assertion-secret", -time.Minute)
	token, err := service.Generate(manifest.Identity{Name: "agent"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := service.Validate(token); !errors.Is(err, ErrInvalidAssertion) {
		t.Fatalf("expected ErrInvalidAssertion for expired token, got %v", err)
	}
}

func TestAssertionGarbage(t *testing.T) {
	service := NewAssertionService("assertion-secret", time.Hour)
	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := service.Validate(token); !errors.Is(err, ErrInvalidAssertion) {
			t.Fatalf("Validate(%q) = %v, expected ErrInvalidAssertion", token, err)
		}
	}
}

func TestAssertionDisabled(t *testing.T) {
	service := NewAssertionService("", time.Hour)
	if service.Enabled() {
		t.Fatal("expected service with empty secret to be disabled")
	}
	if _, err := service.Generate(manifest.Identity{Name: "agent"}); !errors.Is(err, ErrAssertionsDisabled) {
		t.Fatalf("expected ErrAssertionsDisabled, got %v", err)
	}
	if _, err := service.Validate("anything"); !errors.Is(err, ErrAssertionsDisabled) {
		t.Fatalf("expected ErrAssertionsDisabled, got %v", err)
	}
}

func TestAssertionNoExpiry(t *testing.T) {
	service := NewAssertionService("assertion-secret", 0)
	token, err := service.Generate(manifest.Identity{Name: "agent"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := service.Validate(token); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
