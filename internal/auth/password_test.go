package auth

import (
	"errors"
	"slices"
	"strings"
	"testing"
)

func TestCheckPasswordPolicy(t *testing.T) {
	if err := CheckPasswordPolicy("Str0ng!Pass"); err != nil {
		t.Fatalf("strong password rejected: %v", err)
	}

	err := CheckPasswordPolicy("Weak1")
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	var weak *WeakPasswordError
	if !errors.As(err, &weak) {
		t.Fatalf("expected *WeakPasswordError, got %T", err)
	}
	for _, want := range []string{"at least 8 characters", "a symbol"} {
		if !slices.Contains(weak.Missing, want) {
			t.Fatalf("missing %q in %v", want, weak.Missing)
		}
	}
	if len(weak.Missing) != 2 {
		t.Fatalf("unexpected classes: %v", weak.Missing)
	}

	long := "Aa1!" + strings.Repeat("x", 69)
	cases := map[string]string{
		"alllower1!": "an uppercase letter",
		"ALLUPPER1!": "a lowercase letter",
		"NoDigits!!": "a digit",
		"Sh0rt!":     "at least 8 characters",
		long:         "at most 72 bytes",
	}
	for pw, want := range cases {
		err := CheckPasswordPolicy(pw)
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("CheckPasswordPolicy(%q)=%v, want mention of %q", pw, err, want)
		}
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("Str0ng!Pass", 4)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := VerifyPassword(hash, "Str0ng!Pass"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "str0ng!pass"); err == nil {
		t.Fatal("expected mismatch")
	}
	if err := VerifyPassword("", "anything"); err == nil {
		t.Fatal("expected error for empty hash")
	}
}
