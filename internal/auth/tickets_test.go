package auth

import (
	"errors"
	"testing"
	"time"
)

func TestTicketParse(t *testing.T) {
	tk := &tickets{secret: []byte("0123456789abcdef0123456789abcdef"), issuer: "peopledesk"}
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	link, err := tk.signLink("01HXLINK", "emp-1", now, 15*time.Minute)
	if err != nil {
		t.Fatalf("signLink: %v", err)
	}
	claims, err := tk.parse(link, purposeLoginLink, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.ID != "01HXLINK" || claims.Subject != "emp-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := tk.parse(link, purposeLoginLink, now.Add(16*time.Minute)); !errors.Is(err, ErrLinkExpired) {
		t.Fatalf("expected ErrLinkExpired, got %v", err)
	}
	if _, err := tk.parse(link, purposeEnrollment, now); !errors.Is(err, ErrLinkInvalid) {
		t.Fatalf("expected purpose mismatch to be invalid, got %v", err)
	}

	other := &tickets{secret: []byte("ffffffffffffffffffffffffffffffff"), issuer: "peopledesk"}
	if _, err := other.parse(link, purposeLoginLink, now); !errors.Is(err, ErrLinkInvalid) {
		t.Fatalf("expected bad signature to be invalid, got %v", err)
	}
	foreign := &tickets{secret: tk.secret, issuer: "elsewhere"}
	if _, err := foreign.parse(link, purposeLoginLink, now); !errors.Is(err, ErrLinkInvalid) {
		t.Fatalf("expected issuer mismatch to be invalid, got %v", err)
	}
}

func TestEnrollmentTicketCarriesSecret(t *testing.T) {
	tk := &tickets{secret: []byte("0123456789abcdef0123456789abcdef"), issuer: "peopledesk"}
	now := time.Now()
	raw, err := tk.signEnrollment("emp-1", "JBSWY3DPEHPK3PXP", now, 10*time.Minute)
	if err != nil {
		t.Fatalf("signEnrollment: %v", err)
	}
	claims, err := tk.parse(raw, purposeEnrollment, now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.TOTPSecret != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("secret not carried: %q", claims.TOTPSecret)
	}
}
