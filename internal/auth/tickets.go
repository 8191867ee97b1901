package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	purposeLoginLink  = "login_link"
	purposeEnrollment = "totp_enroll"
)

// ticketClaims are carried by short-lived signed tickets: passwordless
// login links and 2FA enrolment tickets.
type ticketClaims struct {
	Purpose    string `json:"purpose"`
	TOTPSecret string `json:"totp,omitempty"`
	jwt.RegisteredClaims
}

type tickets struct {
	secret []byte
	issuer string
}

func (t *tickets) sign(claims ticketClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign ticket: %w", err)
	}
	return signed, nil
}

func (t *tickets) signLink(jti, employeeID string, now time.Time, ttl time.Duration) (string, error) {
	return t.sign(ticketClaims{
		Purpose: purposeLoginLink,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    t.issuer,
			Subject:   employeeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
}

func (t *tickets) signEnrollment(employeeID, secret string, now time.Time, ttl time.Duration) (string, error) {
	return t.sign(ticketClaims{
		Purpose:    purposeEnrollment,
		TOTPSecret: secret,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   employeeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
}

// parse verifies signature, issuer, expiry and purpose.
// Expiry maps to ErrLinkExpired, anything else to ErrLinkInvalid.
func (t *tickets) parse(raw, purpose string, now time.Time) (*ticketClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrLinkInvalid
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	claims := &ticketClaims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrLinkExpired
		}
		return nil, ErrLinkInvalid
	}
	if claims.Purpose != purpose || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrLinkInvalid
	}
	return claims, nil
}
