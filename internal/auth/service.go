package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"peopledesk.org/internal/audit"
	"peopledesk.org/internal/ids"
	"peopledesk.org/internal/mail"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutDuration  = 15 * time.Minute
	defaultSessionTTL       = 8 * time.Hour
	defaultLinkTTL          = 15 * time.Minute
	defaultEnrollmentTTL    = 10 * time.Minute
	defaultStoreTimeout     = 5 * time.Second
	defaultIssuer           = "peopledesk"

	tokenBytes     = 32
	tokenPrefixLen = 16
)

// Auditor receives security events. *audit.Logger implements it.
type Auditor interface {
	Record(ctx context.Context, event audit.Event)
}

// Service authenticates employees and manages their sessions, credentials and roles.
type Service struct {
	store   Store
	auditor Auditor
	mailer  mail.Sender
	tickets *tickets
	now     func() time.Time

	bcryptCost       int
	lockoutThreshold int
	lockoutDuration  time.Duration
	sessionTTL       time.Duration
	linkTTL          time.Duration
	storeTimeout     time.Duration
	emergencySecret  string
	issuer           string
	baseURL          string

	dummyOnce sync.Once
	dummyHash []byte
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithBcryptCost sets the bcrypt work factor for new hashes.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) error {
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return errors.New("auth: bcrypt cost out of range")
		}
		s.bcryptCost = cost
		return nil
	}
}

// WithLockout configures how many consecutive failures lock an account and for how long.
func WithLockout(threshold int, duration time.Duration) ServiceOption {
	return func(s *Service) error {
		if threshold < 1 || duration <= 0 {
			return errors.New("auth: lockout threshold and duration must be positive")
		}
		s.lockoutThreshold = threshold
		s.lockoutDuration = duration
		return nil
	}
}

// WithSessionTTL configures session lifetime.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
		return nil
	}
}

// WithLinkTTL configures passwordless link lifetime.
func WithLinkTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.linkTTL = ttl
		}
		return nil
	}
}

// WithStoreTimeout bounds every store round-trip of a single operation.
func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.storeTimeout = d
		}
		return nil
	}
}

// WithTicketSecret sets the HMAC key for login links and enrolment tickets.
func WithTicketSecret(secret string) ServiceOption {
	return func(s *Service) error {
		if len(secret) < 32 {
			return errors.New("auth: ticket secret must be at least 32 bytes")
		}
		s.tickets.secret = []byte(secret)
		return nil
	}
}

// WithEmergencySecret enables the break-glass 2FA disable operation.
func WithEmergencySecret(secret string) ServiceOption {
	return func(s *Service) error {
		s.emergencySecret = strings.TrimSpace(secret)
		return nil
	}
}

// WithIssuer overrides the issuer used in tickets and authenticator apps.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
			s.tickets.issuer = issuer
		}
		return nil
	}
}

// WithBaseURL sets the external origin used to build login links.
func WithBaseURL(u string) ServiceOption {
	return func(s *Service) error {
		s.baseURL = strings.TrimRight(strings.TrimSpace(u), "/")
		return nil
	}
}

// WithMailer sets the outbound mail sender.
func WithMailer(m mail.Sender) ServiceOption {
	return func(s *Service) error {
		if m != nil {
			s.mailer = m
		}
		return nil
	}
}

// WithAuditor replaces the default audit logger.
func WithAuditor(a Auditor) ServiceOption {
	return func(s *Service) error {
		if a != nil {
			s.auditor = a
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs Service with optional configuration. Without
// WithTicketSecret a random key is generated, so links do not survive a restart.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	svc := &Service{
		store:            store,
		mailer:           mail.LogSender{},
		now:              time.Now,
		bcryptCost:       12,
		lockoutThreshold: defaultLockoutThreshold,
		lockoutDuration:  defaultLockoutDuration,
		sessionTTL:       defaultSessionTTL,
		linkTTL:          defaultLinkTTL,
		storeTimeout:     defaultStoreTimeout,
		issuer:           defaultIssuer,
		baseURL:          "http://localhost:8080",
		tickets:          &tickets{issuer: defaultIssuer},
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if len(svc.tickets.secret) == 0 {
		secret, err := ids.Secret(32)
		if err != nil {
			return nil, err
		}
		svc.tickets.secret = []byte(secret)
	}
	if svc.auditor == nil {
		svc.auditor = audit.NewLogger(store.Audit(), svc.now)
	}
	return svc, nil
}

// SessionTTL reports the lifetime of issued sessions.
func (s *Service) SessionTTL() time.Duration { return s.sessionTTL }

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

func (s *Service) record(ctx context.Context, actor *Identity, event audit.Event) {
	if actor != nil {
		event.ActorID = actor.Employee.ID
		event.ActorEmail = actor.Employee.Email
	}
	s.auditor.Record(ctx, event)
}

// burnHash spends a bcrypt comparison so unknown accounts cost the same as wrong passwords.
func (s *Service) burnHash(password string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("peopledesk-dummy-password"), s.bcryptCost)
	})
	_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
}

func (s *Service) rolesFor(ctx context.Context, employeeID string) ([]Role, error) {
	assignments, err := s.store.Roles().ListAssignments(ctx, employeeID)
	if err != nil {
		return nil, err
	}
	roles := make([]Role, 0, len(assignments))
	for _, a := range assignments {
		roles = append(roles, a.Role)
	}
	return roles, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func tokenPrefix(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if len(token) < tokenPrefixLen {
		return "", false
	}
	return token[:tokenPrefixLen], true
}

func subtleCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// secretsEqual compares digests so neither content nor length leaks through timing.
func secretsEqual(given, expected string) bool {
	g := sha256.Sum256([]byte(given))
	e := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(g[:], e[:]) == 1
}
