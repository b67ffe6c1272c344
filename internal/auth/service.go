// Package auth issues and verifies the bearer tokens protecting the
// container registry API.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// DefaultTokenTTL is the lifetime of issued access tokens.
const DefaultTokenTTL = 10 * time.Minute

// ErrInvalidToken covers missing, malformed, mis-signed and expired tokens.
var ErrInvalidToken = errors.New("invalid token")

// Config holds the authorization settings for the registry.
type Config struct {
	Enabled  bool
	Realm    string // advertised in WWW-Authenticate challenges
	Service  string // audience the tokens are minted for
	Username string
	Password string // hashed at construction, never kept in clear
	Secret   string // HS256 signing secret
	TokenTTL time.Duration
}

// Claims is the claim set carried by issued tokens.
type Claims struct {
	Service string   `json:"service,omitempty"`
	Scopes  []string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Allows reports whether any granted scope covers action on the repository.
func (c *Claims) Allows(repo, action string) bool {
	for _, raw := range c.Scopes {
		scope, err := ParseScope(raw)
		if err != nil {
			continue
		}
		if scope.Allows(repo, action) {
			return true
		}
	}
	return false
}

// Service validates credentials and mints HS256 access tokens.
type Service struct {
	cfg          Config
	passwordHash []byte
	log          *log.Logger
}

// NewService builds the auth service, hashing the configured password.
func NewService(cfg Config, logger *log.Logger) (*Service, error) {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	s := &Service{cfg: cfg, log: logger}

	if !cfg.Enabled {
		return s, nil
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("auth enabled but username or password is empty")
	}
	if cfg.Secret == "" {
		return nil, errors.New("auth enabled but token secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	s.passwordHash = hash
	s.cfg.Password = ""
	return s, nil
}

// Enabled reports whether requests must carry a bearer token.
func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Realm is the token endpoint URL advertised in challenges.
func (s *Service) Realm() string { return s.cfg.Realm }

// ServiceName is the audience tokens are issued for.
func (s *Service) ServiceName() string { return s.cfg.Service }

// TokenTTL is the lifetime applied to issued tokens.
func (s *Service) TokenTTL() time.Duration { return s.cfg.TokenTTL }

// ValidateCredentials checks a username/password pair in constant time.
func (s *Service) ValidateCredentials(username, password string) bool {
	usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.Username)) == 1
	passwordMatch := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)) == nil
	if !usernameMatch || !passwordMatch {
		s.log.Debug("credential validation failed", "username", username)
		return false
	}
	return true
}

// IssueToken mints a signed token for the subject with the granted scopes.
// It returns the token and its issue time.
func (s *Service) IssueToken(subject string, scopes []string) (string, time.Time, error) {
	now := time.Now().UTC()
	claims := Claims{
		Service: s.cfg.Service,
		Scopes:  scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	s.log.Debug("token issued", "subject", subject, "scopes", scopes)
	return signed, now, nil
}

// VerifyToken checks signature, expiry and audience, returning the claims.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(s.cfg.Secret), nil
	}, jwt.WithExpirationRequired(), jwt.WithIssuedAt())
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Service != s.cfg.Service {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
