// Package auth implements the two-step login: a short-lived numeric code
// exchanged for an HS256 bearer token.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"asphare/internal/repo"
)

// ErrInvalidCode is returned when a code is wrong, expired or already used.
var ErrInvalidCode = errors.New("invalid or expired code")

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid token")

const (
	DefaultCodeTTL  = 5 * time.Minute
	DefaultTokenTTL = 12 * time.Hour
)

type Service struct {
	Repo     *repo.Repo
	Secret   string
	CodeTTL  time.Duration
	TokenTTL time.Duration
	Now      func() time.Time
}

func NewService(r *repo.Repo, secret string) *Service {
	return &Service{
		Repo:     r,
		Secret:   secret,
		CodeTTL:  DefaultCodeTTL,
		TokenTTL: DefaultTokenTTL,
		Now:      time.Now,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// IssueCode stores a fresh six-digit code for username and returns it.
func (s *Service) IssueCode(username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", errors.New("username required")
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	code := fmt.Sprintf("%06d", n.Int64())

	now := s.now()
	err = s.Repo.InsertAuthCode(username, code,
		repo.FormatTime(now.Add(s.CodeTTL)), repo.FormatTime(now))
	if err != nil {
		return "", err
	}
	return code, nil
}

// VerifyCode consumes a pending code and mints a bearer token for username.
func (s *Service) VerifyCode(username, code string) (string, error) {
	username = strings.TrimSpace(username)
	now := s.now()
	err := s.Repo.ConsumeAuthCode(username, strings.TrimSpace(code), repo.FormatTime(now))
	if errors.Is(err, repo.ErrNotFound) {
		return "", ErrInvalidCode
	}
	if err != nil {
		return "", err
	}

	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.TokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.Secret))
}

// Verify parses a bearer token and returns its subject.
func (s *Service) Verify(token string) (string, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.Secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
