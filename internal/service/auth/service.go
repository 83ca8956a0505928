// Package auth verifies credentials against the user directory and issues the
// tokens that bind a relay connection to an identity and role.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/helpdesk/backend/internal/model/chat"
	"github.com/zhouzirui/helpdesk/backend/internal/model/user"
)

// Result is the outcome of a credential check.
type Result struct {
	OK      bool
	IsAdmin bool
}

// Service is the AuthProvider: password verification, account creation and tokens.
type Service struct {
	users  user.Directory
	tokens *TokenIssuer
	cost   int
}

// Option customizes a Service.
type Option func(*Service)

// WithBcryptCost overrides the hashing cost; tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		s.cost = cost
	}
}

// NewService builds the provider over a directory and token issuer.
func NewService(users user.Directory, tokens *TokenIssuer, opts ...Option) *Service {
	s := &Service{
		users:  users,
		tokens: tokens,
		cost:   bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tokens exposes the issuer used by the gateway to authenticate connections.
func (s *Service) Tokens() *TokenIssuer {
	return s.tokens
}

// Verify checks username/password. Unknown users and wrong passwords both
// yield a zero Result without error.
func (s *Service) Verify(ctx context.Context, username, password string) (Result, error) {
	u, err := s.users.Find(ctx, username)
	if errors.Is(err, user.ErrUserNotFound) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Result{}, nil
	}
	return Result{OK: true, IsAdmin: u.IsAdmin}, nil
}

// CreateUser hashes password and stores a new account.
func (s *Service) CreateUser(ctx context.Context, name, username, password string, isAdmin bool) (user.User, error) {
	if err := chat.ValidateIdentity(username); err != nil {
		return user.User{}, err
	}
	if username == chat.AdminAuthor && !isAdmin {
		return user.User{}, fmt.Errorf("%w: %q is reserved", chat.ErrInvalidIdentity, username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return user.User{}, fmt.Errorf("hashing failed: %w", err)
	}

	return s.users.Create(ctx, user.User{
		Name:         name,
		Username:     username,
		PasswordHash: string(hash),
		IsAdmin:      isAdmin,
	})
}

// EnsureAdmin seeds the operator account when the directory lacks it.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	_, err := s.users.Find(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, user.ErrUserNotFound) {
		return fmt.Errorf("lookup admin: %w", err)
	}

	if _, err := s.CreateUser(ctx, "Administrator", username, password, true); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	log.Printf("[auth] seeded admin account %q", username)
	return nil
}

// Login verifies credentials and issues a session token on success.
func (s *Service) Login(ctx context.Context, username, password string) (Result, string, time.Time, error) {
	res, err := s.Verify(ctx, username, password)
	if err != nil || !res.OK {
		return res, "", time.Time{}, err
	}

	token, expires, err := s.tokens.Issue(username, res.IsAdmin)
	if err != nil {
		return Result{}, "", time.Time{}, fmt.Errorf("issue token: %w", err)
	}
	return res, token, expires, nil
}

// ListUsers returns every account in the directory.
func (s *Service) ListUsers(ctx context.Context) ([]user.User, error) {
	return s.users.List(ctx)
}
