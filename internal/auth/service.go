// Package auth registers users and records a USER_REGISTERED event in the same
// transaction.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ErrConflict is returned when the email is already registered.
var ErrConflict = errors.New("email is already registered")

// DefaultBcryptCost is the work factor passwords are hashed with.
const DefaultBcryptCost = 12

// NewUser is a user about to be stored.
type NewUser struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// RegisteredUser is what a successful registration exposes. It never carries the
// password hash.
type RegisteredUser struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// Repository stores a user together with its USER_REGISTERED outbox record, in one
// transaction. It returns ErrConflict when the email is taken.
type Repository interface {
	CreateUser(ctx context.Context, user NewUser) (RegisteredUser, error)
}

// Service registers users.
type Service struct {
	repo   Repository
	cost   int
	logger *zap.Logger
	now    func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithBcryptCost overrides the bcrypt work factor.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.cost = cost
		}
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a Service over repo.
func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{
		repo:   repo,
		cost:   DefaultBcryptCost,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register hashes the password and stores the user. The hash is computed before
// any transaction starts.
func (s *Service) Register(ctx context.Context, in RegisterInput) (RegisteredUser, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return RegisteredUser{}, fmt.Errorf("hashing password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, NewUser{
		ID:           uuid.NewString(),
		Email:        in.Email,
		PasswordHash: string(hash),
		CreatedAt:    s.now(),
	})
	if err != nil {
		return RegisteredUser{}, err
	}

	s.logger.Info("user registered", zap.String("user_id", user.UserID))
	return user, nil
}
