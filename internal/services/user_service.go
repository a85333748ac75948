package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-tuition-backend/internal/auth"
	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/repo"
)

// RegisterInput is the self-registration form.
type RegisterInput struct {
	Role  domain.Role
	Name  string
	Phone string
}

// UserService manages the user directory the role resolver reads from.
type UserService struct {
	DB *gorm.DB
}

// Register records the actor's role. Registering again with the same role
// returns the existing user; a different role is a conflict.
func (s *UserService) Register(ctx context.Context, actor auth.Actor, in RegisterInput) (*domain.User, error) {
	if actor.Email == "" {
		return nil, ErrNoIdentity
	}
	if actor.IsAdmin() {
		return nil, ErrAdminRegister
	}
	if in.Role != domain.RoleStudent && in.Role != domain.RoleTutor {
		return nil, invalid("role must be student or tutor")
	}
	if in.Name == "" {
		in.Name = actor.Name
	}
	name, err := textField("name", in.Name, true, 255)
	if err != nil {
		return nil, err
	}
	phone, err := textField("phone", in.Phone, false, 32)
	if err != nil {
		return nil, err
	}

	u := &domain.User{Email: actor.Email, Name: name, Phone: phone, Role: in.Role}
	err = repo.CreateUser(ctx, s.DB, u)
	if errors.Is(err, repo.ErrDuplicate) {
		existing, gerr := repo.GetUser(ctx, s.DB, actor.Email)
		if gerr != nil {
			return nil, gerr
		}
		if existing.Role != in.Role {
			return nil, ErrRoleTaken
		}
		return existing, nil
	}
	if err != nil {
		return nil, err
	}
	logger(ctx).Info().Str("role", string(u.Role)).Msg("user registered")
	return u, nil
}

// Me returns the actor's directory entry. Admins get a synthesized entry.
func (s *UserService) Me(ctx context.Context, actor auth.Actor) (*domain.User, error) {
	if actor.Email == "" {
		return nil, ErrNoIdentity
	}
	if actor.IsAdmin() {
		return &domain.User{Email: actor.Email, Name: actor.Name, Role: domain.RoleAdmin}, nil
	}
	u, err := repo.GetUser(ctx, s.DB, actor.Email)
	if err != nil {
		return nil, notFoundAs(err, ErrNotRegistered)
	}
	return u, nil
}
