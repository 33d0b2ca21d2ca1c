package membership

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"bookworm/internal/access"
	"bookworm/internal/store"
)

func (s *service) ListMembers(ctx context.Context, actor access.Principal) ([]store.User, error) {
	if !access.CanManageMembers(actor.Roles) {
		return nil, ErrForbidden
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

func (s *service) GetMember(ctx context.Context, actor access.Principal, id uuid.UUID) (store.User, error) {
	if !actor.CanEditAccount(id) {
		return store.User{}, ErrForbidden
	}
	return s.GetUser(ctx, id)
}

// UpdateMember applies cmd to the account. The member role is always kept,
// and administrators cannot take the admin role away from themselves.
func (s *service) UpdateMember(ctx context.Context, actor access.Principal, id uuid.UUID, cmd UpdateMemberCommand) (store.User, error) {
	if !actor.CanEditAccount(id) {
		return store.User{}, ErrForbidden
	}
	if cmd.administrative() && !access.CanManageMembers(actor.Roles) {
		return store.User{}, ErrForbidden
	}
	if err := cmd.validate(); err != nil {
		return store.User{}, err
	}

	var roles []access.Role
	if cmd.Roles != nil {
		roles = []access.Role{access.RoleMember}
		for _, r := range *cmd.Roles {
			role, _ := access.ParseRole(string(r))
			if !slices.Contains(roles, role) {
				roles = append(roles, role)
			}
		}
		if actor.UserID == id && actor.HasRole(access.RoleAdmin) && !slices.Contains(roles, access.RoleAdmin) {
			return store.User{}, fmt.Errorf("%w: cannot revoke your own admin role", ErrInvalidUpdate)
		}
	}
	var passwordHash, salt string
	if cmd.Password != nil {
		var err error
		if passwordHash, salt, err = hashPassword(*cmd.Password); err != nil {
			return store.User{}, fmt.Errorf("failed to hash password: %w", err)
		}
	}

	u, err := s.store.UpdateUser(ctx, id, func(u *store.User) error {
		if cmd.Name != nil {
			u.Name = strings.TrimSpace(*cmd.Name)
		}
		if cmd.Password != nil {
			u.PasswordHash, u.Salt = passwordHash, salt
		}
		if roles != nil {
			u.Roles = slices.Clone(roles)
		}
		if cmd.Unlock {
			u.LoginAttempts = 0
			u.Status = store.StatusNormal
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, ErrUserNotFound
		}
		return store.User{}, fmt.Errorf("failed to update user: %w", err)
	}

	log := s.logger.Info().Str("user_id", id.String()).Str("actor_id", actor.UserID.String())
	if roles != nil {
		log = log.Strs("roles", roleNames(u.Roles))
	}
	log.Bool("unlocked", cmd.Unlock).Msg("member updated")
	return u, nil
}

// DeleteMember removes an account that has nothing on loan and no place in
// any hold queue.
func (s *service) DeleteMember(ctx context.Context, actor access.Principal, id uuid.UUID) error {
	if !actor.CanEditAccount(id) {
		return ErrForbidden
	}

	books, err := s.store.ListBooks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list books: %w", err)
	}
	for _, b := range books {
		if slices.Contains(b.HoldQueue, id) {
			return ErrMemberHasHolds
		}
	}

	err = s.store.DeleteUser(ctx, id, func(u store.User) error {
		if len(u.CheckedOutBookIDs) > 0 {
			return ErrMemberHasLoans
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrUserNotFound
	case errors.Is(err, ErrMemberHasLoans):
		return err
	case err != nil:
		return fmt.Errorf("failed to delete user: %w", err)
	}
	s.logger.Info().Str("user_id", id.String()).Str("actor_id", actor.UserID.String()).Msg("member deleted")
	return nil
}

func (s *service) BootstrapAdmin(ctx context.Context, email, password string) (store.User, BootstrapOutcome, error) {
	u, err := s.register(ctx, RegisterCommand{
		Email:    email,
		Name:     "Administrator",
		Password: password,
		Roles:    []access.Role{access.RoleAdmin},
	})
	if err == nil {
		return u, AdminCreated, nil
	}
	if !errors.Is(err, ErrEmailTaken) {
		return store.User{}, "", err
	}

	u, err = s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, "", fmt.Errorf("failed to get user: %w", err)
	}
	if slices.Contains(u.Roles, access.RoleAdmin) {
		return u, AdminExisting, nil
	}
	ok, err := verifyPassword(password, u.Salt, u.PasswordHash)
	if err != nil {
		return store.User{}, "", fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		return u, "", fmt.Errorf("%w: %s is registered with a different password", ErrInvalidCredentials, u.Email)
	}
	u, err = s.store.UpdateUser(ctx, u.ID, func(u *store.User) error {
		if !slices.Contains(u.Roles, access.RoleAdmin) {
			u.Roles = append(u.Roles, access.RoleAdmin)
		}
		return nil
	})
	if err != nil {
		return store.User{}, "", fmt.Errorf("failed to promote user: %w", err)
	}
	return u, AdminPromoted, nil
}

func roleNames(roles []access.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
