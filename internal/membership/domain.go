package membership

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"bookworm/internal/access"
	"bookworm/internal/store"
)

// MaxLoginAttempts is the number of consecutive failed logins tolerated;
// one more locks the account.
const MaxLoginAttempts = 5

const minPasswordLength = 8

var (
	ErrInvalidRegistration = errors.New("invalid registration")
	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrAccountLocked       = errors.New("account locked after too many failed logins")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidToken        = errors.New("invalid token")
	ErrForbidden           = errors.New("not allowed to manage this account")
	ErrInvalidUpdate       = errors.New("invalid member update")
	ErrMemberHasLoans      = errors.New("member still has books on loan")
	ErrMemberHasHolds      = errors.New("member is still queued for books")
)

// RegisterCommand creates a member account. Roles default to member.
type RegisterCommand struct {
	Email    string        `json:"email"`
	Name     string        `json:"name"`
	Password string        `json:"password"`
	Roles    []access.Role `json:"roles,omitempty"`
}

func (c RegisterCommand) validate() error {
	if _, err := mail.ParseAddress(strings.TrimSpace(c.Email)); err != nil {
		return fmt.Errorf("%w: email is not valid", ErrInvalidRegistration)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRegistration)
	}
	if len(c.Password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidRegistration, minPasswordLength)
	}
	for _, r := range c.Roles {
		if _, err := access.ParseRole(string(r)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
		}
	}
	return nil
}

// Session is the result of a successful login.
type Session struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      store.User `json:"user"`
}

// UpdateMemberCommand changes selected fields of an account; nil fields are
// left alone. Owners may change their name and password. Roles and Unlock
// need a member administrator.
type UpdateMemberCommand struct {
	Name     *string        `json:"name,omitempty"`
	Password *string        `json:"password,omitempty"`
	Roles    *[]access.Role `json:"roles,omitempty"`
	// Unlock clears failed login attempts and reopens a locked account.
	Unlock bool `json:"unlock,omitempty"`
}

func (c UpdateMemberCommand) validate() error {
	if c.Name == nil && c.Password == nil && c.Roles == nil && !c.Unlock {
		return fmt.Errorf("%w: no fields to update", ErrInvalidUpdate)
	}
	if c.Name != nil && strings.TrimSpace(*c.Name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidUpdate)
	}
	if c.Password != nil && len(*c.Password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidUpdate, minPasswordLength)
	}
	if c.Roles != nil {
		for _, r := range *c.Roles {
			if _, err := access.ParseRole(string(r)); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
			}
		}
	}
	return nil
}

// administrative reports whether the command touches fields only a member
// administrator may change.
func (c UpdateMemberCommand) administrative() bool {
	return c.Roles != nil || c.Unlock
}

// BootstrapOutcome says what BootstrapAdmin did with the configured account.
type BootstrapOutcome string

const (
	AdminCreated  BootstrapOutcome = "created"
	AdminPromoted BootstrapOutcome = "promoted"
	AdminExisting BootstrapOutcome = "existing"
)
