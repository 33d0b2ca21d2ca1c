package membership

import (
	"context"

	"github.com/google/uuid"

	"bookworm/internal/access"
	"bookworm/internal/store"
)

// Service defines the membership surface: accounts, logins, tokens and
// account administration. Methods taking an actor check that the actor may
// act on the account.
type Service interface {
	Register(ctx context.Context, cmd RegisterCommand) (store.User, error)
	Authenticate(ctx context.Context, email, password string) (Session, error)
	ParseToken(token string) (access.Principal, error)
	GetUser(ctx context.Context, id uuid.UUID) (store.User, error)

	ListMembers(ctx context.Context, actor access.Principal) ([]store.User, error)
	GetMember(ctx context.Context, actor access.Principal, id uuid.UUID) (store.User, error)
	UpdateMember(ctx context.Context, actor access.Principal, id uuid.UUID, cmd UpdateMemberCommand) (store.User, error)
	DeleteMember(ctx context.Context, actor access.Principal, id uuid.UUID) error

	// BootstrapAdmin makes sure the account for email exists and holds the
	// admin role. An existing account is only promoted when password
	// matches it.
	BootstrapAdmin(ctx context.Context, email, password string) (store.User, BootstrapOutcome, error)
}
