package clients

import (
	"context"
	"net/http"

	"bookworm/internal/membership"
	"bookworm/internal/store"
)

func (l *LendingClient) Register(ctx context.Context, email, name, password string) (store.User, error) {
	var u store.User
	err := l.do(ctx, http.MethodPost, "/api/v1/members/register", membership.RegisterCommand{
		Email:    email,
		Name:     name,
		Password: password,
	}, &u)
	return u, err
}

// Login authenticates and returns a client acting as that member.
func (l *LendingClient) Login(ctx context.Context, email, password string) (*LendingClient, membership.Session, error) {
	var session membership.Session
	err := l.do(ctx, http.MethodPost, "/api/v1/members/login", map[string]string{
		"email":    email,
		"password": password,
	}, &session)
	if err != nil {
		return nil, membership.Session{}, err
	}
	return l.WithToken(session.Token), session, nil
}

func (l *LendingClient) Me(ctx context.Context) (store.User, error) {
	var u store.User
	err := l.do(ctx, http.MethodGet, "/api/v1/members/me", nil, &u)
	return u, err
}
