package auth

import (
	"context"
	"crypto/subtle"

	"github.com/zhouzirui/taxdesk/backend/internal/config"
)

// User is the identity attached to an authenticated request.
type User struct {
	Identifier string            `json:"identifier"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Authenticator checks a single configured credential pair.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an authenticator; without credentials it is disabled.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{username: cfg.Username, password: cfg.Password}
}

// Enabled reports whether requests must carry credentials.
func (a *Authenticator) Enabled() bool {
	return a != nil && a.username != "" && a.password != ""
}

// Authenticate returns the user for a matching username and password.
func (a *Authenticator) Authenticate(username, password string) (User, bool) {
	if !a.Enabled() {
		return User{}, false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	if !userOK || !passOK {
		return User{}, false
	}
	return User{
		Identifier: a.username,
		Metadata:   map[string]string{"role": "admin", "provider": "credentials"},
	}, true
}

type userKey struct{}

// WithUser stores user in ctx.
func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFrom returns the authenticated user of ctx, if any.
func UserFrom(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(userKey{}).(User)
	return user, ok
}
