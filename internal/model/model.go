package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// User is a pseudonymous learner. Nothing beyond the id is ever stored.
type User struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type userCtxKey struct{}

// ContextWithUser stores the current learner in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the current learner from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// HostConfig holds runtime parameters set via CLI flags.
type HostConfig struct {
	BasePath         string        // URL prefix for sub-path deployments
	HandshakeTimeout time.Duration // how long a frame may take to say "ready"
	SecureCookies    bool
}
