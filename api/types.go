package api

import (
	"context"
	"time"

	"lifecenter/commands"
	"lifecenter/session"
)

// Authenticator extracts the owner id from an Authorization header.
type Authenticator interface {
	OwnerFromAuthHeader(string) (string, error)
}

// Sessions hands out the live session of an owner.
type Sessions interface {
	Get(ctx context.Context, owner string) (*session.Session, error)
	Release(owner string)
	Now() time.Time
}

var _ Sessions = (*session.Manager)(nil)

// Deduper prevents a retried command from being applied twice.
type Deduper interface {
	// Claim records each command's idempotency key and reports which were new.
	Claim(ctx context.Context, owner string, cmds []commands.Command) ([]bool, error)
	// Release forgets a key so a rejected command may be retried.
	Release(ctx context.Context, owner, key string) error
}

var _ Deduper = (*CommandKeys)(nil)
