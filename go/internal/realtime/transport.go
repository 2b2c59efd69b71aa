package realtime

import (
	"context"
	"errors"
	"time"
)

// ErrPushUnsupported is returned by a PushDialer that cannot serve an
// entity. The channel then long-polls without retrying push.
var ErrPushUnsupported = errors.New("push transport unsupported")

// PushDialer opens a push subscription for one entity.
type PushDialer interface {
	Dial(ctx context.Context, key EntityKey) (PushConn, error)
}

// PushConn is an open push subscription.
type PushConn interface {
	// Next blocks until the next delta, a transport error or ctx ends.
	Next(ctx context.Context) (Delta, error)
	Close() error
}

// Poller is the pull transport. Poll asks for the entity's state newer than
// since and lets the server hold the request for up to hold. A nil delta
// means unchanged. Poll(ctx, key, 0, 0) fetches a full snapshot.
type Poller interface {
	Poll(ctx context.Context, key EntityKey, since int64, hold time.Duration) (*Delta, error)
}

// Authorizer supplies and renews the bearer credential for push handshakes.
type Authorizer interface {
	AccessToken() (string, bool)
	RenewIfCurrent(ctx context.Context, used string) (string, error)
}
