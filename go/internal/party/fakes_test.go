package party

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Xodls128/partyboom/go/clients/party_client"
	"github.com/Xodls128/partyboom/go/internal/realtime"
	"github.com/Xodls128/partyboom/go/internal/syncerr"
)

const waitFor = 2 * time.Second

// fakeAPI serves entity states from memory. Poll answers right away when
// it holds something newer than since and otherwise reports unchanged after
// a short hold.
type fakeAPI struct {
	mu     sync.Mutex
	states map[realtime.EntityKey]realtime.Delta
	active string

	votes    atomic.Int32
	toggles  atomic.Int32
	voteFn   func(ctx context.Context, questionID, choice string) (*party_client.VoteResult, error)
	toggleFn func(ctx context.Context, partyID string) (*party_client.ToggleResult, error)
	pollErr  error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{states: make(map[realtime.EntityKey]realtime.Delta)}
}

func (f *fakeAPI) set(key realtime.EntityKey, version int64, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[key] = realtime.Delta{EntityType: key.Type, EntityID: key.ID, Version: version, Payload: json.RawMessage(payload)}
}

func (f *fakeAPI) Poll(ctx context.Context, key realtime.EntityKey, since int64, hold time.Duration) (*realtime.Delta, error) {
	f.mu.Lock()
	if f.pollErr != nil {
		err := f.pollErr
		f.mu.Unlock()
		return nil, err
	}
	d, ok := f.states[key]
	f.mu.Unlock()

	if ok && d.Version > since {
		return &d, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Millisecond):
		return nil, nil
	}
}

func (f *fakeAPI) ToggleStandby(ctx context.Context, partyID string) (*party_client.ToggleResult, error) {
	f.toggles.Add(1)
	if f.toggleFn != nil {
		return f.toggleFn(ctx, partyID)
	}
	return &party_client.ToggleResult{IsStandby: true}, nil
}

func (f *fakeAPI) CastVote(ctx context.Context, questionID, choice string) (*party_client.VoteResult, error) {
	f.votes.Add(1)
	if f.voteFn != nil {
		return f.voteFn(ctx, questionID, choice)
	}
	return &party_client.VoteResult{}, nil
}

func (f *fakeAPI) ActiveRound(ctx context.Context, partyID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == "" {
		return "", &notFound{}
	}
	return f.active, nil
}

type notFound struct{}

func (*notFound) Error() string { return "no game in progress" }
func (*notFound) Unwrap() error { return syncerr.ErrNotFound }

func testConfig() Config {
	return Config{Channel: realtime.ChannelConfig{
		ReconnectBase:    time.Millisecond,
		ReconnectCap:     5 * time.Millisecond,
		FallbackAfter:    0,
		UnavailableAfter: 3,
	}}
}
