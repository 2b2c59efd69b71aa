package party

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xodls128/partyboom/go/clients/party_client"
	"github.com/Xodls128/partyboom/go/internal/realtime"
	"github.com/Xodls128/partyboom/go/internal/syncerr"
)

func newTestSession(t *testing.T, api API, opts ...Option) *Session {
	t.Helper()
	s := NewSession(api, nil, testConfig(), append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

const roundPayload = `{"id":"r1","party":7,"is_active":true,"questions":[` +
	`{"id":42,"order":1,"a_text":"cats","b_text":"dogs","vote_a_count":0,"vote_b_count":0,"has_voted":false},` +
	`{"id":43,"order":2,"a_text":"sea","b_text":"mountains","vote_a_count":2,"vote_b_count":1,"has_voted":false}]}`

func TestSession_DoubleVoteSendsOnePost(t *testing.T) {
	var posts atomic.Int32
	voteStarted := make(chan struct{})
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/game/rounds/r1/state/":
			since, _ := strconv.Atoi(r.URL.Query().Get("version"))
			if since < 1 {
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, `{"version":1,"data":`+roundPayload+`}`)
				return
			}
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Millisecond):
			}
			w.WriteHeader(http.StatusNoContent)
		case "/api/v1/game/questions/42/vote/":
			posts.Add(1)
			close(voteStarted)
			<-release
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"id":42,"order":1,"a_text":"cats","b_text":"dogs","vote_a_count":1,"vote_b_count":0}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	client := party_client.NewPartyClient(srv.URL, nil)
	client.SetLogger(zerolog.Nop())
	s := newTestSession(t, client)

	round, err := s.OpenRound(context.Background(), "r1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := round.State()
		return ok
	}, waitFor, time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	var first *party_client.VoteResult
	var firstErr error
	go func() {
		defer wg.Done()
		first, firstErr = round.Vote(context.Background(), "42", ChoiceA)
	}()
	<-voteStarted

	_, err = round.Vote(context.Background(), "42", ChoiceA)
	assert.ErrorIs(t, err, syncerr.ErrAlreadyPending)

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, 1, first.VoteACount)

	state, ok := round.State()
	require.True(t, ok)
	q, ok := state.Question("42")
	require.True(t, ok)
	assert.True(t, q.HasVoted)
	assert.Equal(t, ChoiceA, q.MyChoice)
	assert.Zero(t, q.VoteACount, "tallies wait for versioned state")

	_, err = round.Vote(context.Background(), "42", ChoiceB)
	assert.ErrorIs(t, err, syncerr.ErrConflict, "already voted locally")
	assert.Equal(t, int32(1), posts.Load())
	require.NoError(t, round.Channel().Err())
}

func TestSession_FollowOpensRoundOnTransition(t *testing.T) {
	api := newFakeAPI()
	api.set(LobbyKey("7"), 1, `{"party_id":7,"standby_count":1,"participation_count":4,"active_round_id":null}`)
	api.set(RoundKey("r1"), 1, roundPayload)
	s := newTestSession(t, api)

	rounds := make(chan *Round, 4)
	lobby, err := s.Follow(context.Background(), "7", func(r *Round) { rounds <- r })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, ok := lobby.State()
		return ok && state.Version == 1
	}, waitFor, time.Millisecond)

	api.set(LobbyKey("7"), 2, `{"party_id":7,"standby_count":3,"participation_count":4,"active_round_id":"r1"}`)

	var round *Round
	select {
	case round = <-rounds:
	case <-time.After(waitFor):
		t.Fatal("round was not opened")
	}
	assert.Equal(t, "r1", round.ID())

	require.Eventually(t, func() bool {
		state, ok := round.State()
		return ok && len(state.Questions) == 2
	}, waitFor, time.Millisecond)

	// the same round arriving again is not reported twice
	api.set(LobbyKey("7"), 3, `{"party_id":7,"standby_count":4,"participation_count":4,"active_round_id":"r1"}`)
	require.Eventually(t, func() bool {
		state, _ := lobby.State()
		return state.Version == 3
	}, waitFor, time.Millisecond)
	select {
	case <-rounds:
		t.Fatal("round reported twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSession_FollowOpensActiveRoundImmediately(t *testing.T) {
	api := newFakeAPI()
	api.active = "r9"
	api.set(LobbyKey("7"), 1, `{"party_id":7,"standby_count":0,"participation_count":4}`)
	api.set(RoundKey("r9"), 1, `{"id":"r9","is_active":true,"questions":[]}`)
	s := newTestSession(t, api)

	rounds := make(chan *Round, 4)
	_, err := s.Follow(context.Background(), "7", func(r *Round) { rounds <- r })
	require.NoError(t, err)

	select {
	case r := <-rounds:
		assert.Equal(t, "r9", r.ID())
	case <-time.After(waitFor):
		t.Fatal("active round was not opened")
	}
}

func TestSession_ActiveRound(t *testing.T) {
	api := newFakeAPI()
	s := newTestSession(t, api)

	_, ok, err := s.ActiveRound(context.Background(), "7")
	require.NoError(t, err)
	assert.False(t, ok)

	api.active = "r2"
	id, ok, err := s.ActiveRound(context.Background(), "7")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "r2", id)
}

func TestLobby_ToggleStandby(t *testing.T) {
	api := newFakeAPI()
	api.set(LobbyKey("7"), 1, `{"party_id":7,"standby_count":1,"participation_count":4,"is_standby":false}`)
	api.toggleFn = func(context.Context, string) (*party_client.ToggleResult, error) {
		return &party_client.ToggleResult{IsStandby: true, StandbyCount: 2, ParticipationCount: 4}, nil
	}
	s := newTestSession(t, api)

	lobby, err := s.JoinLobby(context.Background(), "7")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := lobby.State()
		return ok
	}, waitFor, time.Millisecond)

	updates := make(chan LobbyState, 4)
	lobby.OnUpdate(func(state LobbyState) { updates <- state })

	result, err := lobby.ToggleStandby(context.Background())
	require.NoError(t, err)
	assert.True(t, result.IsStandby)

	select {
	case state := <-updates:
		assert.True(t, state.IsStandby)
		assert.Equal(t, 1, state.StandbyCount)
		assert.Equal(t, int64(1), state.Version)
	case <-time.After(waitFor):
		t.Fatal("no amend update")
	}
	assert.Equal(t, int32(1), api.toggles.Load())
}

func TestLobby_ToggleStartingGameIsReportedOnce(t *testing.T) {
	api := newFakeAPI()
	api.set(LobbyKey("7"), 1, `{"party_id":7,"standby_count":2,"participation_count":4}`)
	api.toggleFn = func(context.Context, string) (*party_client.ToggleResult, error) {
		return &party_client.ToggleResult{Status: party_client.StatusGameCreated, RoundID: "r5"}, nil
	}
	s := newTestSession(t, api)

	lobby, err := s.JoinLobby(context.Background(), "7")
	require.NoError(t, err)

	var mu sync.Mutex
	var started []string
	lobby.OnGameStart(func(roundID string) {
		mu.Lock()
		started = append(started, roundID)
		mu.Unlock()
	})

	result, err := lobby.ToggleStandby(context.Background())
	require.NoError(t, err)
	assert.True(t, result.GameCreated())

	api.set(LobbyKey("7"), 2, `{"party_id":7,"standby_count":3,"participation_count":4,"active_round_id":"r5"}`)
	require.Eventually(t, func() bool {
		state, _ := lobby.State()
		return state.Version == 2
	}, waitFor, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"r5"}, started)
}

func TestLobby_OnGameStartReplaysStartedRounds(t *testing.T) {
	api := newFakeAPI()
	api.set(LobbyKey("7"), 1, `{"party_id":7,"active_round_id":"r1"}`)
	s := newTestSession(t, api)

	lobby, err := s.JoinLobby(context.Background(), "7")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := lobby.State()
		return ok
	}, waitFor, time.Millisecond)

	var mu sync.Mutex
	var got []string
	lobby.OnGameStart(func(roundID string) {
		mu.Lock()
		got = append(got, roundID)
		mu.Unlock()
	})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, waitFor, time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"r1"}, got)
}

func TestSession_AuthExpiredSignals(t *testing.T) {
	api := newFakeAPI()
	api.pollErr = fmt.Errorf("poll: %w", syncerr.ErrAuthExpired)
	s := newTestSession(t, api)

	lobby, err := s.JoinLobby(context.Background(), "7")
	require.NoError(t, err)

	select {
	case <-s.AuthRequired():
	case <-time.After(waitFor):
		t.Fatal("auth required not signaled")
	}
	<-lobby.Channel().Done()
	assert.ErrorIs(t, lobby.Channel().Err(), syncerr.ErrAuthExpired)
}

type fakeNotifier struct {
	mu  sync.Mutex
	fns []func(error)
}

func (n *fakeNotifier) OnAuthRequired(fn func(error)) func() {
	n.mu.Lock()
	n.fns = append(n.fns, fn)
	n.mu.Unlock()
	return func() {}
}

func (n *fakeNotifier) fire(err error) {
	n.mu.Lock()
	fns := append([]func(error){}, n.fns...)
	n.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func TestSession_AuthNotifier(t *testing.T) {
	notifier := &fakeNotifier{}
	s := newTestSession(t, newFakeAPI(), WithAuthNotifier(notifier))

	notifier.fire(syncerr.ErrAuthExpired)
	notifier.fire(syncerr.ErrAuthExpired)

	select {
	case <-s.AuthRequired():
	default:
		t.Fatal("auth required not signaled")
	}
}

func TestSession_CloseDiscardsState(t *testing.T) {
	api := newFakeAPI()
	api.set(LobbyKey("7"), 1, `{"party_id":7}`)
	api.set(RoundKey("r1"), 1, roundPayload)
	s := newTestSession(t, api)

	lobby, err := s.JoinLobby(context.Background(), "7")
	require.NoError(t, err)
	again, err := s.JoinLobby(context.Background(), "7")
	require.NoError(t, err)
	assert.Same(t, lobby, again)

	round, err := s.OpenRound(context.Background(), "r1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Store().Len() == 2 }, waitFor, time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	<-lobby.Channel().Done()
	<-round.Channel().Done()
	assert.Zero(t, s.Store().Len())

	_, err = s.JoinLobby(context.Background(), "7")
	assert.True(t, errors.Is(err, ErrSessionClosed))
	_, err = s.OpenRound(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestLobby_CloseThenRejoin(t *testing.T) {
	api := newFakeAPI()
	api.set(LobbyKey("7"), 1, `{"party_id":7}`)
	s := newTestSession(t, api)

	lobby, err := s.JoinLobby(context.Background(), "7")
	require.NoError(t, err)
	lobby.Close()
	lobby.Close()
	assert.Equal(t, realtime.StateClosed, lobby.Channel().State())

	rejoined, err := s.JoinLobby(context.Background(), "7")
	require.NoError(t, err)
	assert.NotSame(t, lobby, rejoined)
	require.Eventually(t, func() bool {
		_, ok := rejoined.State()
		return ok
	}, waitFor, time.Millisecond)
}

func TestRound_VoteKeepsNewerTallies(t *testing.T) {
	api := newFakeAPI()
	api.set(RoundKey("r1"), 5, roundPayload)
	s := newTestSession(t, api)

	round, err := s.OpenRound(context.Background(), "r1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		state, _ := round.State()
		return state.Version == 5
	}, waitFor, time.Millisecond)

	api.voteFn = func(context.Context, string, string) (*party_client.VoteResult, error) {
		api.set(RoundKey("r1"), 6, `{"id":"r1","party":7,"is_active":true,"questions":[`+
			`{"id":42,"order":1,"a_text":"cats","b_text":"dogs","vote_a_count":5,"vote_b_count":0,"has_voted":false}]}`)
		require.Eventually(t, func() bool {
			state, _ := round.State()
			return state.Version == 6
		}, waitFor, time.Millisecond)
		return &party_client.VoteResult{ID: 42, VoteACount: 1}, nil
	}

	_, err = round.Vote(context.Background(), "42", ChoiceA)
	require.NoError(t, err)

	state, ok := round.State()
	require.True(t, ok)
	assert.Equal(t, int64(6), state.Version)
	q, ok := state.Question("42")
	require.True(t, ok)
	assert.True(t, q.HasVoted)
	assert.Equal(t, ChoiceA, q.MyChoice)
	assert.Equal(t, 5, q.VoteACount)
}

func TestLobby_ToggleKeepsNewerCounts(t *testing.T) {
	api := newFakeAPI()
	api.set(LobbyKey("7"), 1, `{"party_id":7,"standby_count":0,"participation_count":4,"is_standby":false}`)
	s := newTestSession(t, api)

	lobby, err := s.JoinLobby(context.Background(), "7")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := lobby.State()
		return ok
	}, waitFor, time.Millisecond)

	api.toggleFn = func(context.Context, string) (*party_client.ToggleResult, error) {
		api.set(LobbyKey("7"), 2, `{"party_id":7,"standby_count":3,"participation_count":4,"is_standby":false}`)
		require.Eventually(t, func() bool {
			state, _ := lobby.State()
			return state.Version == 2
		}, waitFor, time.Millisecond)
		return &party_client.ToggleResult{IsStandby: true, StandbyCount: 1, ParticipationCount: 4}, nil
	}

	_, err = lobby.ToggleStandby(context.Background())
	require.NoError(t, err)

	state, ok := lobby.State()
	require.True(t, ok)
	assert.Equal(t, int64(2), state.Version)
	assert.True(t, state.IsStandby)
	assert.Equal(t, 3, state.StandbyCount)
}

func TestRound_LateVoteStateAfterClose(t *testing.T) {
	api := newFakeAPI()
	api.set(RoundKey("r1"), 1, roundPayload)
	s := newTestSession(t, api)

	round, err := s.OpenRound(context.Background(), "r1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := round.State()
		return ok
	}, waitFor, time.Millisecond)

	api.voteFn = func(context.Context, string, string) (*party_client.VoteResult, error) {
		round.Close()
		return &party_client.VoteResult{ID: 42, State: &party_client.StateEnvelope{Version: 9, Data: []byte(roundPayload)}}, nil
	}

	_, err = round.Vote(context.Background(), "42", ChoiceA)
	require.NoError(t, err)

	assert.False(t, s.Store().Has(RoundKey("r1")))
	assert.Zero(t, s.Store().Len())
}

func TestSession_WithClock(t *testing.T) {
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)

	api := newFakeAPI()
	api.set(LobbyKey("7"), 1, `{"party_id":7,"standby_count":0,"participation_count":4}`)
	s := newTestSession(t, api, WithClock(clock))

	lobby, err := s.JoinLobby(context.Background(), "7")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := lobby.State()
		return ok
	}, waitFor, time.Millisecond)

	e, ok := s.Store().Snapshot(LobbyKey("7"))
	require.True(t, ok)
	assert.Equal(t, now, e.UpdatedAt)
	require.Eventually(t, func() bool { return lobby.Health().LastDeltaAt.Equal(now) }, waitFor, time.Millisecond)
}
