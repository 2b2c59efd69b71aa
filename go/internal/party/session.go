package party

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Xodls128/partyboom/go/clients/party_client"
	"github.com/Xodls128/partyboom/go/internal/mutation"
	"github.com/Xodls128/partyboom/go/internal/realtime"
	"github.com/Xodls128/partyboom/go/internal/syncerr"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("session closed")

// AuthNotifier raises a signal when credentials are rejected for good.
// *auth.Authority implements it.
type AuthNotifier interface {
	OnAuthRequired(fn func(error)) func()
}

// Config holds configuration for a party session
type Config struct {
	Channel realtime.ChannelConfig
}

// DefaultConfig returns default configuration for a party session
func DefaultConfig() Config {
	return Config{
		Channel: realtime.DefaultChannelConfig(),
	}
}

// Option customizes a Session.
type Option func(*Session)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

func WithMetrics(metrics realtime.MetricsCollector) Option {
	return func(s *Session) { s.metrics = metrics }
}

// WithClock replaces the real clock in the session's store, submitter and
// channels.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Session) { s.clock = clock }
}

// WithStore shares an existing store instead of creating one.
func WithStore(store *realtime.Store) Option {
	return func(s *Session) { s.store = store }
}

// WithAuthNotifier makes the session watch for terminal credential
// rejection; see AuthRequired.
func WithAuthNotifier(notifier AuthNotifier) Option {
	return func(s *Session) { s.notifier = notifier }
}

// Session is the entry point for a signed-in user: it joins lobbies, opens
// rounds and submits votes and standby toggles. All state flows through one
// store; each lobby and round gets its own realtime channel.
type Session struct {
	api       API
	dialer    realtime.PushDialer
	config    Config
	store     *realtime.Store
	submitter *mutation.Submitter
	metrics   realtime.MetricsCollector
	notifier  AuthNotifier
	clock     clockwork.Clock
	logger    zerolog.Logger

	group        errgroup.Group
	authRequired chan struct{}
	authOnce     sync.Once
	unsubAuth    func()

	mu      sync.Mutex
	closed  bool
	lobbies map[string]*Lobby
	rounds  map[string]*Round
}

// NewSession creates a session. dialer may be nil to long-poll only.
func NewSession(api API, dialer realtime.PushDialer, config Config, opts ...Option) *Session {
	s := &Session{
		api:          api,
		dialer:       dialer,
		config:       config,
		metrics:      &realtime.NoOpMetricsCollector{},
		clock:        clockwork.NewRealClock(),
		logger:       log.Logger,
		authRequired: make(chan struct{}),
		lobbies:      make(map[string]*Lobby),
		rounds:       make(map[string]*Round),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "party_session").Logger()
	if s.store == nil {
		s.store = realtime.NewStore(realtime.WithStoreLogger(s.logger), realtime.WithStoreClock(s.clock))
	}
	s.submitter = mutation.NewSubmitter(s.store, mutation.WithLogger(s.logger), mutation.WithClock(s.clock))

	if s.notifier != nil {
		s.unsubAuth = s.notifier.OnAuthRequired(func(err error) {
			s.logger.Error().Err(err).Msg("authentication required")
			s.signalAuthRequired()
		})
	}
	return s
}

// Store returns the session's store.
func (s *Session) Store() *realtime.Store { return s.store }

// Submitter returns the session's mutation submitter.
func (s *Session) Submitter() *mutation.Submitter { return s.submitter }

// AuthRequired is closed once credentials are rejected, either through the
// notifier or by a channel closing with syncerr.ErrAuthExpired.
func (s *Session) AuthRequired() <-chan struct{} { return s.authRequired }

func (s *Session) signalAuthRequired() {
	s.authOnce.Do(func() { close(s.authRequired) })
}

// JoinLobby subscribes to a party's lobby. Joining twice returns the same
// handle. ctx bounds the lobby channel's lifetime.
func (s *Session) JoinLobby(ctx context.Context, partyID string) (*Lobby, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if l, ok := s.lobbies[partyID]; ok {
		s.mu.Unlock()
		return l, nil
	}

	key := LobbyKey(partyID)
	l := &Lobby{
		partyID: partyID,
		session: s,
		channel: s.newChannel(key),
		started: make(map[string]struct{}),
	}
	l.unsubscribe = s.store.Subscribe(key, l.handle)
	s.lobbies[partyID] = l
	s.mu.Unlock()

	if err := s.startChannel(ctx, l.channel); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to join lobby %s: %w", partyID, err)
	}
	s.logger.Info().Str("party_id", partyID).Msg("joined lobby")
	return l, nil
}

// OpenRound subscribes to a game round. Opening twice returns the same
// handle. ctx bounds the round channel's lifetime.
func (s *Session) OpenRound(ctx context.Context, roundID string) (*Round, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if r, ok := s.rounds[roundID]; ok {
		s.mu.Unlock()
		return r, nil
	}

	key := RoundKey(roundID)
	r := &Round{
		roundID: roundID,
		session: s,
		channel: s.newChannel(key),
	}
	r.unsubscribe = s.store.Subscribe(key, r.handle)
	s.rounds[roundID] = r
	s.mu.Unlock()

	if err := s.startChannel(ctx, r.channel); err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to open round %s: %w", roundID, err)
	}
	s.logger.Info().Str("round_id", roundID).Msg("opened round")
	return r, nil
}

// ActiveRound asks the server for the party's running round. ok is false
// when there is none.
func (s *Session) ActiveRound(ctx context.Context, partyID string) (roundID string, ok bool, err error) {
	roundID, err = s.api.ActiveRound(ctx, partyID)
	if errors.Is(err, syncerr.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return roundID, roundID != "", nil
}

// Follow joins a party's lobby and opens each round the party starts,
// handing it to onRound. A round already running when Follow is called is
// opened right away.
func (s *Session) Follow(ctx context.Context, partyID string, onRound func(*Round)) (*Lobby, error) {
	lobby, err := s.JoinLobby(ctx, partyID)
	if err != nil {
		return nil, err
	}

	// Store callbacks must not re-enter the store, so rounds open off the
	// notifying goroutine.
	lobby.OnGameStart(func(roundID string) {
		s.spawn(func() error {
			return s.followRound(ctx, partyID, roundID, onRound)
		})
	})

	roundID, ok, err := s.ActiveRound(ctx, partyID)
	if err != nil {
		s.logger.Warn().Err(err).Str("party_id", partyID).Msg("failed to check for an active round")
	} else if ok {
		lobby.gameStarted(roundID)
	}
	return lobby, nil
}

func (s *Session) followRound(ctx context.Context, partyID, roundID string, onRound func(*Round)) error {
	s.logger.Info().Str("party_id", partyID).Str("round_id", roundID).Msg("game started")

	round, err := s.OpenRound(ctx, roundID)
	if errors.Is(err, ErrSessionClosed) || ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return err
	}
	if onRound != nil {
		onRound(round)
	}
	return nil
}

// Close closes every lobby and round, discards their state and waits for
// pending round openings.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	lobbies := make([]*Lobby, 0, len(s.lobbies))
	for _, l := range s.lobbies {
		lobbies = append(lobbies, l)
	}
	rounds := make([]*Round, 0, len(s.rounds))
	for _, r := range s.rounds {
		rounds = append(rounds, r)
	}
	s.mu.Unlock()

	if s.unsubAuth != nil {
		s.unsubAuth()
	}
	for _, l := range lobbies {
		l.Close()
	}
	for _, r := range rounds {
		r.Close()
	}

	err := s.group.Wait()
	s.logger.Info().Msg("session closed")
	return err
}

// spawn runs fn in the session's group unless the session is closed. Close
// marks the session closed before waiting, so nothing is added mid-wait.
func (s *Session) spawn(fn func() error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.group.Go(fn)
	return true
}

func (s *Session) newChannel(key realtime.EntityKey) *realtime.Channel {
	return realtime.NewChannel(key, s.store, s.dialer, s.api, s.config.Channel,
		realtime.WithLogger(s.logger),
		realtime.WithMetrics(s.metrics),
		realtime.WithClock(s.clock),
	)
}

func (s *Session) startChannel(ctx context.Context, ch *realtime.Channel) error {
	ch.OnStateChange(func(_, to realtime.State) {
		if to == realtime.StateClosed && errors.Is(ch.Err(), syncerr.ErrAuthExpired) {
			s.signalAuthRequired()
		}
	})
	return ch.Start(ctx)
}

func (s *Session) forgetLobby(partyID string, l *Lobby) {
	s.mu.Lock()
	if s.lobbies[partyID] == l {
		delete(s.lobbies, partyID)
	}
	s.mu.Unlock()
}

func (s *Session) forgetRound(roundID string, r *Round) {
	s.mu.Lock()
	if s.rounds[roundID] == r {
		delete(s.rounds, roundID)
	}
	s.mu.Unlock()
}

// Lobby is a joined party lobby.
type Lobby struct {
	partyID     string
	session     *Session
	channel     *realtime.Channel
	unsubscribe func()
	closeOnce   sync.Once

	mu          sync.Mutex
	started     map[string]struct{}
	onUpdate    []func(LobbyState)
	onGameStart []func(roundID string)
}

func (l *Lobby) PartyID() string               { return l.partyID }
func (l *Lobby) Channel() *realtime.Channel    { return l.channel }
func (l *Lobby) Health() realtime.HealthStatus { return l.channel.Health() }

// State returns the held lobby state.
func (l *Lobby) State() (LobbyState, bool) {
	e, ok := l.session.store.Snapshot(LobbyKey(l.partyID))
	if !ok {
		return LobbyState{}, false
	}
	state, err := DecodeLobby(e.Payload)
	if err != nil {
		return LobbyState{}, false
	}
	state.Version = e.Version
	return state, true
}

// OnUpdate registers fn for every lobby state change, including local
// amends after a standby toggle.
func (l *Lobby) OnUpdate(fn func(LobbyState)) {
	l.mu.Lock()
	l.onUpdate = append(l.onUpdate, fn)
	l.mu.Unlock()
}

// OnGameStart registers fn for round starts. Each round id is reported
// once, whether it arrived as a lobby transition or in a toggle answer.
// Rounds that started before fn was registered are reported right away.
func (l *Lobby) OnGameStart(fn func(roundID string)) {
	l.mu.Lock()
	l.onGameStart = append(l.onGameStart, fn)
	started := make([]string, 0, len(l.started))
	for roundID := range l.started {
		started = append(started, roundID)
	}
	l.mu.Unlock()

	for _, roundID := range started {
		fn(roundID)
	}
}

// ToggleStandby flips the user's standby flag. A second call while the
// first is in flight fails with syncerr.ErrAlreadyPending.
func (l *Lobby) ToggleStandby(ctx context.Context) (*party_client.ToggleResult, error) {
	action := ToggleStandby(l.session.api, l.partyID)
	if _, err := l.session.submitter.Submit(ctx, action.Key, action.Action); err != nil {
		return nil, err
	}
	if action.Result.GameCreated() {
		l.gameStarted(action.Result.RoundID)
	}
	return action.Result, nil
}

// Close leaves the lobby and discards its state. It is idempotent.
func (l *Lobby) Close() {
	l.closeOnce.Do(func() {
		l.unsubscribe()
		_ = l.channel.Close()
		l.session.store.Discard(LobbyKey(l.partyID))
		l.session.forgetLobby(l.partyID, l)
	})
}

func (l *Lobby) handle(ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventTransition:
		l.gameStarted(ev.Marker)
	case realtime.EventUpdated, realtime.EventAmended:
		state, err := DecodeLobby(ev.Payload)
		if err != nil {
			l.session.logger.Warn().Err(err).Str("party_id", l.partyID).Msg("skipping undecodable lobby state")
			return
		}
		state.Version = ev.Version

		l.mu.Lock()
		fns := append([]func(LobbyState){}, l.onUpdate...)
		l.mu.Unlock()
		for _, fn := range fns {
			fn(state)
		}
	}
}

func (l *Lobby) gameStarted(roundID string) {
	l.mu.Lock()
	if _, seen := l.started[roundID]; seen || roundID == "" {
		l.mu.Unlock()
		return
	}
	l.started[roundID] = struct{}{}
	fns := append([]func(string){}, l.onGameStart...)
	l.mu.Unlock()

	for _, fn := range fns {
		fn(roundID)
	}
}

// Round is an open game round.
type Round struct {
	roundID     string
	session     *Session
	channel     *realtime.Channel
	unsubscribe func()
	closeOnce   sync.Once

	mu       sync.Mutex
	onUpdate []func(RoundState)
}

func (r *Round) ID() string                    { return r.roundID }
func (r *Round) Channel() *realtime.Channel    { return r.channel }
func (r *Round) Health() realtime.HealthStatus { return r.channel.Health() }

// State returns the held round state.
func (r *Round) State() (RoundState, bool) {
	e, ok := r.session.store.Snapshot(RoundKey(r.roundID))
	if !ok {
		return RoundState{}, false
	}
	state, err := DecodeRound(e.Payload)
	if err != nil {
		return RoundState{}, false
	}
	state.Version = e.Version
	return state, true
}

// OnUpdate registers fn for every round state change.
func (r *Round) OnUpdate(fn func(RoundState)) {
	r.mu.Lock()
	r.onUpdate = append(r.onUpdate, fn)
	r.mu.Unlock()
}

// Vote casts choice on a question. A question already marked voted in the
// held state fails with syncerr.ErrConflict without a request; a vote still
// in flight fails with syncerr.ErrAlreadyPending.
func (r *Round) Vote(ctx context.Context, questionID string, choice Choice) (*party_client.VoteResult, error) {
	if state, ok := r.State(); ok {
		if q, ok := state.Question(questionID); ok && q.HasVoted {
			return nil, fmt.Errorf("question %s: %w: already voted", questionID, syncerr.ErrConflict)
		}
	}

	action := CastVote(r.session.api, r.roundID, questionID, choice)
	if _, err := r.session.submitter.Submit(ctx, action.Key, action.Action); err != nil {
		return nil, err
	}
	return action.Result, nil
}

// Close leaves the round and discards its state. It is idempotent.
func (r *Round) Close() {
	r.closeOnce.Do(func() {
		r.unsubscribe()
		_ = r.channel.Close()
		r.session.store.Discard(RoundKey(r.roundID))
		r.session.forgetRound(r.roundID, r)
	})
}

func (r *Round) handle(ev realtime.Event) {
	if ev.Kind != realtime.EventUpdated && ev.Kind != realtime.EventAmended {
		return
	}
	state, err := DecodeRound(ev.Payload)
	if err != nil {
		r.session.logger.Warn().Err(err).Str("round_id", r.roundID).Msg("skipping undecodable round state")
		return
	}
	state.Version = ev.Version

	r.mu.Lock()
	fns := append([]func(RoundState){}, r.onUpdate...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}
