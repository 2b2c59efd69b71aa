package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Xodls128/partyboom/go/internal/realtime"
	"github.com/Xodls128/partyboom/go/internal/syncerr"
)

// Status of a mutation.
type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
)

// Key builds a mutation key from the action and the entity it targets,
// e.g. Key("vote", "question", "42") is "vote:question:42".
func Key(action, entityType, entityID string) string {
	return fmt.Sprintf("%s:%s:%s", action, entityType, entityID)
}

// Action is one user intent.
type Action struct {
	Name string

	// Execute performs the network call. It may return the authoritative
	// state the server attached to its answer.
	Execute func(ctx context.Context) (*realtime.Delta, error)

	// Target is the entity Amend rewrites after a successful Execute.
	Target realtime.EntityKey

	// Amend applies the optimistic local effect, e.g. has_voted=true. It
	// keeps the held version so the next authoritative delta replaces it.
	Amend func(payload json.RawMessage) (json.RawMessage, error)
}

// Pending describes a mutation that has been sent and not yet answered.
type Pending struct {
	Key         string
	Name        string
	SubmittedAt time.Time
	Status      Status
}

// Outcome describes a settled mutation.
type Outcome struct {
	Key         string
	Name        string
	SubmittedAt time.Time
	SettledAt   time.Time
	Delta       *realtime.Delta
	Applied     bool // Delta was newer than the held state
	Amended     bool
}

// Option customizes a Submitter.
type Option func(*Submitter)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Submitter) { s.clock = clock }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Submitter) { s.logger = logger }
}

// Submitter sends each user intent at most once at a time. A second submit
// for a key that is still pending fails with syncerr.ErrAlreadyPending
// without touching the network.
type Submitter struct {
	store  *realtime.Store
	clock  clockwork.Clock
	logger zerolog.Logger

	// Track in-flight mutations to prevent duplicate submissions
	inFlight   map[string]*Pending
	inFlightMu sync.Mutex
}

// NewSubmitter creates a submitter that reconciles results into store.
// store may be nil when results need no local effect.
func NewSubmitter(store *realtime.Store, opts ...Option) *Submitter {
	s := &Submitter{
		store:    store,
		clock:    clockwork.NewRealClock(),
		logger:   log.Logger,
		inFlight: make(map[string]*Pending),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "mutation_submitter").Logger()
	return s
}

// Submit runs action under key. The pending mark is cleared when Execute
// returns, whether it succeeded or not, so the user can retry deliberately.
// On success the attached delta (if any) is applied through the store's
// version check and then the optimistic amend runs.
func (s *Submitter) Submit(ctx context.Context, key string, action Action) (Outcome, error) {
	if action.Execute == nil {
		return Outcome{}, fmt.Errorf("mutation %s has no Execute", key)
	}

	s.inFlightMu.Lock()
	if _, busy := s.inFlight[key]; busy {
		s.inFlightMu.Unlock()
		s.logger.Debug().Str("key", key).Msg("skipping mutation already in flight")
		return Outcome{}, fmt.Errorf("%s: %w", key, syncerr.ErrAlreadyPending)
	}
	submittedAt := s.clock.Now()
	s.inFlight[key] = &Pending{Key: key, Name: action.Name, SubmittedAt: submittedAt, Status: StatusPending}
	s.inFlightMu.Unlock()

	defer func() {
		s.inFlightMu.Lock()
		delete(s.inFlight, key)
		s.inFlightMu.Unlock()
	}()

	s.logger.Debug().Str("key", key).Str("action", action.Name).Msg("submitting mutation")

	delta, err := action.Execute(ctx)
	outcome := Outcome{
		Key:         key,
		Name:        action.Name,
		SubmittedAt: submittedAt,
		SettledAt:   s.clock.Now(),
		Delta:       delta,
	}
	if err != nil {
		err = syncerr.Classify(err)
		s.logger.Warn().
			Err(err).
			Str("key", key).
			Str("action", action.Name).
			Dur("elapsed", outcome.SettledAt.Sub(submittedAt)).
			Msg("mutation failed")
		return outcome, err
	}

	if s.store != nil {
		if delta != nil {
			outcome.Applied = s.store.Apply(*delta)
		}
		if action.Amend != nil {
			amended, err := s.store.Amend(action.Target, action.Amend)
			if err != nil {
				// The server accepted the mutation; only the local echo failed.
				s.logger.Error().Err(err).Str("key", key).Msg("failed to amend local state")
			}
			outcome.Amended = amended
		}
	}

	s.logger.Info().
		Str("key", key).
		Str("action", action.Name).
		Bool("applied", outcome.Applied).
		Bool("amended", outcome.Amended).
		Dur("elapsed", outcome.SettledAt.Sub(submittedAt)).
		Msg("mutation settled")
	return outcome, nil
}

// Pending reports the in-flight mutation for key, if any.
func (s *Submitter) Pending(key string) (Pending, bool) {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	p, ok := s.inFlight[key]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// PendingKeys lists in-flight keys in sorted order.
func (s *Submitter) PendingKeys() []string {
	s.inFlightMu.Lock()
	keys := make([]string, 0, len(s.inFlight))
	for key := range s.inFlight {
		keys = append(keys, key)
	}
	s.inFlightMu.Unlock()

	sort.Strings(keys)
	return keys
}
