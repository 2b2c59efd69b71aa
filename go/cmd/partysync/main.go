package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Xodls128/partyboom/go/clients/party_client"
	"github.com/Xodls128/partyboom/go/internal/auth"
	"github.com/Xodls128/partyboom/go/internal/config"
	"github.com/Xodls128/partyboom/go/internal/party"
	"github.com/Xodls128/partyboom/go/internal/realtime"
	"github.com/Xodls128/partyboom/go/internal/syncerr"
)

const appName = "partysync"

// errAuthRequired ends the process when credentials are rejected for good.
var errAuthRequired = errors.New("authentication required, sign in again")

type options struct {
	configPath string
	partyID    string
	roundID    string
	votes      []vote
	standby    bool
}

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(opts); err != nil {
		if errors.Is(err, errAuthRequired) {
			log.Error().Err(err).Msg("stopping")
			os.Exit(3)
		}
		log.Fatal().Err(err).Msg("partysync failed")
	}
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	var opts options
	var votes string
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML or TOML config file")
	fs.StringVar(&opts.partyID, "party", "", "party id to follow")
	fs.StringVar(&opts.roundID, "round", "", "round id to open directly")
	fs.StringVar(&votes, "vote", "", "votes to cast, e.g. 42=A,43=B")
	fs.BoolVar(&opts.standby, "standby", false, "toggle standby after joining the lobby")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if opts.partyID == "" && opts.roundID == "" {
		return options{}, errors.New("one of -party or -round is required")
	}
	if opts.standby && opts.partyID == "" {
		return options{}, errors.New("-standby needs -party")
	}
	parsed, err := parseVotes(votes)
	if err != nil {
		return options{}, err
	}
	opts.votes = parsed
	return opts, nil
}

func run(opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	setupLogging(cfg.Log)
	displayAppname(appName)

	log.Info().
		Str("api", cfg.API.BaseURL).
		Str("push", cfg.Push.Transport).
		Int("fallback_after", cfg.Reconnect.FallbackAfter).
		Msg("starting sync client")

	authority := setupAuthority(cfg)
	client := party_client.NewPartyClient(cfg.API.BaseURL, authority)
	client.SetHeader("User-Agent", cfg.API.UserAgent)
	client.SetTimeout(httpTimeout(cfg))

	dialer, err := setupDialer(cfg, authority)
	if err != nil {
		return err
	}

	session := party.NewSession(client, dialer, sessionConfig(cfg),
		party.WithAuthNotifier(authority),
		party.WithMetrics(realtime.NewLogMetrics(log.Logger)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := refreshCredentials(ctx, authority, cfg.Auth); err != nil {
		if errors.Is(err, syncerr.ErrAuthExpired) {
			_ = session.Close()
			return errAuthRequired
		}
		log.Warn().Err(err).Msg("could not refresh credentials before connecting")
	}
	g, gctx := errgroup.WithContext(ctx)

	onRound := func(round *party.Round) {
		round.OnUpdate(logRound)
		if len(opts.votes) > 0 {
			g.Go(func() error { return castVotes(gctx, round, opts.votes) })
		}
	}

	if opts.partyID != "" {
		lobby, err := session.Follow(gctx, opts.partyID, onRound)
		if err != nil {
			_ = session.Close()
			return err
		}
		lobby.OnUpdate(logLobby)
		g.Go(func() error { return reportHealth(gctx, lobby) })

		if opts.standby {
			g.Go(func() error { return toggleStandby(gctx, lobby) })
		}
	}
	if opts.roundID != "" {
		round, err := session.OpenRound(gctx, opts.roundID)
		if err != nil {
			_ = session.Close()
			return err
		}
		onRound(round)
	}

	var result error
	select {
	case <-gctx.Done():
		log.Info().Msg("shutting down")
	case <-session.AuthRequired():
		result = errAuthRequired
	}
	stop()

	if err := session.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close session")
	}
	if err := g.Wait(); err != nil && result == nil && !errors.Is(err, context.Canceled) {
		result = err
	}
	if errors.Is(result, syncerr.ErrAuthExpired) {
		result = errAuthRequired
	}
	return result
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func displayAppname(name string) {
	myFigure := figure.NewFigure(name, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}

func setupAuthority(cfg config.Config) *auth.Authority {
	exchanger := auth.NewHTTPExchanger(cfg.API.BaseURL, cfg.Auth.RefreshPath, &http.Client{Timeout: cfg.API.RequestTimeout.Std()})
	exchanger.SetUserAgent(cfg.API.UserAgent)

	authority := auth.NewAuthority(exchanger, auth.Config{
		RenewTimeout: cfg.Auth.RenewTimeout.Std(),
		ExpirySkew:   cfg.Auth.ExpirySkew.Std(),
	}, auth.WithLogger(log.Logger))

	if cfg.Auth.AccessToken != "" || cfg.Auth.RefreshToken != "" {
		authority.SetCredentials(cfg.Auth.AccessToken, cfg.Auth.RefreshToken)
	} else {
		log.Warn().Msg("no credentials configured, requests are anonymous")
	}
	return authority
}

// httpTimeout bounds each API call. It is always longer than the long-poll
// deadline, so a poll that runs out is cut by its own context and counts as
// unchanged.
func httpTimeout(cfg config.Config) time.Duration {
	if cfg.Poll.ClientTimeout > 0 {
		return cfg.Poll.ClientTimeout.Std() + cfg.API.RequestTimeout.Std()
	}
	return cfg.Poll.Hold.Std() + cfg.API.RequestTimeout.Std()
}

// refreshCredentials renews the access token before any channel opens when
// only a refresh token is configured or the access token is close to expiry.
func refreshCredentials(ctx context.Context, authority *auth.Authority, cfg config.AuthConfig) error {
	if _, ok := authority.AccessToken(); !ok {
		if cfg.RefreshToken == "" {
			return nil
		}
		_, err := authority.Renew(ctx)
		return err
	}
	tok, err := authority.TokenSource(ctx).Token()
	if err != nil {
		return err
	}
	if !tok.Expiry.IsZero() {
		log.Debug().Time("expires_at", tok.Expiry).Msg("access token ready")
	}
	return nil
}

func setupDialer(cfg config.Config, authority realtime.Authorizer) (realtime.PushDialer, error) {
	switch cfg.Push.Transport {
	case config.TransportWebSocket:
		wsConfig := realtime.DefaultWebSocketConfig()
		wsConfig.BaseURL = cfg.Push.WebSocketURL
		wsConfig.HandshakeTimeout = cfg.Push.HandshakeTimeout.Std()
		wsConfig.ReadTimeout = cfg.Push.ReadTimeout.Std()
		wsConfig.PingInterval = cfg.Push.PingInterval.Std()
		wsConfig.MaxMessageSize = cfg.Push.MaxMessageSize
		return realtime.NewWebSocketDialer(wsConfig, authority, party_client.PushPath), nil
	case config.TransportNATS:
		natsConfig := realtime.DefaultNATSConfig()
		natsConfig.URL = cfg.Push.NATSURL
		natsConfig.SubjectPrefix = cfg.Push.SubjectPrefix
		natsConfig.ConnectTimeout = cfg.Push.HandshakeTimeout.Std()
		return realtime.NewNATSDialer(natsConfig, authority), nil
	case config.TransportNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown push transport %q", cfg.Push.Transport)
	}
}

func sessionConfig(cfg config.Config) party.Config {
	return party.Config{
		Channel: realtime.ChannelConfig{
			ReconnectBase:     cfg.Reconnect.Base.Std(),
			ReconnectCap:      cfg.Reconnect.Cap.Std(),
			FallbackAfter:     cfg.Reconnect.FallbackAfter,
			PushRetryInterval: cfg.Reconnect.PushRetryInterval.Std(),
			PollHold:          cfg.Poll.Hold.Std(),
			PollTimeout:       cfg.Poll.ClientTimeout.Std(),
			UnavailableAfter:  cfg.Poll.UnavailableAfter,
		},
	}
}

func logLobby(state party.LobbyState) {
	log.Info().
		Int64("version", state.Version).
		Int("standby", state.StandbyCount).
		Int("participants", state.ParticipationCount).
		Bool("is_standby", state.IsStandby).
		Str("active_round", state.ActiveRoundID.String()).
		Msg("lobby")
}

func logRound(state party.RoundState) {
	for _, q := range state.Questions {
		log.Info().
			Int64("version", state.Version).
			Str("question", q.ID.String()).
			Str("a", q.AText).
			Int("a_votes", q.VoteACount).
			Str("b", q.BText).
			Int("b_votes", q.VoteBCount).
			Bool("voted", q.HasVoted).
			Msg("round")
	}
}

func toggleStandby(ctx context.Context, lobby *party.Lobby) error {
	result, err := lobby.ToggleStandby(ctx)
	switch {
	case errors.Is(err, syncerr.ErrAuthExpired):
		return err
	case err != nil:
		log.Error().Err(err).Str("party_id", lobby.PartyID()).Msg("failed to toggle standby")
		return nil
	}
	log.Info().
		Bool("is_standby", result.IsStandby).
		Bool("game_created", result.GameCreated()).
		Msg("standby toggled")
	return nil
}

// castVotes waits for the round's first state, then casts each vote once.
func castVotes(ctx context.Context, round *party.Round, votes []vote) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, ok := round.State(); ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}

	for _, v := range votes {
		result, err := round.Vote(ctx, v.questionID, v.choice)
		switch {
		case errors.Is(err, syncerr.ErrAuthExpired):
			return err
		case errors.Is(err, syncerr.ErrConflict):
			log.Info().Str("question", v.questionID).Msg("already voted")
		case err != nil:
			log.Error().Err(err).Str("question", v.questionID).Msg("vote failed")
		default:
			log.Info().
				Str("question", v.questionID).
				Str("choice", string(v.choice)).
				Int("a_votes", result.VoteACount).
				Int("b_votes", result.VoteBCount).
				Msg("vote cast")
		}
	}
	return nil
}

func reportHealth(ctx context.Context, lobby *party.Lobby) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	var last bool
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lobby.Channel().Done():
			return lobby.Channel().Err()
		case <-ticker.C:
			last = logHealth("lobby", lobby, last)
		}
	}
}

// logHealth logs a channel's health and reports whether it is unavailable.
// The first unavailable report after a healthy one is logged as an error.
func logHealth(name string, checker realtime.HealthChecker, wasUnavailable bool) bool {
	health := checker.Health()
	if health.Unavailable && !wasUnavailable {
		log.Error().Str("channel", name).Str("last_error", health.LastError).Msg("sync unavailable")
	}
	log.Debug().
		Str("channel", name).
		Str("state", health.State.String()).
		Str("transport", health.Transport).
		Uint64("deltas", health.DeltasApplied).
		Msg("channel health")
	return health.Unavailable
}
