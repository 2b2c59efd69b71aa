package party_client

const (
	// REST endpoints; %s is the party, round or question id.
	LobbyPollEndpoint     = "/api/v1/standby/%s/poll/"
	RoundStateEndpoint    = "/api/v1/game/rounds/%s/state/"
	ToggleStandbyEndpoint = "/api/v1/standby/%s/toggle/"
	CastVoteEndpoint      = "/api/v1/game/questions/%s/vote/"
	ActiveRoundEndpoint   = "/api/v1/game/parties/%s/active-round/"

	// Push endpoints
	LobbySocketPath = "/ws/party/%s/"
	RoundSocketPath = "/ws/game/round/%s/"

	// Query parameters
	VersionParam = "version"
	TimeoutParam = "timeout"

	// Toggle outcomes
	StatusGameCreated = "game_created"
)
