package party_client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Xodls128/partyboom/go/clients"
	"github.com/Xodls128/partyboom/go/internal/realtime"
	"github.com/Xodls128/partyboom/go/internal/syncerr"
)

// PartyClient is the typed client for the party and game API. It doubles as
// the long-poll transport for realtime channels.
type PartyClient struct {
	*clients.BaseClient
}

func NewPartyClient(baseURL string, auth clients.Authorizer) *PartyClient {
	client := &PartyClient{
		BaseClient: clients.NewBaseClient(baseURL),
	}
	if auth != nil {
		client.SetAuthorizer(auth)
	}
	return client
}

// PollPath returns the long-poll endpoint for key.
func PollPath(key realtime.EntityKey) (string, error) {
	switch key.Type {
	case realtime.EntityLobby:
		return fmt.Sprintf(LobbyPollEndpoint, url.PathEscape(key.ID)), nil
	case realtime.EntityRound:
		return fmt.Sprintf(RoundStateEndpoint, url.PathEscape(key.ID)), nil
	default:
		return "", fmt.Errorf("no poll endpoint for entity type %q", key.Type)
	}
}

// PushPath returns the websocket path for key. It satisfies
// realtime.PathFunc.
func PushPath(key realtime.EntityKey) (string, error) {
	switch key.Type {
	case realtime.EntityLobby:
		return fmt.Sprintf(LobbySocketPath, url.PathEscape(key.ID)), nil
	case realtime.EntityRound:
		return fmt.Sprintf(RoundSocketPath, url.PathEscape(key.ID)), nil
	default:
		return "", fmt.Errorf("no socket path for entity type %q", key.Type)
	}
}

// pollResponse covers both answer shapes: round state nests the entity
// under "data", the lobby poll returns its fields next to "version".
type pollResponse struct {
	Version *int64          `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Poll implements realtime.Poller. A 204 means unchanged and returns a nil
// delta. hold is sent as whole seconds; zero omits it.
func (c *PartyClient) Poll(ctx context.Context, key realtime.EntityKey, since int64, hold time.Duration) (*realtime.Delta, error) {
	path, err := PollPath(key)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set(VersionParam, strconv.FormatInt(since, 10))
	if secs := int(hold / time.Second); secs > 0 {
		query.Set(TimeoutParam, strconv.Itoa(secs))
	}

	resp, err := c.Call(ctx, clients.Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if !resp.OK() {
		return nil, clients.StatusErrorFor(path, resp)
	}
	return decodeState(key, path, resp.Body)
}

func decodeState(key realtime.EntityKey, path string, body []byte) (*realtime.Delta, error) {
	var state pollResponse
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", syncerr.ErrNetwork, path, err)
	}
	if state.Version == nil {
		return nil, fmt.Errorf("%w: %s answered without a version", syncerr.ErrNetwork, path)
	}

	payload := state.Data
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage(body)
	}

	d := realtime.Delta{
		EntityType: key.Type,
		EntityID:   key.ID,
		Version:    *state.Version,
		Payload:    payload,
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", syncerr.ErrNetwork, path, err)
	}
	return &d, nil
}
