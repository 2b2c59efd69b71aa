package party_client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/Xodls128/partyboom/go/internal/realtime"
)

// ToggleResult is the answer to a standby toggle. When the toggle tipped
// the party over the majority, Status is StatusGameCreated and RoundID is
// the new round.
type ToggleResult struct {
	PartyID            json.Number    `json:"party_id"`
	UserID             json.Number    `json:"user_id"`
	IsStandby          bool           `json:"is_standby"`
	ParticipationCount int            `json:"participation_count"`
	StandbyCount       int            `json:"standby_count"`
	Status             string         `json:"status"`
	RoundID            string         `json:"round_id"`
	State              *StateEnvelope `json:"state"`
}

// GameCreated reports whether the toggle started a round.
func (r ToggleResult) GameCreated() bool {
	return r.Status == StatusGameCreated && r.RoundID != ""
}

// VoteResult is the voted question with its updated tallies.
type VoteResult struct {
	ID         int64          `json:"id"`
	Order      int            `json:"order"`
	AText      string         `json:"a_text"`
	BText      string         `json:"b_text"`
	VoteACount int            `json:"vote_a_count"`
	VoteBCount int            `json:"vote_b_count"`
	State      *StateEnvelope `json:"state"`
}

// StateEnvelope is an authoritative entity state some mutations attach.
type StateEnvelope struct {
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Delta converts the envelope into a delta for key. It returns nil when the
// envelope carries no data.
func (e *StateEnvelope) Delta(key realtime.EntityKey) *realtime.Delta {
	if e == nil || len(e.Data) == 0 {
		return nil
	}
	return &realtime.Delta{EntityType: key.Type, EntityID: key.ID, Version: e.Version, Payload: e.Data}
}

type voteRequest struct {
	Choice string `json:"choice"`
}

type activeRoundResponse struct {
	RoundID json.RawMessage `json:"round_id"`
}

// ToggleStandby flips the caller's standby flag in the party's lobby.
func (c *PartyClient) ToggleStandby(ctx context.Context, partyID string) (*ToggleResult, error) {
	endpoint := fmt.Sprintf(ToggleStandbyEndpoint, url.PathEscape(partyID))

	var result ToggleResult
	if err := c.PostJSON(ctx, endpoint, struct{}{}, &result); err != nil {
		return nil, fmt.Errorf("failed to toggle standby: %w", err)
	}
	return &result, nil
}

// CastVote records choice ("A" or "B") for a question.
func (c *PartyClient) CastVote(ctx context.Context, questionID, choice string) (*VoteResult, error) {
	endpoint := fmt.Sprintf(CastVoteEndpoint, url.PathEscape(questionID))

	var result VoteResult
	if err := c.PostJSON(ctx, endpoint, voteRequest{Choice: choice}, &result); err != nil {
		return nil, fmt.Errorf("failed to cast vote: %w", err)
	}
	return &result, nil
}

// ActiveRound returns the party's running round id. A party without one
// answers 404, surfaced as syncerr.ErrNotFound.
func (c *PartyClient) ActiveRound(ctx context.Context, partyID string) (string, error) {
	endpoint := fmt.Sprintf(ActiveRoundEndpoint, url.PathEscape(partyID))

	var response activeRoundResponse
	if err := c.GetJSON(ctx, endpoint, &response); err != nil {
		return "", fmt.Errorf("failed to get active round: %w", err)
	}

	var id string
	if err := json.Unmarshal(response.RoundID, &id); err == nil {
		return id, nil
	}
	var n int64
	if err := json.Unmarshal(response.RoundID, &n); err != nil {
		return "", fmt.Errorf("failed to decode round id %s: %w", string(response.RoundID), err)
	}
	return strconv.FormatInt(n, 10), nil
}
