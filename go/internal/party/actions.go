package party

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Xodls128/partyboom/go/clients/party_client"
	"github.com/Xodls128/partyboom/go/internal/mutation"
	"github.com/Xodls128/partyboom/go/internal/realtime"
)

// API is the part of the party REST client the actions and session use.
type API interface {
	realtime.Poller
	ToggleStandby(ctx context.Context, partyID string) (*party_client.ToggleResult, error)
	CastVote(ctx context.Context, questionID, choice string) (*party_client.VoteResult, error)
	ActiveRound(ctx context.Context, partyID string) (string, error)
}

func LobbyKey(partyID string) realtime.EntityKey {
	return realtime.EntityKey{Type: realtime.EntityLobby, ID: partyID}
}

func RoundKey(roundID string) realtime.EntityKey {
	return realtime.EntityKey{Type: realtime.EntityRound, ID: roundID}
}

// VoteKey is the mutation key of a vote on a question.
func VoteKey(questionID string) string {
	return mutation.Key("vote", "question", questionID)
}

// StandbyKey is the mutation key of a standby toggle in a party.
func StandbyKey(partyID string) string {
	return mutation.Key("standby", "party", partyID)
}

// VoteAction is a prepared vote. Result is set once the server accepts it.
type VoteAction struct {
	Key    string
	Action mutation.Action
	Result *party_client.VoteResult
}

// CastVote prepares a vote for choice on a question of a round. Once
// accepted, the question is marked voted locally. Tallies only change
// through versioned state.
func CastVote(api API, roundID, questionID string, choice Choice) *VoteAction {
	v := &VoteAction{Key: VoteKey(questionID)}
	target := RoundKey(roundID)

	v.Action = mutation.Action{
		Name: "vote",
		Execute: func(ctx context.Context) (*realtime.Delta, error) {
			result, err := api.CastVote(ctx, questionID, string(choice))
			if err != nil {
				return nil, err
			}
			v.Result = result
			return result.State.Delta(target), nil
		},
		Target: target,
		Amend: func(payload json.RawMessage) (json.RawMessage, error) {
			return amendQuestion(payload, questionID, func(q map[string]json.RawMessage) error {
				q["has_voted"] = json.RawMessage(`true`)
				return setField(q, "my_choice", choice)
			})
		},
	}
	return v
}

// StandbyAction is a prepared standby toggle.
type StandbyAction struct {
	Key    string
	Action mutation.Action
	Result *party_client.ToggleResult
}

// ToggleStandby prepares a standby toggle for a party. Once accepted, the
// user's own standby flag is updated locally. Counts and the active round
// only change through versioned state.
func ToggleStandby(api API, partyID string) *StandbyAction {
	s := &StandbyAction{Key: StandbyKey(partyID)}
	target := LobbyKey(partyID)

	s.Action = mutation.Action{
		Name: "standby",
		Execute: func(ctx context.Context) (*realtime.Delta, error) {
			result, err := api.ToggleStandby(ctx, partyID)
			if err != nil {
				return nil, err
			}
			s.Result = result
			return result.State.Delta(target), nil
		},
		Target: target,
		Amend: func(payload json.RawMessage) (json.RawMessage, error) {
			r := s.Result
			if r == nil || r.GameCreated() {
				return payload, nil
			}
			fields, err := decodeObject(payload)
			if err != nil {
				return nil, err
			}
			if err := setField(fields, "is_standby", r.IsStandby); err != nil {
				return nil, err
			}
			return json.Marshal(fields)
		},
	}
	return s
}

func amendQuestion(payload json.RawMessage, questionID string, fn func(q map[string]json.RawMessage) error) (json.RawMessage, error) {
	round, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}

	var questions []map[string]json.RawMessage
	if raw, ok := round["questions"]; ok {
		if err := json.Unmarshal(raw, &questions); err != nil {
			return nil, fmt.Errorf("failed to decode questions: %w", err)
		}
	}

	found := false
	for _, q := range questions {
		var id ID
		if err := json.Unmarshal(q["id"], &id); err != nil || string(id) != questionID {
			continue
		}
		if err := fn(q); err != nil {
			return nil, err
		}
		found = true
		break
	}
	if !found {
		return payload, nil
	}

	if err := setField(round, "questions", questions); err != nil {
		return nil, err
	}
	return json.Marshal(round)
}

func decodeObject(payload json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	return fields, nil
}

func setField(fields map[string]json.RawMessage, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	fields[name] = raw
	return nil
}
