package party

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Choice is a side of a balance question.
type Choice string

const (
	ChoiceA Choice = "A"
	ChoiceB Choice = "B"
)

// ParseChoice accepts "a", "A", "b" or "B".
func ParseChoice(s string) (Choice, error) {
	switch Choice(strings.ToUpper(strings.TrimSpace(s))) {
	case ChoiceA:
		return ChoiceA, nil
	case ChoiceB:
		return ChoiceB, nil
	default:
		return "", fmt.Errorf("invalid choice %q, want A or B", s)
	}
}

// ID is a server identifier sent either as a JSON string (round UUIDs) or
// a number (parties, questions). Null decodes to "".
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// LobbyState is the waiting-room view of a party.
type LobbyState struct {
	Version            int64 `json:"-"`
	PartyID            ID    `json:"party_id"`
	StandbyCount       int   `json:"standby_count"`
	ParticipationCount int   `json:"participation_count"`
	ActiveRoundID      ID    `json:"active_round_id"`
	IsStandby          bool  `json:"is_standby"`
}

// Majority reports whether more than half the participants are on standby,
// the server's condition for starting a round.
func (s LobbyState) Majority() bool {
	return s.ParticipationCount > 0 && s.StandbyCount*2 > s.ParticipationCount
}

// RoundState is one balance game round and its questions.
type RoundState struct {
	Version   int64      `json:"-"`
	ID        ID         `json:"id"`
	Party     ID         `json:"party"`
	IsActive  bool       `json:"is_active"`
	Questions []Question `json:"questions"`
}

// Question looks up a question by id.
func (r RoundState) Question(id string) (Question, bool) {
	for _, q := range r.Questions {
		if string(q.ID) == id {
			return q, true
		}
	}
	return Question{}, false
}

// Question is a single A/B prompt with its tallies.
type Question struct {
	ID         ID     `json:"id"`
	Order      int    `json:"order"`
	AText      string `json:"a_text"`
	BText      string `json:"b_text"`
	VoteACount int    `json:"vote_a_count"`
	VoteBCount int    `json:"vote_b_count"`
	HasVoted   bool   `json:"has_voted"`
	MyChoice   Choice `json:"my_choice,omitempty"`
}

// Total returns the number of votes cast.
func (q Question) Total() int {
	return q.VoteACount + q.VoteBCount
}

// DecodeLobby decodes a lobby payload.
func DecodeLobby(payload json.RawMessage) (LobbyState, error) {
	var s LobbyState
	if err := json.Unmarshal(payload, &s); err != nil {
		return LobbyState{}, fmt.Errorf("failed to decode lobby state: %w", err)
	}
	return s, nil
}

// DecodeRound decodes a round payload.
func DecodeRound(payload json.RawMessage) (RoundState, error) {
	var s RoundState
	if err := json.Unmarshal(payload, &s); err != nil {
		return RoundState{}, fmt.Errorf("failed to decode round state: %w", err)
	}
	return s, nil
}
