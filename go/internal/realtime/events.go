package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// EntityType names a kind of synchronized entity.
type EntityType string

const (
	EntityLobby EntityType = "lobby"
	EntityRound EntityType = "round"
)

// EntityKey identifies one synchronized entity.
type EntityKey struct {
	Type EntityType
	ID   string
}

func (k EntityKey) String() string {
	return string(k.Type) + ":" + k.ID
}

// Delta is the normalized form of every inbound message, whatever transport
// delivered it.
type Delta struct {
	EntityType EntityType      `json:"entity_type"` // Entity kind
	EntityID   string          `json:"entity_id"`   // Entity id, numeric ids arrive as strings
	Version    int64           `json:"version"`     // Server version, strictly increasing per entity
	Payload    json.RawMessage `json:"payload"`     // Full entity state
}

// Key returns the entity the delta belongs to.
func (d Delta) Key() EntityKey {
	return EntityKey{Type: d.EntityType, ID: d.EntityID}
}

// ErrMalformedDelta marks messages that cannot be normalized.
var ErrMalformedDelta = errors.New("malformed delta")

type wireDelta struct {
	EntityType EntityType      `json:"entity_type"`
	EntityID   json.RawMessage `json:"entity_id"`
	Version    int64           `json:"version"`
	Payload    json.RawMessage `json:"payload"`
}

// ParseDelta decodes a push message body.
func ParseDelta(data []byte) (Delta, error) {
	var wire wireDelta
	if err := json.Unmarshal(data, &wire); err != nil {
		return Delta{}, fmt.Errorf("%w: %w", ErrMalformedDelta, err)
	}
	id, err := decodeID(wire.EntityID)
	if err != nil {
		return Delta{}, err
	}
	d := Delta{
		EntityType: wire.EntityType,
		EntityID:   id,
		Version:    wire.Version,
		Payload:    wire.Payload,
	}
	if err := d.Validate(); err != nil {
		return Delta{}, err
	}
	return d, nil
}

// Validate checks the fields every delta must carry.
func (d Delta) Validate() error {
	switch {
	case d.EntityType == "":
		return fmt.Errorf("%w: missing entity_type", ErrMalformedDelta)
	case d.EntityID == "":
		return fmt.Errorf("%w: missing entity_id", ErrMalformedDelta)
	case d.Version < 0:
		return fmt.Errorf("%w: negative version %d", ErrMalformedDelta, d.Version)
	case len(bytes.TrimSpace(d.Payload)) == 0:
		return fmt.Errorf("%w: missing payload", ErrMalformedDelta)
	}
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("%w: missing entity_id", ErrMalformedDelta)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: entity_id: %w", ErrMalformedDelta, err)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: entity_id: %w", ErrMalformedDelta, err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return "", fmt.Errorf("%w: entity_id %s is not an integer", ErrMalformedDelta, n)
	}
	return n.String(), nil
}

// Entity is the store's view of one synchronized entity.
type Entity struct {
	Key       EntityKey
	Version   int64
	Payload   json.RawMessage
	UpdatedAt time.Time
	// Amended is set while the payload carries an optimistic local rewrite
	// that no authoritative delta has replaced yet.
	Amended bool
}

// EventKind classifies store notifications.
type EventKind int

const (
	// EventUpdated follows every accepted delta.
	EventUpdated EventKind = iota
	// EventTransition is emitted once per distinct transition marker value,
	// e.g. the lobby naming an active round.
	EventTransition
	// EventAmended follows an optimistic local rewrite.
	EventAmended
)

func (k EventKind) String() string {
	switch k {
	case EventUpdated:
		return "updated"
	case EventTransition:
		return "transition"
	case EventAmended:
		return "amended"
	default:
		return "unknown"
	}
}

// Event is delivered to store subscribers. Payload is shared between
// subscribers and must be treated as read-only.
type Event struct {
	Kind    EventKind
	Key     EntityKey
	Version int64
	Payload json.RawMessage
	// Marker is the transition marker value for EventTransition.
	Marker string
}
