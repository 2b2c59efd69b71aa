package party_client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xodls128/partyboom/go/internal/realtime"
	"github.com/Xodls128/partyboom/go/internal/syncerr"
)

var (
	lobbyKey = realtime.EntityKey{Type: realtime.EntityLobby, ID: "7"}
	roundKey = realtime.EntityKey{Type: realtime.EntityRound, ID: "3f1c"}
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *PartyClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewPartyClient(srv.URL, nil)
	client.SetLogger(zerolog.Nop())
	return client
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestPoll_LobbyFlatBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/standby/7/poll/", r.URL.Path)
		assert.Equal(t, "4", r.URL.Query().Get(VersionParam))
		assert.Equal(t, "25", r.URL.Query().Get(TimeoutParam))
		writeJSON(w, http.StatusOK, `{"version":5,"standby_count":3,"participation_count":6,"active_round_id":null}`)
	})

	d, err := client.Poll(context.Background(), lobbyKey, 4, 25*time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, lobbyKey, d.Key())
	assert.Equal(t, int64(5), d.Version)

	var payload struct {
		StandbyCount int `json:"standby_count"`
	}
	require.NoError(t, json.Unmarshal(d.Payload, &payload))
	assert.Equal(t, 3, payload.StandbyCount)
}

func TestPoll_RoundNestedData(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/game/rounds/3f1c/state/", r.URL.Path)
		writeJSON(w, http.StatusOK, `{"version":2,"data":{"id":"3f1c","is_active":true,"questions":[]}}`)
	})

	d, err := client.Poll(context.Background(), roundKey, 1, 25*time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, int64(2), d.Version)
	assert.JSONEq(t, `{"id":"3f1c","is_active":true,"questions":[]}`, string(d.Payload))
}

func TestPoll_NoContentIsUnchanged(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	d, err := client.Poll(context.Background(), lobbyKey, 5, time.Second)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestPoll_SnapshotOmitsTimeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0", r.URL.Query().Get(VersionParam))
		assert.False(t, r.URL.Query().Has(TimeoutParam))
		writeJSON(w, http.StatusOK, `{"version":1,"standby_count":0}`)
	})

	d, err := client.Poll(context.Background(), lobbyKey, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, int64(1), d.Version)
}

func TestPoll_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "not a participant", status: http.StatusForbidden, body: `{"detail":"participants only"}`, want: syncerr.ErrForbidden},
		{name: "round gone", status: http.StatusNotFound, body: `{"detail":"round not found"}`, want: syncerr.ErrNotFound},
		{name: "server error", status: http.StatusInternalServerError, body: ``, want: syncerr.ErrNetwork},
		{name: "missing version", status: http.StatusOK, body: `{"data":{"id":1}}`, want: syncerr.ErrNetwork},
		{name: "not json", status: http.StatusOK, body: `<html>`, want: syncerr.ErrNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			d, err := client.Poll(context.Background(), roundKey, 0, 0)
			assert.Nil(t, d)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPoll_UnknownEntityType(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := client.Poll(context.Background(), realtime.EntityKey{Type: "venue", ID: "1"}, 0, 0)
	assert.Error(t, err)
}

func TestPushPath(t *testing.T) {
	path, err := PushPath(lobbyKey)
	require.NoError(t, err)
	assert.Equal(t, "/ws/party/7/", path)

	path, err = PushPath(roundKey)
	require.NoError(t, err)
	assert.Equal(t, "/ws/game/round/3f1c/", path)

	_, err = PushPath(realtime.EntityKey{Type: "venue", ID: "1"})
	assert.Error(t, err)
}

func TestToggleStandby(t *testing.T) {
	t.Run("count update", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/v1/standby/7/toggle/", r.URL.Path)
			writeJSON(w, http.StatusOK, `{"party_id":"7","user_id":12,"is_standby":true,"participation_count":6,"standby_count":3}`)
		})

		result, err := client.ToggleStandby(context.Background(), "7")
		require.NoError(t, err)
		assert.True(t, result.IsStandby)
		assert.Equal(t, 3, result.StandbyCount)
		assert.Equal(t, 6, result.ParticipationCount)
		assert.False(t, result.GameCreated())
		assert.Nil(t, result.State.Delta(lobbyKey))
	})

	t.Run("majority starts a round", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusCreated, `{"status":"game_created","round_id":"3f1c"}`)
		})

		result, err := client.ToggleStandby(context.Background(), "7")
		require.NoError(t, err)
		assert.True(t, result.GameCreated())
		assert.Equal(t, "3f1c", result.RoundID)
	})

	t.Run("attached state", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"is_standby":false,"state":{"version":9,"data":{"standby_count":2}}}`)
		})

		result, err := client.ToggleStandby(context.Background(), "7")
		require.NoError(t, err)
		d := result.State.Delta(lobbyKey)
		require.NotNil(t, d)
		assert.Equal(t, int64(9), d.Version)
		assert.Equal(t, lobbyKey, d.Key())
	})

	t.Run("not a participant", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusForbidden, `{"detail":"participants only"}`)
		})

		_, err := client.ToggleStandby(context.Background(), "7")
		assert.ErrorIs(t, err, syncerr.ErrForbidden)
		assert.Contains(t, err.Error(), "participants only")
	})
}

func TestCastVote(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/game/questions/42/vote/", r.URL.Path)
			body, err := io.ReadAll(r.Body)
			assert.NoError(t, err)
			assert.JSONEq(t, `{"choice":"A"}`, string(body))
			writeJSON(w, http.StatusCreated, `{"id":42,"order":1,"a_text":"cats","b_text":"dogs","vote_a_count":4,"vote_b_count":1}`)
		})

		result, err := client.CastVote(context.Background(), "42", "A")
		require.NoError(t, err)
		assert.Equal(t, int64(42), result.ID)
		assert.Equal(t, 4, result.VoteACount)
		assert.Equal(t, 1, result.VoteBCount)
	})

	t.Run("already voted", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusBadRequest, `{"detail":"already voted on this question"}`)
		})

		_, err := client.CastVote(context.Background(), "42", "B")
		assert.ErrorIs(t, err, syncerr.ErrConflict)
	})
}

func TestActiveRound(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "uuid id", body: `{"round_id":"3f1c"}`, want: "3f1c"},
		{name: "numeric id", body: `{"round_id":12}`, want: "12"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v1/game/parties/7/active-round/", r.URL.Path)
				writeJSON(w, http.StatusOK, tt.body)
			})

			id, err := client.ActiveRound(context.Background(), "7")
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}

	t.Run("no running round", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, `{"detail":"no game in progress"}`)
		})

		_, err := client.ActiveRound(context.Background(), "7")
		assert.ErrorIs(t, err, syncerr.ErrNotFound)
	})
}
