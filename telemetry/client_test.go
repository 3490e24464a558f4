package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/calvinmclean/twchart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionJSON(t *testing.T) {
	rawJSON := `{"id":"d4kdisifn76c73dkrju0","Session":{"Name":"spinrig","Date":"2025-11-27T16:06:26.504207-07:00","StartTime":"2025-11-27T16:06:26.504207-07:00","Stages":[{"Name":"Seeking","Start":"2025-11-27T16:06:27-07:00","End":"0001-01-01T00:00:00Z","Duration":0}],"Events":null,"Data":null},"UploadedAt":"2025-11-27T23:06:26.60698014Z"}`

	var s sessionResource
	require.NoError(t, json.Unmarshal([]byte(rawJSON), &s))
	assert.Equal(t, "d4kdisifn76c73dkrju0", s.GetID())
	assert.Equal(t, "spinrig", s.Session.Name)
	assert.Empty(t, s.Session.Data)
	require.Len(t, s.Session.Stages, 1)
	assert.Equal(t, "Seeking", s.Session.Stages[0].Name)
}

// sessionServer is a minimal sessions API that stores one session
type sessionServer struct {
	mtx     sync.Mutex
	created twchart.Session
	paths   []string
	bodies  []string
	status  int
}

func (s *sessionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	data, _ := io.ReadAll(r.Body)
	if r.URL.Path == "/sessions" {
		var created sessionResource
		_ = json.Unmarshal(data, &created)
		s.created = created.Session

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"d4kdisifn76c73dkrju0","Session":{"Name":"` + created.Session.Name + `"}}`))
		return
	}

	s.paths = append(s.paths, r.URL.Path)
	s.bodies = append(s.bodies, string(data))
	w.WriteHeader(s.status)
}

func TestClientSession(t *testing.T) {
	handler := &sessionServer{status: http.StatusNoContent}
	server := httptest.NewServer(handler)
	defer server.Close()

	client := NewClient(server.URL)
	start := time.Date(2025, 11, 27, 16, 0, 0, 0, time.UTC)

	id, err := client.Open(t.Context(), "spinrig", start)
	require.NoError(t, err)
	assert.Equal(t, "d4kdisifn76c73dkrju0", id)
	assert.Equal(t, "spinrig", handler.created.Name)
	assert.True(t, start.Equal(handler.created.StartTime))

	require.NoError(t, client.Stage(t.Context(), "Seeking", start.Add(time.Second)))
	require.NoError(t, client.Note(t.Context(), "LimitReached at 120", start.Add(2*time.Second)))
	require.NoError(t, client.Close(t.Context(), start.Add(3*time.Second)))

	assert.Equal(t, []string{
		"/sessions/d4kdisifn76c73dkrju0/add-stage",
		"/sessions/d4kdisifn76c73dkrju0/add-event",
		"/sessions/d4kdisifn76c73dkrju0/done",
	}, handler.paths)

	var stage twchart.Stage
	require.NoError(t, json.Unmarshal([]byte(handler.bodies[0]), &stage))
	assert.Equal(t, "Seeking", stage.Name)

	var event twchart.Event
	require.NoError(t, json.Unmarshal([]byte(handler.bodies[1]), &event))
	assert.Equal(t, "LimitReached at 120", event.Note)
	assert.True(t, start.Add(2*time.Second).Equal(event.Time))

	assert.JSONEq(t, `{"time":"2025-11-27T16:00:03Z"}`, handler.bodies[2])
}

func TestClientErrors(t *testing.T) {
	t.Run("NoSession", func(t *testing.T) {
		client := NewClient("http://localhost:0")
		err := client.Note(t.Context(), "Boot at 0", time.Now())
		assert.ErrorIs(t, err, errNoSession)
	})

	t.Run("UnexpectedStatus", func(t *testing.T) {
		server := httptest.NewServer(&sessionServer{status: http.StatusInternalServerError})
		defer server.Close()

		client := NewClient(server.URL)
		_, err := client.Open(t.Context(), "spinrig", time.Now())
		require.NoError(t, err)

		err = client.Stage(t.Context(), "Seeking", time.Now())
		assert.ErrorContains(t, err, "unexpected status code for add-stage: 500")
	})

	t.Run("Unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		server.Close()

		_, err := NewClient(server.URL).Open(t.Context(), "spinrig", time.Now())
		assert.ErrorContains(t, err, "error creating session")
	})
}
