package plex

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

const sessionsFixture = `{
  "MediaContainer": {
    "size": 1,
    "Metadata": [
      {
        "sessionKey": "12",
        "ratingKey": "4242",
        "key": "/library/metadata/4242",
        "title": "Pilot",
        "grandparentTitle": "Some Show",
        "type": "episode",
        "viewOffset": 95500,
        "Session": {"id": "abc123"},
        "Player": {
          "machineIdentifier": "client-machine-1",
          "title": "Living Room TV",
          "device": "SHIELD",
          "product": "Plex for Android",
          "state": "playing"
        },
        "Media": [
          {
            "Part": [
              {
                "id": 77,
                "Stream": [
                  {"id": 501, "streamType": 2, "selected": true, "language": "English", "codec": "aac"},
                  {"id": 502, "streamType": 3, "selected": false, "language": "English", "displayTitle": "English (SRT)"},
                  {"id": 503, "streamType": 3, "selected": false, "language": "French", "displayTitle": "French (SRT)"}
                ]
              }
            ]
          }
        ]
      }
    ]
  }
}`

type commandRecorder struct {
	mu       sync.Mutex
	streams  []string
	targets  []string
	sessions string
}

func newTestServer(rec *commandRecorder) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/identity", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"MediaContainer":{"machineIdentifier":"server-1","version":"1.40.0"}}`))
	})
	mux.HandleFunc("/status/sessions", func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		body := rec.sessions
		rec.mu.Unlock()
		if body == "" {
			body = sessionsFixture
		}
		w.Write([]byte(body))
	})
	mux.HandleFunc("/player/playback/setStreams", func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.streams = append(rec.streams, r.URL.Query().Get("subtitleStreamID"))
		rec.targets = append(rec.targets, r.Header.Get("X-Plex-Target-Client-Identifier"))
		rec.mu.Unlock()
	})
	return httptest.NewServer(mux)
}

func TestConnectionClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   ConnectivityResult
	}{
		{"ok", http.StatusOK, "{}", ConnectivitySuccess},
		{"unavailable", http.StatusServiceUnavailable, "", ConnectivityMaintenance},
		{"maintenance body", http.StatusBadGateway, "Server maintenance in progress", ConnectivityMaintenance},
		{"unauthorized", http.StatusUnauthorized, "", ConnectivityFailure},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer server.Close()

			c := NewClient(server.URL, "tok")
			if got := c.TestConnection(context.Background()); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestConnectionUnreachableIsFailure(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "tok")
	if got := c.TestConnection(context.Background()); got != ConnectivityFailure {
		t.Fatalf("expected failure, got %v", got)
	}
}

func TestConnectionCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(server.URL, "tok")
	if got := c.TestConnection(ctx); got != ConnectivityCancelled {
		t.Fatalf("expected cancelled, got %v", got)
	}
}

func TestMachineIdentifier(t *testing.T) {
	rec := &commandRecorder{}
	server := newTestServer(rec)
	defer server.Close()

	c := NewClient(server.URL, "tok")
	id, err := c.MachineIdentifier(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "server-1" {
		t.Fatalf("expected server-1, got %q", id)
	}
}

func TestListSessionsParsesSnapshot(t *testing.T) {
	rec := &commandRecorder{}
	server := newTestServer(rec)
	defer server.Close()

	c := NewClient(server.URL, "tok")
	sessions, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}

	s := sessions[0]
	if s.PlaybackID() != "abc123" {
		t.Fatalf("expected playback id abc123, got %q", s.PlaybackID())
	}
	if s.MachineID() != "client-machine-1" {
		t.Fatalf("unexpected machine id %q", s.MachineID())
	}
	if s.DeviceName() != "Living Room TV" {
		t.Fatalf("unexpected device name %q", s.DeviceName())
	}
	if s.MediaTitle() != "Some Show - Pilot" {
		t.Fatalf("unexpected media title %q", s.MediaTitle())
	}
	if got := s.PositionSeconds(); got != 95.5 {
		t.Fatalf("expected position 95.5, got %v", got)
	}
	if got := s.AvailableSubtitleCount(); got != 2 {
		t.Fatalf("expected 2 subtitle tracks, got %d", got)
	}
	showing, known := s.KnownShowingSubtitles()
	if showing || !known {
		t.Fatalf("expected known-off subtitle state, got showing=%v known=%v", showing, known)
	}
}

func TestListSessionsSkipsEntriesWithoutID(t *testing.T) {
	rec := &commandRecorder{
		sessions: `{"MediaContainer":{"size":1,"Metadata":[{"title":"Ghost","Player":{"machineIdentifier":"m"}}]}}`,
	}
	server := newTestServer(rec)
	defer server.Close()

	c := NewClient(server.URL, "tok")
	sessions, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected entry without any id skipped, got %d sessions", len(sessions))
	}
}

func TestEnableAndDisableSubtitles(t *testing.T) {
	rec := &commandRecorder{}
	server := newTestServer(rec)
	defer server.Close()

	c := NewClient(server.URL, "tok")
	sessions, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := sessions[0]

	if err := s.EnableSubtitles(context.Background()); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	if showing, known := s.KnownShowingSubtitles(); !showing || !known {
		t.Fatal("expected subtitles shown after enable")
	}

	if err := s.DisableSubtitles(context.Background()); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	if showing, _ := s.KnownShowingSubtitles(); showing {
		t.Fatal("expected subtitles hidden after disable")
	}

	// Re-enable uses the track the first enable picked.
	if err := s.EnableSubtitles(context.Background()); err != nil {
		t.Fatalf("re-enable failed: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []string{"502", "0", "502"}
	if len(rec.streams) != len(want) {
		t.Fatalf("expected %d commands, got %v", len(want), rec.streams)
	}
	for i, id := range want {
		if rec.streams[i] != id {
			t.Fatalf("command %d: expected stream %s, got %s", i, id, rec.streams[i])
		}
		if rec.targets[i] != "client-machine-1" {
			t.Fatalf("command %d: expected target header client-machine-1, got %q", i, rec.targets[i])
		}
	}
}

func TestEnableSubtitlesWithoutTracks(t *testing.T) {
	rec := &commandRecorder{
		sessions: `{"MediaContainer":{"size":1,"Metadata":[{"sessionKey":"5","Session":{"id":"x"},"title":"Movie","viewOffset":0,"Player":{"machineIdentifier":"m1","title":"TV"},"Media":[{"Part":[{"id":9,"Stream":[{"id":1,"streamType":2,"selected":true}]}]}]}]}}`,
	}
	server := newTestServer(rec)
	defer server.Close()

	c := NewClient(server.URL, "tok")
	sessions, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = sessions[0].EnableSubtitles(context.Background())
	if !errors.Is(err, ErrNoSubtitleTracks) {
		t.Fatalf("expected ErrNoSubtitleTracks, got %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.streams) != 0 {
		t.Fatalf("expected no commands sent, got %v", rec.streams)
	}
}

func TestUpdateFromRefreshesMutableState(t *testing.T) {
	rec := &commandRecorder{}
	server := newTestServer(rec)
	defer server.Close()

	c := NewClient(server.URL, "tok")
	sessions, _ := c.ListSessions(context.Background())
	s := sessions[0]

	rec.mu.Lock()
	rec.sessions = `{"MediaContainer":{"size":1,"Metadata":[{"sessionKey":"12","ratingKey":"4242","title":"Pilot","grandparentTitle":"Some Show","viewOffset":120000,"Session":{"id":"abc123"},"Player":{"machineIdentifier":"client-machine-1","title":"Living Room TV","state":"paused"},"Media":[{"Part":[{"id":77,"Stream":[{"id":502,"streamType":3,"selected":true}]}]}]}]}}`
	rec.mu.Unlock()
	fresh, _ := c.ListSessions(context.Background())

	s.UpdateFrom(fresh[0])
	if got := s.PositionSeconds(); got != 120 {
		t.Fatalf("expected refreshed position 120, got %v", got)
	}
	if got := s.PlayState(); got != "paused" {
		t.Fatalf("expected refreshed play state paused, got %q", got)
	}
	if showing, known := s.KnownShowingSubtitles(); !showing || !known {
		t.Fatal("expected refreshed subtitle selection visible")
	}
}
