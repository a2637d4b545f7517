package listener

import "testing"

func TestHandleMessageDispatchesPlaySessionEntries(t *testing.T) {
	var events []NotificationEvent
	l := NewWebSocketListener("http://plex.local:32400", "tok", func(ev NotificationEvent) {
		events = append(events, ev)
	})

	l.handleMessage([]byte(`{
		"NotificationContainer": {
			"type": "playing",
			"size": 2,
			"PlaySessionStateNotification": [
				{"sessionKey": "7", "clientIdentifier": "c1", "key": "/library/metadata/1", "viewOffset": 5000, "state": "playing"},
				{"sessionKey": "8", "clientIdentifier": "c2", "key": "/library/metadata/2", "viewOffset": 0, "state": "stopped"}
			]
		}
	}`))

	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ClientID != "c1" || events[0].ViewOffsetMillis != 5000 || events[0].PlayState != PlayStatePlaying {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].ClientID != "c2" || events[1].PlayState != PlayStateStopped {
		t.Fatalf("unexpected second event: %+v", events[1])
	}
}

func TestHandleMessageIgnoresMalformedAndPing(t *testing.T) {
	var events []NotificationEvent
	l := NewWebSocketListener("http://plex.local:32400", "tok", func(ev NotificationEvent) {
		events = append(events, ev)
	})

	l.handleMessage([]byte(`not json at all`))
	l.handleMessage([]byte(`{"NotificationContainer":{"type":"ping"}}`))

	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestHandleMessageForwardsOtherKinds(t *testing.T) {
	var events []NotificationEvent
	l := NewWebSocketListener("http://plex.local:32400", "tok", func(ev NotificationEvent) {
		events = append(events, ev)
	})

	l.handleMessage([]byte(`{"NotificationContainer":{"type":"transcodeSession.end"}}`))

	if len(events) != 1 || events[0].Kind != EventTranscodeEnd {
		t.Fatalf("expected one transcode-end event, got %+v", events)
	}
}

func TestSocketURLConversion(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"http://plex.local:32400", "ws://plex.local:32400/:/websockets/notifications?X-Plex-Token=tok"},
		{"https://plex.local:32400", "wss://plex.local:32400/:/websockets/notifications?X-Plex-Token=tok"},
	}

	for _, tc := range cases {
		l := NewWebSocketListener(tc.base, "tok", nil)
		got, err := l.socketURL()
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.base, tc.want, got)
		}
	}
}
