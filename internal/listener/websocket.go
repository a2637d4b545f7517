package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketListener consumes the server's WebSocket notification feed. It is
// the alternative transport to the eventsource feed and emits the same typed
// events.
type WebSocketListener struct {
	baseURL string
	token   string
	onEvent EventFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	conn   *websocket.Conn
	done   chan struct{}
}

// NewWebSocketListener returns a listener for the WebSocket notification
// endpoint.
func NewWebSocketListener(baseURL, token string, onEvent EventFunc) *WebSocketListener {
	return &WebSocketListener{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		onEvent: onEvent,
	}
}

// Run connects to the notification socket and dispatches events until the
// connection ends. It blocks for the lifetime of the connection.
//
// Note: the server does not handle standard WebSocket ping frames well, so
// none are sent. Its own periodic notifications keep the connection alive.
func (l *WebSocketListener) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.mu.Lock()
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()
	defer func() {
		cancel()
		close(done)
	}()

	wsURL, err := l.socketURL()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(runCtx, wsURL, nil)
	if err != nil {
		if runCtx.Err() != nil {
			return runCtx.Err()
		}
		return fmt.Errorf("%w: dial: %v", ErrConnectionLost, err)
	}
	defer conn.Close()

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	log.Info().Msg("Notification socket connected")

	readErrCh := make(chan error, 1)
	go func() {
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				readErrCh <- err
				return
			}
			l.handleMessage(message)
		}
	}()

	select {
	case <-runCtx.Done():
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return runCtx.Err()
	case err := <-readErrCh:
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
}

// Dispose cancels the running connection and waits briefly for Run to
// return before force-closing the socket.
func (l *WebSocketListener) Dispose() {
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	conn := l.conn
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
			return
		case <-time.After(disposeGracePeriod):
			log.Warn().Msg("Notification socket did not close within grace period, forcing release")
		}
	}
	if conn != nil {
		conn.Close()
	}
}

func (l *WebSocketListener) handleMessage(message []byte) {
	var envelope socketNotification
	if err := json.Unmarshal(message, &envelope); err != nil {
		log.Debug().Err(err).RawJSON("message", message).Msg("Failed to parse socket message")
		return
	}

	container := envelope.NotificationContainer
	kind := kindForName(container.Type)
	if kind == EventPing || l.onEvent == nil {
		return
	}

	if kind == EventPlaying {
		for _, rec := range container.PlaySessionStateNotification {
			payload := playingRecord{
				SessionKey:       rec.SessionKey,
				ClientIdentifier: rec.ClientID,
				Key:              rec.Key,
				ViewOffset:       rec.ViewOffset,
				State:            rec.State,
			}
			l.onEvent(payload.toEvent(message))
		}
		return
	}

	l.onEvent(NotificationEvent{Kind: kind, Raw: message})
}

func (l *WebSocketListener) socketURL() (string, error) {
	parsed, err := url.Parse(l.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing server URL: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = ":/websockets/notifications"
	q := parsed.Query()
	q.Set("X-Plex-Token", l.token)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

type socketNotification struct {
	NotificationContainer socketContainer `json:"NotificationContainer"`
}

type socketContainer struct {
	Type                         string                  `json:"type"`
	Size                         int                     `json:"size"`
	PlaySessionStateNotification []playSessionStateEntry `json:"PlaySessionStateNotification,omitempty"`
}

type playSessionStateEntry struct {
	SessionKey string `json:"sessionKey"`
	ClientID   string `json:"clientIdentifier"`
	Key        string `json:"key"`
	ViewOffset int64  `json:"viewOffset"`
	State      string `json:"state"`
}
