package listener

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jul-fls/plexrewind/internal/config"
)

const disposeGracePeriod = 2 * time.Second

// EventSourceListener consumes the server's eventsource notification feed.
type EventSourceListener struct {
	baseURL string
	token   string
	onEvent EventFunc
	client  *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
	body   io.Closer
	done   chan struct{}
}

// NewEventSourceListener returns a listener for the text/event-stream
// notification endpoint. onEvent is invoked for every typed notification
// except pings.
func NewEventSourceListener(baseURL, token string, onEvent EventFunc) *EventSourceListener {
	return &EventSourceListener{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		onEvent: onEvent,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: config.GetTimeouts().StreamHandshake,
			},
		},
	}
}

// Run connects to the notification feed and dispatches events until the
// stream ends. It blocks for the lifetime of the connection.
func (l *EventSourceListener) Run(ctx context.Context) error {
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

	endpoint := fmt.Sprintf("%s/:/eventsource/notifications?filters=%s",
		l.baseURL, url.QueryEscape("playing"))
	req, err := http.NewRequestWithContext(runCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrConnectionLost, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Plex-Token", l.token)

	resp, err := l.client.Do(req)
	if err != nil {
		if runCtx.Err() != nil {
			return runCtx.Err()
		}
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: unexpected status %d", ErrConnectionLost, resp.StatusCode)
	}

	l.mu.Lock()
	l.body = resp.Body
	l.mu.Unlock()

	log.Info().Str("endpoint", endpoint).Msg("Event stream connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	parser := &frameParser{}
	for scanner.Scan() {
		frame, ok := parser.FeedLine(scanner.Text())
		if !ok {
			continue
		}
		if ev, deliver := decodeFrame(frame); deliver && l.onEvent != nil {
			l.onEvent(ev)
		}
	}

	if runCtx.Err() != nil {
		return runCtx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return fmt.Errorf("%w: stream ended", ErrConnectionLost)
}

// Dispose cancels the running connection and waits briefly for Run to
// return before force-closing the response body.
func (l *EventSourceListener) Dispose() {
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	body := l.body
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
			return
		case <-time.After(disposeGracePeriod):
			log.Warn().Msg("Event stream did not close within grace period, forcing release")
		}
	}
	if body != nil {
		body.Close()
	}
	l.client.CloseIdleConnections()
}

// frame is one complete server-sent event.
type frame struct {
	name string
	data string
}

// frameParser accumulates event-stream lines into frames. Feed it one line
// at a time without the trailing newline.
type frameParser struct {
	name string
	data []string
}

// FeedLine consumes a single line and returns a complete frame when a blank
// separator line closes one out.
func (p *frameParser) FeedLine(line string) (frame, bool) {
	switch {
	case line == "":
		if p.name == "" && len(p.data) == 0 {
			return frame{}, false
		}
		out := frame{name: p.name, data: strings.Join(p.data, "\n")}
		p.name = ""
		p.data = nil
		return out, true
	case strings.HasPrefix(line, "event:"):
		p.name = strings.TrimPrefix(strings.TrimPrefix(line, "event:"), " ")
	case strings.HasPrefix(line, "data:"):
		p.data = append(p.data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
	}
	// Comment lines and unknown fields are ignored.
	return frame{}, false
}

// decodeFrame types a frame and extracts its payload. Pings are consumed
// silently: the second return is false when no event should be delivered.
func decodeFrame(f frame) (NotificationEvent, bool) {
	kind := kindForName(f.name)
	if kind == EventPing {
		return NotificationEvent{}, false
	}

	raw := []byte(f.data)
	ev := NotificationEvent{Kind: kind, Raw: raw}
	if kind != EventPlaying || len(f.data) == 0 {
		return ev, true
	}

	payload, err := unwrapPayload(raw)
	if err != nil {
		log.Debug().Err(err).Msg("Discarding malformed playing notification")
		return ev, true
	}
	var rec playingRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		log.Debug().Err(err).Msg("Discarding malformed playing notification")
		return ev, true
	}
	return rec.toEvent(raw), true
}

// unwrapPayload removes the single wrapper object the server puts around
// notification payloads, e.g. {"PlaySessionStateNotification": {...}}.
// Payloads that are not wrapped are returned as-is.
func unwrapPayload(raw []byte) ([]byte, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, err
	}
	if len(outer) == 1 {
		for _, inner := range outer {
			trimmed := strings.TrimSpace(string(inner))
			if strings.HasPrefix(trimmed, "{") {
				return inner, nil
			}
		}
	}
	return raw, nil
}

func kindForName(name string) EventKind {
	switch name {
	case "playing":
		return EventPlaying
	case "activity":
		return EventActivity
	case "transcodeSession.start":
		return EventTranscodeStart
	case "transcodeSession.update":
		return EventTranscodeUpdate
	case "transcodeSession.end":
		return EventTranscodeEnd
	case "ping":
		return EventPing
	default:
		return EventUnknown
	}
}
