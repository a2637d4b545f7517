package plex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/jul-fls/plexrewind/internal/config"
)

// ErrNoSubtitleTracks is returned by subtitle commands when the media exposes
// no subtitle streams at all. Callers must not retry on it.
var ErrNoSubtitleTracks = errors.New("session has no subtitle tracks")

// ConnectivityResult is the outcome of a connectivity test.
type ConnectivityResult int

const (
	ConnectivityFailure ConnectivityResult = iota
	ConnectivitySuccess
	ConnectivityMaintenance
	ConnectivityCancelled
)

func (r ConnectivityResult) String() string {
	switch r {
	case ConnectivitySuccess:
		return "success"
	case ConnectivityMaintenance:
		return "maintenance"
	case ConnectivityCancelled:
		return "cancelled"
	default:
		return "failure"
	}
}

// Client talks to one Plex Media Server over its REST API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a client for the server at baseURL authenticating with token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: config.GetTimeouts().HTTPClient,
		},
	}
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Token returns the auth token. The notification listeners need it to build
// their stream URLs.
func (c *Client) Token() string {
	return c.token
}

// TestConnection queries the server identity endpoint and classifies the result.
func (c *Client) TestConnection(ctx context.Context) ConnectivityResult {
	req, err := c.newRequest(ctx, http.MethodGet, "/identity", nil)
	if err != nil {
		return ConnectivityFailure
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ConnectivityCancelled
		}
		log.Debug().Err(err).Msg("Connectivity test failed")
		return ConnectivityFailure
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusOK:
		return ConnectivitySuccess
	case resp.StatusCode == http.StatusServiceUnavailable,
		strings.Contains(strings.ToLower(string(body)), "maintenance"):
		return ConnectivityMaintenance
	default:
		log.Debug().Int("status", resp.StatusCode).Msg("Connectivity test returned non-success status")
		return ConnectivityFailure
	}
}

// MachineIdentifier fetches the server's machine identifier.
func (c *Client) MachineIdentifier(ctx context.Context) (string, error) {
	var identity identityResponse
	if err := c.getJSON(ctx, "/identity", nil, &identity); err != nil {
		return "", err
	}
	return identity.MediaContainer.MachineIdentifier, nil
}

// ListSessions fetches the current playback sessions from /status/sessions.
func (c *Client) ListSessions(ctx context.Context) ([]*Session, error) {
	var container sessionsResponse
	if err := c.getJSON(ctx, "/status/sessions", nil, &container); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(container.MediaContainer.Metadata))
	for i := range container.MediaContainer.Metadata {
		s := newSession(c, &container.MediaContainer.Metadata[i])
		if s.PlaybackID() == "" {
			log.Debug().Str("title", s.MediaTitle()).Msg("Skipping session without playback id")
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// setPlayerSubtitleStream tells the client player identified by machineID to
// switch its subtitle stream. streamID 0 turns subtitles off.
func (c *Client) setPlayerSubtitleStream(ctx context.Context, machineID string, streamID int) error {
	params := url.Values{}
	params.Set("subtitleStreamID", fmt.Sprintf("%d", streamID))
	params.Set("type", "video")

	req, err := c.newRequest(ctx, http.MethodGet, "/player/playback/setStreams?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Plex-Target-Client-Identifier", machineID)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send subtitle command: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("subtitle command returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Plex-Token", c.token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request to %s returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}
