package plex

import (
	"context"
	"sync"
)

// SubtitleStream is one subtitle track on the playing media part.
type SubtitleStream struct {
	ID           int
	Language     string
	DisplayTitle string
	Selected     bool
}

// Session is one active playback session as reported by the server. Identity
// fields are immutable for the session's lifetime; position and subtitle
// state are refreshed in place on every snapshot.
type Session struct {
	client *Client

	playbackID string
	machineID  string
	deviceName string
	mediaTitle string
	ratingKey  string
	sessionKey string

	mu              sync.RWMutex
	positionSeconds float64
	playState       string
	partID          int
	subtitles       []SubtitleStream
	// Set by a successful enable so the preferred track survives a
	// disable/enable round trip.
	lastSubtitleID int
}

func newSession(client *Client, md *sessionMetadata) *Session {
	title := md.Title
	if md.GrandparentTitle != "" {
		title = md.GrandparentTitle + " - " + md.Title
	}

	playbackID := md.Session.ID
	if playbackID == "" {
		playbackID = md.SessionKey
	}

	device := md.Player.Title
	if device == "" {
		device = md.Player.Device
	}

	s := &Session{
		client:     client,
		playbackID: playbackID,
		machineID:  md.Player.MachineIdentifier,
		deviceName: device,
		mediaTitle: title,
		ratingKey:  md.RatingKey,
		sessionKey: md.SessionKey,
	}
	s.applyMetadata(md)
	return s
}

func (s *Session) applyMetadata(md *sessionMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positionSeconds = float64(md.ViewOffset) / 1000.0
	s.playState = md.Player.State

	s.subtitles = s.subtitles[:0]
	for _, media := range md.Media {
		for _, part := range media.Part {
			s.partID = part.ID
			for _, stream := range part.Stream {
				if stream.StreamType != streamTypeSubtitle {
					continue
				}
				s.subtitles = append(s.subtitles, SubtitleStream{
					ID:           stream.ID,
					Language:     stream.Language,
					DisplayTitle: stream.DisplayTitle,
					Selected:     stream.Selected,
				})
			}
		}
	}
}

// PlaybackID returns the server-assigned unique session id.
func (s *Session) PlaybackID() string { return s.playbackID }

// MachineID returns the client device identifier.
func (s *Session) MachineID() string { return s.machineID }

// DeviceName returns the human-readable player name.
func (s *Session) DeviceName() string { return s.deviceName }

// MediaTitle returns the title of the playing media.
func (s *Session) MediaTitle() string { return s.mediaTitle }

// RatingKey returns the content identifier, used to recognize the same
// logical playback when it reappears under a new session id.
func (s *Session) RatingKey() string { return s.ratingKey }

// PositionSeconds returns the last known playback position.
func (s *Session) PositionSeconds() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positionSeconds
}

// PlayState returns the last reported player state (playing, paused, ...).
func (s *Session) PlayState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playState
}

// SetPositionSeconds overrides the position with a fresher value from a
// notification without waiting for the next snapshot.
func (s *Session) SetPositionSeconds(pos float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positionSeconds = pos
}

// AvailableSubtitleCount returns how many subtitle tracks the media exposes.
func (s *Session) AvailableSubtitleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subtitles)
}

// KnownShowingSubtitles reports whether a subtitle track is selected.
// known is false when the snapshot carried no stream information, so the
// answer is a genuine tri-state.
func (s *Session) KnownShowingSubtitles() (showing bool, known bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.partID == 0 {
		return false, false
	}
	for _, sub := range s.subtitles {
		if sub.Selected {
			return true, true
		}
	}
	return false, true
}

// EnableSubtitles selects a subtitle track on the player. It prefers the
// track a previous enable used, then the currently selected one, then the
// first available. Returns ErrNoSubtitleTracks when the media has none.
// Idempotent: re-selecting an already active track is harmless.
func (s *Session) EnableSubtitles(ctx context.Context) error {
	s.mu.Lock()
	if len(s.subtitles) == 0 {
		s.mu.Unlock()
		return ErrNoSubtitleTracks
	}

	streamID := s.lastSubtitleID
	if streamID == 0 {
		for _, sub := range s.subtitles {
			if sub.Selected {
				streamID = sub.ID
				break
			}
		}
	}
	if streamID == 0 {
		streamID = s.subtitles[0].ID
	}
	s.mu.Unlock()

	if err := s.client.setPlayerSubtitleStream(ctx, s.machineID, streamID); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastSubtitleID = streamID
	s.markSelected(streamID)
	s.mu.Unlock()
	return nil
}

// DisableSubtitles turns subtitles off on the player. Idempotent.
func (s *Session) DisableSubtitles(ctx context.Context) error {
	if err := s.client.setPlayerSubtitleStream(ctx, s.machineID, 0); err != nil {
		return err
	}

	s.mu.Lock()
	s.markSelected(0)
	s.mu.Unlock()
	return nil
}

// markSelected mirrors the command result locally so the tri-state answer is
// right before the next snapshot arrives. Caller must hold s.mu.
func (s *Session) markSelected(streamID int) {
	for i := range s.subtitles {
		s.subtitles[i].Selected = s.subtitles[i].ID == streamID
	}
}

// UpdateFrom refreshes mutable state from a newer snapshot of the same session.
func (s *Session) UpdateFrom(other *Session) {
	other.mu.RLock()
	md := struct {
		pos       float64
		playState string
		partID    int
		subs      []SubtitleStream
	}{other.positionSeconds, other.playState, other.partID, append([]SubtitleStream(nil), other.subtitles...)}
	other.mu.RUnlock()

	s.mu.Lock()
	s.positionSeconds = md.pos
	s.playState = md.playState
	s.partID = md.partID
	s.subtitles = md.subs
	s.mu.Unlock()
}
