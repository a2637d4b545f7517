package listener

import (
	"context"
	"errors"
)

// ErrConnectionLost is returned by a listener's Run when the notification
// stream terminates for any reason other than explicit cancellation.
var ErrConnectionLost = errors.New("notification connection lost")

// EventKind classifies a server notification.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventPlaying
	EventActivity
	EventTranscodeStart
	EventTranscodeUpdate
	EventTranscodeEnd
	EventPing
)

func (k EventKind) String() string {
	switch k {
	case EventPlaying:
		return "playing"
	case EventActivity:
		return "activity"
	case EventTranscodeStart:
		return "transcode_start"
	case EventTranscodeUpdate:
		return "transcode_update"
	case EventTranscodeEnd:
		return "transcode_end"
	case EventPing:
		return "ping"
	default:
		return "unknown"
	}
}

// PlayState is the player state carried by a playing notification.
type PlayState string

const (
	PlayStatePlaying   PlayState = "playing"
	PlayStatePaused    PlayState = "paused"
	PlayStateBuffering PlayState = "buffering"
	PlayStateStopped   PlayState = "stopped"
	PlayStateUnknown   PlayState = ""
)

// NotificationEvent is one typed notification from the server.
type NotificationEvent struct {
	Kind             EventKind
	ClientID         string
	Key              string
	SessionKey       string
	ViewOffsetMillis int64
	PlayState        PlayState
	Raw              []byte
}

// EventFunc receives typed notifications from a listener.
type EventFunc func(NotificationEvent)

// Listener maintains one persistent notification connection.
//
// Run blocks until the stream ends: it returns an ErrConnectionLost-wrapped
// error on any fault (I/O error, bad status, natural termination) and the
// context error on explicit cancellation. Dispose cancels the run, waits a
// short grace period, then force-releases the connection.
type Listener interface {
	Run(ctx context.Context) error
	Dispose()
}

// playingRecord is the payload of a playing notification after unwrapping.
type playingRecord struct {
	SessionKey       string `json:"sessionKey"`
	ClientIdentifier string `json:"clientIdentifier"`
	Key              string `json:"key"`
	RatingKey        string `json:"ratingKey"`
	ViewOffset       int64  `json:"viewOffset"`
	State            string `json:"state"`
}

func (r *playingRecord) toEvent(raw []byte) NotificationEvent {
	state := PlayState(r.State)
	switch state {
	case PlayStatePlaying, PlayStatePaused, PlayStateBuffering, PlayStateStopped:
	default:
		state = PlayStateUnknown
	}
	return NotificationEvent{
		Kind:             EventPlaying,
		ClientID:         r.ClientIdentifier,
		Key:              r.Key,
		SessionKey:       r.SessionKey,
		ViewOffsetMillis: r.ViewOffset,
		PlayState:        state,
		Raw:              raw,
	}
}
