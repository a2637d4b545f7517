package plex

// Plex REST response structures, limited to the fields this tool reads.

type identityResponse struct {
	MediaContainer struct {
		MachineIdentifier string `json:"machineIdentifier"`
		Version           string `json:"version"`
	} `json:"MediaContainer"`
}

type sessionsResponse struct {
	MediaContainer sessionsContainer `json:"MediaContainer"`
}

type sessionsContainer struct {
	Size     int               `json:"size"`
	Metadata []sessionMetadata `json:"Metadata"`
}

type sessionMetadata struct {
	SessionKey       string `json:"sessionKey"`
	RatingKey        string `json:"ratingKey"`
	Key              string `json:"key"`
	Title            string `json:"title"`
	GrandparentTitle string `json:"grandparentTitle"`
	Type             string `json:"type"`
	ViewOffset       int64  `json:"viewOffset"` // milliseconds

	Session struct {
		ID string `json:"id"`
	} `json:"Session"`

	Player struct {
		MachineIdentifier string `json:"machineIdentifier"`
		Title             string `json:"title"`
		Device            string `json:"device"`
		Product           string `json:"product"`
		State             string `json:"state"`
	} `json:"Player"`

	Media []sessionMedia `json:"Media"`
}

type sessionMedia struct {
	Part []sessionPart `json:"Part"`
}

type sessionPart struct {
	ID     int             `json:"id"`
	Stream []sessionStream `json:"Stream"`
}

// streamTypeSubtitle is the Plex stream type for subtitle tracks.
const streamTypeSubtitle = 3

type sessionStream struct {
	ID           int    `json:"id"`
	StreamType   int    `json:"streamType"`
	Selected     bool   `json:"selected"`
	Language     string `json:"language"`
	LanguageCode string `json:"languageCode"`
	DisplayTitle string `json:"displayTitle"`
	Codec        string `json:"codec"`
	Forced       bool   `json:"forced,omitempty"`
}
