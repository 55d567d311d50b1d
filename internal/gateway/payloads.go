package gateway

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os" yaml:"os"`
	Browser string `json:"browser" yaml:"browser"`
	Device  string `json:"device" yaml:"device"`
}

// Activity is one entry of a presence.
type Activity struct {
	Name  string `json:"name" yaml:"name"`
	Type  int    `json:"type" yaml:"type"`
	URL   string `json:"url,omitempty" yaml:"url,omitempty"`
	State string `json:"state,omitempty" yaml:"state,omitempty"`
}

// Presence is the status a shard advertises.
type Presence struct {
	Since      *int64     `json:"since" yaml:"since,omitempty"`
	Activities []Activity `json:"activities" yaml:"activities"`
	Status     string     `json:"status" yaml:"status"`
	AFK        bool       `json:"afk" yaml:"afk"`
}

func (p *Presence) clone() *Presence {
	if p == nil {
		return nil
	}
	c := *p
	c.Activities = append([]Activity(nil), p.Activities...)
	if p.Since != nil {
		since := *p.Since
		c.Since = &since
	}
	return &c
}

// SessionStartLimit is the identify budget reported by GET /gateway/bot.
type SessionStartLimit struct {
	Total          int   `json:"total"`
	Remaining      int   `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"`
	MaxConcurrency int   `json:"max_concurrency"`
}

type identifyPayload struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          [2]int             `json:"shard"`
	Presence       *Presence          `json:"presence,omitempty"`
	Intents        int                `json:"intents"`
}

type resumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

type helloPayload struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type readyPayload struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}
