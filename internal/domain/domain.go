package domain

// Platform names accepted by the synthesizer and the pull API.
const (
	PlatformSlack = "slack"
	PlatformTeams = "teams"
	PlatformJira  = "jira"
)

// AllPlatforms in canonical order.
var AllPlatforms = []string{PlatformSlack, PlatformTeams, PlatformJira}

// Event sources.
const (
	SourceHistorical = "historical"
	SourceDaily      = "daily"
	SourceManual     = "manual"
)

// Generation modes stored under the "mode" config key.
const (
	ModeDaily  = "daily"
	ModeReplay = "replay"
	ModeSetup  = "setup"
)

type User struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	Email              string  `json:"email"`
	Role               string  `json:"role"`
	BehaviorPattern    string  `json:"behavior_pattern"`
	ActivityMultiplier float64 `json:"activity_multiplier"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID            string `json:"event_id"`
	UserID        string `json:"user_id"`
	Platform      string `json:"platform" enum:"slack,teams,jira"`
	EventType     string `json:"event_type"`
	EventCategory string `json:"event_category"`
	Timestamp     string `json:"timestamp" format:"date-time"`
	PayloadJSON   string `json:"-"`
	Consumed      bool   `json:"consumed"`
	Source        string `json:"source" enum:"historical,daily,manual"`
	CreatedAt     string `json:"created_at,omitempty" format:"date-time"`
}

type ReplayProgress struct {
	TotalEvents    int     `json:"total_events"`
	ConsumedEvents int     `json:"consumed_events"`
	InProgress     bool    `json:"in_progress"`
	StartedAt      *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
	UpdatedAt      string  `json:"updated_at,omitempty" format:"date-time"`
}

// Percent returns replay completion in [0,100]. The raw consumed counter may
// overshoot total; the reported percentage never does.
func (p ReplayProgress) Percent() int {
	if p.TotalEvents <= 0 {
		return 100
	}
	pct := p.ConsumedEvents * 100 / p.TotalEvents
	if pct > 100 {
		pct = 100
	}
	return pct
}

type ScheduledEvent struct {
	ID           int64   `json:"id"`
	ScheduleTime string  `json:"schedule_time" format:"date-time"`
	Platform     string  `json:"platform" enum:"slack,teams,jira"`
	EventType    string  `json:"event_type"`
	UserID       *string `json:"user_id,omitempty"`
	ParamsJSON   string  `json:"params_json,omitempty"`
	Executed     bool    `json:"executed"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type ConfigSetting struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// PlatformStats is the per-platform slice of the stats read model.
type PlatformStats struct {
	Total int `json:"total"`
	Today int `json:"today"`
}

type Stats struct {
	UserCount      int                      `json:"user_count"`
	TotalEvents    int                      `json:"total_events"`
	ConsumedEvents int                      `json:"consumed_events"`
	TodayEvents    int                      `json:"today_events"`
	Mode           string                   `json:"mode"`
	ReplayProgress int                      `json:"replay_progress"`
	Platforms      map[string]PlatformStats `json:"platforms"`
}

// ValidPlatform reports whether p is one of the supported platforms.
func ValidPlatform(p string) bool {
	for _, known := range AllPlatforms {
		if p == known {
			return true
		}
	}
	return false
}
