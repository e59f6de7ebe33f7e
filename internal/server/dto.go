package server

import (
	"encoding/json"

	"asphare/internal/domain"
)

// Request payloads

type RequestCodeRequest struct {
	Username string `json:"username" minLength:"1"`
}

type VerifyCodeRequest struct {
	Username string `json:"username" minLength:"1"`
	Code     string `json:"code" minLength:"6" maxLength:"6"`
}

type SetupRequest struct {
	UserCount   int `json:"user_count" minimum:"30" maximum:"60"`
	HistoryDays int `json:"history_days" enum:"14,30,90,180"`
}

type PullRequest struct {
	Platform string `json:"platform" enum:"slack,teams,jira"`
	Limit    int    `json:"limit,omitempty" minimum:"0"`
}

type SimulateRequest struct {
	Platform  string `json:"platform" enum:"slack,teams,jira"`
	EventType string `json:"event_type,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Count     int    `json:"count,omitempty" minimum:"0" maximum:"1000"`
}

type ReportProgressRequest struct {
	EventsProcessed int `json:"events_processed" minimum:"1"`
}

type ScheduleRequest struct {
	ScheduleTime string          `json:"schedule_time"`
	Platform     string          `json:"platform" enum:"slack,teams,jira"`
	EventType    string          `json:"event_type" minLength:"1"`
	UserID       string          `json:"user_id,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
}

type UpdateConfigRequest struct {
	UserCount     *int     `json:"user_count,omitempty" minimum:"30" maximum:"60"`
	HistoryDays   *int     `json:"history_days,omitempty" enum:"14,30,90,180"`
	RetentionDays *int     `json:"retention_days,omitempty" minimum:"1"`
	BatchSize     *int     `json:"event_batch_size,omitempty" minimum:"1" maximum:"1000"`
	Mode          *string  `json:"mode,omitempty" enum:"daily,replay,setup"`
	Platforms     []string `json:"platforms,omitempty"`
}

// Response payloads

type RequestCodeResponse struct {
	Username  string `json:"username"`
	Code      string `json:"code"`
	ExpiresIn int    `json:"expires_in_seconds"`
}

type VerifyCodeResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	EventID       string          `json:"event_id"`
	UserID        string          `json:"user_id"`
	Platform      string          `json:"platform"`
	EventType     string          `json:"event_type"`
	EventCategory string          `json:"event_category"`
	Timestamp     string          `json:"timestamp" format:"date-time"`
	Payload       json.RawMessage `json:"payload"`
	Consumed      bool            `json:"consumed"`
	Source        string          `json:"source"`
}

func toEventResponse(e domain.Event) EventResponse {
	payload := e.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	return EventResponse{
		EventID:       e.ID,
		UserID:        e.UserID,
		Platform:      e.Platform,
		EventType:     e.EventType,
		EventCategory: e.EventCategory,
		Timestamp:     e.Timestamp,
		Payload:       json.RawMessage(payload),
		Consumed:      e.Consumed,
		Source:        e.Source,
	}
}

type PullResponse struct {
	Events []EventResponse `json:"events"`
	Count  int             `json:"count"`
}

type SimulateResponse struct {
	EventsCreated int             `json:"events_created"`
	Events        []EventResponse `json:"events"`
}

type ReplayStatusResponse struct {
	TotalEvents     int     `json:"total_events"`
	ConsumedEvents  int     `json:"consumed_events"`
	EventsProcessed int     `json:"events_processed"`
	ProgressPercent int     `json:"progress_percent"`
	InProgress      bool    `json:"in_progress"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
}

func toReplayStatusResponse(p domain.ReplayProgress) ReplayStatusResponse {
	return ReplayStatusResponse{
		TotalEvents:     p.TotalEvents,
		ConsumedEvents:  p.ConsumedEvents,
		EventsProcessed: p.ConsumedEvents,
		ProgressPercent: p.Percent(),
		InProgress:      p.InProgress,
		StartedAt:       p.StartedAt,
		CompletedAt:     p.CompletedAt,
	}
}

type SetupResponse struct {
	Users       int `json:"users"`
	Events      int `json:"events"`
	HistoryDays int `json:"history_days"`
}

type CleanupResponse struct {
	Deleted int64 `json:"deleted"`
}

type ConfigResponse struct {
	UserCount     int      `json:"user_count"`
	HistoryDays   int      `json:"history_days"`
	RetentionDays int      `json:"retention_days"`
	BatchSize     int      `json:"event_batch_size"`
	Mode          string   `json:"mode"`
	Platforms     []string `json:"platforms"`
}
