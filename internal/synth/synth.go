// Package synth draws fake platform events: weighted event types per
// platform and realistic-looking payloads keyed to the acting user.
package synth

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"asphare/internal/domain"
)

// ErrUnsupportedPlatform is returned for platforms outside slack/teams/jira.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Event categories.
const (
	CategoryCommunication  = "communication"
	CategoryCollaboration  = "collaboration"
	CategoryTaskManagement = "task_management"
)

type eventSpec struct {
	Type     string
	Weight   int
	Category string
}

var slackEvents = []eventSpec{
	{"message.channel", 35, CategoryCommunication},
	{"message.direct", 20, CategoryCommunication},
	{"message.thread", 15, CategoryCommunication},
	{"reaction.add", 20, CategoryCommunication},
	{"mention", 5, CategoryCommunication},
	{"file.upload", 3, CategoryCollaboration},
	{"channel.join", 1, CategoryCollaboration},
	{"status.update", 1, CategoryCommunication},
}

var teamsEvents = []eventSpec{
	{"message.channel", 35, CategoryCommunication},
	{"message.chat", 25, CategoryCommunication},
	{"meeting.scheduled", 10, CategoryCollaboration},
	{"meeting.joined", 10, CategoryCollaboration},
	{"meeting.ended", 10, CategoryCollaboration},
	{"file.shared", 5, CategoryCollaboration},
	{"reaction.add", 4, CategoryCommunication},
	{"mention", 1, CategoryCommunication},
}

var jiraEvents = []eventSpec{
	{"issue.updated", 35, CategoryTaskManagement},
	{"issue.status_changed", 25, CategoryTaskManagement},
	{"issue.commented", 20, CategoryTaskManagement},
	{"issue.created", 10, CategoryTaskManagement},
	{"issue.assigned", 5, CategoryTaskManagement},
	{"issue.priority_changed", 3, CategoryTaskManagement},
	{"attachment.added", 2, CategoryTaskManagement},
}

var (
	channels   = []string{"#engineering", "#general", "#product", "#design", "#random", "#support"}
	projects   = []string{"PROJ-A", "PROJ-B", "PROJ-C", "TEAM-X", "INFRA-Y"}
	issueTypes = []string{"Bug", "Task", "Story", "Epic", "Subtask"}
	priorities = []string{"Highest", "High", "Medium", "Low", "Lowest"}
	statuses   = []string{"To Do", "In Progress", "In Review", "Done"}
)

var slackMessages = []string{
	"Hey team, quick question about the deployment",
	"Thanks for the update!",
	"Can someone review my PR?",
	"Looking into the issue now",
	"Meeting notes are posted",
	"Great work everyone!",
	"I'll take care of that",
	"Let me check and get back to you",
}

var teamsMessages = []string{
	"Joining the call in a minute",
	"Can we reschedule to tomorrow?",
	"Shared the document in the channel",
	"Following up on our discussion",
}

var meetingTitles = []string{
	"Daily Standup", "Sprint Planning", "Team Sync",
	"1:1 Meeting", "Design Review", "Retrospective",
}

var jiraSummaries = []string{
	"Fix login page validation",
	"Update API documentation",
	"Investigate performance regression",
	"Add unit tests for payment module",
}

var jiraComments = []string{
	"Working on this now",
	"Blocked by the upstream dependency",
	"Fixed in the latest commit",
	"Needs more investigation",
}

var reactions = []string{"thumbsup", "eyes", "tada", "rocket", "heart"}

var meetingDurations = []int{15, 30, 60}

var slackFiles = []string{"design_mockup.png", "report.pdf", "data_analysis.xlsx"}

var teamsFiles = []string{"presentation.pptx", "requirements.docx", "budget.xlsx"}

func tableFor(platform string) ([]eventSpec, error) {
	switch platform {
	case domain.PlatformSlack:
		return slackEvents, nil
	case domain.PlatformTeams:
		return teamsEvents, nil
	case domain.PlatformJira:
		return jiraEvents, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}
}

// Synth draws events from a shared random source. Not safe for concurrent
// use; callers serialize access through the engine.
type Synth struct {
	rng *rand.Rand
}

func New(rng *rand.Rand) *Synth {
	return &Synth{rng: rng}
}

// NewEventID returns evt_ plus twelve hex characters from a fresh UUID.
func NewEventID() string {
	raw := uuid.New()
	return "evt_" + fmt.Sprintf("%x", raw[:6])
}

// PickType draws an event type for platform by weight.
func (s *Synth) PickType(platform string) (eventType, category string, err error) {
	table, err := tableFor(platform)
	if err != nil {
		return "", "", err
	}
	spec := s.weighted(table)
	return spec.Type, spec.Category, nil
}

// CategoryOf resolves the category for a platform/type pair. Unknown types
// on a known platform fall back to the platform's dominant category.
func CategoryOf(platform, eventType string) (string, error) {
	table, err := tableFor(platform)
	if err != nil {
		return "", err
	}
	for _, spec := range table {
		if spec.Type == eventType {
			return spec.Category, nil
		}
	}
	if platform == domain.PlatformJira {
		return CategoryTaskManagement, nil
	}
	return CategoryCommunication, nil
}

// Draw builds a full event for user on platform at ts, choosing the type by
// weight.
func (s *Synth) Draw(user domain.User, platform string, ts time.Time) (domain.Event, error) {
	eventType, category, err := s.PickType(platform)
	if err != nil {
		return domain.Event{}, err
	}
	return s.Build(user, platform, eventType, category, ts)
}

// Build assembles an event of a specific type.
func (s *Synth) Build(user domain.User, platform, eventType, category string, ts time.Time) (domain.Event, error) {
	payload, err := s.payload(user, platform, eventType, ts)
	if err != nil {
		return domain.Event{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("encode payload: %w", err)
	}
	return domain.Event{
		ID:            NewEventID(),
		UserID:        user.ID,
		Platform:      platform,
		EventType:     eventType,
		EventCategory: category,
		Timestamp:     ts.UTC().Format(time.RFC3339),
		PayloadJSON:   string(raw),
	}, nil
}

func (s *Synth) payload(user domain.User, platform, eventType string, ts time.Time) (map[string]any, error) {
	p := map[string]any{
		"user_name": user.Name,
		"user_id":   user.ID,
	}
	switch platform {
	case domain.PlatformSlack:
		s.slackPayload(p, eventType, ts)
	case domain.PlatformTeams:
		s.teamsPayload(p, eventType)
	case domain.PlatformJira:
		s.jiraPayload(p, eventType)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}
	return p, nil
}

func (s *Synth) slackPayload(p map[string]any, eventType string, ts time.Time) {
	switch eventType {
	case "message.channel", "message.direct", "message.thread":
		p["channel_id"] = s.channelID("C")
		p["channel_name"] = s.pick(channels)
		p["message_text"] = s.pick(slackMessages)
		p["has_mentions"] = s.rng.Float64() < 0.2
		if eventType == "message.thread" {
			p["thread_ts"] = fmt.Sprintf("%d.%06d", ts.Unix(), s.rng.Intn(1000000))
		}
	case "reaction.add":
		p["reaction"] = s.pick(reactions)
		past := ts.Add(-time.Duration(1+s.rng.Intn(60)) * time.Minute)
		p["message_ts"] = past.UTC().Format(time.RFC3339)
	case "file.upload":
		name := s.pick(slackFiles)
		p["file_name"] = name
		p["file_type"] = extOf(name)
	case "mention":
		p["mentioned_user_id"] = fmt.Sprintf("user_%03d", 1+s.rng.Intn(60))
		p["message_text"] = "Hey, can you take a look at this?"
	case "channel.join":
		p["channel_id"] = s.channelID("C")
		p["channel_name"] = s.pick(channels)
	case "status.update":
		p["status"] = s.pick([]string{"active", "away", "in a meeting", "focusing"})
	}
}

func (s *Synth) teamsPayload(p map[string]any, eventType string) {
	switch eventType {
	case "message.channel", "message.chat":
		p["channel_id"] = s.channelID("T")
		p["message_text"] = s.pick(teamsMessages)
	case "meeting.scheduled", "meeting.joined", "meeting.ended":
		p["meeting_id"] = s.channelID("M")
		p["meeting_title"] = s.pick(meetingTitles)
		p["duration_minutes"] = meetingDurations[s.rng.Intn(len(meetingDurations))]
		p["participants"] = 2 + s.rng.Intn(7)
	case "file.shared":
		name := s.pick(teamsFiles)
		p["file_name"] = name
		p["file_size_kb"] = 100 + s.rng.Intn(4901)
	case "reaction.add":
		p["reaction"] = s.pick(reactions)
	case "mention":
		p["mentioned_user_id"] = fmt.Sprintf("user_%03d", 1+s.rng.Intn(60))
	}
}

func (s *Synth) jiraPayload(p map[string]any, eventType string) {
	project := s.pick(projects)
	p["project_id"] = project
	p["issue_key"] = fmt.Sprintf("%s-%d", project, 100+s.rng.Intn(900))
	switch eventType {
	case "issue.created":
		p["issue_type"] = s.pick(issueTypes)
		p["priority"] = s.pick(priorities)
		p["summary"] = s.pick(jiraSummaries)
	case "issue.status_changed":
		p["from_status"] = s.pick(statuses[:len(statuses)-1])
		p["to_status"] = s.pick(statuses[1:])
	case "issue.commented":
		p["comment"] = s.pick(jiraComments)
	case "issue.assigned":
		p["assigned_to"] = fmt.Sprintf("user_%03d", 1+s.rng.Intn(60))
	case "issue.priority_changed":
		p["from_priority"] = s.pick(priorities)
		p["to_priority"] = s.pick(priorities)
	}
}

func (s *Synth) weighted(table []eventSpec) eventSpec {
	total := 0
	for _, spec := range table {
		total += spec.Weight
	}
	n := s.rng.Intn(total)
	for _, spec := range table {
		if n < spec.Weight {
			return spec
		}
		n -= spec.Weight
	}
	return table[len(table)-1]
}

func (s *Synth) channelID(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, 10000+s.rng.Intn(90000))
}

func (s *Synth) pick(items []string) string {
	return items[s.rng.Intn(len(items))]
}

func extOf(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return ""
}
