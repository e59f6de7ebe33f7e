package synth

import (
	"encoding/json"
	"math/rand"
	"strings"
	"testing"
	"time"

	"asphare/internal/domain"
)

var testUser = domain.User{
	ID:   "user_007",
	Name: "Sarah Chen",
}

func TestNewEventID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewEventID()
		if !strings.HasPrefix(id, "evt_") {
			t.Fatalf("id %q missing prefix", id)
		}
		if len(id) != len("evt_")+12 {
			t.Fatalf("id %q has wrong length", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestPickTypeWeights(t *testing.T) {
	const draws = 100000
	s := New(rand.New(rand.NewSource(3)))
	for _, platform := range domain.AllPlatforms {
		table, err := tableFor(platform)
		if err != nil {
			t.Fatalf("%s: %v", platform, err)
		}
		totalWeight := 0
		for _, spec := range table {
			totalWeight += spec.Weight
		}

		counts := map[string]int{}
		for i := 0; i < draws; i++ {
			et, cat, err := s.PickType(platform)
			if err != nil {
				t.Fatalf("%s pick: %v", platform, err)
			}
			if cat == "" {
				t.Fatalf("%s: empty category for %s", platform, et)
			}
			counts[et]++
		}
		if len(counts) != len(table) {
			t.Errorf("%s: drew %d distinct types, table has %d", platform, len(counts), len(table))
		}

		// Each empirical share must land within a percentage point of its
		// weight; at 100k draws the sampling error is a fraction of that.
		for _, spec := range table {
			want := float64(spec.Weight) / float64(totalWeight)
			got := float64(counts[spec.Type]) / draws
			if diff := got - want; diff < -0.01 || diff > 0.01 {
				t.Errorf("%s %s: share %.4f, weight says %.4f", platform, spec.Type, got, want)
			}
		}
	}
}

func TestPickTypeUnsupportedPlatform(t *testing.T) {
	s := New(rand.New(rand.NewSource(1)))
	if _, _, err := s.PickType("discord"); err == nil {
		t.Fatal("expected error for unknown platform")
	}
}

func TestCategoryOf(t *testing.T) {
	cases := []struct {
		platform, eventType, want string
	}{
		{domain.PlatformSlack, "message.channel", CategoryCommunication},
		{domain.PlatformSlack, "file.upload", CategoryCollaboration},
		{domain.PlatformTeams, "meeting.joined", CategoryCollaboration},
		{domain.PlatformJira, "issue.created", CategoryTaskManagement},
		{domain.PlatformJira, "custom.type", CategoryTaskManagement},
		{domain.PlatformSlack, "custom.type", CategoryCommunication},
	}
	for _, tc := range cases {
		got, err := CategoryOf(tc.platform, tc.eventType)
		if err != nil {
			t.Fatalf("%s/%s: %v", tc.platform, tc.eventType, err)
		}
		if got != tc.want {
			t.Errorf("%s/%s = %q, want %q", tc.platform, tc.eventType, got, tc.want)
		}
	}
	if _, err := CategoryOf("discord", "message"); err == nil {
		t.Fatal("expected error for unknown platform")
	}
}

func TestBuildSlackMessagePayload(t *testing.T) {
	s := New(rand.New(rand.NewSource(5)))
	ts := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)
	ev, err := s.Build(testUser, domain.PlatformSlack, "message.thread", CategoryCommunication, ts)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if ev.Timestamp != "2026-03-04T10:30:00Z" {
		t.Errorf("timestamp = %q", ev.Timestamp)
	}

	var p map[string]any
	if err := json.Unmarshal([]byte(ev.PayloadJSON), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p["user_id"] != "user_007" || p["user_name"] != "Sarah Chen" {
		t.Errorf("actor fields wrong: %v", p)
	}
	ch, _ := p["channel_id"].(string)
	if !strings.HasPrefix(ch, "C") || len(ch) != 6 {
		t.Errorf("channel_id = %q", ch)
	}
	if _, ok := p["thread_ts"]; !ok {
		t.Error("thread payload missing thread_ts")
	}
	if _, ok := p["message_text"]; !ok {
		t.Error("missing message_text")
	}
}

func TestBuildJiraPayload(t *testing.T) {
	s := New(rand.New(rand.NewSource(9)))
	ev, err := s.Build(testUser, domain.PlatformJira, "issue.status_changed", CategoryTaskManagement, time.Now())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var p map[string]any
	if err := json.Unmarshal([]byte(ev.PayloadJSON), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	key, _ := p["issue_key"].(string)
	project, _ := p["project_id"].(string)
	if !strings.HasPrefix(key, project+"-") {
		t.Errorf("issue_key %q not under project %q", key, project)
	}
	from, _ := p["from_status"].(string)
	to, _ := p["to_status"].(string)
	if from == "Done" {
		t.Errorf("from_status = Done")
	}
	if to == "To Do" {
		t.Errorf("to_status = To Do")
	}
}

func TestDrawEveryPlatform(t *testing.T) {
	s := New(rand.New(rand.NewSource(11)))
	for _, platform := range domain.AllPlatforms {
		for i := 0; i < 200; i++ {
			ev, err := s.Draw(testUser, platform, time.Now())
			if err != nil {
				t.Fatalf("%s: %v", platform, err)
			}
			if ev.Platform != platform || ev.EventType == "" || ev.EventCategory == "" {
				t.Fatalf("incomplete event %+v", ev)
			}
			var p map[string]any
			if err := json.Unmarshal([]byte(ev.PayloadJSON), &p); err != nil {
				t.Fatalf("%s payload: %v", platform, err)
			}
		}
	}
}
