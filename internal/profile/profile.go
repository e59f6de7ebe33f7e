// Package profile generates the synthetic user population and carries the
// behavior archetypes that drive per-user event volume.
package profile

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"asphare/internal/domain"
)

// Pattern describes one behavior archetype. Daily ranges bound the uniform
// per-day volume draw; the multiplier is descriptive user metadata.
type Pattern struct {
	Name               string
	Share              float64
	ActivityMultiplier float64
	SlackPerDay        [2]int
	TeamsPerDay        [2]int
	JiraPerDay         [2]int
	ResponseMinutes    [2]int
	WorkStyle          string
}

// Patterns in assignment order. Shares sum to 1.0; any remainder from the
// floor-quota split falls to steady_contributor.
var Patterns = []Pattern{
	{
		Name:               "high_performer",
		Share:              0.20,
		ActivityMultiplier: 1.75,
		SlackPerDay:        [2]int{40, 50},
		TeamsPerDay:        [2]int{20, 25},
		JiraPerDay:         [2]int{10, 15},
		ResponseMinutes:    [2]int{5, 30},
		WorkStyle:          "consistent",
	},
	{
		Name:               "steady_contributor",
		Share:              0.50,
		ActivityMultiplier: 1.0,
		SlackPerDay:        [2]int{20, 30},
		TeamsPerDay:        [2]int{10, 15},
		JiraPerDay:         [2]int{5, 8},
		ResponseMinutes:    [2]int{60, 120},
		WorkStyle:          "regular",
	},
	{
		Name:               "at_risk",
		Share:              0.20,
		ActivityMultiplier: 0.45,
		SlackPerDay:        [2]int{5, 15},
		TeamsPerDay:        [2]int{3, 8},
		JiraPerDay:         [2]int{2, 5},
		ResponseMinutes:    [2]int{240, 480},
		WorkStyle:          "irregular",
	},
	{
		Name:               "onboarding",
		Share:              0.10,
		ActivityMultiplier: 0.70,
		SlackPerDay:        [2]int{10, 25},
		TeamsPerDay:        [2]int{8, 15},
		JiraPerDay:         [2]int{3, 7},
		ResponseMinutes:    [2]int{60, 180},
		WorkStyle:          "learning",
	},
}

// PatternByName returns the archetype for name, or nil.
func PatternByName(name string) *Pattern {
	for i := range Patterns {
		if Patterns[i].Name == name {
			return &Patterns[i]
		}
	}
	return nil
}

var firstNames = []string{
	"Sarah", "Michael", "Emma", "James", "Olivia", "William", "Ava", "Robert",
	"Isabella", "David", "Sophia", "Joseph", "Charlotte", "Thomas", "Amelia",
	"Christopher", "Emily", "Daniel", "Harper", "Matthew", "Evelyn", "Andrew",
	"Abigail", "Joshua", "Elizabeth", "Ryan", "Sofia", "Nicholas", "Avery",
	"Brandon",
}

var lastNames = []string{
	"Chen", "Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia",
	"Miller", "Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez",
	"Wilson", "Anderson", "Taylor", "Thomas", "Moore", "Jackson", "Martin",
	"Lee", "Thompson", "White", "Harris", "Clark", "Lewis", "Robinson",
	"Walker", "Young", "Hall",
}

var roles = []string{
	"Software Engineer", "Senior Engineer", "Product Manager", "Designer",
	"Data Analyst", "DevOps Engineer", "QA Engineer", "Project Manager",
	"Team Lead", "Engineering Manager", "UX Researcher", "Technical Writer",
}

const (
	emailDomain = "asphare.com"
	// Name pool is 30x30; resampling is bounded well below that.
	maxNameAttempts = 2000
)

// ErrNamePoolExhausted is returned when a unique name cannot be drawn.
var ErrNamePoolExhausted = errors.New("name pool exhausted")

// MinUsers and MaxUsers bound the configurable population size.
const (
	MinUsers = 30
	MaxUsers = 60
)

// Generate builds count users with archetypes assigned by floor-share quota,
// the remainder joining steady_contributor. IDs are user_001..user_NNN in
// post-shuffle order so archetype cannot be inferred from the ID.
func Generate(count int, rng *rand.Rand, now time.Time) ([]domain.User, error) {
	if count < MinUsers || count > MaxUsers {
		return nil, fmt.Errorf("user count %d out of range [%d,%d]", count, MinUsers, MaxUsers)
	}

	assignments := make([]string, 0, count)
	for _, p := range Patterns {
		n := int(p.Share * float64(count))
		for i := 0; i < n; i++ {
			assignments = append(assignments, p.Name)
		}
	}
	for len(assignments) < count {
		assignments = append(assignments, "steady_contributor")
	}

	seen := make(map[string]bool, count)
	users := make([]domain.User, 0, count)
	createdAt := now.UTC().Format(time.RFC3339)
	for _, pattern := range assignments {
		name, err := uniqueName(rng, seen)
		if err != nil {
			return nil, err
		}
		p := PatternByName(pattern)
		users = append(users, domain.User{
			Name:               name,
			Email:              emailFor(name),
			Role:               roles[rng.Intn(len(roles))],
			BehaviorPattern:    p.Name,
			ActivityMultiplier: p.ActivityMultiplier,
			CreatedAt:          createdAt,
		})
	}

	rng.Shuffle(len(users), func(i, j int) {
		users[i], users[j] = users[j], users[i]
	})
	for i := range users {
		users[i].ID = fmt.Sprintf("user_%03d", i+1)
	}
	return users, nil
}

func uniqueName(rng *rand.Rand, seen map[string]bool) (string, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		name := firstNames[rng.Intn(len(firstNames))] + " " + lastNames[rng.Intn(len(lastNames))]
		if !seen[name] {
			seen[name] = true
			return name, nil
		}
	}
	return "", ErrNamePoolExhausted
}

func emailFor(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", ".")) + "@" + emailDomain
}
