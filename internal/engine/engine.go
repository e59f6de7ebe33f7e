// Package engine owns the simulator's write paths: population setup,
// historical backfill, daily generation, replay control and the pull
// protocol.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"asphare/internal/config"
	"asphare/internal/domain"
	"asphare/internal/metrics"
	"asphare/internal/profile"
	"asphare/internal/repo"
	"asphare/internal/synth"
)

// ErrNoHistoricalEvents is returned when a replay is started with nothing
// left to replay.
var ErrNoHistoricalEvents = errors.New("no unconsumed historical events")

// ErrNoUsers is returned when generation runs before setup has seeded a
// population.
var ErrNoUsers = errors.New("no users in database")

// ErrNoReplayInProgress is returned for progress reports outside an active
// replay.
var ErrNoReplayInProgress = errors.New("no replay in progress")

type Engine struct {
	DB   *sql.DB
	Repo *repo.Repo
	Cfg  *config.Store
	Now  func() time.Time
	Log  *log.Logger

	// mu serializes access to the shared random source between the HTTP
	// handlers and the background scheduler.
	mu    sync.Mutex
	rng   *rand.Rand
	synth *synth.Synth
}

func New(db *sql.DB, logger *log.Logger, seed int64) *Engine {
	r := repo.New(db)
	rng := rand.New(rand.NewSource(seed))
	return &Engine{
		DB:    db,
		Repo:  r,
		Cfg:   config.NewStore(r, time.Now),
		Now:   time.Now,
		Log:   logger,
		rng:   rng,
		synth: synth.New(rng),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logf(format string, args ...any) {
	if e.Log != nil {
		e.Log.Printf(format, args...)
	}
}

// SetupResult summarizes a completed seed run.
type SetupResult struct {
	Users       int `json:"users"`
	Events      int `json:"events"`
	HistoryDays int `json:"history_days"`
}

// Setup wipes the population and reseeds it: userCount fresh users plus a
// historical backfill covering historyDays calendar days before now.
func (e *Engine) Setup(ctx context.Context, userCount, historyDays int) (SetupResult, error) {
	if !config.ValidHistoryDays(historyDays) {
		return SetupResult{}, fmt.Errorf("%w: %d", config.ErrInvalidHistoryDays, historyDays)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	users, err := profile.Generate(userCount, e.rng, now)
	if err != nil {
		return SetupResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SetupResult{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteAllEvents(tx); err != nil {
		return SetupResult{}, fmt.Errorf("clear events: %w", err)
	}
	// Scheduled rows may reference users and go with the population.
	if err := e.Repo.DeleteAllScheduledEvents(tx); err != nil {
		return SetupResult{}, fmt.Errorf("clear scheduled events: %w", err)
	}
	if err := e.Repo.DeleteAllUsers(tx); err != nil {
		return SetupResult{}, fmt.Errorf("clear users: %w", err)
	}
	for _, u := range users {
		if err := e.Repo.InsertUser(tx, u); err != nil {
			return SetupResult{}, err
		}
	}

	nowStr := repo.FormatTime(now)
	if err := e.Repo.SetConfigTx(tx, config.KeyUserCount, fmt.Sprintf("%d", userCount), nowStr); err != nil {
		return SetupResult{}, err
	}
	if err := e.Repo.SetConfigTx(tx, config.KeyHistoryDays, fmt.Sprintf("%d", historyDays), nowStr); err != nil {
		return SetupResult{}, err
	}
	if err := e.Repo.SetConfigTx(tx, config.KeyMode, domain.ModeSetup, nowStr); err != nil {
		return SetupResult{}, err
	}
	if err := e.Repo.UpsertReplayProgress(tx, domain.ReplayProgress{UpdatedAt: nowStr}); err != nil {
		return SetupResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SetupResult{}, err
	}

	generated, err := e.backfill(ctx, users, historyDays, now)
	if err != nil {
		return SetupResult{}, err
	}

	e.logf("setup complete: %d users, %d events over %d days", len(users), generated, historyDays)
	return SetupResult{Users: len(users), Events: generated, HistoryDays: historyDays}, nil
}

// backfill walks every calendar day in the window, weekends included, and
// draws each user's per-platform daily volume uniformly from the archetype
// range. Each day commits on its own so a failed run leaves usable partial
// history.
func (e *Engine) backfill(ctx context.Context, users []domain.User, historyDays int, now time.Time) (int, error) {
	createdAt := repo.FormatTime(now)
	total := 0
	for dayOffset := historyDays; dayOffset >= 1; dayOffset-- {
		day := now.AddDate(0, 0, -dayOffset)
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return total, err
		}
		n, err := e.backfillDay(tx, users, day, createdAt)
		if err != nil {
			tx.Rollback()
			return total, err
		}
		if err := tx.Commit(); err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (e *Engine) backfillDay(tx *sql.Tx, users []domain.User, day time.Time, createdAt string) (int, error) {
	generated := 0
	for _, u := range users {
		pattern := profile.PatternByName(u.BehaviorPattern)
		if pattern == nil {
			return 0, fmt.Errorf("user %s has unknown pattern %q", u.ID, u.BehaviorPattern)
		}
		for _, platform := range domain.AllPlatforms {
			lo, hi := dailyRange(pattern, platform)
			count := lo + e.rng.Intn(hi-lo+1)
			for i := 0; i < count; i++ {
				ts := time.Date(day.Year(), day.Month(), day.Day(),
					9+e.rng.Intn(9), e.rng.Intn(60), e.rng.Intn(60), 0, time.UTC)
				ev, err := e.synth.Draw(u, platform, ts)
				if err != nil {
					return 0, err
				}
				if err := e.Repo.InsertEvent(tx, ev, domain.SourceHistorical, createdAt); err != nil {
					return 0, err
				}
				metrics.EventsGenerated.WithLabelValues(platform, domain.SourceHistorical).Inc()
				generated++
			}
		}
	}
	return generated, nil
}

func dailyRange(p *profile.Pattern, platform string) (int, int) {
	switch platform {
	case domain.PlatformSlack:
		return p.SlackPerDay[0], p.SlackPerDay[1]
	case domain.PlatformTeams:
		return p.TeamsPerDay[0], p.TeamsPerDay[1]
	default:
		return p.JiraPerDay[0], p.JiraPerDay[1]
	}
}

// DailyTick emits a burst of live events for a random sample of users.
// It is a no-op outside daily mode, outside Monday-Friday, or outside
// working hours.
func (e *Engine) DailyTick(ctx context.Context) (int, error) {
	mode, err := e.Cfg.Mode()
	if err != nil {
		return 0, err
	}
	if mode != domain.ModeDaily {
		return 0, nil
	}
	now := e.now().UTC()
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return 0, nil
	}
	if now.Hour() < config.WorkdayStartHour || now.Hour() >= config.WorkdayEndHour {
		return 0, nil
	}

	platforms, err := e.Cfg.Platforms()
	if err != nil {
		return 0, err
	}
	users, err := e.Repo.ListUsers()
	if err != nil {
		return 0, err
	}
	if len(users) == 0 {
		return 0, ErrNoUsers
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sampleSize := 10 + e.rng.Intn(21)
	if sampleSize > len(users) {
		sampleSize = len(users)
	}
	e.rng.Shuffle(len(users), func(i, j int) {
		users[i], users[j] = users[j], users[i]
	})
	sample := users[:sampleSize]

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	createdAt := repo.FormatTime(now)
	emitted := 0
	for _, u := range sample {
		for _, platform := range platforms {
			if e.rng.Float64() >= 0.3 {
				continue
			}
			ts := now.Add(time.Duration(e.rng.Intn(301)) * time.Second)
			ev, err := e.synth.Draw(u, platform, ts)
			if err != nil {
				return 0, err
			}
			if err := e.Repo.InsertEvent(tx, ev, domain.SourceDaily, createdAt); err != nil {
				return 0, err
			}
			metrics.EventsGenerated.WithLabelValues(platform, domain.SourceDaily).Inc()
			emitted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if emitted > 0 {
		e.logf("daily tick: %d events from %d users", emitted, sampleSize)
	}
	return emitted, nil
}

// Simulate writes count manual events for platform. userID may be empty,
// in which case a random user is drawn per event. An event type hint is
// accepted at the API boundary but the synthesizer always performs its own
// weighted draw, so the hint is not passed down here.
func (e *Engine) Simulate(ctx context.Context, platform, userID string, count int) ([]domain.Event, error) {
	if !domain.ValidPlatform(platform) {
		return nil, fmt.Errorf("%w: %s", synth.ErrUnsupportedPlatform, platform)
	}
	if count <= 0 {
		count = 1
	}

	users, err := e.Repo.ListUsers()
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNoUsers
	}
	var fixed *domain.User
	if userID != "" {
		u, err := e.Repo.GetUser(userID)
		if err != nil {
			return nil, err
		}
		fixed = &u
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	created := make([]domain.Event, 0, count)
	createdAt := repo.FormatTime(now)
	for i := 0; i < count; i++ {
		user := users[e.rng.Intn(len(users))]
		if fixed != nil {
			user = *fixed
		}
		ev, err := e.synth.Draw(user, platform, now)
		if err != nil {
			return nil, err
		}
		if err := e.Repo.InsertEvent(tx, ev, domain.SourceManual, createdAt); err != nil {
			return nil, err
		}
		ev.Source = domain.SourceManual
		created = append(created, ev)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	metrics.EventsGenerated.WithLabelValues(platform, domain.SourceManual).Add(float64(len(created)))
	return created, nil
}

// Pull hands out up to limit unconsumed events for platform, oldest first,
// marking them consumed in the same transaction so concurrent consumers
// never receive the same event.
func (e *Engine) Pull(ctx context.Context, platform string, limit int) ([]domain.Event, error) {
	if !domain.ValidPlatform(platform) {
		return nil, fmt.Errorf("%w: %s", synth.ErrUnsupportedPlatform, platform)
	}
	batch, err := e.Cfg.BatchSize()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = batch
	}
	if limit > config.MaxBatchSize {
		limit = config.MaxBatchSize
	}

	metrics.PullRequests.WithLabelValues(platform).Inc()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	events, err := e.Repo.PullUnconsumed(tx, platform, limit)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	metrics.EventsConsumed.WithLabelValues(platform).Add(float64(len(events)))
	return events, nil
}

// ReportReplayProgress advances the replay counter by n processed events,
// completing the replay and resetting mode to daily once consumed reaches
// total. The raw counter may overshoot total; only the percentage clamps.
func (e *Engine) ReportReplayProgress(ctx context.Context, n int) (domain.ReplayProgress, error) {
	if n <= 0 {
		return domain.ReplayProgress{}, fmt.Errorf("invalid events_processed %d", n)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReplayProgress{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetReplayProgressTx(tx)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ReplayProgress{}, ErrNoReplayInProgress
	}
	if err != nil {
		return domain.ReplayProgress{}, err
	}
	if !current.InProgress {
		return domain.ReplayProgress{}, ErrNoReplayInProgress
	}

	nowStr := repo.FormatTime(e.now())
	progress, err := e.Repo.AddReplayConsumed(tx, n, nowStr)
	if err != nil {
		return domain.ReplayProgress{}, err
	}
	if progress.ConsumedEvents >= progress.TotalEvents {
		if err := e.Repo.CompleteReplay(tx, nowStr); err != nil {
			return domain.ReplayProgress{}, err
		}
		if err := e.Repo.SetConfigTx(tx, config.KeyMode, domain.ModeDaily, nowStr); err != nil {
			return domain.ReplayProgress{}, err
		}
		progress.InProgress = false
		progress.CompletedAt = &nowStr
		e.logf("replay complete: %d/%d events", progress.ConsumedEvents, progress.TotalEvents)
	}
	if err := tx.Commit(); err != nil {
		return domain.ReplayProgress{}, err
	}
	if progress.TotalEvents > 0 {
		metrics.ReplayProgressRatio.Set(float64(progress.Percent()) / 100)
	}
	return progress, nil
}

// StartReplay resets progress over the unconsumed historical backlog and
// switches generation to replay mode.
func (e *Engine) StartReplay(ctx context.Context) (domain.ReplayProgress, error) {
	total, err := e.Repo.CountUnconsumedBySource(domain.SourceHistorical)
	if err != nil {
		return domain.ReplayProgress{}, err
	}
	if total == 0 {
		return domain.ReplayProgress{}, ErrNoHistoricalEvents
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReplayProgress{}, err
	}
	defer tx.Rollback()

	nowStr := repo.FormatTime(e.now())
	progress := domain.ReplayProgress{
		TotalEvents:    total,
		ConsumedEvents: 0,
		InProgress:     true,
		StartedAt:      &nowStr,
		UpdatedAt:      nowStr,
	}
	if err := e.Repo.UpsertReplayProgress(tx, progress); err != nil {
		return domain.ReplayProgress{}, err
	}
	if err := e.Repo.SetConfigTx(tx, config.KeyMode, domain.ModeReplay, nowStr); err != nil {
		return domain.ReplayProgress{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReplayProgress{}, err
	}
	metrics.ReplayProgressRatio.Set(0)
	e.logf("replay started: %d historical events", total)
	return progress, nil
}

// ReplayStatus returns the current progress row. A database that has never
// seen setup reports an empty, not-in-progress status.
func (e *Engine) ReplayStatus() (domain.ReplayProgress, error) {
	p, err := e.Repo.GetReplayProgress()
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ReplayProgress{}, nil
	}
	return p, err
}

// Stats builds the dashboard read model.
func (e *Engine) Stats() (domain.Stats, error) {
	var s domain.Stats
	var err error
	if s.UserCount, err = e.Repo.CountUsers(); err != nil {
		return s, err
	}
	if s.TotalEvents, err = e.Repo.CountEvents(); err != nil {
		return s, err
	}
	if s.ConsumedEvents, err = e.Repo.CountConsumedEvents(); err != nil {
		return s, err
	}

	now := e.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	cutoff := repo.FormatTime(midnight)
	if s.TodayEvents, err = e.Repo.CountEventsSince(cutoff); err != nil {
		return s, err
	}
	if s.Mode, err = e.Cfg.Mode(); err != nil {
		return s, err
	}
	progress, err := e.ReplayStatus()
	if err != nil {
		return s, err
	}
	s.ReplayProgress = progress.Percent()
	if progress.TotalEvents == 0 && !progress.InProgress {
		s.ReplayProgress = 0
	}

	s.Platforms = make(map[string]domain.PlatformStats, len(domain.AllPlatforms))
	for _, platform := range domain.AllPlatforms {
		total, err := e.Repo.CountPlatformEvents(platform)
		if err != nil {
			return s, err
		}
		today, err := e.Repo.CountPlatformEventsSince(platform, cutoff)
		if err != nil {
			return s, err
		}
		s.Platforms[platform] = domain.PlatformStats{Total: total, Today: today}
	}
	return s, nil
}

// Cleanup deletes events older than the retention window and returns how
// many rows went away.
func (e *Engine) Cleanup(ctx context.Context) (int64, error) {
	days, err := e.Cfg.RetentionDays()
	if err != nil {
		return 0, err
	}
	cutoff := repo.FormatTime(e.now().AddDate(0, 0, -days))

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	deleted, err := e.Repo.DeleteEventsBefore(tx, cutoff)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if deleted > 0 {
		e.logf("cleanup: removed %d events older than %s", deleted, cutoff)
	}
	return deleted, nil
}

// ScheduleEvent queues a one-shot event for the sweep loop to emit at or
// after scheduleTime. paramsJSON carries the caller's parameter document and
// defaults to an empty object.
func (e *Engine) ScheduleEvent(ctx context.Context, scheduleTime time.Time, platform, eventType, userID, paramsJSON string) (domain.ScheduledEvent, error) {
	if !domain.ValidPlatform(platform) {
		return domain.ScheduledEvent{}, fmt.Errorf("%w: %s", synth.ErrUnsupportedPlatform, platform)
	}
	if paramsJSON == "" {
		paramsJSON = "{}"
	} else if !json.Valid([]byte(paramsJSON)) {
		return domain.ScheduledEvent{}, fmt.Errorf("invalid params document")
	}
	s := domain.ScheduledEvent{
		ScheduleTime: repo.FormatTime(scheduleTime),
		Platform:     platform,
		EventType:    eventType,
		ParamsJSON:   paramsJSON,
		CreatedAt:    repo.FormatTime(e.now()),
	}
	if userID != "" {
		if _, err := e.Repo.GetUser(userID); err != nil {
			return domain.ScheduledEvent{}, err
		}
		s.UserID = &userID
	}
	id, err := e.Repo.InsertScheduledEvent(s)
	if err != nil {
		return domain.ScheduledEvent{}, err
	}
	s.ID = id
	return s, nil
}

// RunDueScheduled emits every queued event whose time has come. The event
// insert and the executed flag commit in one transaction per row, so a crash
// mid-sweep never emits the same row twice.
func (e *Engine) RunDueScheduled(ctx context.Context) (int, error) {
	due, err := e.Repo.DueScheduledEvents(repo.FormatTime(e.now()))
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}
	users, err := e.Repo.ListUsers()
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	createdAt := repo.FormatTime(now)
	ran := 0
	for _, s := range due {
		var user domain.User
		if s.UserID != nil {
			u, err := e.Repo.GetUser(*s.UserID)
			if err != nil {
				e.logf("scheduled event %d skipped: %v", s.ID, err)
				continue
			}
			user = u
		} else {
			if len(users) == 0 {
				e.logf("scheduled event %d skipped: no users", s.ID)
				continue
			}
			user = users[e.rng.Intn(len(users))]
		}

		ev, err := e.synth.Draw(user, s.Platform, now)
		if err != nil {
			e.logf("scheduled event %d failed: %v", s.ID, err)
			continue
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return ran, err
		}
		if err := e.Repo.InsertEvent(tx, ev, domain.SourceManual, createdAt); err != nil {
			tx.Rollback()
			return ran, err
		}
		if err := e.Repo.MarkScheduledExecuted(tx, s.ID); err != nil {
			tx.Rollback()
			return ran, err
		}
		if err := tx.Commit(); err != nil {
			return ran, err
		}
		metrics.EventsGenerated.WithLabelValues(s.Platform, domain.SourceManual).Inc()
		ran++
	}
	return ran, nil
}
