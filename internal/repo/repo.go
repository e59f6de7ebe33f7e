package repo

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"asphare/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

type Repo struct {
	DB *sql.DB
}

func New(db *sql.DB) *Repo {
	return &Repo{DB: db}
}

// --- users ---

func (r *Repo) InsertUser(tx *sql.Tx, u domain.User) error {
	_, err := tx.Exec(`
		INSERT INTO users(id, name, email, role, behavior_pattern, activity_multiplier, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.Role, u.BehaviorPattern, u.ActivityMultiplier, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user %s: %w", u.ID, err)
	}
	return nil
}

func (r *Repo) GetUser(id string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRow(`
		SELECT id, name, email, role, behavior_pattern, activity_multiplier, created_at
		FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.BehaviorPattern, &u.ActivityMultiplier, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (r *Repo) ListUsers() ([]domain.User, error) {
	rows, err := r.DB.Query(`
		SELECT id, name, email, role, behavior_pattern, activity_multiplier, created_at
		FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.BehaviorPattern, &u.ActivityMultiplier, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *Repo) CountUsers() (int, error) {
	var n int
	err := r.DB.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// --- events ---

func (r *Repo) InsertEvent(tx *sql.Tx, e domain.Event, source, createdAt string) error {
	_, err := tx.Exec(`
		INSERT INTO events(event_id, user_id, platform, event_type, event_category, timestamp, payload, consumed, source, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		e.ID, e.UserID, e.Platform, e.EventType, e.EventCategory, e.Timestamp, e.PayloadJSON, source, createdAt)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

// PullUnconsumed selects up to limit unconsumed events for platform oldest
// first and marks them consumed inside tx. Callers own the transaction so
// the select and the update commit or roll back together.
func (r *Repo) PullUnconsumed(tx *sql.Tx, platform string, limit int) ([]domain.Event, error) {
	rows, err := tx.Query(`
		SELECT event_id, user_id, platform, event_type, event_category, timestamp, payload, consumed, source, created_at
		FROM events
		WHERE platform = ? AND consumed = 0
		ORDER BY timestamp ASC
		LIMIT ?`, platform, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var consumed int
		if err := rows.Scan(&e.ID, &e.UserID, &e.Platform, &e.EventType, &e.EventCategory, &e.Timestamp, &e.PayloadJSON, &consumed, &e.Source, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Consumed = consumed != 0
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range events {
		if _, err := tx.Exec(`UPDATE events SET consumed = 1 WHERE event_id = ?`, events[i].ID); err != nil {
			return nil, fmt.Errorf("mark consumed %s: %w", events[i].ID, err)
		}
		events[i].Consumed = true
	}
	return events, nil
}

func (r *Repo) CountEvents() (int, error) {
	var n int
	err := r.DB.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

func (r *Repo) CountConsumedEvents() (int, error) {
	var n int
	err := r.DB.QueryRow(`SELECT COUNT(*) FROM events WHERE consumed = 1`).Scan(&n)
	return n, err
}

// CountEventsSince counts events with timestamp >= cutoff (RFC3339 UTC;
// lexicographic order matches chronological order).
func (r *Repo) CountEventsSince(cutoff string) (int, error) {
	var n int
	err := r.DB.QueryRow(`SELECT COUNT(*) FROM events WHERE timestamp >= ?`, cutoff).Scan(&n)
	return n, err
}

func (r *Repo) CountPlatformEvents(platform string) (int, error) {
	var n int
	err := r.DB.QueryRow(`SELECT COUNT(*) FROM events WHERE platform = ?`, platform).Scan(&n)
	return n, err
}

func (r *Repo) CountPlatformEventsSince(platform, cutoff string) (int, error) {
	var n int
	err := r.DB.QueryRow(`SELECT COUNT(*) FROM events WHERE platform = ? AND timestamp >= ?`, platform, cutoff).Scan(&n)
	return n, err
}

// CountUnconsumedBySource counts unconsumed events with the given source.
func (r *Repo) CountUnconsumedBySource(source string) (int, error) {
	var n int
	err := r.DB.QueryRow(`SELECT COUNT(*) FROM events WHERE source = ? AND consumed = 0`, source).Scan(&n)
	return n, err
}

// DeleteEventsBefore removes consumed events older than cutoff and returns
// how many rows were deleted. Unconsumed events are never reaped; the pull
// protocol still owes them to a consumer.
func (r *Repo) DeleteEventsBefore(tx *sql.Tx, cutoff string) (int64, error) {
	res, err := tx.Exec(`DELETE FROM events WHERE consumed = 1 AND timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repo) DeleteAllEvents(tx *sql.Tx) error {
	_, err := tx.Exec(`DELETE FROM events`)
	return err
}

func (r *Repo) DeleteAllUsers(tx *sql.Tx) error {
	_, err := tx.Exec(`DELETE FROM users`)
	return err
}

func (r *Repo) DeleteAllScheduledEvents(tx *sql.Tx) error {
	_, err := tx.Exec(`DELETE FROM scheduled_events`)
	return err
}

// --- config ---

func (r *Repo) GetConfig(key string) (string, error) {
	var v string
	err := r.DB.QueryRow(`SELECT value FROM config WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return v, err
}

func (r *Repo) SetConfig(key, value, updatedAt string) error {
	_, err := r.DB.Exec(`
		INSERT INTO config(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, updatedAt)
	return err
}

func (r *Repo) SetConfigTx(tx *sql.Tx, key, value, updatedAt string) error {
	_, err := tx.Exec(`
		INSERT INTO config(key, value, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, updatedAt)
	return err
}

func (r *Repo) ListConfig() ([]domain.ConfigSetting, error) {
	rows, err := r.DB.Query(`SELECT key, value, updated_at FROM config ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []domain.ConfigSetting
	for rows.Next() {
		var s domain.ConfigSetting
		if err := rows.Scan(&s.Key, &s.Value, &s.UpdatedAt); err != nil {
			return nil, err
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

// --- replay progress ---

func (r *Repo) GetReplayProgress() (domain.ReplayProgress, error) {
	var p domain.ReplayProgress
	var inProgress int
	err := r.DB.QueryRow(`
		SELECT total_events, consumed_events, in_progress, started_at, completed_at, updated_at
		FROM replay_progress WHERE id = 1`).
		Scan(&p.TotalEvents, &p.ConsumedEvents, &inProgress, &p.StartedAt, &p.CompletedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.ReplayProgress{}, ErrNotFound
	}
	if err != nil {
		return domain.ReplayProgress{}, err
	}
	p.InProgress = inProgress != 0
	return p, nil
}

// GetReplayProgressTx reads the singleton row inside tx.
func (r *Repo) GetReplayProgressTx(tx *sql.Tx) (domain.ReplayProgress, error) {
	var p domain.ReplayProgress
	var inProgress int
	err := tx.QueryRow(`
		SELECT total_events, consumed_events, in_progress, started_at, completed_at, updated_at
		FROM replay_progress WHERE id = 1`).
		Scan(&p.TotalEvents, &p.ConsumedEvents, &inProgress, &p.StartedAt, &p.CompletedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.ReplayProgress{}, ErrNotFound
	}
	if err != nil {
		return domain.ReplayProgress{}, err
	}
	p.InProgress = inProgress != 0
	return p, nil
}

func (r *Repo) UpsertReplayProgress(tx *sql.Tx, p domain.ReplayProgress) error {
	inProgress := 0
	if p.InProgress {
		inProgress = 1
	}
	_, err := tx.Exec(`
		INSERT INTO replay_progress(id, total_events, consumed_events, in_progress, started_at, completed_at, updated_at)
		VALUES(1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			total_events = excluded.total_events,
			consumed_events = excluded.consumed_events,
			in_progress = excluded.in_progress,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		p.TotalEvents, p.ConsumedEvents, inProgress, p.StartedAt, p.CompletedAt, p.UpdatedAt)
	return err
}

// AddReplayConsumed increments the consumed counter and returns the updated
// row. Only meaningful while a replay is in progress.
func (r *Repo) AddReplayConsumed(tx *sql.Tx, n int, updatedAt string) (domain.ReplayProgress, error) {
	_, err := tx.Exec(`
		UPDATE replay_progress SET consumed_events = consumed_events + ?, updated_at = ? WHERE id = 1`,
		n, updatedAt)
	if err != nil {
		return domain.ReplayProgress{}, err
	}
	var p domain.ReplayProgress
	var inProgress int
	err = tx.QueryRow(`
		SELECT total_events, consumed_events, in_progress, started_at, completed_at, updated_at
		FROM replay_progress WHERE id = 1`).
		Scan(&p.TotalEvents, &p.ConsumedEvents, &inProgress, &p.StartedAt, &p.CompletedAt, &p.UpdatedAt)
	if err != nil {
		return domain.ReplayProgress{}, err
	}
	p.InProgress = inProgress != 0
	return p, nil
}

func (r *Repo) CompleteReplay(tx *sql.Tx, completedAt string) error {
	_, err := tx.Exec(`
		UPDATE replay_progress SET in_progress = 0, completed_at = ?, updated_at = ? WHERE id = 1`,
		completedAt, completedAt)
	return err
}

// --- scheduled events ---

func (r *Repo) InsertScheduledEvent(s domain.ScheduledEvent) (int64, error) {
	res, err := r.DB.Exec(`
		INSERT INTO scheduled_events(schedule_time, platform, event_type, user_id, params, executed, created_at)
		VALUES(?, ?, ?, ?, ?, 0, ?)`,
		s.ScheduleTime, s.Platform, s.EventType, s.UserID, s.ParamsJSON, s.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DueScheduledEvents returns unexecuted entries with schedule_time <= now.
func (r *Repo) DueScheduledEvents(now string) ([]domain.ScheduledEvent, error) {
	rows, err := r.DB.Query(`
		SELECT id, schedule_time, platform, event_type, user_id, params, executed, created_at
		FROM scheduled_events
		WHERE executed = 0 AND schedule_time <= ?
		ORDER BY schedule_time ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduledEvent
	for rows.Next() {
		var s domain.ScheduledEvent
		var executed int
		if err := rows.Scan(&s.ID, &s.ScheduleTime, &s.Platform, &s.EventType, &s.UserID, &s.ParamsJSON, &executed, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Executed = executed != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repo) MarkScheduledExecuted(tx *sql.Tx, id int64) error {
	_, err := tx.Exec(`UPDATE scheduled_events SET executed = 1 WHERE id = ?`, id)
	return err
}

func (r *Repo) ListScheduledEvents(includeExecuted bool) ([]domain.ScheduledEvent, error) {
	q := `
		SELECT id, schedule_time, platform, event_type, user_id, params, executed, created_at
		FROM scheduled_events`
	if !includeExecuted {
		q += ` WHERE executed = 0`
	}
	q += ` ORDER BY schedule_time ASC`
	rows, err := r.DB.Query(q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduledEvent
	for rows.Next() {
		var s domain.ScheduledEvent
		var executed int
		if err := rows.Scan(&s.ID, &s.ScheduleTime, &s.Platform, &s.EventType, &s.UserID, &s.ParamsJSON, &executed, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Executed = executed != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- auth codes ---

func (r *Repo) InsertAuthCode(username, code, expiresAt, createdAt string) error {
	_, err := r.DB.Exec(`
		INSERT INTO auth_codes(username, code, expires_at, used, created_at)
		VALUES(?, ?, ?, 0, ?)`, username, code, expiresAt, createdAt)
	return err
}

// ConsumeAuthCode marks a matching unused, unexpired code as used. Returns
// ErrNotFound when no such code exists.
func (r *Repo) ConsumeAuthCode(username, code, now string) error {
	res, err := r.DB.Exec(`
		UPDATE auth_codes SET used = 1
		WHERE username = ? AND code = ? AND used = 0 AND expires_at > ?`,
		username, code, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) DeleteExpiredAuthCodes(now string) error {
	_, err := r.DB.Exec(`DELETE FROM auth_codes WHERE expires_at <= ? OR used = 1`, now)
	return err
}

// FormatTime renders t the way every timestamp column stores it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
