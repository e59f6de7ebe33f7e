// Package config reads and writes runtime settings stored in the config
// table, falling back to compiled defaults when a key is absent.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"asphare/internal/domain"
	"asphare/internal/repo"
)

// Config keys.
const (
	KeyMode          = "mode"
	KeyUserCount     = "user_count"
	KeyHistoryDays   = "history_days"
	KeyRetentionDays = "retention_days"
	KeyBatchSize     = "event_batch_size"
	KeyPlatforms     = "platforms"
)

// Defaults.
const (
	DefaultUserCount     = 45
	DefaultHistoryDays   = 180
	DefaultRetentionDays = 180
	DefaultBatchSize     = 50
	MaxBatchSize         = 1000

	WorkdayStartHour = 9
	WorkdayEndHour   = 18
)

// HistoryDayChoices are the accepted backfill windows.
var HistoryDayChoices = []int{14, 30, 90, 180}

// ErrInvalidHistoryDays is returned for windows outside HistoryDayChoices.
var ErrInvalidHistoryDays = errors.New("invalid history days")

func ValidHistoryDays(days int) bool {
	for _, d := range HistoryDayChoices {
		if d == days {
			return true
		}
	}
	return false
}

// Store wraps the repo with typed accessors.
type Store struct {
	Repo *repo.Repo
	Now  func() time.Time
}

func NewStore(r *repo.Repo, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{Repo: r, Now: now}
}

func (s *Store) getInt(key string, def int) (int, error) {
	v, err := s.Repo.GetConfig(key)
	if errors.Is(err, repo.ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config %s=%q: %w", key, v, err)
	}
	return n, nil
}

func (s *Store) setInt(key string, n int) error {
	return s.Repo.SetConfig(key, strconv.Itoa(n), repo.FormatTime(s.Now()))
}

func (s *Store) Mode() (string, error) {
	v, err := s.Repo.GetConfig(KeyMode)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ModeDaily, nil
	}
	return v, err
}

func (s *Store) SetMode(mode string) error {
	switch mode {
	case domain.ModeDaily, domain.ModeReplay, domain.ModeSetup:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	return s.Repo.SetConfig(KeyMode, mode, repo.FormatTime(s.Now()))
}

func (s *Store) UserCount() (int, error) {
	return s.getInt(KeyUserCount, DefaultUserCount)
}

func (s *Store) SetUserCount(n int) error {
	return s.setInt(KeyUserCount, n)
}

func (s *Store) HistoryDays() (int, error) {
	return s.getInt(KeyHistoryDays, DefaultHistoryDays)
}

func (s *Store) SetHistoryDays(days int) error {
	if !ValidHistoryDays(days) {
		return fmt.Errorf("%w: %d (choose one of %v)", ErrInvalidHistoryDays, days, HistoryDayChoices)
	}
	return s.setInt(KeyHistoryDays, days)
}

func (s *Store) RetentionDays() (int, error) {
	return s.getInt(KeyRetentionDays, DefaultRetentionDays)
}

func (s *Store) BatchSize() (int, error) {
	n, err := s.getInt(KeyBatchSize, DefaultBatchSize)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		n = DefaultBatchSize
	}
	if n > MaxBatchSize {
		n = MaxBatchSize
	}
	return n, nil
}

// Platforms returns the active platform set for live generation. Stored as
// an encoded JSON array; defaults to all three platforms when unset.
func (s *Store) Platforms() ([]string, error) {
	v, err := s.Repo.GetConfig(KeyPlatforms)
	if errors.Is(err, repo.ErrNotFound) {
		return append([]string(nil), domain.AllPlatforms...), nil
	}
	if err != nil {
		return nil, err
	}
	var platforms []string
	if err := json.Unmarshal([]byte(v), &platforms); err != nil {
		return nil, fmt.Errorf("config %s=%q: %w", KeyPlatforms, v, err)
	}
	return platforms, nil
}

func (s *Store) SetPlatforms(platforms []string) error {
	if len(platforms) == 0 {
		return errors.New("at least one platform required")
	}
	for _, p := range platforms {
		if !domain.ValidPlatform(p) {
			return fmt.Errorf("unknown platform %q", p)
		}
	}
	raw, err := json.Marshal(platforms)
	if err != nil {
		return err
	}
	return s.Repo.SetConfig(KeyPlatforms, string(raw), repo.FormatTime(s.Now()))
}

// File is the YAML seed file shape accepted by ImportFile.
type File struct {
	UserCount     int      `yaml:"user_count"`
	HistoryDays   int      `yaml:"history_days"`
	RetentionDays int      `yaml:"retention_days"`
	BatchSize     int      `yaml:"event_batch_size"`
	Mode          string   `yaml:"mode"`
	Platforms     []string `yaml:"platforms"`
}

// ImportFile loads settings from a YAML file into the config table. Zero
// values in the file leave the stored setting untouched.
func (s *Store) ImportFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if f.UserCount != 0 {
		if err := s.SetUserCount(f.UserCount); err != nil {
			return err
		}
	}
	if f.HistoryDays != 0 {
		if err := s.SetHistoryDays(f.HistoryDays); err != nil {
			return err
		}
	}
	if f.RetentionDays != 0 {
		if err := s.setInt(KeyRetentionDays, f.RetentionDays); err != nil {
			return err
		}
	}
	if f.BatchSize != 0 {
		if err := s.setInt(KeyBatchSize, f.BatchSize); err != nil {
			return err
		}
	}
	if f.Mode != "" {
		if err := s.SetMode(f.Mode); err != nil {
			return err
		}
	}
	if len(f.Platforms) > 0 {
		if err := s.SetPlatforms(f.Platforms); err != nil {
			return err
		}
	}
	return nil
}
