package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"asphare/internal/db"
	"asphare/internal/domain"
	"asphare/internal/migrate"
	"asphare/internal/repo"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(repo.New(conn), func() time.Time {
		return time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	})
}

func TestDefaults(t *testing.T) {
	s := newTestStore(t)
	if n, _ := s.UserCount(); n != DefaultUserCount {
		t.Errorf("user count = %d", n)
	}
	if n, _ := s.HistoryDays(); n != DefaultHistoryDays {
		t.Errorf("history days = %d", n)
	}
	if n, _ := s.RetentionDays(); n != DefaultRetentionDays {
		t.Errorf("retention days = %d", n)
	}
	if n, _ := s.BatchSize(); n != DefaultBatchSize {
		t.Errorf("batch size = %d", n)
	}
	if m, _ := s.Mode(); m != domain.ModeDaily {
		t.Errorf("mode = %q", m)
	}
}

func TestHistoryDaysValidation(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetHistoryDays(90); err != nil {
		t.Fatalf("set 90: %v", err)
	}
	if n, _ := s.HistoryDays(); n != 90 {
		t.Fatalf("history days = %d", n)
	}
	if err := s.SetHistoryDays(45); !errors.Is(err, ErrInvalidHistoryDays) {
		t.Fatalf("set 45: err = %v", err)
	}
}

func TestModeValidation(t *testing.T) {
	s := newTestStore(t)
	for _, mode := range []string{domain.ModeDaily, domain.ModeReplay, domain.ModeSetup} {
		if err := s.SetMode(mode); err != nil {
			t.Fatalf("set %s: %v", mode, err)
		}
	}
	if err := s.SetMode("turbo"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestBatchSizeClamping(t *testing.T) {
	s := newTestStore(t)
	if err := s.Repo.SetConfig(KeyBatchSize, "5000", repo.FormatTime(s.Now())); err != nil {
		t.Fatalf("set: %v", err)
	}
	if n, _ := s.BatchSize(); n != MaxBatchSize {
		t.Fatalf("batch size = %d, want clamp to %d", n, MaxBatchSize)
	}
	if err := s.Repo.SetConfig(KeyBatchSize, "0", repo.FormatTime(s.Now())); err != nil {
		t.Fatalf("set: %v", err)
	}
	if n, _ := s.BatchSize(); n != DefaultBatchSize {
		t.Fatalf("batch size = %d, want default", n)
	}
}

func TestPlatforms(t *testing.T) {
	s := newTestStore(t)
	platforms, err := s.Platforms()
	if err != nil {
		t.Fatalf("platforms: %v", err)
	}
	if len(platforms) != len(domain.AllPlatforms) {
		t.Fatalf("default platforms = %v", platforms)
	}

	if err := s.SetPlatforms([]string{domain.PlatformSlack, domain.PlatformJira}); err != nil {
		t.Fatalf("set: %v", err)
	}
	platforms, err = s.Platforms()
	if err != nil {
		t.Fatalf("platforms: %v", err)
	}
	if len(platforms) != 2 || platforms[0] != domain.PlatformSlack {
		t.Fatalf("platforms = %v", platforms)
	}

	if err := s.SetPlatforms([]string{"discord"}); err == nil {
		t.Fatal("expected error for unknown platform")
	}
	if err := s.SetPlatforms(nil); err == nil {
		t.Fatal("expected error for empty platform list")
	}
}

func TestImportFile(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := "user_count: 50\nhistory_days: 30\nmode: daily\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.ImportFile(path); err != nil {
		t.Fatalf("import: %v", err)
	}
	if n, _ := s.UserCount(); n != 50 {
		t.Errorf("user count = %d", n)
	}
	if n, _ := s.HistoryDays(); n != 30 {
		t.Errorf("history days = %d", n)
	}
	// Retention was absent from the file and keeps its default.
	if n, _ := s.RetentionDays(); n != DefaultRetentionDays {
		t.Errorf("retention days = %d", n)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("history_days: 45\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.ImportFile(bad); !errors.Is(err, ErrInvalidHistoryDays) {
		t.Fatalf("import bad: err = %v", err)
	}
}
