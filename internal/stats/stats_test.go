package stats

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stats.json")
	return New(slog.New(slog.DiscardHandler), path, 0), path
}

func TestTracker_CountsEachShopOnce(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.AddStore("puuid-1", []string{"skin-a", "skin-b"})
	tr.AddStore("puuid-1", []string{"skin-a", "skin-b"}) // same day, same player
	tr.AddStore("puuid-2", []string{"skin-a"})

	overall := tr.OverallStats()
	if overall.ShopsIncluded != 2 {
		t.Errorf("expected 2 shops, got %d", overall.ShopsIncluded)
	}
	if overall.Items["skin-a"] != 2 {
		t.Errorf("expected skin-a count 2, got %d", overall.Items["skin-a"])
	}
	if overall.Items["skin-b"] != 1 {
		t.Errorf("expected skin-b count 1, got %d", overall.Items["skin-b"])
	}
}

func TestTracker_StatsForRanksByPopularity(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.AddStore("p1", []string{"common", "rare"})
	tr.AddStore("p2", []string{"common"})

	common := tr.StatsFor("common")
	if common.Count != 2 || common.Rank != 1 || common.OutOf != 2 {
		t.Errorf("common: %+v", common)
	}
	rare := tr.StatsFor("rare")
	if rare.Count != 1 || rare.Rank != 2 {
		t.Errorf("rare: %+v", rare)
	}
	unseen := tr.StatsFor("never")
	if unseen.Count != 0 || unseen.Rank != 0 {
		t.Errorf("unseen item should have zero count and rank, got %+v", unseen)
	}
}

func TestTracker_FlushPersistsAndReloads(t *testing.T) {
	tr, path := newTestTracker(t)

	tr.AddStore("p1", []string{"skin-a"})

	// nothing on disk yet; the write is debounced
	if _, err := os.Stat(path); err == nil {
		t.Error("stats file written before flush/debounce")
	}

	tr.Flush()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("flush did not write the file: %v", err)
	}

	reloaded := New(slog.New(slog.DiscardHandler), path, 0)
	overall := reloaded.OverallStats()
	if overall.ShopsIncluded != 1 || overall.Items["skin-a"] != 1 {
		t.Errorf("reloaded stats wrong: %+v", overall)
	}
}

func TestTracker_FlushWithoutChangesIsQuiet(t *testing.T) {
	tr, path := newTestTracker(t)
	tr.Flush()
	if _, err := os.Stat(path); err == nil {
		t.Error("flush with no data should not create a file")
	}
}

func TestDaysAgo(t *testing.T) {
	if got := daysAgo(formatDate(time.Now().UTC())); got != 0 {
		t.Errorf("today should be 0 days ago, got %d", got)
	}
	if got := daysAgo("1-1-2000"); got <= 0 {
		t.Errorf("ancient date should be positive, got %d", got)
	}
	if got := daysAgo("garbage"); got != 0 {
		t.Errorf("unparseable date should read as 0, got %d", got)
	}
}
