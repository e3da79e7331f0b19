// Package stats tracks which shop items appear across fetched daily
// shops. Writes are coalesced: mutations mark the in-memory state dirty
// and a debounce timer batches them into one file write.
package stats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const saveDebounce = 5 * time.Second

type dayStats struct {
	ShopsIncluded int            `json:"shopsIncluded"`
	Items         map[string]int `json:"items"`
	Users         []string       `json:"users"`
}

type statsFile struct {
	FileVersion int                  `json:"fileVersion"`
	Stats       map[string]*dayStats `json:"stats"`
}

// Overall is the aggregate across all retained days.
type Overall struct {
	ShopsIncluded int            `json:"shopsIncluded"`
	Items         map[string]int `json:"items"`
	// ranking holds item UUIDs ordered by descending count.
	ranking []string
}

// ItemStats is the per-item view handed to callers.
type ItemStats struct {
	ShopsIncluded int `json:"shopsIncluded"`
	Count         int `json:"count"`
	Rank          int `json:"rank"`
	OutOf         int `json:"out_of"`
}

// Tracker owns the stats file. All methods are safe for concurrent use.
type Tracker struct {
	log            *slog.Logger
	path           string
	expirationDays int

	mu      sync.Mutex
	stats   statsFile
	overall Overall
	dirty   bool
	timer   *time.Timer
}

func New(log *slog.Logger, path string, expirationDays int) *Tracker {
	t := &Tracker{
		log:            log,
		path:           path,
		expirationDays: expirationDays,
		stats:          statsFile{FileVersion: 2, Stats: map[string]*dayStats{}},
	}
	t.load()
	return t
}

func (t *Tracker) load() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return
	}
	var loaded statsFile
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.log.Warn("stats_file_unreadable", "path", t.path, "error", err)
		return
	}
	if loaded.Stats == nil {
		loaded.Stats = map[string]*dayStats{}
	}
	loaded.FileVersion = 2
	t.stats = loaded
	t.recalculateLocked()
}

// AddStore records one fetched shop. A PUUID is counted at most once
// per UTC day.
func (t *Tracker) AddStore(puuid string, items []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	today := formatDate(time.Now().UTC())
	day := t.stats.Stats[today]
	if day == nil {
		day = &dayStats{Items: map[string]int{}}
		t.stats.Stats[today] = day
	}
	for _, seen := range day.Users {
		if seen == puuid {
			return
		}
	}
	day.Users = append(day.Users, puuid)
	for _, item := range items {
		day.Items[item]++
	}
	day.ShopsIncluded++

	t.scheduleSaveLocked()
	t.recalculateLocked()
}

// OverallStats returns the aggregate across retained days.
func (t *Tracker) OverallStats() Overall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overall
}

// StatsFor reports how often an item appeared, with its popularity rank.
func (t *Tracker) StatsFor(uuid string) ItemStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := ItemStats{
		ShopsIncluded: t.overall.ShopsIncluded,
		Count:         t.overall.Items[uuid],
		OutOf:         len(t.overall.ranking),
	}
	for i, id := range t.overall.ranking {
		if id == uuid {
			out.Rank = i + 1
			break
		}
	}
	return out
}

// Flush cancels any pending debounce and writes dirty state now. Call
// on shutdown.
func (t *Tracker) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.dirty {
		t.saveLocked()
	}
}

func (t *Tracker) scheduleSaveLocked() {
	t.dirty = true
	if t.timer != nil {
		return
	}
	t.timer = time.AfterFunc(saveDebounce, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.timer = nil
		if t.dirty {
			t.saveLocked()
		}
	})
}

func (t *Tracker) saveLocked() {
	if dir := filepath.Dir(t.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.log.Error("stats_save_failed", "error", err)
			return
		}
	}
	data, err := json.MarshalIndent(t.stats, "", "  ")
	if err != nil {
		t.log.Error("stats_save_failed", "error", err)
		return
	}
	if err := os.WriteFile(t.path, data, 0o644); err != nil {
		t.log.Error("stats_save_failed", "error", err)
		return
	}
	t.dirty = false
}

func (t *Tracker) recalculateLocked() {
	overall := Overall{Items: map[string]int{}}
	needsCleanup := false

	for dateString, day := range t.stats.Stats {
		if t.expirationDays > 0 && daysAgo(dateString) > t.expirationDays {
			needsCleanup = true
			continue
		}
		overall.ShopsIncluded += day.ShopsIncluded
		for item, count := range day.Items {
			overall.Items[item] += count
		}
	}

	if needsCleanup {
		for dateString := range t.stats.Stats {
			if daysAgo(dateString) > t.expirationDays {
				delete(t.stats.Stats, dateString)
			}
		}
		t.scheduleSaveLocked()
	}

	overall.ranking = make([]string, 0, len(overall.Items))
	for uuid := range overall.Items {
		overall.ranking = append(overall.ranking, uuid)
	}
	sort.Slice(overall.ranking, func(i, j int) bool {
		a, b := overall.ranking[i], overall.ranking[j]
		if overall.Items[a] != overall.Items[b] {
			return overall.Items[a] > overall.Items[b]
		}
		return a < b
	})
	t.overall = overall
}

// formatDate renders the per-day key, e.g. "31-8-2026".
func formatDate(t time.Time) string {
	return fmt.Sprintf("%d-%d-%d", t.Day(), int(t.Month()), t.Year())
}

func daysAgo(dateString string) int {
	var day, month, year int
	if _, err := fmt.Sscanf(dateString, "%d-%d-%d", &day, &month, &year); err != nil {
		return 0
	}
	date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	now := time.Now().UTC().Truncate(24 * time.Hour)
	return int(now.Sub(date).Hours() / 24)
}
