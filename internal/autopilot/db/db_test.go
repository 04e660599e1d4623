package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/autopilot-ci/autopilot/internal/autopilot/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "autopilot.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestHistory_RoundTrip(t *testing.T) {
	database := openTestDB(t)

	entries := []store.HistoryEntry{
		{IssueKey: "CI-1", Result: store.ResultSuccess, PRURL: "https://example.com/pr/1",
			Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		{IssueKey: "CI-2", Result: store.ResultFailure, Detail: "checks kept failing",
			Timestamp: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
	}
	for _, e := range entries {
		if err := database.AppendHistory(e); err != nil {
			t.Fatalf("AppendHistory failed: %v", err)
		}
	}

	got, err := database.RecentHistory(10)
	if err != nil {
		t.Fatalf("RecentHistory failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].IssueKey != "CI-2" {
		t.Errorf("first entry = %s, want most recent CI-2", got[0].IssueKey)
	}
	if got[0].Result != store.ResultFailure || got[0].Detail != "checks kept failing" {
		t.Errorf("entry = %+v, unexpected", got[0])
	}
	if !got[1].Timestamp.Equal(entries[0].Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got[1].Timestamp, entries[0].Timestamp)
	}
}

func TestRecentHistory_RespectsLimit(t *testing.T) {
	database := openTestDB(t)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := store.HistoryEntry{IssueKey: "CI-1", Result: store.ResultSuccess, Timestamp: base.Add(time.Duration(i) * time.Minute)}
		if err := database.AppendHistory(e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := database.RecentHistory(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("got %d entries, want 3", len(got))
	}
}

func TestActivity_FilterByIssue(t *testing.T) {
	database := openTestDB(t)

	pairs := [][2]string{
		{"CI-1", "discovered"},
		{"CI-1", "processing_started"},
		{"CI-2", "discovered"},
	}
	for _, p := range pairs {
		if err := database.LogActivity(p[0], p[1], "", "", "detail"); err != nil {
			t.Fatalf("LogActivity failed: %v", err)
		}
	}

	all, err := database.ListActivity("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("unfiltered = %d entries, want 3", len(all))
	}

	only, err := database.ListActivity("CI-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(only) != 2 {
		t.Fatalf("filtered = %d entries, want 2", len(only))
	}
	for _, e := range only {
		if e.IssueKey != "CI-1" {
			t.Errorf("entry for %s leaked into filter", e.IssueKey)
		}
	}
}

func TestOpen_AppliesSchemaIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autopilot.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if err := first.LogActivity("CI-1", "discovered", "", "", ""); err != nil {
		t.Fatal(err)
	}
	first.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer second.Close()

	entries, err := second.ListActivity("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("entries after reopen = %d, want 1", len(entries))
	}
}
