package service

import (
	"context"
	"testing"
	"time"

	"github.com/sakif/js-dojo/internal/model"
)

func TestNewRetention_BadSchedule(t *testing.T) {
	j := NewJournal(newMockRepo(), 1, testLogger())
	if _, err := NewRetention(j, "every tuesday", time.Hour, testLogger()); err == nil {
		t.Fatal("NewRetention() should reject an unparseable schedule")
	}
}

func TestRetention_PruneOnce(t *testing.T) {
	repo := newMockRepo()
	j := NewJournal(repo, 1, testLogger())

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, created := range []time.Time{
		now.Add(-48 * time.Hour),
		now.Add(-25 * time.Hour),
		now.Add(-time.Hour),
	} {
		r := model.Run{Subject: "a", Slot: "s", CreatedAt: created}
		if err := repo.Create(context.Background(), &r); err != nil {
			t.Fatal(err)
		}
	}

	r, err := NewRetention(j, "@hourly", 24*time.Hour, testLogger())
	if err != nil {
		t.Fatalf("NewRetention() error = %v", err)
	}
	r.now = func() time.Time { return now }

	n, err := r.PruneOnce(context.Background())
	if err != nil {
		t.Fatalf("PruneOnce() error = %v", err)
	}
	if n != 2 {
		t.Errorf("PruneOnce() removed %d, want 2", n)
	}
}

func TestRetention_RunStopsWithContext(t *testing.T) {
	j := NewJournal(newMockRepo(), 1, testLogger())
	r, err := NewRetention(j, "@every 1h", time.Hour, testLogger())
	if err != nil {
		t.Fatalf("NewRetention() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
