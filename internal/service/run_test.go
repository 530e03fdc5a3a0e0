package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sakif/js-dojo/internal/apperror"
	"github.com/sakif/js-dojo/internal/controller"
	"github.com/sakif/js-dojo/internal/model"
	"github.com/sakif/js-dojo/internal/repository"
)

// =========================================================================
// MOCKS
// =========================================================================

// mockRunRepo is an in-memory repository.RunRepository. The journal writes
// from its own goroutine, so every method locks.
type mockRunRepo struct {
	mu        sync.Mutex
	runs      map[string]*model.Run
	nextID    int
	createErr error
}

func newMockRepo() *mockRunRepo {
	return &mockRunRepo{runs: make(map[string]*model.Run)}
}

func (m *mockRunRepo) Create(_ context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.nextID++
	run.ID = fmt.Sprintf("mock-%d", m.nextID)
	stored := *run
	m.runs[run.ID] = &stored
	return nil
}

func (m *mockRunRepo) GetByID(_ context.Context, id string) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, apperror.NotFound("run", id)
	}
	result := *run
	return &result, nil
}

func (m *mockRunRepo) List(_ context.Context, opts repository.ListOptions) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]model.Run, 0, len(m.runs))
	for _, r := range m.runs {
		if opts.Subject != "" && r.Subject != opts.Subject {
			continue
		}
		if opts.Slot != "" && r.Slot != opts.Slot {
			continue
		}
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	if opts.Offset >= len(result) {
		return []model.Run{}, nil
	}
	result = result[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(result) {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (m *mockRunRepo) DeleteBefore(_ context.Context, t time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.runs {
		if r.CreatedAt.Before(t) {
			delete(m.runs, id)
			n++
		}
	}
	return n, nil
}

func (m *mockRunRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// fakeRunner records the slot keys it is asked to run or cancel.
type fakeRunner struct {
	mu        sync.Mutex
	ran       []string
	cancelled []string
	result    *controller.Result
	err       error
}

func (f *fakeRunner) Run(_ context.Context, slot, _ string) (*controller.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, slot)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &controller.Result{ExecutionID: int64(len(f.ran)), Output: "ok"}, nil
}

func (f *fakeRunner) Cancel(slot string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, slot)
	return true
}

// =========================================================================
// TEST HELPERS
// =========================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T) (*RunService, *fakeRunner, *mockRunRepo) {
	t.Helper()
	runner := &fakeRunner{}
	repo := newMockRepo()
	return NewRunService(runner, repo, testLogger()), runner, repo
}

// =========================================================================
// SLOT KEYS
// =========================================================================

func TestSlotKey_RoundTrip(t *testing.T) {
	tests := []struct {
		subject, slot string
	}{
		{"anonymous", "lesson-1"},
		{"user/with/slashes", "a.b_c"},
		{"", "s"},
	}

	for _, tt := range tests {
		subject, slot := SplitSlotKey(SlotKey(tt.subject, tt.slot))
		if subject != tt.subject || slot != tt.slot {
			t.Errorf("SplitSlotKey(SlotKey(%q, %q)) = %q, %q", tt.subject, tt.slot, subject, slot)
		}
	}
}

// =========================================================================
// RUN
// =========================================================================

func TestRun_NamespacesSlotBySubject(t *testing.T) {
	svc, runner, _ := newTestService(t)

	if _, err := svc.Run(context.Background(), "alice", "lesson-1", "return 1;"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := svc.Run(context.Background(), "bob", "lesson-1", "return 1;"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"alice/lesson-1", "bob/lesson-1"}
	if strings.Join(runner.ran, ",") != strings.Join(want, ",") {
		t.Errorf("runner saw slots %v, want %v", runner.ran, want)
	}
}

func TestRun_AnonymousVisitorsAreIsolated(t *testing.T) {
	svc, runner, _ := newTestService(t)

	visitorA := AnonymousSubjectFor("client-a")
	visitorB := AnonymousSubjectFor("client-b")
	if visitorA == visitorB {
		t.Fatalf("AnonymousSubjectFor gave both visitors %q", visitorA)
	}

	for _, sub := range []string{visitorA, visitorB} {
		if _, err := svc.Run(context.Background(), sub, "main", "return 1;"); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	}
	if runner.ran[0] == runner.ran[1] {
		t.Errorf("both visitors ran in slot key %q", runner.ran[0])
	}
}

func TestRun_Validation(t *testing.T) {
	tests := []struct {
		name      string
		slot      string
		code      string
		wantField string
	}{
		{"empty slot", "", "return 1;", "slot"},
		{"slash in slot", "a/b", "return 1;", "slot"},
		{"slot too long", strings.Repeat("s", 65), "return 1;", "slot"},
		{"code too long", "ok", strings.Repeat("x", MaxCodeLength+1), "code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, runner, _ := newTestService(t)

			_, err := svc.Run(context.Background(), "anonymous", tt.slot, tt.code)
			if !errors.Is(err, apperror.ErrInvalidInput) {
				t.Fatalf("Run() error = %v, want ErrInvalidInput", err)
			}
			// A malformed request is not a sandbox policy rejection.
			if kind := apperror.Kind(err); kind != "invalid_input" {
				t.Errorf("Kind() = %q, want invalid_input", kind)
			}
			var appErr *apperror.AppError
			if errors.As(err, &appErr) && appErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", appErr.Field, tt.wantField)
			}
			if len(runner.ran) != 0 {
				t.Error("runner should not be called for invalid input")
			}
		})
	}
}

func TestRun_PropagatesControllerErrors(t *testing.T) {
	svc, runner, _ := newTestService(t)
	runner.err = apperror.Timeout("execution timed out (must finish within 10 seconds)")

	_, err := svc.Run(context.Background(), "anonymous", "slot", "while (true) {}")
	if !errors.Is(err, apperror.ErrTimeout) {
		t.Errorf("Run() error = %v, want ErrTimeout", err)
	}
}

func TestCancel(t *testing.T) {
	svc, runner, _ := newTestService(t)

	ok, err := svc.Cancel("alice", "lesson-1")
	if err != nil || !ok {
		t.Fatalf("Cancel() = %v, %v", ok, err)
	}
	if len(runner.cancelled) != 1 || runner.cancelled[0] != "alice/lesson-1" {
		t.Errorf("runner cancelled %v", runner.cancelled)
	}

	if _, err := svc.Cancel("alice", "bad/slot"); !errors.Is(err, apperror.ErrInvalidInput) {
		t.Errorf("Cancel() with bad slot error = %v, want ErrInvalidInput", err)
	}
}

// =========================================================================
// JOURNAL READS
// =========================================================================

func TestListRuns_ScopedToSubject(t *testing.T) {
	svc, _, repo := newTestService(t)
	ctx := context.Background()
	for _, r := range []model.Run{
		{Subject: "alice", Slot: "one"},
		{Subject: "alice", Slot: "two"},
		{Subject: "bob", Slot: "one"},
	} {
		if err := repo.Create(ctx, &r); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := svc.ListRuns(ctx, "alice", "", 0, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("ListRuns() returned %d runs, want 2", len(runs))
	}

	runs, err = svc.ListRuns(ctx, "alice", "two", 0, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 1 || runs[0].Slot != "two" {
		t.Errorf("ListRuns() by slot = %+v", runs)
	}
}

func TestGetRun_OtherSubjectIsNotFound(t *testing.T) {
	svc, _, repo := newTestService(t)
	ctx := context.Background()
	run := model.Run{Subject: "alice", Slot: "one"}
	if err := repo.Create(ctx, &run); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.GetRun(ctx, "alice", run.ID); err != nil {
		t.Errorf("owner GetRun() error = %v", err)
	}
	if _, err := svc.GetRun(ctx, "bob", run.ID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("other subject GetRun() error = %v, want ErrNotFound", err)
	}
	if _, err := svc.GetRun(ctx, "alice", "  "); !errors.Is(err, apperror.ErrInvalidInput) {
		t.Errorf("blank id GetRun() error = %v, want ErrInvalidInput", err)
	}
}

func TestJournalDisabled(t *testing.T) {
	svc := NewRunService(&fakeRunner{}, nil, testLogger())

	if _, err := svc.ListRuns(context.Background(), "anonymous", "", 0, 0); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("ListRuns() error = %v, want ErrNotFound", err)
	}
	if _, err := svc.GetRun(context.Background(), "anonymous", "x"); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetRun() error = %v, want ErrNotFound", err)
	}
}
