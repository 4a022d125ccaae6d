package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/ashureev/cat-engine/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "data", "cat.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func sampleSession() *domain.Session {
	started := time.Date(2026, 4, 2, 10, 30, 0, 123456789, time.UTC)
	limit := 45
	return &domain.Session{
		ID:     "6f1c5f0e-1111-4a2b-9c3d-000000000001",
		UserID: "user-1",
		Status: domain.StatusActive,
		Config: domain.TestConfig{
			MinQuestions:      5,
			MaxQuestions:      20,
			SEStopThreshold:   0.3,
			TimeLimitMinutes:  &limit,
			DomainConstraints: map[string]domain.DomainConstraint{"anatomy": {Min: 2, Max: 8}},
		},
		CurrentAbility:      0.41873210933,
		AbilitySE:           0.80123456789,
		QuestionsAnswered:   2,
		CorrectAnswers:      1,
		AdministeredItemIDs: []string{"ana-1", "pha-1", "ana-2"},
		Responses: []domain.ResponseRecord{
			{ItemID: "ana-1", IsCorrect: true, AbilityBefore: 0, AbilityAfter: 0.61234567891, SEAfter: 0.9012, RespondedAt: started.Add(40 * time.Second)},
			{ItemID: "pha-1", IsCorrect: false, AbilityBefore: 0.61234567891, AbilityAfter: 0.41873210933, SEAfter: 0.80123456789, RespondedAt: started.Add(95 * time.Second)},
		},
		StartedAt: started,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()
	want := sampleSession()

	if err := repo.SaveSession(ctx, want); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	got, err := repo.LoadSession(ctx, want.ID)
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Errorf("round trip mismatch:\nwant %+v\ngot  %+v", want, got)
	}

	// Finish the session and append one more response.
	completed := want.StartedAt.Add(3 * time.Minute)
	want.Responses = append(want.Responses, domain.ResponseRecord{
		ItemID: "ana-2", IsCorrect: true, AbilityBefore: 0.41873210933, AbilityAfter: 0.7, SEAfter: 0.7, RespondedAt: completed,
	})
	want.QuestionsAnswered = 3
	want.CorrectAnswers = 2
	want.CurrentAbility = 0.7
	want.AbilitySE = 0.7
	want.Status = domain.StatusCompleted
	want.TerminationReason = domain.ReasonPrecisionReached
	want.CompletedAt = &completed

	if err := repo.SaveSession(ctx, want); err != nil {
		t.Fatalf("SaveSession (update) failed: %v", err)
	}
	got, err = repo.LoadSession(ctx, want.ID)
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Errorf("round trip mismatch after update:\nwant %+v\ngot  %+v", want, got)
	}
}

func TestLoadSessionNotFound(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	_, err := repo.LoadSession(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListStaleSessions(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	fresh := sampleSession()
	fresh.ID = "fresh"
	fresh.StartedAt = base.Add(20 * time.Hour)
	fresh.Responses = nil
	fresh.AdministeredItemIDs = nil

	stale := sampleSession()
	stale.ID = "stale"
	stale.StartedAt = base
	stale.Responses = nil
	stale.AdministeredItemIDs = nil

	done := sampleSession()
	done.ID = "done"
	done.StartedAt = base
	done.Responses = nil
	done.Status = domain.StatusTerminated
	done.TerminationReason = domain.ReasonManualExit

	for _, s := range []*domain.Session{fresh, stale, done} {
		if err := repo.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession %s failed: %v", s.ID, err)
		}
	}

	ids, err := repo.ListStaleSessions(ctx, base.Add(12*time.Hour))
	if err != nil {
		t.Fatalf("ListStaleSessions failed: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"stale"}) {
		t.Errorf("expected [stale], got %v", ids)
	}
}

func TestListSessionsByUser(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	older := sampleSession()
	older.ID = "older"
	newer := sampleSession()
	newer.ID = "newer"
	newer.StartedAt = older.StartedAt.Add(time.Hour)
	other := sampleSession()
	other.ID = "other"
	other.UserID = "user-2"

	for _, s := range []*domain.Session{older, newer, other} {
		if err := repo.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession %s failed: %v", s.ID, err)
		}
	}

	got, err := repo.ListSessionsByUser(ctx, "user-1", 10)
	if err != nil {
		t.Fatalf("ListSessionsByUser failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "newer" || got[1].ID != "older" {
		t.Fatalf("unexpected sessions %v", got)
	}
	if len(got[0].Responses) != 2 {
		t.Errorf("expected responses to be loaded, got %d", len(got[0].Responses))
	}
}

func TestItemsUpsertAndLoad(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	items := []domain.Item{
		{ID: "pha-1", Difficulty: 0.3, Discrimination: 1.4, Guessing: 0.25, Domain: "pharmacology", CalibrationSampleSize: 90},
		{ID: "ana-1", Difficulty: -1.1, Discrimination: 0.9, Guessing: 0.2, Domain: "anatomy", CalibrationSampleSize: 0},
		{ID: "ana-2", Difficulty: 1.7, Discrimination: 2.2, Guessing: 0.1, Domain: "anatomy", CalibrationSampleSize: 40},
	}
	if err := repo.UpsertItems(ctx, items); err != nil {
		t.Fatalf("UpsertItems failed: %v", err)
	}

	all, err := repo.LoadItems(ctx)
	if err != nil {
		t.Fatalf("LoadItems failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "ana-1" || !reflect.DeepEqual(all[2], items[0]) {
		t.Errorf("unexpected items %+v", all)
	}

	anatomy, err := repo.LoadItems(ctx, "anatomy")
	if err != nil {
		t.Fatalf("LoadItems(anatomy) failed: %v", err)
	}
	if len(anatomy) != 2 {
		t.Errorf("expected 2 anatomy items, got %d", len(anatomy))
	}

	recalibrated := items[1]
	recalibrated.CalibrationSampleSize = 300
	if err := repo.UpsertItems(ctx, []domain.Item{recalibrated}); err != nil {
		t.Fatalf("UpsertItems (recalibrate) failed: %v", err)
	}
	anatomy, _ = repo.LoadItems(ctx, "anatomy")
	if anatomy[0].CalibrationSampleSize != 300 {
		t.Errorf("expected recalibrated sample size, got %+v", anatomy[0])
	}

	bad := domain.Item{ID: "bad", Discrimination: 9, Domain: "anatomy"}
	if err := repo.UpsertItems(ctx, []domain.Item{bad}); !errors.Is(err, domain.ErrCalibration) {
		t.Errorf("expected ErrCalibration, got %v", err)
	}
}

func TestUserLifecycle(t *testing.T) {
	t.Parallel()

	repo := newTestStore(t)
	ctx := context.Background()

	got, err := repo.GetUser(ctx, "user-1")
	if err != nil || got != nil {
		t.Fatalf("expected nil user, got %+v err=%v", got, err)
	}

	now := time.Now().Truncate(time.Second)
	u := &domain.User{UserID: "user-1", Username: "candidate-1", LastSeenAt: now, CreatedAt: now, UpdatedAt: now}
	if err := repo.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}

	later := now.Add(time.Hour)
	if err := repo.UpdateLastSeen(ctx, "user-1", later); err != nil {
		t.Fatalf("UpdateLastSeen failed: %v", err)
	}
	got, err = repo.GetUser(ctx, "user-1")
	if err != nil || got == nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got.Username != "candidate-1" || !got.LastSeenAt.Equal(later) {
		t.Errorf("unexpected user %+v", got)
	}
}
