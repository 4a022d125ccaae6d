package housekeeping

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeAbandoner struct {
	mu        sync.Mutex
	stale     []string
	listErr   error
	failFor   map[string]bool
	skipFor   map[string]bool
	abandoned []string
}

func (f *fakeAbandoner) StaleSessionIDs(context.Context) ([]string, error) {
	return f.stale, f.listErr
}

func (f *fakeAbandoner) AbandonIfStale(_ context.Context, id string) (bool, error) {
	if f.failFor[id] {
		return false, errors.New("database is locked")
	}
	if f.skipFor[id] {
		return false, nil
	}
	f.mu.Lock()
	f.abandoned = append(f.abandoned, id)
	f.mu.Unlock()
	return true, nil
}

func TestSweep(t *testing.T) {
	t.Parallel()

	f := &fakeAbandoner{
		stale:   []string{"a", "b", "c", "d", "e", "f"},
		failFor: map[string]bool{"b": true},
		skipFor: map[string]bool{"d": true},
	}

	var mu sync.Mutex
	var notified []string
	n := Sweep(context.Background(), f, func(id string) {
		mu.Lock()
		notified = append(notified, id)
		mu.Unlock()
	})

	if n != 4 {
		t.Errorf("expected 4 abandoned sessions, got %d", n)
	}
	sort.Strings(notified)
	want := []string{"a", "c", "e", "f"}
	if len(notified) != len(want) {
		t.Fatalf("expected callbacks for %v, got %v", want, notified)
	}
	for i := range want {
		if notified[i] != want[i] {
			t.Errorf("expected callbacks for %v, got %v", want, notified)
			break
		}
	}
}

func TestSweepListError(t *testing.T) {
	t.Parallel()

	f := &fakeAbandoner{listErr: errors.New("boom")}
	if n := Sweep(context.Background(), f, nil); n != 0 {
		t.Errorf("expected 0, got %d", n)
	}
}

func TestStartAbandonWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()

	f := &fakeAbandoner{stale: []string{"a"}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan string, 1)

	StartAbandonWorker(ctx, f, 10*time.Millisecond, func(id string) {
		select {
		case done <- id:
		default:
		}
	})

	select {
	case id := <-done:
		if id != "a" {
			t.Errorf("expected a, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker never swept")
	}
	cancel()
}
