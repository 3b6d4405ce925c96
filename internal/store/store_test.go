package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/kursadbilgin/callback-engine/internal/domain"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newRecord(id string, status domain.Status, offset time.Duration) domain.CallbackRequest {
	return domain.CallbackRequest{
		ID:           id,
		CallerNumber: "5551234567",
		TargetQueue:  "support",
		Priority:     domain.PriorityNormal,
		Status:       status,
		RequestedAt:  baseTime.Add(offset),
		MaxAttempts:  3,
	}
}

func TestStoreUpsertGetRemove(t *testing.T) {
	t.Parallel()

	s := New(10)
	rec := newRecord("cb-1", domain.StatusPending, 0)
	s.Upsert(rec)

	got, ok := s.Get("cb-1")
	if !ok {
		t.Fatal("expected record to exist")
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}

	if !s.Remove("cb-1") {
		t.Fatal("Remove() should report existing record")
	}
	if s.Remove("cb-1") {
		t.Fatal("second Remove() should report missing record")
	}
	if _, ok := s.Get("cb-1"); ok {
		t.Fatal("record should be gone")
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New(10)
	rec := newRecord("cb-1", domain.StatusPending, 0)
	rec.Metadata = map[string]string{"source": "ivr"}
	s.Upsert(rec)

	rec.Metadata["source"] = "mutated"
	got, _ := s.Get("cb-1")
	if got.Metadata["source"] != "ivr" {
		t.Fatalf("stored metadata mutated through caller copy: %q", got.Metadata["source"])
	}

	got.Metadata["source"] = "mutated-again"
	again, _ := s.Get("cb-1")
	if again.Metadata["source"] != "ivr" {
		t.Fatalf("stored metadata mutated through Get copy: %q", again.Metadata["source"])
	}
}

func TestStoreAllOrdersByRequestedAt(t *testing.T) {
	t.Parallel()

	s := New(10)
	s.Upsert(newRecord("late", domain.StatusPending, 2*time.Minute))
	s.Upsert(newRecord("early", domain.StatusPending, 0))
	s.Upsert(newRecord("middle", domain.StatusPending, time.Minute))

	all := s.All()
	if len(all) != 3 {
		t.Fatalf("len(All()) = %d, want 3", len(all))
	}
	want := []string{"early", "middle", "late"}
	for i, id := range want {
		if all[i].ID != id {
			t.Fatalf("All()[%d] = %s, want %s", i, all[i].ID, id)
		}
	}
}

func TestStoreSubscribeReceivesChanges(t *testing.T) {
	t.Parallel()

	s := New(10)
	var changes []Change
	unsubscribe := s.Subscribe(func(c Change) {
		changes = append(changes, c)
	})

	s.Upsert(newRecord("cb-1", domain.StatusPending, 0))
	updated := newRecord("cb-1", domain.StatusInProgress, 0)
	s.Upsert(updated)
	s.Remove("cb-1")

	if len(changes) != 3 {
		t.Fatalf("changes = %d, want 3", len(changes))
	}
	if changes[0].Kind != ChangeUpserted || changes[0].Previous != nil {
		t.Fatalf("first change = %+v, want insert without previous", changes[0])
	}
	if changes[1].Previous == nil || changes[1].Previous.Status != domain.StatusPending {
		t.Fatalf("second change previous = %+v, want pending", changes[1].Previous)
	}
	if changes[1].Record.Status != domain.StatusInProgress {
		t.Fatalf("second change status = %s, want in_progress", changes[1].Record.Status)
	}
	if changes[2].Kind != ChangeRemoved {
		t.Fatalf("third change kind = %s, want removed", changes[2].Kind)
	}

	unsubscribe()
	unsubscribe()
	s.Upsert(newRecord("cb-2", domain.StatusPending, 0))
	if len(changes) != 3 {
		t.Fatalf("changes after unsubscribe = %d, want 3", len(changes))
	}
}

func TestStoreEvictsOldestTerminalRecords(t *testing.T) {
	t.Parallel()

	s := New(2)
	var removed []string
	s.Subscribe(func(c Change) {
		if c.Kind == ChangeRemoved {
			removed = append(removed, c.Record.ID)
		}
	})

	s.Upsert(newRecord("active", domain.StatusPending, 0))
	for i := 0; i < 4; i++ {
		rec := newRecord(fmt.Sprintf("done-%d", i), domain.StatusCompleted, 0)
		completed := baseTime.Add(time.Duration(i) * time.Minute)
		rec.CompletedAt = &completed
		s.Upsert(rec)
	}

	if got := s.Count(domain.StatusCompleted); got != 2 {
		t.Fatalf("completed count = %d, want 2", got)
	}
	if _, ok := s.Get("active"); !ok {
		t.Fatal("non-terminal record must never be evicted")
	}
	for _, id := range []string{"done-2", "done-3"} {
		if _, ok := s.Get(id); !ok {
			t.Fatalf("%s should be retained as most recent", id)
		}
	}
	if len(removed) != 2 || removed[0] != "done-0" || removed[1] != "done-1" {
		t.Fatalf("removed = %v, want [done-0 done-1]", removed)
	}
	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}
}

func TestNewAppliesDefaultHistoryLimit(t *testing.T) {
	t.Parallel()

	if got := New(0).HistoryLimit(); got != DefaultHistoryLimit {
		t.Fatalf("HistoryLimit() = %d, want %d", got, DefaultHistoryLimit)
	}
}
