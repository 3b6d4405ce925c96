package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/callback-engine/internal/domain"
	"github.com/kursadbilgin/callback-engine/internal/repository"
	"github.com/kursadbilgin/callback-engine/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPersistenceBridgeMirrorsStoreChanges(t *testing.T) {
	t.Parallel()

	kv := repository.NewMemoryKVStore()
	bridge := newTestBridge(t, kv, nil, 16)
	records := store.New(0)
	detach := bridge.Attach(records)
	defer detach()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.Start(ctx)
	}()

	records.Upsert(testRecord("cb-1", domain.StatusPending))
	records.Upsert(testRecord("cb-2", domain.StatusPending))
	records.Remove("cb-1")

	waitFor(t, func() bool {
		stored, _ := kv.GetAll(context.Background(), "callbacks")
		_, hasRemoved := stored["cb-1"]
		_, hasKept := stored["cb-2"]
		return hasKept && !hasRemoved
	})

	cancel()
	<-done

	stored, _ := kv.GetAll(context.Background(), "callbacks")
	var rec domain.CallbackRequest
	if err := json.Unmarshal(stored["cb-2"], &rec); err != nil {
		t.Fatalf("stored value is not JSON: %v", err)
	}
	if rec.CallerNumber != "5551234567" {
		t.Fatalf("stored record = %+v", rec)
	}
}

func TestPersistenceBridgeDropsWritesWhenQueueFull(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	bridge, err := NewPersistenceBridge(repository.NewMemoryKVStore(), nil, "callbacks", 1, zap.New(core))
	if err != nil {
		t.Fatalf("NewPersistenceBridge() error = %v", err)
	}
	records := store.New(0)
	bridge.Attach(records)

	records.Upsert(testRecord("cb-1", domain.StatusPending))
	records.Upsert(testRecord("cb-2", domain.StatusPending))

	if bridge.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", bridge.Pending())
	}
	if logs.FilterMessage("persistence queue full, dropping write").Len() != 1 {
		t.Fatalf("expected one drop warning, got %d logs", logs.Len())
	}
}

func TestPersistenceBridgeLoadAndSave(t *testing.T) {
	t.Parallel()

	kv := repository.NewMemoryKVStore()
	bridge := newTestBridge(t, kv, nil, 16)

	first := testRecord("cb-1", domain.StatusPending)
	second := testRecord("cb-2", domain.StatusCompleted)
	second.RequestedAt = first.RequestedAt.Add(-time.Minute)

	saved, err := bridge.SaveAll(context.Background(), []domain.CallbackRequest{first, second})
	if err != nil || saved != 2 {
		t.Fatalf("SaveAll() = %d, %v", saved, err)
	}
	if err := kv.Put(context.Background(), "callbacks", "garbage", []byte("{not json")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	loaded, err := bridge.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("LoadAll() len = %d, want 2", len(loaded))
	}
	if loaded[0].ID != "cb-2" || loaded[1].ID != "cb-1" {
		t.Fatalf("LoadAll() order = %s, %s; want oldest first", loaded[0].ID, loaded[1].ID)
	}

	if err := bridge.Delete(context.Background(), "cb-2", "garbage"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	loaded, _ = bridge.LoadAll(context.Background())
	if len(loaded) != 1 || loaded[0].ID != "cb-1" {
		t.Fatalf("LoadAll() after delete = %+v, want only cb-1", loaded)
	}

	if err := bridge.ClearAll(context.Background()); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	loaded, _ = bridge.LoadAll(context.Background())
	if len(loaded) != 0 {
		t.Fatalf("LoadAll() after clear len = %d, want 0", len(loaded))
	}
}

func TestPersistenceBridgeWrapsBackendErrors(t *testing.T) {
	t.Parallel()

	kv := &failingKV{err: errors.New("connection refused")}
	bridge := newTestBridge(t, kv, nil, 16)

	if _, err := bridge.LoadAll(context.Background()); !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("LoadAll() error = %v, want ErrPersistence", err)
	}
	saved, err := bridge.SaveAll(context.Background(), []domain.CallbackRequest{testRecord("cb-1", domain.StatusPending)})
	if saved != 0 || !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("SaveAll() = %d, %v; want 0 and ErrPersistence", saved, err)
	}
	if err := bridge.Delete(context.Background(), "cb-1"); !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("Delete() error = %v, want ErrPersistence", err)
	}
	if err := bridge.ClearAll(context.Background()); !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("ClearAll() error = %v, want ErrPersistence", err)
	}
}

func TestPersistenceBridgeAttemptLog(t *testing.T) {
	t.Parallel()

	attempts := repository.NewMemoryAttemptRepo()
	bridge := newTestBridge(t, repository.NewMemoryKVStore(), attempts, 16)

	ctx, cancel := context.WithCancel(context.Background())
	bridge.RecordAttempt(ctx, domain.CallbackAttempt{ID: "a2", CallbackID: "cb-1", AttemptNumber: 2})
	bridge.RecordAttempt(ctx, domain.CallbackAttempt{ID: "a1", CallbackID: "cb-1", AttemptNumber: 1})

	// Start flushes queued writes once its context is done.
	cancel()
	if err := bridge.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	got, err := bridge.Attempts(context.Background(), "cb-1")
	if err != nil {
		t.Fatalf("Attempts() error = %v", err)
	}
	if len(got) != 2 || got[0].AttemptNumber != 1 || got[1].AttemptNumber != 2 {
		t.Fatalf("Attempts() = %+v", got)
	}
}

func TestPersistenceBridgeWithoutAttemptRepo(t *testing.T) {
	t.Parallel()

	bridge := newTestBridge(t, repository.NewMemoryKVStore(), nil, 16)
	bridge.RecordAttempt(context.Background(), domain.CallbackAttempt{CallbackID: "cb-1"})

	if bridge.Pending() != 0 {
		t.Fatal("attempts must not be queued without a repository")
	}
	got, err := bridge.Attempts(context.Background(), "cb-1")
	if err != nil || len(got) != 0 {
		t.Fatalf("Attempts() = %v, %v", got, err)
	}
}

func TestCallbackServiceWithPersistenceBridge(t *testing.T) {
	t.Parallel()

	kv := repository.NewMemoryKVStore()
	bridge := newTestBridge(t, kv, repository.NewMemoryAttemptRepo(), 64)

	svc, records, _ := newTestService(t, &fakeGateway{})
	svc.SetStorage(bridge)
	svc.SetAttemptLog(bridge)
	bridge.Attach(records)

	rec := mustSchedule(t, svc, "5551234567", "normal")
	if _, err := svc.Cancel(context.Background(), rec.ID, "duplicate"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if n := svc.SaveToStorage(context.Background()); n != 1 {
		t.Fatalf("SaveToStorage() = %d, want 1", n)
	}

	restored, _, _ := newTestService(t, &fakeGateway{})
	restored.SetStorage(bridge)
	if n := restored.LoadFromStorage(context.Background()); n != 1 {
		t.Fatalf("LoadFromStorage() = %d, want 1", n)
	}
	got, err := restored.Get(rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != domain.StatusCancelled || got.Metadata["cancel_reason"] != "duplicate" {
		t.Fatalf("restored = %+v", got)
	}
}

func TestNewPersistenceBridgeRequiresKV(t *testing.T) {
	t.Parallel()

	if _, err := NewPersistenceBridge(nil, nil, "", 0, nil); err == nil {
		t.Fatal("expected error for nil kv store")
	}
}

func newTestBridge(t *testing.T, kv repository.KVStore, attempts repository.AttemptRepository, buffer int) *PersistenceBridge {
	t.Helper()

	bridge, err := NewPersistenceBridge(kv, attempts, "", buffer, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPersistenceBridge() error = %v", err)
	}
	return bridge
}

func testRecord(id string, status domain.Status) domain.CallbackRequest {
	return domain.CallbackRequest{
		ID:           id,
		CallerNumber: "5551234567",
		TargetQueue:  "support",
		Priority:     domain.PriorityNormal,
		Status:       status,
		RequestedAt:  time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		MaxAttempts:  3,
	}
}

type failingKV struct {
	err error
}

func (f *failingKV) Put(ctx context.Context, namespace, key string, value []byte) error {
	return f.err
}

func (f *failingKV) GetAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	return nil, f.err
}

func (f *failingKV) Delete(ctx context.Context, namespace, key string) error {
	return f.err
}

func (f *failingKV) DeleteAll(ctx context.Context, namespace string) error {
	return f.err
}
