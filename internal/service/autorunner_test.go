package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/callback-engine/internal/domain"
	"github.com/kursadbilgin/callback-engine/internal/gateway"
	"go.uber.org/zap"
)

func TestAutoRunnerExecutesHeadOfDueList(t *testing.T) {
	t.Parallel()

	executed := make(chan string, 1)
	executor := &fakeExecutor{
		dueFn: func() []domain.CallbackRequest {
			return []domain.CallbackRequest{{ID: "head"}, {ID: "tail"}}
		},
		executeFn: func(ctx context.Context, id string) (domain.CallbackRequest, error) {
			select {
			case executed <- id:
			default:
			}
			return domain.CallbackRequest{ID: id, Status: domain.StatusInProgress}, nil
		},
	}

	runner := newTestAutoRunner(t, executor, time.Hour)
	runner.Start(context.Background())
	defer runner.Stop()

	select {
	case id := <-executed:
		if id != "head" {
			t.Fatalf("executed %q, want head", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first tick should run immediately")
	}
}

func TestAutoRunnerDropsTicksWhileBusy(t *testing.T) {
	t.Parallel()

	executor := &fakeExecutor{
		busyFn: func() bool { return true },
		executeFn: func(ctx context.Context, id string) (domain.CallbackRequest, error) {
			t.Error("Execute must not be called while busy")
			return domain.CallbackRequest{}, nil
		},
	}

	runner := newTestAutoRunner(t, executor, time.Millisecond)
	runner.Start(context.Background())

	waitFor(t, func() bool { return executor.BusyCalls() >= 3 })
	runner.Stop()

	if executor.DueCalls() != 0 {
		t.Fatalf("Due() calls = %d, want 0 while busy", executor.DueCalls())
	}
}

func TestAutoRunnerIdleAndErrorTicks(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)
	executor := &fakeExecutor{
		dueFn: func() []domain.CallbackRequest {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return nil
			}
			return []domain.CallbackRequest{{ID: "cb"}}
		},
		executeFn: func(ctx context.Context, id string) (domain.CallbackRequest, error) {
			return domain.CallbackRequest{}, domain.ErrInvalidState
		},
	}

	runner := newTestAutoRunner(t, executor, time.Millisecond)
	runner.Start(context.Background())
	waitFor(t, func() bool { return executor.ExecuteCalls() >= 2 })
	runner.Stop()

	if runner.Running() {
		t.Fatal("runner should report stopped")
	}
}

func TestAutoRunnerStartStopIdempotent(t *testing.T) {
	t.Parallel()

	runner := newTestAutoRunner(t, &fakeExecutor{}, time.Hour)

	runner.Stop()
	if runner.Running() {
		t.Fatal("new runner should not be running")
	}

	runner.Start(context.Background())
	runner.Start(context.Background())
	if !runner.Running() {
		t.Fatal("runner should be running after Start")
	}

	runner.Stop()
	runner.Stop()
	if runner.Running() {
		t.Fatal("runner should be stopped after Stop")
	}

	runner.Start(context.Background())
	if !runner.Running() {
		t.Fatal("runner should restart")
	}
	runner.Stop()
}

func TestAutoRunnerStopsWithParentContext(t *testing.T) {
	t.Parallel()

	executor := &fakeExecutor{}
	runner := newTestAutoRunner(t, executor, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	runner.Start(ctx)
	waitFor(t, func() bool { return executor.BusyCalls() >= 1 })
	cancel()

	runner.Stop()
}

func TestAutoRunnerDrivesCallbackService(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, &fakeGateway{})
	rec := mustSchedule(t, svc, "5551234567", "normal")

	runner := newTestAutoRunner(t, svc, time.Hour)
	runner.Start(context.Background())
	defer runner.Stop()

	waitFor(t, svc.Busy)
	got, _ := svc.Get(rec.ID)
	if got.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", got.Status)
	}
}

func TestAutoRunnerStopKeepsPendingOrigination(t *testing.T) {
	t.Parallel()

	dialling := make(chan struct{})
	release := make(chan struct{})
	gw := &fakeGateway{
		originateFn: func(ctx context.Context, req gateway.OriginateRequest) (gateway.OriginateResult, error) {
			close(dialling)
			select {
			case <-ctx.Done():
				return gateway.OriginateResult{}, ctx.Err()
			case <-release:
				return gateway.OriginateResult{Success: true, Channel: "SIP/trunk-0042"}, nil
			}
		},
	}
	svc, _, _ := newTestService(t, gw)
	rec, err := svc.Schedule(context.Background(), ScheduleInput{CallerNumber: "5551234567", MaxAttempts: 1})
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	runner := newTestAutoRunner(t, svc, time.Hour)
	runner.Start(context.Background())

	<-dialling
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		runner.Stop()
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-stopped

	waitFor(t, func() bool {
		got, _ := svc.Get(rec.ID)
		return got.Channel != ""
	})
	got, _ := svc.Get(rec.ID)
	if got.Status != domain.StatusInProgress || got.Channel != "SIP/trunk-0042" {
		t.Fatalf("record = status %s channel %q, want in_progress on SIP/trunk-0042", got.Status, got.Channel)
	}
	if got.Attempts != 1 || got.Disposition != "" {
		t.Fatalf("record = attempts %d disposition %q, want one attempt without disposition", got.Attempts, got.Disposition)
	}
	if len(gw.HungUp()) != 0 {
		t.Fatalf("hung up = %v, want none", gw.HungUp())
	}
}

func TestNewAutoRunnerRequiresExecutor(t *testing.T) {
	t.Parallel()

	if _, err := NewAutoRunner(nil, time.Second, nil); err == nil {
		t.Fatal("expected error for nil executor")
	}
}

func newTestAutoRunner(t *testing.T, executor Executor, interval time.Duration) *AutoRunner {
	t.Helper()

	runner, err := NewAutoRunner(executor, interval, zap.NewNop())
	if err != nil {
		t.Fatalf("NewAutoRunner() error = %v", err)
	}
	t.Cleanup(runner.Stop)
	return runner
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type fakeExecutor struct {
	busyFn    func() bool
	dueFn     func() []domain.CallbackRequest
	executeFn func(ctx context.Context, id string) (domain.CallbackRequest, error)

	mu           sync.Mutex
	busyCalls    int
	dueCalls     int
	executeCalls int
}

func (f *fakeExecutor) Busy() bool {
	f.mu.Lock()
	f.busyCalls++
	f.mu.Unlock()

	if f.busyFn != nil {
		return f.busyFn()
	}
	return false
}

func (f *fakeExecutor) Due() []domain.CallbackRequest {
	f.mu.Lock()
	f.dueCalls++
	f.mu.Unlock()

	if f.dueFn != nil {
		return f.dueFn()
	}
	return nil
}

func (f *fakeExecutor) Execute(ctx context.Context, id string) (domain.CallbackRequest, error) {
	f.mu.Lock()
	f.executeCalls++
	f.mu.Unlock()

	if f.executeFn != nil {
		return f.executeFn(ctx, id)
	}
	return domain.CallbackRequest{}, errors.New("not configured")
}

func (f *fakeExecutor) BusyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busyCalls
}

func (f *fakeExecutor) DueCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dueCalls
}

func (f *fakeExecutor) ExecuteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executeCalls
}
