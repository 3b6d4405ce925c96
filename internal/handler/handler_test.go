package handler

import (
	"bytes"
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/callback-engine/internal/domain"
	"github.com/kursadbilgin/callback-engine/internal/service"
	"github.com/kursadbilgin/callback-engine/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()

	return fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

type stubCallbackService struct {
	scheduleFn       func(ctx context.Context, in service.ScheduleInput) (domain.CallbackRequest, error)
	executeFn        func(ctx context.Context, id string) (domain.CallbackRequest, error)
	executeNextFn    func(ctx context.Context) (domain.CallbackRequest, error)
	cancelFn         func(ctx context.Context, id string, reason string) (domain.CallbackRequest, error)
	rescheduleFn     func(ctx context.Context, id string, at time.Time) (domain.CallbackRequest, error)
	updatePriorityFn func(ctx context.Context, id string, priority string) (domain.CallbackRequest, error)
	addNotesFn       func(ctx context.Context, id string, text string, author string) (domain.CallbackRequest, error)
	markCompletedFn  func(ctx context.Context, id string, disposition string, handledBy string) (domain.CallbackRequest, error)
	getFn            func(id string) (domain.CallbackRequest, error)
	listFn           func(status string) ([]domain.CallbackRequest, error)
	dueFn            func() []domain.CallbackRequest
	attemptsFn       func(ctx context.Context, id string) ([]domain.CallbackAttempt, error)
	stats            service.Stats
	cleared          int
	loaded           int
	saved            int
	storageCleared   bool
}

func (s *stubCallbackService) Schedule(ctx context.Context, in service.ScheduleInput) (domain.CallbackRequest, error) {
	if s.scheduleFn == nil {
		return domain.CallbackRequest{}, errors.New("not implemented")
	}
	return s.scheduleFn(ctx, in)
}

func (s *stubCallbackService) Execute(ctx context.Context, id string) (domain.CallbackRequest, error) {
	if s.executeFn == nil {
		return domain.CallbackRequest{}, errors.New("not implemented")
	}
	return s.executeFn(ctx, id)
}

func (s *stubCallbackService) ExecuteNext(ctx context.Context) (domain.CallbackRequest, error) {
	if s.executeNextFn == nil {
		return domain.CallbackRequest{}, errors.New("not implemented")
	}
	return s.executeNextFn(ctx)
}

func (s *stubCallbackService) Cancel(ctx context.Context, id string, reason string) (domain.CallbackRequest, error) {
	if s.cancelFn == nil {
		return domain.CallbackRequest{}, errors.New("not implemented")
	}
	return s.cancelFn(ctx, id, reason)
}

func (s *stubCallbackService) Reschedule(ctx context.Context, id string, at time.Time) (domain.CallbackRequest, error) {
	if s.rescheduleFn == nil {
		return domain.CallbackRequest{}, errors.New("not implemented")
	}
	return s.rescheduleFn(ctx, id, at)
}

func (s *stubCallbackService) UpdatePriority(ctx context.Context, id string, priority string) (domain.CallbackRequest, error) {
	if s.updatePriorityFn == nil {
		return domain.CallbackRequest{}, errors.New("not implemented")
	}
	return s.updatePriorityFn(ctx, id, priority)
}

func (s *stubCallbackService) AddNotes(ctx context.Context, id string, text string, author string) (domain.CallbackRequest, error) {
	if s.addNotesFn == nil {
		return domain.CallbackRequest{}, errors.New("not implemented")
	}
	return s.addNotesFn(ctx, id, text, author)
}

func (s *stubCallbackService) MarkCompleted(ctx context.Context, id string, disposition string, handledBy string) (domain.CallbackRequest, error) {
	if s.markCompletedFn == nil {
		return domain.CallbackRequest{}, errors.New("not implemented")
	}
	return s.markCompletedFn(ctx, id, disposition, handledBy)
}

func (s *stubCallbackService) ClearCompleted(ctx context.Context) int { return s.cleared }
func (s *stubCallbackService) ClearFailed(ctx context.Context) int    { return s.cleared }
func (s *stubCallbackService) LoadFromStorage(ctx context.Context) int {
	return s.loaded
}
func (s *stubCallbackService) SaveToStorage(ctx context.Context) int { return s.saved }
func (s *stubCallbackService) ClearStorage(ctx context.Context)      { s.storageCleared = true }
func (s *stubCallbackService) GetStats() service.Stats               { return s.stats }

func (s *stubCallbackService) Get(id string) (domain.CallbackRequest, error) {
	if s.getFn == nil {
		return domain.CallbackRequest{}, errors.New("not implemented")
	}
	return s.getFn(id)
}

func (s *stubCallbackService) List(status string) ([]domain.CallbackRequest, error) {
	if s.listFn == nil {
		return nil, errors.New("not implemented")
	}
	return s.listFn(status)
}

func (s *stubCallbackService) Due() []domain.CallbackRequest {
	if s.dueFn == nil {
		return nil
	}
	return s.dueFn()
}

func (s *stubCallbackService) Attempts(ctx context.Context, id string) ([]domain.CallbackAttempt, error) {
	if s.attemptsFn == nil {
		return nil, errors.New("not implemented")
	}
	return s.attemptsFn(ctx, id)
}

type stubConnector struct {
	pingErr error
}

func (c stubConnector) Connect(context.Context) (driver.Conn, error) {
	return stubConn(c), nil
}

func (c stubConnector) Driver() driver.Driver {
	return stubDriver(c)
}

type stubDriver struct {
	pingErr error
}

func (d stubDriver) Open(string) (driver.Conn, error) {
	return stubConn(d), nil
}

type stubConn struct {
	pingErr error
}

func (c stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c stubConn) Close() error                        { return nil }
func (c stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not implemented") }
func (c stubConn) Ping(context.Context) error          { return c.pingErr }

type stubRedisHook struct {
	pingErr error
}

func (h stubRedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h stubRedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if strings.EqualFold(cmd.Name(), "ping") && h.pingErr != nil {
			cmd.SetErr(h.pingErr)
			return h.pingErr
		}
		cmd.SetErr(nil)
		return nil
	}
}

func (h stubRedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			cmd.SetErr(nil)
		}
		return nil
	}
}

func newStubRedisClient(pingErr error) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:6379",
		DialTimeout:  time.Millisecond,
		ReadTimeout:  time.Millisecond,
		WriteTimeout: time.Millisecond,
	})
	rdb.AddHook(stubRedisHook{pingErr: pingErr})
	return rdb
}
