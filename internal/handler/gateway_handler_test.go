package handler

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/callback-engine/internal/domain"
	"github.com/kursadbilgin/callback-engine/internal/gateway"
)

type recordingEventHandler struct {
	mu     sync.Mutex
	events []gateway.ChannelEvent
	err    error
}

func (r *recordingEventHandler) HandleChannelEvent(ctx context.Context, ev gateway.ChannelEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func TestGatewayRoutes_AcceptsChannelEvents(t *testing.T) {
	t.Parallel()

	events := &recordingEventHandler{}
	app := newTestApp(t)
	if err := RegisterGatewayRoutes(app, events); err != nil {
		t.Fatalf("RegisterGatewayRoutes() error = %v", err)
	}

	body := `{"channel":" SIP/trunk-0001 ","type":"hangup","cause":17,"occurredAt":"2026-03-10T09:00:00Z"}`
	resp, respBody := performRequest(t, app, http.MethodPost, "/v1/gateway/events", body)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(respBody))
	}

	if len(events.events) != 1 {
		t.Fatalf("events = %d, want 1", len(events.events))
	}
	got := events.events[0]
	if got.Channel != "SIP/trunk-0001" || got.Type != gateway.EventHangup || got.Cause != 17 {
		t.Fatalf("event = %+v", got)
	}
}

func TestGatewayRoutes_RejectsInvalidEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed", body: `{"channel":`},
		{name: "missing channel", body: `{"type":"hangup"}`},
		{name: "unknown type", body: `{"channel":"c1","type":"ringing"}`},
		{name: "bad disposition", body: `{"channel":"c1","type":"hangup","disposition":"maybe"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			events := &recordingEventHandler{}
			app := newTestApp(t)
			if err := RegisterGatewayRoutes(app, events); err != nil {
				t.Fatalf("RegisterGatewayRoutes() error = %v", err)
			}

			resp, _ := performRequest(t, app, http.MethodPost, "/v1/gateway/events", tt.body)
			if resp.StatusCode != fiber.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if len(events.events) != 0 {
				t.Fatal("invalid events must not reach the service")
			}
		})
	}
}

func TestGatewayRoutes_MapsServiceErrors(t *testing.T) {
	t.Parallel()

	events := &recordingEventHandler{err: fmt.Errorf("%w: unknown event", domain.ErrValidation)}
	app := newTestApp(t)
	if err := RegisterGatewayRoutes(app, events); err != nil {
		t.Fatalf("RegisterGatewayRoutes() error = %v", err)
	}

	resp, _ := performRequest(t, app, http.MethodPost, "/v1/gateway/events", `{"channel":"c1","type":"dial_progress","state":"ringing"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
