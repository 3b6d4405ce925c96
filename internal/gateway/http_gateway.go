package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/callback-engine/internal/ratelimit"
)

const (
	defaultRequestTimeout = 10 * time.Second
	originateLimiterKey   = "originate"
)

type originatePayload struct {
	Target         string            `json:"target"`
	Context        string            `json:"context"`
	Extension      string            `json:"extension"`
	CallerID       string            `json:"callerId,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	Variables      map[string]string `json:"variables,omitempty"`
}

type hangupResponse struct {
	Success bool `json:"success"`
}

// HTTPGateway drives the switch through its HTTP control API.
type HTTPGateway struct {
	client  *resty.Client
	baseURL string
	limiter ratelimit.RateLimiter
}

var _ SwitchGateway = (*HTTPGateway)(nil)

func NewHTTPGateway(baseURL string) (*HTTPGateway, error) {
	client := resty.New()
	client.SetTimeout(defaultRequestTimeout)
	client.SetRetryCount(0)

	return NewHTTPGatewayWithClient(baseURL, client)
}

func NewHTTPGatewayWithClient(baseURL string, client *resty.Client) (*HTTPGateway, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("switch gateway url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid switch gateway url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultRequestTimeout)
	}
	client.SetRetryCount(0)

	return &HTTPGateway{
		client:  client,
		baseURL: trimmed,
	}, nil
}

// SetRateLimiter paces Originate calls across all engine instances.
func (g *HTTPGateway) SetRateLimiter(limiter ratelimit.RateLimiter) {
	if g == nil {
		return
	}
	g.limiter = limiter
}

func (g *HTTPGateway) Originate(ctx context.Context, req OriginateRequest) (OriginateResult, error) {
	if g == nil || g.client == nil {
		return OriginateResult{}, fmt.Errorf("switch gateway is not initialized")
	}
	if strings.TrimSpace(req.Target) == "" {
		return OriginateResult{}, fmt.Errorf("originate target is required")
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, originateLimiterKey); err != nil {
			return OriginateResult{}, &GatewayError{
				Op:        "originate",
				Message:   "rate limiter wait failed",
				Transient: true,
				Cause:     err,
			}
		}
	}

	payload := originatePayload{
		Target:         req.Target,
		Context:        req.Context,
		Extension:      req.Extension,
		CallerID:       req.CallerID,
		TimeoutSeconds: int(req.Timeout / time.Second),
		Variables:      req.Variables,
	}

	var result OriginateResult
	response, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(&result).
		Post(g.baseURL + "/originate")
	if err != nil {
		return OriginateResult{}, &GatewayError{
			Op:        "originate",
			Message:   "request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	statusCode := response.StatusCode()
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return OriginateResult{}, &GatewayError{
			Op:         "originate",
			StatusCode: statusCode,
			Message:    gatewayErrorMessage(statusCode, strings.TrimSpace(response.String())),
			Transient:  isTransientHTTPStatus(statusCode),
		}
	}

	if result.Success && strings.TrimSpace(result.Channel) == "" {
		return OriginateResult{}, &GatewayError{
			Op:      "originate",
			Message: "switch acknowledged origination without a channel",
		}
	}

	return result, nil
}

// Hangup reports false without error when the channel is already gone.
func (g *HTTPGateway) Hangup(ctx context.Context, channel string) (bool, error) {
	if g == nil || g.client == nil {
		return false, fmt.Errorf("switch gateway is not initialized")
	}
	trimmed := strings.TrimSpace(channel)
	if trimmed == "" {
		return false, fmt.Errorf("channel is required")
	}

	var result hangupResponse
	response, err := g.client.R().
		SetContext(ctx).
		SetResult(&result).
		SetPathParam("channel", trimmed).
		Post(g.baseURL + "/channels/{channel}/hangup")
	if err != nil {
		return false, &GatewayError{
			Op:        "hangup",
			Message:   "request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}

	statusCode := response.StatusCode()
	if statusCode == http.StatusNotFound {
		return false, nil
	}
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return false, &GatewayError{
			Op:         "hangup",
			StatusCode: statusCode,
			Message:    gatewayErrorMessage(statusCode, strings.TrimSpace(response.String())),
			Transient:  isTransientHTTPStatus(statusCode),
		}
	}

	return result.Success, nil
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func gatewayErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("switch returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
